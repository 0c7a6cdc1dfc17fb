// Package lock records which runs currently occupy a concurrency slot.
//
// A slot is a durable marker rather than an in-memory mutex so that slots
// left behind by crashed processes can be found and reclaimed once their TTL
// elapses, without probing whether the owning process is still alive.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/runguard/logging"
	"github.com/rustyeddy/runguard/pkg/id"
)

// ErrInvalidKind is returned for kinds that cannot be encoded in a token.
var ErrInvalidKind = errors.New("invalid run kind")

// ErrExists means the slot token is already taken. Tokens embed time, pid
// and correlation id so this should never happen outside of a clock reset.
var ErrExists = errors.New("slot already exists")

// ErrLimitReached is returned by AcquireWithin when the kind is at its cap.
var ErrLimitReached = errors.New("slot limit reached")

const maxCorrelationLen = 32

var (
	kindRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	cidStrip = regexp.MustCompile(`[^A-Za-z0-9-]+`)
)

// Slot is one live run occupying a concurrency slot.
type Slot struct {
	Token         string    `json:"-"`
	Kind          string    `json:"kind"`
	PID           int       `json:"pid"`
	CreatedAt     time.Time `json:"ts"`
	CorrelationID string    `json:"cid"`
	TTLSec        int       `json:"ttl_sec"`
}

// ExpiresAt is when the slot stops counting toward its cap.
func (s Slot) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLSec) * time.Second)
}

// Handle references an acquired slot. The zero Handle is valid and
// releasing it does nothing.
type Handle struct {
	Token string
	Kind  string
	Path  string
}

// IsZero reports whether h references no slot.
func (h Handle) IsZero() bool {
	return h.Token == ""
}

// Store is a slot registry. Implementations must be safe to use from
// independent processes sharing the same backing location.
type Store interface {
	// Acquire durably records a new slot. Any error means the slot was not
	// recorded and the run must not be admitted.
	Acquire(ctx context.Context, kind, correlationID string) (Handle, error)
	// AcquireWithin counts live slots of kind and acquires only while
	// fewer than limit exist. It returns the count seen before acquiring
	// and ErrLimitReached when at the cap. A limit of zero or less is
	// unbounded and skips the count.
	AcquireWithin(ctx context.Context, kind, correlationID string, limit int) (Handle, int, error)
	// Release removes the slot. Releasing a missing slot is not an error.
	Release(ctx context.Context, h Handle) error
	// HandleFor rebuilds the handle of a token returned by an earlier
	// acquire, possibly from another process.
	HandleFor(token string) (Handle, error)
	// CountLive reclaims expired slots of every kind and returns how many
	// live slots of kind remain.
	CountLive(ctx context.Context, kind string) (int, error)
	// List returns all live slots.
	List(ctx context.Context) ([]Slot, error)
	// Sweep reclaims expired slots and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Error is a persistence fault in a lock backend.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Expired reports whether a slot created at createdAt is past its ttl at
// now. A slot exactly ttl old is still live.
func Expired(createdAt time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(createdAt) > ttl
}

// ValidKind reports whether kind can be encoded into a token.
func ValidKind(kind string) bool {
	return kindRe.MatchString(kind)
}

// SanitizeCorrelationID strips characters that would break the token
// layout or the filesystem and caps the length.
func SanitizeCorrelationID(cid string) string {
	cid = cidStrip.ReplaceAllString(strings.TrimSpace(cid), "")
	if len(cid) > maxCorrelationLen {
		cid = cid[:maxCorrelationLen]
	}
	return cid
}

// Token encodes a slot identity as {kind}_{unix_ts}_{pid}_{correlation_id}.
func Token(kind string, created time.Time, pid int, correlationID string) string {
	return fmt.Sprintf("%s_%d_%d_%s", kind, created.Unix(), pid, correlationID)
}

// ParseToken splits a token back into its parts.
func ParseToken(token string) (kind string, unix int64, pid int, correlationID string, ok bool) {
	parts := strings.SplitN(token, "_", 4)
	if len(parts) < 3 {
		return "", 0, 0, "", false
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, "", false
	}
	pid, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, "", false
	}
	if len(parts) == 4 {
		correlationID = parts[3]
	}
	return parts[0], unix, pid, correlationID, true
}

func handleFor(token string) (Handle, error) {
	kind, _, _, _, ok := ParseToken(token)
	if !ok || !ValidKind(kind) || strings.ContainsAny(token, `/\`) {
		return Handle{}, fmt.Errorf("malformed slot token %q", token)
	}
	return Handle{Token: token, Kind: kind}, nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	now         func() time.Time
	pid         int
	log         *slog.Logger
	lockTimeout time.Duration
}

func defaultOptions() options {
	return options{
		now:         time.Now,
		pid:         os.Getpid(),
		log:         logging.Nop(),
		lockTimeout: 2 * time.Second,
	}
}

// WithClock injects the time source used for tokens and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPID overrides the pid encoded in tokens.
func WithPID(pid int) Option {
	return func(o *options) { o.pid = pid }
}

// WithLogger sets the logger for reclamation and cleanup warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = logging.Component(l, "lock") }
}

// WithLockTimeout bounds how long the bbolt backend waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// newSlot validates kind and builds the slot an acquire would record.
func newSlot(o options, kind, correlationID string, ttl time.Duration) (Slot, error) {
	if !ValidKind(kind) {
		return Slot{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	cid := SanitizeCorrelationID(correlationID)
	if cid == "" {
		cid = id.Short(8)
	}
	now := o.now()
	s := Slot{
		Kind:          kind,
		PID:           o.pid,
		CreatedAt:     now.UTC(),
		CorrelationID: cid,
		TTLSec:        int(ttl / time.Second),
	}
	s.Token = Token(kind, now, o.pid, cid)
	return s, nil
}
