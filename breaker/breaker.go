// Package breaker implements the operator controlled circuit breaker that
// blocks new run admission.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rustyeddy/runguard/logging"
)

// ReasonParseError is reported when the state file cannot be read. An
// unreadable breaker is treated as active.
const ReasonParseError = "circuit_breaker_parse_error"

// State is the persisted breaker record.
type State struct {
	Active   bool    `json:"active"`
	Reason   string  `json:"reason"`
	UntilISO *string `json:"until_iso"`
}

// Until parses UntilISO. ok is false when no expiry is set; err is set when
// one is present but malformed.
func (s State) Until() (until time.Time, ok bool, err error) {
	if s.UntilISO == nil || strings.TrimSpace(*s.UntilISO) == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(*s.UntilISO)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// ActiveAt evaluates the breaker at now. Expiry is lazy: a record with an
// elapsed until is inactive even though it still says active on disk. A
// malformed until keeps the breaker active.
func (s State) ActiveAt(now time.Time) (bool, string) {
	if !s.Active {
		return false, ""
	}
	until, ok, err := s.Until()
	if ok && err == nil && now.After(until) {
		return false, ""
	}
	return true, s.Reason
}

// ParseTime accepts RFC 3339 with or without a zone. Timestamps without a
// zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Breaker reads and writes the state file. The zero path disables it.
type Breaker struct {
	path string
	now  func() time.Time
	log  *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = logging.Component(l, "circuit_breaker") }
}

// New returns a breaker persisted at path.
func New(path string, opts ...Option) *Breaker {
	b := &Breaker{path: path, now: time.Now, log: logging.Nop()}
	for _, fn := range opts {
		fn(b)
	}
	return b
}

// Path is the state file location.
func (b *Breaker) Path() string { return b.path }

// Status returns the raw record and whether the file exists.
func (b *Breaker) Status(ctx context.Context) (State, bool, error) {
	if b.path == "" {
		return State{}, false, nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, true, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, true, fmt.Errorf("parse %s: %w", b.path, err)
	}
	return st, true, nil
}

// IsActive reports whether admission is blocked and why.
func (b *Breaker) IsActive(ctx context.Context) (bool, string) {
	b.log.Debug("cb_check", "cb_file", b.path)
	st, exists, err := b.Status(ctx)
	if err != nil {
		b.log.Error("circuit_breaker_parse_error", "path", b.path, "error", err.Error())
		return true, ReasonParseError
	}
	if !exists {
		return false, ""
	}
	if _, ok, err := st.Until(); ok && err != nil {
		b.log.Warn("cb_until_unparsed", "until_iso", *st.UntilISO)
	}
	return st.ActiveAt(b.now())
}

// Enable activates the breaker. A zero until keeps it on until Disable.
func (b *Breaker) Enable(ctx context.Context, reason string, until time.Time) (State, error) {
	if b.path == "" {
		return State{}, errors.New("circuit breaker file is not configured")
	}
	st := State{Active: true, Reason: reason}
	untilISO := ""
	if !until.IsZero() {
		untilISO = until.UTC().Format(time.RFC3339)
		st.UntilISO = &untilISO
	}
	if err := writeJSONAtomic(b.path, st); err != nil {
		return State{}, err
	}
	b.log.Info("cb_enabled", "file", b.path, "reason", reason, "until_iso", untilISO)
	return st, nil
}

// EnableFor activates the breaker for d from now.
func (b *Breaker) EnableFor(ctx context.Context, reason string, d time.Duration) (State, error) {
	var until time.Time
	if d > 0 {
		until = b.now().Add(d)
	}
	return b.Enable(ctx, reason, until)
}

// Disable turns the breaker off, keeping the last reason for audit. A
// missing file is already inactive.
func (b *Breaker) Disable(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	st, exists, err := b.Status(ctx)
	if !exists {
		b.log.Info("cb_disable_noop", "file", b.path)
		return nil
	}
	if err != nil {
		// overwrite an unreadable record rather than leave the breaker stuck on
		st = State{}
	}
	st.Active = false
	if err := writeJSONAtomic(b.path, st); err != nil {
		return err
	}
	b.log.Info("cb_disabled", "file", b.path)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.CreateTemp(dir, ".tmp-cb-*.json")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(file.Name())
	}()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(file.Name(), path)
}
