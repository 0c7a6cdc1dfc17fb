package lock

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const markerExt = ".lock"

// FileStore keeps one marker file per slot in a directory. Marker creation
// uses O_EXCL, which is the only synchronization between processes.
//
// AcquireWithin is serialized within one FileStore, but counting and
// creating are separate filesystem steps, so independent processes racing
// at the cap can over-admit by a small margin. That is accepted in exchange
// for needing no coordination service.
type FileStore struct {
	dir string
	ttl time.Duration
	o   options

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. Slots older than ttl are
// reclaimed on the next count or sweep.
func NewFileStore(dir string, ttl time.Duration, opts ...Option) *FileStore {
	return &FileStore{dir: dir, ttl: ttl, o: buildOptions(opts)}
}

// Dir is the marker directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Acquire(ctx context.Context, kind, correlationID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	slot, err := newSlot(s.o, kind, correlationID, s.ttl)
	if err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Handle{}, &Error{Op: "mkdir", Path: s.dir, Err: err}
	}

	path := filepath.Join(s.dir, slot.Token+markerExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			err = ErrExists
		}
		return Handle{}, &Error{Op: "create", Path: path, Err: err}
	}

	body, _ := json.Marshal(slot)
	_, werr := f.Write(body)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		// mtime is the expiry clock, keep it on the same time source as now.
		werr = os.Chtimes(path, slot.CreatedAt, slot.CreatedAt)
	}
	if werr != nil {
		_ = os.Remove(path)
		return Handle{}, &Error{Op: "write", Path: path, Err: werr}
	}

	return Handle{Token: slot.Token, Kind: kind, Path: path}, nil
}

func (s *FileStore) AcquireWithin(ctx context.Context, kind, correlationID string, limit int) (Handle, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if limit > 0 {
		var err error
		if n, err = s.CountLive(ctx, kind); err != nil {
			return Handle{}, 0, err
		}
		if n >= limit {
			return Handle{}, n, ErrLimitReached
		}
	}
	h, err := s.Acquire(ctx, kind, correlationID)
	return h, n, err
}

func (s *FileStore) Release(ctx context.Context, h Handle) error {
	if h.IsZero() || h.Path == "" {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "remove", Path: h.Path, Err: err}
	}
	return nil
}

func (s *FileStore) HandleFor(token string) (Handle, error) {
	h, err := handleFor(token)
	if err != nil {
		return Handle{}, err
	}
	h.Path = filepath.Join(s.dir, token+markerExt)
	return h, nil
}

func (s *FileStore) CountLive(ctx context.Context, kind string) (int, error) {
	live, _, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, slot := range live {
		if slot.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) List(ctx context.Context) ([]Slot, error) {
	live, _, err := s.scan(ctx)
	return live, err
}

func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	_, removed, err := s.scan(ctx)
	return removed, err
}

// scan walks every marker, deleting expired ones as a side effect, and
// returns the survivors.
func (s *FileStore) scan(ctx context.Context) ([]Slot, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, &Error{Op: "scan", Path: s.dir, Err: err}
	}

	now := s.o.now()
	var (
		live    []Slot
		removed int
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, removed, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, markerExt) {
			continue
		}
		path := filepath.Join(s.dir, name)

		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.o.log.Warn("lock_stat_error", "lock_file", path, "error", err.Error())
			}
			continue
		}

		if Expired(info.ModTime(), s.ttl, now) {
			s.o.log.Debug("stale_lock_cleanup",
				"lock_file", path,
				"age_sec", int(now.Sub(info.ModTime())/time.Second),
				"ttl_sec", int(s.ttl/time.Second),
			)
			if err := os.Remove(path); err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.o.log.Error("stale_lock_remove_error", "lock_file", path, "error", err.Error())
				}
				continue
			}
			removed++
			continue
		}

		token := strings.TrimSuffix(name, markerExt)
		kind, _, pid, cid, ok := ParseToken(token)
		if !ok {
			s.o.log.Warn("lock_name_unparsed", "lock_file", path)
			continue
		}
		live = append(live, Slot{
			Token:         token,
			Kind:          kind,
			PID:           pid,
			CreatedAt:     info.ModTime().UTC(),
			CorrelationID: cid,
			TTLSec:        int(s.ttl / time.Second),
		})
	}
	return live, removed, nil
}
