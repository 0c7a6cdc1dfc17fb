package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSlots = []byte("slots")

// BoltStore keeps slots in a bbolt database. The file is opened per
// operation so independent processes take turns on bbolt's file lock
// instead of one process holding it for its lifetime.
type BoltStore struct {
	path string
	ttl  time.Duration
	o    options
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a store backed by the database at path.
func NewBoltStore(path string, ttl time.Duration, opts ...Option) *BoltStore {
	return &BoltStore{path: path, ttl: ttl, o: buildOptions(opts)}
}

func (s *BoltStore) open(op string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, &Error{Op: op, Path: s.path, Err: err}
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.o.lockTimeout})
	if err != nil {
		return nil, &Error{Op: op, Path: s.path, Err: err}
	}
	return db, nil
}

func (s *BoltStore) update(ctx context.Context, op string, fn func(b *bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open(op)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketSlots)
		if err != nil {
			return err
		}
		return fn(b)
	})
	if err != nil {
		var le *Error
		if errors.As(err, &le) || errors.Is(err, ErrLimitReached) {
			return err
		}
		return &Error{Op: op, Path: s.path, Err: err}
	}
	return nil
}

func (s *BoltStore) Acquire(ctx context.Context, kind, correlationID string) (Handle, error) {
	h, _, err := s.AcquireWithin(ctx, kind, correlationID, 0)
	return h, err
}

// AcquireWithin counts and creates inside one write transaction, so the
// cap holds across processes sharing the database.
func (s *BoltStore) AcquireWithin(ctx context.Context, kind, correlationID string, limit int) (Handle, int, error) {
	slot, err := newSlot(s.o, kind, correlationID, s.ttl)
	if err != nil {
		return Handle{}, 0, err
	}
	n := 0
	err = s.update(ctx, "create", func(b *bolt.Bucket) error {
		if limit > 0 {
			live, _, err := s.reclaimBucket(b)
			if err != nil {
				return err
			}
			for _, l := range live {
				if l.Kind == kind {
					n++
				}
			}
			if n >= limit {
				return ErrLimitReached
			}
		}
		key := []byte(slot.Token)
		if b.Get(key) != nil {
			return ErrExists
		}
		body, err := json.Marshal(slot)
		if err != nil {
			return err
		}
		return b.Put(key, body)
	})
	if err != nil {
		return Handle{}, n, err
	}
	return Handle{Token: slot.Token, Kind: kind, Path: s.path}, n, nil
}

func (s *BoltStore) Release(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	return s.update(ctx, "remove", func(b *bolt.Bucket) error {
		return b.Delete([]byte(h.Token))
	})
}

func (s *BoltStore) HandleFor(token string) (Handle, error) {
	h, err := handleFor(token)
	if err != nil {
		return Handle{}, err
	}
	h.Path = s.path
	return h, nil
}

func (s *BoltStore) CountLive(ctx context.Context, kind string) (int, error) {
	live, _, err := s.reclaim(ctx)
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

func (s *BoltStore) List(ctx context.Context) ([]Slot, error) {
	live, _, err := s.reclaim(ctx)
	return live, err
}

func (s *BoltStore) Sweep(ctx context.Context) (int, error) {
	_, removed, err := s.reclaim(ctx)
	return removed, err
}

func (s *BoltStore) reclaim(ctx context.Context) ([]Slot, int, error) {
	var (
		live    []Slot
		removed int
	)
	err := s.update(ctx, "scan", func(b *bolt.Bucket) error {
		var err error
		live, removed, err = s.reclaimBucket(b)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return live, removed, nil
}

// reclaimBucket deletes expired or undecodable slots and returns the rest.
// Keys are collected first since bbolt forbids deleting inside ForEach.
func (s *BoltStore) reclaimBucket(b *bolt.Bucket) ([]Slot, int, error) {
	now := s.o.now()
	var (
		live    []Slot
		expired [][]byte
	)
	err := b.ForEach(func(k, v []byte) error {
		var slot Slot
		if err := json.Unmarshal(v, &slot); err != nil {
			s.o.log.Warn("slot_decode_error", "token", string(k), "error", err.Error())
			expired = append(expired, append([]byte(nil), k...))
			return nil
		}
		slot.Token = string(k)
		if Expired(slot.CreatedAt, s.ttl, now) {
			s.o.log.Debug("stale_lock_cleanup", "token", slot.Token, "ttl_sec", int(s.ttl/time.Second))
			expired = append(expired, append([]byte(nil), k...))
			return nil
		}
		live = append(live, slot)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, k := range expired {
		if err := b.Delete(k); err != nil {
			return nil, 0, err
		}
	}
	return live, len(expired), nil
}
