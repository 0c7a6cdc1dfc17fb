package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeClock is a settable time source shared by a store and its test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 8, 17, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, ttl time.Duration, clk *fakeClock) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T, ttl time.Duration, clk *fakeClock) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "running"), ttl, WithClock(clk.Now), WithPID(4242))
		},
		"bbolt": func(t *testing.T, ttl time.Duration, clk *fakeClock) Store {
			return NewBoltStore(filepath.Join(t.TempDir(), "slots.db"), ttl, WithClock(clk.Now), WithPID(4242))
		},
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1755424800, 0)
	tok := Token("backtest", ts, 123, "abc-def")
	assert.Equal(t, "backtest_1755424800_123_abc-def", tok)

	kind, unix, pid, cid, ok := ParseToken(tok)
	require.True(t, ok)
	assert.Equal(t, "backtest", kind)
	assert.Equal(t, int64(1755424800), unix)
	assert.Equal(t, 123, pid)
	assert.Equal(t, "abc-def", cid)

	_, _, _, _, ok = ParseToken("garbage")
	assert.False(t, ok)
	_, _, _, _, ok = ParseToken("backtest_x_1_c")
	assert.False(t, ok)
}

func TestSanitizeCorrelationID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc123", SanitizeCorrelationID(" abc/../123 "))
	assert.Equal(t, "a-b", SanitizeCorrelationID("a_-_b"))
	long := "0123456789abcdef0123456789abcdef0123456789"
	assert.Len(t, SanitizeCorrelationID(long), 32)
}

func TestExpired(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ttl := 10 * time.Second
	assert.False(t, Expired(created, ttl, created.Add(5*time.Second)))
	assert.False(t, Expired(created, ttl, created.Add(ttl)))
	assert.True(t, Expired(created, ttl, created.Add(ttl+time.Nanosecond)))
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := newFakeClock()
			s := factory(t, time.Minute, clk)

			n, err := s.CountLive(ctx, "backtest")
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			h1, err := s.Acquire(ctx, "backtest", "run-1")
			require.NoError(t, err)
			assert.Equal(t, "backtest_1755424800_4242_run-1", h1.Token)
			assert.Equal(t, "backtest", h1.Kind)

			h2, err := s.Acquire(ctx, "backtest", "run-2")
			require.NoError(t, err)
			_, err = s.Acquire(ctx, "hyperopt", "run-3")
			require.NoError(t, err)

			n, err = s.CountLive(ctx, "backtest")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			slots, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, slots, 3)

			require.NoError(t, s.Release(ctx, h1))
			require.NoError(t, s.Release(ctx, h1), "release must be idempotent")
			require.NoError(t, s.Release(ctx, Handle{}))

			n, err = s.CountLive(ctx, "backtest")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.Release(ctx, h2))
			n, err = s.CountLive(ctx, "backtest")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestStoreReclaimsExpired(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := newFakeClock()
			s := factory(t, 30*time.Second, clk)

			old, err := s.Acquire(ctx, "backtest", "old")
			require.NoError(t, err)
			_, err = s.Acquire(ctx, "paper", "old-paper")
			require.NoError(t, err)

			clk.Advance(20 * time.Second)
			_, err = s.Acquire(ctx, "backtest", "fresh")
			require.NoError(t, err)

			clk.Advance(20 * time.Second)
			n, err := s.CountLive(ctx, "backtest")
			require.NoError(t, err)
			assert.Equal(t, 1, n, "only the fresh slot is still live")

			// the paper slot was swept too even though we counted backtests
			slots, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, slots, 1)
			assert.Equal(t, "fresh", slots[0].CorrelationID)

			// releasing a reclaimed slot is still fine
			assert.NoError(t, s.Release(ctx, old))

			clk.Advance(time.Hour)
			removed, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
		})
	}
}

func TestStoreAcquireWithin(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := newFakeClock()
			s := factory(t, time.Minute, clk)

			_, n, err := s.AcquireWithin(ctx, "backtest", "a", 2)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			h, n, err := s.AcquireWithin(ctx, "backtest", "b", 2)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, n, err = s.AcquireWithin(ctx, "backtest", "c", 2)
			assert.ErrorIs(t, err, ErrLimitReached)
			assert.Equal(t, 2, n)

			// other kinds have their own cap
			_, _, err = s.AcquireWithin(ctx, "hyperopt", "d", 2)
			require.NoError(t, err)

			require.NoError(t, s.Release(ctx, h))
			_, _, err = s.AcquireWithin(ctx, "backtest", "c", 2)
			require.NoError(t, err)

			// expiry frees capacity
			clk.Advance(2 * time.Minute)
			_, n, err = s.AcquireWithin(ctx, "backtest", "e", 2)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			// unbounded skips the count
			for _, cid := range []string{"u1", "u2", "u3"} {
				_, n, err = s.AcquireWithin(ctx, "paper", cid, 0)
				require.NoError(t, err)
				assert.Equal(t, 0, n)
			}
		})
	}
}

func TestStoreAcquireWithinConcurrent(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := factory(t, time.Minute, newFakeClock())

			const attempts, limit = 8, 3
			var (
				mu      sync.Mutex
				granted int
				denied  int
			)
			g, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < attempts; i++ {
				cid := "w" + string(rune('a'+i))
				g.Go(func() error {
					_, _, err := s.AcquireWithin(ctx, "backtest", cid, limit)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						granted++
					case errors.Is(err, ErrLimitReached):
						denied++
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, limit, granted)
			assert.Equal(t, attempts-limit, denied)
		})
	}
}

func TestStoreRejectsInvalidKind(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := factory(t, time.Minute, newFakeClock())
			for _, kind := range []string{"", "Back_test", "../x"} {
				_, err := s.Acquire(context.Background(), kind, "c")
				assert.ErrorIs(t, err, ErrInvalidKind, kind)
			}
		})
	}
}

func TestStoreHandleForReleases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := factory(t, time.Minute, newFakeClock())
			h, err := s.Acquire(ctx, "paper", "cli")
			require.NoError(t, err)

			rebuilt, err := s.HandleFor(h.Token)
			require.NoError(t, err)
			assert.Equal(t, h, rebuilt)
			require.NoError(t, s.Release(ctx, rebuilt))

			n, err := s.CountLive(ctx, "paper")
			require.NoError(t, err)
			assert.Zero(t, n)

			for _, bad := range []string{"", "paper", "paper_x_1_c", "Paper_1_2_c", "../x_1_2_c", "paper_1_2_a/b"} {
				_, err := s.HandleFor(bad)
				assert.Error(t, err, bad)
			}
		})
	}
}

func TestStoreGeneratesCorrelationWhenEmpty(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, time.Minute, newFakeClock())

			h1, err := s.Acquire(ctx, "backtest", "")
			require.NoError(t, err)
			h2, err := s.Acquire(ctx, "backtest", "")
			require.NoError(t, err)
			assert.NotEqual(t, h1.Token, h2.Token)
		})
	}
}

func TestStoreDuplicateTokenFailsClosed(t *testing.T) {
	t.Parallel()

	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory(t, time.Minute, newFakeClock())

			_, err := s.Acquire(ctx, "backtest", "same")
			require.NoError(t, err)
			_, err = s.Acquire(ctx, "backtest", "same")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExists)

			var le *Error
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestFileStoreMarkerLayout(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	dir := filepath.Join(t.TempDir(), "running")
	s := NewFileStore(dir, time.Minute, WithClock(clk.Now), WithPID(7))

	h, err := s.Acquire(context.Background(), "live", "cid")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "live_1755424800_7_cid.lock"), h.Path)

	info, err := os.Stat(h.Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(clk.Now()))

	body, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"kind":"live"`)
	assert.Contains(t, string(body), `"pid":7`)
	assert.Contains(t, string(body), `"cid":"cid"`)
}

func TestFileStoreForeignStaleMarker(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "running")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stale := filepath.Join(dir, "backtest_0_12345_stale.lock")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	old := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(stale, old, old))

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	s := NewFileStore(dir, time.Second)
	n, err := s.CountLive(context.Background(), "backtest")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestFileStoreMissingDir(t *testing.T) {
	t.Parallel()

	s := NewFileStore(filepath.Join(t.TempDir(), "nope"), time.Minute)
	n, err := s.CountLive(context.Background(), "backtest")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFileStoreUnwritableDir(t *testing.T) {
	t.Parallel()

	// a regular file where the directory should be
	parent := t.TempDir()
	blocker := filepath.Join(parent, "running")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewFileStore(blocker, time.Minute)
	_, err := s.Acquire(context.Background(), "backtest", "c")
	require.Error(t, err)

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "mkdir", le.Op)
}

func TestFileStoreConcurrentSweep(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	dir := filepath.Join(t.TempDir(), "running")
	s := NewFileStore(dir, time.Second, WithClock(clk.Now))
	for i := 0; i < 20; i++ {
		_, err := s.Acquire(context.Background(), "backtest", "c"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CountLive(context.Background(), "backtest")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
