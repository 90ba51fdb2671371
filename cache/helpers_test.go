package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachelib/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness is a cache under test plus a way to move its notion of time forward.
type harness struct {
	cache   Cache
	advance func(time.Duration)
	log     *logger.TestLogger
}

type factory func(t *testing.T, opts ...Option) harness

func newSimpleHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	opts = append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)
	c, err := NewSimple(t.Context(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return harness{cache: c, advance: clk.Advance, log: log}
}

func newFileSystemHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	opts = append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)
	c, err := NewFileSystem(t.TempDir(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return harness{cache: c, advance: clk.Advance, log: log}
}

func newSQLiteHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	clk := newTestClock()
	log := logger.NewTestLogger()
	opts = append([]Option{WithClock(clk.Now), WithLogger(log)}, opts...)
	c, err := NewSQLite(t.Context(), ":memory:", opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return harness{cache: c, advance: clk.Advance, log: log}
}
