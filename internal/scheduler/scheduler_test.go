package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/collector"
	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/storage"
)

var testDBSeq int

func newTestRunner(t *testing.T) *collector.Runner {
	t.Helper()
	testDBSeq++
	cfg := config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             fmt.Sprintf("file:schedtest%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq),
		MaxOpenConns:    2,
		MaxIdleConns:    2,
		QueryTimeout:    5 * time.Second,
		WriteQueueSize:  64,
		WriteFlushWait:  5 * time.Millisecond,
		WriteMaxRetries: 3,
	}
	st, err := storage.OpenSQLite(context.Background(), cfg, config.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return collector.NewRunner(st, time.Minute)
}

// tickCollector counts its runs and tracks how many overlap.
type tickCollector struct {
	key      string
	delay    time.Duration
	runs     atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (c *tickCollector) Key() string { return c.key }

func (c *tickCollector) Collect(ctx context.Context) (*collector.Result, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		prev := c.maxSeen.Load()
		if cur <= prev || c.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	c.runs.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return &collector.Result{Success: true}, nil
}

func TestSchedulerRunsAtInterval(t *testing.T) {
	s := New(newTestRunner(t), 2, 50*time.Millisecond)
	c := &tickCollector{key: "ticker"}
	s.Register(c, 30*time.Millisecond, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Immediate first run plus roughly one per interval.
	assert.GreaterOrEqual(t, c.runs.Load(), int64(3))
}

func TestSchedulerNeverOverlapsOneKey(t *testing.T) {
	s := New(newTestRunner(t), 4, 50*time.Millisecond)
	slow := &tickCollector{key: "slow", delay: 80 * time.Millisecond}
	s.Register(slow, 20*time.Millisecond, false)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Equal(t, int64(1), slow.maxSeen.Load(), "one run per key at a time")
	assert.LessOrEqual(t, slow.runs.Load(), int64(4), "mid-run ticks are skipped, not queued")
}

func TestSchedulerQueueOverlapRedispatches(t *testing.T) {
	s := New(newTestRunner(t), 2, 50*time.Millisecond)
	slow := &tickCollector{key: "queued", delay: 60 * time.Millisecond}
	s.Register(slow, 20*time.Millisecond, true)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Equal(t, int64(1), slow.maxSeen.Load())
	// Missed ticks re-dispatch as soon as the previous run finishes, so the
	// run count tracks the run duration, not the interval.
	assert.GreaterOrEqual(t, slow.runs.Load(), int64(4))
}

func TestSchedulerDrivesIndependentIntervals(t *testing.T) {
	s := New(newTestRunner(t), 2, 50*time.Millisecond)
	fast := &tickCollector{key: "fast"}
	rare := &tickCollector{key: "rare"}
	s.Register(fast, 25*time.Millisecond, false)
	s.Register(rare, time.Hour, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.GreaterOrEqual(t, fast.runs.Load(), int64(3))
	assert.Equal(t, int64(1), rare.runs.Load(), "long-interval collector only gets its startup run")
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s := New(newTestRunner(t), 1, 50*time.Millisecond)
	c := &tickCollector{key: "ticker"}
	s.Register(c, 10*time.Millisecond, false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestRegisterAfterRunPanics(t *testing.T) {
	s := New(newTestRunner(t), 1, 10*time.Millisecond)
	c := &tickCollector{key: "ticker"}
	s.Register(c, time.Hour, false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)

	assert.Panics(t, func() { s.Register(c, time.Hour, false) })
	cancel()
	<-errCh
}
