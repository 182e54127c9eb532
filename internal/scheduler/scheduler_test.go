package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tickRecorder struct {
	mu          sync.Mutex
	counts      map[string]int
	inflight    map[string]int
	overlap     bool
	active      int
	maxActive   int
	tickDelay   time.Duration
	tickErr     error
	cancelledIn atomic.Bool
}

func newTickRecorder(delay time.Duration) *tickRecorder {
	return &tickRecorder{counts: map[string]int{}, inflight: map[string]int{}, tickDelay: delay}
}

func (r *tickRecorder) tick(ctx context.Context, key string) error {
	r.mu.Lock()
	r.counts[key]++
	r.inflight[key]++
	if r.inflight[key] > 1 {
		r.overlap = true
	}
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.mu.Unlock()

	time.Sleep(r.tickDelay)
	if ctx.Err() != nil {
		r.cancelledIn.Store(true)
	}

	r.mu.Lock()
	r.inflight[key]--
	r.active--
	r.mu.Unlock()
	return r.tickErr
}

func (r *tickRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func startScheduler(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancelCtx()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("scheduler did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestEveryKeyIsPolledRepeatedly(t *testing.T) {
	rec := newTickRecorder(time.Millisecond)
	s := New(Config{Interval: 10 * time.Millisecond, Workers: 2}, rec.tick, discardLogger())
	s.Add("a@example.com", time.Now())
	s.Add("b@example.com", time.Now())
	s.Add("c@example.com", time.Now())
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return rec.count("a@example.com") >= 3 && rec.count("b@example.com") >= 3 && rec.count("c@example.com") >= 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, s.Len())
}

func TestTicksOfOneKeyNeverOverlap(t *testing.T) {
	rec := newTickRecorder(15 * time.Millisecond)
	s := New(Config{Interval: time.Millisecond, Workers: 4}, rec.tick, discardLogger())
	s.Add("a@example.com", time.Now())
	startScheduler(t, s)

	require.Eventually(t, func() bool { return rec.count("a@example.com") >= 5 }, 3*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.overlap)
	assert.Equal(t, 1, rec.maxActive)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	rec := newTickRecorder(20 * time.Millisecond)
	s := New(Config{Interval: time.Millisecond, Workers: 2}, rec.tick, discardLogger())
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		s.Add(key, time.Now())
	}
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		for _, key := range []string{"a", "b", "c", "d", "e"} {
			if rec.count(key) < 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.LessOrEqual(t, rec.maxActive, 2)
}

func TestAddIsIdempotent(t *testing.T) {
	s := New(Config{}, func(context.Context, string) error { return nil }, discardLogger())
	s.Add("a", time.Now())
	s.Add("a", time.Now())
	assert.Equal(t, 1, s.Len())
}

func TestRemoveStopsPolling(t *testing.T) {
	rec := newTickRecorder(0)
	s := New(Config{Interval: 5 * time.Millisecond, Workers: 1}, rec.tick, discardLogger())
	s.Add("a", time.Now())
	s.Add("b", time.Now())
	startScheduler(t, s)

	require.Eventually(t, func() bool { return rec.count("a") >= 2 }, 3*time.Second, time.Millisecond)
	s.Remove("a")
	assert.Equal(t, 1, s.Len())

	// Allow one tick that was already running when Remove was called.
	after := rec.count("a")
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, rec.count("a"), after+1)
	assert.Greater(t, rec.count("b"), 2)
}

func TestKeysPastMaxAgeAreDropped(t *testing.T) {
	rec := newTickRecorder(0)
	s := New(Config{Interval: 5 * time.Millisecond, Workers: 1, MaxAge: time.Hour}, rec.tick, discardLogger())
	s.Add("old", time.Now().Add(-2*time.Hour))
	s.Add("young", time.Now())
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.Len() == 1 && rec.count("young") >= 2 }, 3*time.Second, time.Millisecond)
	assert.Zero(t, rec.count("old"))
}

func TestAddWhileRunningWakesDispatcher(t *testing.T) {
	rec := newTickRecorder(0)
	s := New(Config{Interval: time.Hour, Workers: 1}, rec.tick, discardLogger())
	startScheduler(t, s)

	s.Add("late", time.Now())
	require.Eventually(t, func() bool { return rec.count("late") == 1 }, 3*time.Second, time.Millisecond)
}

func TestShutdownDrainsInFlightTick(t *testing.T) {
	rec := newTickRecorder(100 * time.Millisecond)
	s := New(Config{Interval: time.Hour, Workers: 1}, rec.tick, discardLogger())
	s.Add("a", time.Now())
	stop := startScheduler(t, s)

	require.Eventually(t, func() bool { return rec.count("a") == 1 }, 3*time.Second, time.Millisecond)
	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.active, "Run returned before the tick finished")
	assert.False(t, rec.cancelledIn.Load(), "tick context was cancelled by shutdown")
}

func TestTickErrorsDoNotStopPolling(t *testing.T) {
	rec := newTickRecorder(0)
	rec.tickErr = errors.New("provider down")
	s := New(Config{Interval: 5 * time.Millisecond, Workers: 1}, rec.tick, discardLogger())
	s.Add("a", time.Now())
	startScheduler(t, s)

	require.Eventually(t, func() bool { return rec.count("a") >= 3 }, 3*time.Second, time.Millisecond)
}

func TestTickTimeoutBoundsTick(t *testing.T) {
	var sawDeadline atomic.Bool
	tick := func(ctx context.Context, _ string) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	}
	s := New(Config{Interval: time.Hour, Workers: 1, TickTimeout: time.Minute}, tick, discardLogger())
	s.Add("a", time.Now())
	startScheduler(t, s)

	require.Eventually(t, sawDeadline.Load, 3*time.Second, time.Millisecond)
}
