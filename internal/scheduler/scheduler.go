// Package scheduler multiplexes the poll ticks of every account onto a fixed
// pool of workers.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TickFunc runs one tick for key.
type TickFunc func(ctx context.Context, key string) error

type Config struct {
	// Interval is the delay between the end of one tick and the start of the
	// next tick for the same key.
	Interval time.Duration
	Workers  int
	// MaxAge stops scheduling keys older than this. Zero means never.
	MaxAge time.Duration
	// TickTimeout bounds a single tick. Zero means no bound.
	TickTimeout time.Duration
}

// Scheduler keeps one due time per key. A key is never handed to two workers
// at once: it is re-queued only after its tick returns.
type Scheduler struct {
	cfg    Config
	tick   TickFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	queue   dueQueue
	wake    chan struct{}
}

func New(cfg Config, tick TickFunc, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		tick:    tick,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Add schedules key for an immediate first tick. Adding a key that is already
// scheduled is a no-op.
func (s *Scheduler) Add(key string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return
	}
	e := &entry{key: key, createdAt: createdAt, due: s.now(), index: -1}
	s.entries[key] = e
	heap.Push(&s.queue, e)
	s.signal()
}

// Remove stops scheduling key. A tick already running for it completes.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

func (s *Scheduler) removeLocked(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
}

// Len returns the number of scheduled keys.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run dispatches due keys to the workers until ctx is done, then waits for
// in-flight ticks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan *entry)

	var g errgroup.Group
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for e := range jobs {
				s.runTick(ctx, e)
			}
			return nil
		})
	}

	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "interval", s.cfg.Interval, "max_age", s.cfg.MaxAge)
	s.dispatch(ctx, jobs)
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- *entry) {
	defer close(jobs)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e, wait := s.next()
		if e != nil {
			select {
			case jobs <- e:
				continue
			case <-ctx.Done():
				return
			}
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timerC:
		}
	}
}

// next pops the earliest due entry, or reports how long until one is due.
// A negative wait means the queue is empty.
func (s *Scheduler) next() (*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 {
		e := s.queue[0]
		if s.cfg.MaxAge > 0 && now.Sub(e.createdAt) >= s.cfg.MaxAge {
			s.removeLocked(e.key)
			s.logger.Info("account reached max age, polling stopped", "account", e.key, "created_at", e.createdAt)
			continue
		}
		if e.due.After(now) {
			return nil, e.due.Sub(now)
		}
		heap.Pop(&s.queue)
		return e, 0
	}
	return nil, -1
}

func (s *Scheduler) runTick(ctx context.Context, e *entry) {
	// Shutdown must not cut a tick off between forwarding and marking seen.
	tickCtx := context.WithoutCancel(ctx)
	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(tickCtx, s.cfg.TickTimeout)
		defer cancel()
	}

	if err := s.tick(tickCtx, e.key); err != nil {
		s.logger.Error("tick failed", "account", e.key, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] != e {
		return
	}
	e.due = s.now().Add(s.cfg.Interval)
	heap.Push(&s.queue, e)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
