package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/collector"
)

// entry is one registered collector plus its cadence and run state. Run
// state is only touched by the driver goroutine.
type entry struct {
	c            collector.Collector
	interval     time.Duration
	queueOverlap bool

	nextDue time.Time
	running bool
	pending bool
}

// Scheduler drives every registered collector at its own interval. A single
// driver goroutine wakes at the earliest due time and hands due entries to a
// bounded worker set; at most one run per collector key is in flight. A tick
// landing while the previous run is still going is skipped by default, or
// queued for immediate re-dispatch when the entry opted in.
type Scheduler struct {
	runner  *collector.Runner
	workers int
	grace   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries []*entry
	started bool
}

// New sizes the worker set and the shutdown grace period.
func New(runner *collector.Runner, workers int, grace time.Duration) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		runner:  runner,
		workers: workers,
		grace:   grace,
		now:     time.Now,
	}
}

// Register adds a collector. The first run is due immediately. Registration
// after Run has started is a programming error and panics.
func (s *Scheduler) Register(c collector.Collector, interval time.Duration, queueOverlap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Register after Run")
	}
	s.entries = append(s.entries, &entry{
		c:            c,
		interval:     interval,
		queueOverlap: queueOverlap,
		nextDue:      s.now(),
	})
	log.Info().
		Str("collector", c.Key()).
		Dur("interval", interval).
		Bool("queue_overlap", queueOverlap).
		Msg("collector registered")
}

// Run blocks until ctx is canceled, then waits up to the grace period for
// in-flight runs before abandoning them. The abandoned runs still hold the
// canceled ctx, so they unwind on their next blocking call.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	entries := s.entries
	s.mu.Unlock()

	if len(entries) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	work := make(chan *entry)
	done := make(chan *entry, len(entries))
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range work {
				_, _ = s.runner.Run(ctx, e.c)
				done <- e
			}
		}()
	}

	log.Info().
		Int("collectors", len(entries)).
		Int("workers", s.workers).
		Msg("scheduler running")

	timer := time.NewTimer(0)
	defer timer.Stop()

loop:
	for {
		next := s.dispatch(ctx, entries, work, done)

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			break loop
		case e := <-done:
			s.finish(e)
		case <-timer.C:
		}
	}

	close(work)
	s.drain(done, entries)
	wg.Wait()
	return ctx.Err()
}

// dispatch hands every due, idle entry to the workers and returns the
// earliest next due time among idle entries.
func (s *Scheduler) dispatch(ctx context.Context, entries []*entry, work chan<- *entry, done <-chan *entry) time.Time {
	now := s.now()
	next := now.Add(time.Minute)
	for _, e := range entries {
		if e.running {
			if !now.Before(e.nextDue) {
				// Tick landed mid-run.
				if e.queueOverlap {
					e.pending = true
				} else {
					log.Debug().Str("collector", e.c.Key()).Msg("run still in flight, tick skipped")
					e.nextDue = now.Add(e.interval)
				}
			}
			continue
		}
		if !now.Before(e.nextDue) {
			select {
			case work <- e:
				e.running = true
				e.nextDue = now.Add(e.interval)
			case finished := <-done:
				s.finish(finished)
			case <-ctx.Done():
				return now
			}
			continue
		}
		if e.nextDue.Before(next) {
			next = e.nextDue
		}
	}
	return next
}

func (s *Scheduler) finish(e *entry) {
	e.running = false
	if e.pending {
		e.pending = false
		e.nextDue = s.now()
	}
}

// drain waits out the grace period for in-flight runs, then logs what it is
// abandoning.
func (s *Scheduler) drain(done <-chan *entry, entries []*entry) {
	inFlight := 0
	for _, e := range entries {
		if e.running {
			inFlight++
		}
	}
	if inFlight == 0 {
		log.Info().Msg("scheduler stopped, no runs in flight")
		return
	}

	log.Info().Int("in_flight", inFlight).Dur("grace", s.grace).Msg("waiting for in-flight runs")
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for inFlight > 0 {
		select {
		case e := <-done:
			e.running = false
			inFlight--
		case <-deadline.C:
			for _, e := range entries {
				if e.running {
					log.Warn().Str("collector", e.c.Key()).Msg("run abandoned at shutdown")
				}
			}
			return
		}
	}
	log.Info().Msg("scheduler stopped cleanly")
}
