package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/clock"
	"project-board-sync/internal/metrics"
)

const historySize = 256

// ErrCanceled is delivered to waiters whose generation was disarmed before it persisted
var ErrCanceled = errors.New("autosave canceled")

// PersistFunc saves one state
type PersistFunc[S any] func(ctx context.Context, state S) error

// Config for a Scheduler
type Config struct {
	// Timeout bounds each persist call. Zero means no bound.
	Timeout time.Duration
	// OnError receives every failed persist. Canceled generations are not reported.
	OnError func(err error)
}

type batch struct {
	from, upTo uint64
	err        error
}

type job[S any] struct {
	from, upTo uint64
	state      S
	persist    PersistFunc[S]
}

type waiter struct {
	gen uint64
	ch  chan error
}

// Scheduler debounces saves of one logical target. Every Schedule call
// disarms the previous timer; only the last state within the window is
// persisted. Persist calls never overlap.
type Scheduler[S any] struct {
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	gen       uint64
	firedUpTo uint64
	timer     *clock.Timer
	armedGen  uint64
	state     S
	persist   PersistFunc[S]
	queued    *job[S]
	running   bool
	history   []batch
	waiters   []waiter
}

// New creates a scheduler
func New[S any](cfg Config, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Scheduler[S] {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler[S]{cfg: cfg, clock: clk, metrics: m, logger: logger}
}

// Schedule arms a timer that persists state after delay, replacing any armed
// timer. It returns the generation of this call.
func (s *Scheduler[S]) Schedule(state S, persist PersistFunc[S], delay time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.metrics.IncrementPersistCoalesced()
	}
	s.state = state
	s.persist = persist
	s.armedGen = gen
	if delay <= 0 {
		s.fireLocked()
		return gen
	}
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	return gen
}

// IsPending reports whether a timer is armed
func (s *Scheduler[S]) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// InFlight reports whether a persist call is running
func (s *Scheduler[S]) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Generation returns the last generation handed out by Schedule
func (s *Scheduler[S]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Scheduler[S]) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || s.armedGen != gen {
		return
	}
	s.fireLocked()
}

func (s *Scheduler[S]) fireLocked() {
	s.timer = nil
	upTo := s.armedGen

	if s.queued != nil {
		s.queued.upTo = upTo
		s.queued.state = s.state
		s.queued.persist = s.persist
	} else {
		s.queued = &job[S]{from: s.firedUpTo + 1, upTo: upTo, state: s.state, persist: s.persist}
	}
	s.firedUpTo = upTo

	if !s.running {
		s.running = true
		next := s.queued
		s.queued = nil
		go s.runJobs(next)
	}
}

func (s *Scheduler[S]) runJobs(j *job[S]) {
	for {
		err := s.runOne(j)
		s.complete(batch{from: j.from, upTo: j.upTo, err: err})

		s.mu.Lock()
		if s.queued == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		j = s.queued
		s.queued = nil
		s.mu.Unlock()
	}
}

func (s *Scheduler[S]) runOne(j *job[S]) (err error) {
	ctx := context.Background()
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in persist function", zap.Any("panic", r), zap.Stack("stacktrace"))
			err = errors.New("persist panicked")
		}
		s.metrics.RecordPersist(time.Since(start), err)
	}()

	return j.persist(ctx, j.state)
}

func (s *Scheduler[S]) complete(b batch) {
	s.mu.Lock()
	s.history = append(s.history, b)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	var ready []waiter
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		if w.gen >= b.from && w.gen <= b.upTo {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	for _, w := range ready {
		w.ch <- b.err
	}

	if b.err != nil && !errors.Is(b.err, ErrCanceled) {
		s.logger.Warn("Autosave failed",
			zap.Uint64("generation", b.upTo),
			zap.Error(b.err))
		if s.cfg.OnError != nil {
			s.cfg.OnError(b.err)
		}
	} else if b.err == nil {
		s.logger.Debug("Autosave completed", zap.Uint64("generation", b.upTo))
	}
}

// Wait blocks until the persist covering gen finished and returns its error.
// A generation disarmed by Cancel returns ErrCanceled.
func (s *Scheduler[S]) Wait(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if gen == 0 {
		s.mu.Unlock()
		return nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		b := s.history[i]
		if gen >= b.from && gen <= b.upTo {
			s.mu.Unlock()
			return b.err
		}
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, waiter{gen: gen, ch: ch})
	s.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.removeWaiter(ch)
		return ctx.Err()
	}
}

func (s *Scheduler[S]) removeWaiter(ch chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w.ch == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Flush fires an armed timer now and waits for its persist
func (s *Scheduler[S]) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer == nil {
		s.mu.Unlock()
		return nil
	}
	s.timer.Stop()
	gen := s.armedGen
	s.fireLocked()
	s.mu.Unlock()

	return s.Wait(ctx, gen)
}

// Cancel disarms the timer and drops a queued persist that has not started.
// Their waiters receive ErrCanceled. A running persist is not interrupted.
func (s *Scheduler[S]) Cancel() {
	s.mu.Lock()
	var canceled []batch
	if s.queued != nil {
		canceled = append(canceled, batch{from: s.queued.from, upTo: s.queued.upTo, err: ErrCanceled})
		s.queued = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		canceled = append(canceled, batch{from: s.firedUpTo + 1, upTo: s.armedGen, err: ErrCanceled})
		s.firedUpTo = s.armedGen
	}
	s.mu.Unlock()

	for _, b := range canceled {
		s.complete(b)
	}
	if len(canceled) > 0 {
		s.logger.Debug("Autosave canceled")
	}
}
