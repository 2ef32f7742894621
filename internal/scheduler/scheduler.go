// Package scheduler paces a per-frame step against an absolute schedule.
//
// Frame n owns the slot [T0+n*P, T0+(n+1)*P). After the step returns the
// loop sleeps until the slot ends; if the slot has already ended the frame is
// counted as a deadline miss and the next step starts immediately. The
// schedule is never re-based, so waits do not accumulate drift.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/leostream/internal/logging"
)

// ErrAlreadyStarted is returned by Run when the scheduler is not Idle.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// State is the scheduler lifecycle.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StepFunc produces frame n. It runs on the scheduler goroutine.
type StepFunc func(ctx context.Context, n uint64) error

// Tick describes one completed frame.
type Tick struct {
	Frame   uint64
	Elapsed time.Duration
	Miss    bool
	Lag     time.Duration
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	State       string        `json:"state"`
	Period      time.Duration `json:"period"`
	Frames      uint64        `json:"frames"`
	Misses      uint64        `json:"misses"`
	StepErrors  uint64        `json:"stepErrors"`
	LastElapsed time.Duration `json:"lastElapsed"`
	MaxElapsed  time.Duration `json:"maxElapsed"`
	Lag         time.Duration `json:"lag"`
}

// MissRatio is misses over completed frames.
func (s Stats) MissRatio() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.Misses) / float64(s.Frames)
}

const defaultMissLogEvery = 100

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMissLogEvery emits a WARN summary once every n deadline misses. The
// first miss is always logged.
func WithMissLogEvery(n uint64) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.missLogEvery = n
		}
	}
}

// WithObserver calls fn on the scheduler goroutine after every frame, once
// the deadline has been evaluated. fn runs inside the frame's slot and should
// be cheap.
func WithObserver(fn func(Tick)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler runs a StepFunc once per period.
type Scheduler struct {
	period       time.Duration
	step         StepFunc
	logger       logging.Logger
	missLogEvery uint64
	observe      func(Tick)

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	frames      atomic.Uint64
	misses      atomic.Uint64
	stepErrors  atomic.Uint64
	lastElapsed atomic.Int64
	maxElapsed  atomic.Int64
	lag         atomic.Int64
}

// New builds an idle scheduler. period must be positive.
func New(period time.Duration, step StepFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		period:       period,
		step:         step,
		logger:       logging.Default(),
		missLogEvery: defaultMissLogEvery,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Component("scheduler"))
	return s
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Stop asks the loop to finish. An in-flight step completes; no new step is
// started. Stop does not wait; use Done for that. Stopping an idle scheduler
// makes it terminal.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		close(s.done)
	}
}

// Run drives the loop on the calling goroutine until Stop or ctx
// cancellation. It returns nil after Stop and ctx.Err() after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	defer close(s.done)
	defer s.state.Store(int32(Stopped))

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	t0 := time.Now()
	s.logger.Info("scheduler started", logging.Duration("period", s.period))
	defer func() {
		st := s.Stats()
		s.logger.Info("scheduler stopped",
			logging.Uint64("frames", st.Frames),
			logging.Uint64("misses", st.Misses),
			logging.Uint64("step_errors", st.StepErrors),
			logging.Duration("elapsed", time.Since(t0)))
	}()

	for n := uint64(0); ; n++ {
		select {
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		if err := s.step(ctx, n); err != nil {
			s.stepErrors.Add(1)
			s.logger.Error("frame step failed", logging.Uint64("frame", n), logging.Err(err))
		}
		elapsed := time.Since(start)
		s.record(elapsed)

		deadline := t0.Add(time.Duration(n+1) * s.period)
		remaining := time.Until(deadline)
		tick := Tick{Frame: n, Elapsed: elapsed}
		if remaining <= 0 {
			tick.Miss, tick.Lag = true, -remaining
			s.lag.Store(int64(tick.Lag))
			s.miss(n, elapsed, tick.Lag)
		} else {
			s.lag.Store(0)
		}
		if s.observe != nil {
			s.observe(tick)
			remaining = time.Until(deadline)
		}
		if remaining <= 0 {
			continue
		}

		timer.Reset(remaining)
		select {
		case <-timer.C:
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) record(elapsed time.Duration) {
	s.frames.Add(1)
	s.lastElapsed.Store(int64(elapsed))
	if int64(elapsed) > s.maxElapsed.Load() {
		s.maxElapsed.Store(int64(elapsed))
	}
}

func (s *Scheduler) miss(n uint64, elapsed, lag time.Duration) {
	total := s.misses.Add(1)
	if total != 1 && total%s.missLogEvery != 0 {
		return
	}
	frames := s.frames.Load()
	s.logger.Warn("frame deadline missed",
		logging.Uint64("frame", n),
		logging.Uint64("misses", total),
		logging.Uint64("frames", frames),
		logging.Float("miss_ratio", float64(total)/float64(frames)),
		logging.Duration("elapsed", elapsed),
		logging.Duration("period", s.period),
		logging.Duration("lag", lag))
}

// Stats returns a snapshot. Safe for concurrent use.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:       s.State().String(),
		Period:      s.period,
		Frames:      s.frames.Load(),
		Misses:      s.misses.Load(),
		StepErrors:  s.stepErrors.Load(),
		LastElapsed: time.Duration(s.lastElapsed.Load()),
		MaxElapsed:  time.Duration(s.maxElapsed.Load()),
		Lag:         time.Duration(s.lag.Load()),
	}
}
