package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjboer/leostream/internal/logging"
)

func runFor(t *testing.T, s *Scheduler) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("scheduler did not stop")
		return nil
	}
}

func TestNominalRunHasNoMisses(t *testing.T) {
	const period = 20 * time.Millisecond
	var s *Scheduler
	var ids []uint64
	s = New(period, func(_ context.Context, n uint64) error {
		ids = append(ids, n)
		if n == 9 {
			s.Stop()
		}
		return nil
	}, WithLogger(logging.Nop()))

	start := time.Now()
	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	elapsed := time.Since(start)

	stats := s.Stats()
	if stats.Frames != 10 {
		t.Fatalf("frames = %d, want 10", stats.Frames)
	}
	if stats.Misses != 0 {
		t.Fatalf("misses = %d under nominal load", stats.Misses)
	}
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("step %d saw frame %d", i, id)
		}
	}
	if elapsed < 9*period {
		t.Fatalf("10 frames finished in %v, faster than the schedule allows", elapsed)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %v after run", s.State())
	}
}

// TestSlowStepMissesEveryFrame forces every step to take twice the period.
func TestSlowStepMissesEveryFrame(t *testing.T) {
	const (
		period = 10 * time.Millisecond
		frames = 6
	)
	var s *Scheduler
	entered := make([]time.Time, 0, frames)
	exited := make([]time.Time, 0, frames)
	s = New(period, func(_ context.Context, n uint64) error {
		entered = append(entered, time.Now())
		time.Sleep(2 * period)
		exited = append(exited, time.Now())
		if n == frames-1 {
			s.Stop()
		}
		return nil
	}, WithLogger(logging.Nop()))

	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	stats := s.Stats()
	if stats.Frames != frames || stats.Misses != frames {
		t.Fatalf("frames=%d misses=%d, want %d of each", stats.Frames, stats.Misses, frames)
	}
	for i := 1; i < frames; i++ {
		if gap := entered[i].Sub(exited[i-1]); gap > period/2 {
			t.Fatalf("waited %v before frame %d despite being late", gap, i)
		}
	}
	if stats.Lag <= 0 {
		t.Fatalf("expected positive lag, got %v", stats.Lag)
	}
	if stats.MaxElapsed < 2*period {
		t.Fatalf("max elapsed %v, want >= %v", stats.MaxElapsed, 2*period)
	}
	if stats.MissRatio() != 1 {
		t.Fatalf("miss ratio %v", stats.MissRatio())
	}
}

// TestScheduleDoesNotDrift checks that frame start times stay anchored to T0
// even when every step consumes most of its slot.
func TestScheduleDoesNotDrift(t *testing.T) {
	const (
		period = 10 * time.Millisecond
		frames = 20
	)
	var s *Scheduler
	entered := make([]time.Time, 0, frames)
	s = New(period, func(_ context.Context, n uint64) error {
		entered = append(entered, time.Now())
		time.Sleep(period / 2)
		if n == frames-1 {
			s.Stop()
		}
		return nil
	}, WithLogger(logging.Nop()))

	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	// An incremental sleep(period) after each step would put the last frame
	// about frames*period/2 behind.
	offset := entered[frames-1].Sub(entered[0]) - (frames-1)*period
	if offset < 0 {
		t.Fatalf("frame %d started %v early", frames-1, -offset)
	}
	if offset > 4*period {
		t.Fatalf("schedule drifted by %v over %d frames", offset, frames)
	}
}

func TestStopCompletesInFlightStep(t *testing.T) {
	release := make(chan struct{})
	inStep := make(chan struct{})
	var started, completed atomic.Int32
	s := New(time.Millisecond, func(_ context.Context, n uint64) error {
		started.Add(1)
		if n == 0 {
			close(inStep)
			<-release
		}
		completed.Add(1)
		return nil
	}, WithLogger(logging.Nop()))

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	<-inStep
	if s.State() != Running {
		t.Fatalf("state = %v while stepping", s.State())
	}
	s.Stop()
	select {
	case <-s.Done():
		t.Fatalf("scheduler returned before the in-flight step finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	<-s.Done()
	if started.Load() != 1 || completed.Load() != 1 {
		t.Fatalf("started=%d completed=%d, want exactly one full step", started.Load(), completed.Load())
	}
}

func TestContextCancelInterruptsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(time.Hour, func(context.Context, uint64) error {
		cancel()
		return nil
	}, WithLogger(logging.Nop()))

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancellation did not interrupt the wait")
	}
	if got := s.Stats().Frames; got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
}

func TestRunIsSingleUse(t *testing.T) {
	s := New(time.Millisecond, func(context.Context, uint64) error { return nil }, WithLogger(logging.Nop()))
	if s.State() != Idle {
		t.Fatalf("new scheduler state = %v", s.State())
	}
	s.Stop()
	if s.State() != Stopped {
		t.Fatalf("state after idle stop = %v", s.State())
	}
	<-s.Done()
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("run after stop returned %v", err)
	}

	var again *Scheduler
	again = New(time.Millisecond, func(context.Context, uint64) error {
		again.Stop()
		return nil
	}, WithLogger(logging.Nop()))
	if err := runFor(t, again); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := again.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second run returned %v", err)
	}
}

func TestStepErrorsAreCountedNotFatal(t *testing.T) {
	var s *Scheduler
	s = New(time.Millisecond, func(_ context.Context, n uint64) error {
		if n == 4 {
			s.Stop()
		}
		if n%2 == 0 {
			return errors.New("boom")
		}
		return nil
	}, WithLogger(logging.Nop()))
	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	stats := s.Stats()
	if stats.Frames != 5 || stats.StepErrors != 3 {
		t.Fatalf("frames=%d stepErrors=%d", stats.Frames, stats.StepErrors)
	}
}

func TestMissWarningsAreRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Warn, logging.Text, &buf)
	var s *Scheduler
	s = New(time.Nanosecond, func(_ context.Context, n uint64) error {
		time.Sleep(10 * time.Microsecond)
		if n == 9 {
			s.Stop()
		}
		return nil
	}, WithLogger(logger), WithMissLogEvery(5))
	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Stats().Misses != 10 {
		t.Fatalf("misses = %d", s.Stats().Misses)
	}
	// first miss, fifth and tenth
	if got := strings.Count(buf.String(), "frame deadline missed"); got != 3 {
		t.Fatalf("logged %d miss warnings, want 3:\n%s", got, buf.String())
	}
}

func TestObserverSeesEveryFrame(t *testing.T) {
	const period = 5 * time.Millisecond
	var ticks []Tick
	var s *Scheduler
	s = New(period, func(_ context.Context, n uint64) error {
		if n == 2 {
			time.Sleep(2 * period)
		}
		return nil
	}, WithLogger(logging.Nop()), WithObserver(func(tk Tick) {
		ticks = append(ticks, tk)
		if tk.Frame == 4 {
			s.Stop()
		}
	}))
	if err := runFor(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ticks) != 5 {
		t.Fatalf("observed %d ticks, want 5", len(ticks))
	}
	for i, tk := range ticks {
		if tk.Frame != uint64(i) {
			t.Fatalf("tick %d reports frame %d", i, tk.Frame)
		}
	}
	if !ticks[2].Miss || ticks[2].Lag <= 0 || ticks[2].Elapsed < 2*period {
		t.Fatalf("slow frame not reported as a miss: %+v", ticks[2])
	}
	if ticks[0].Miss {
		t.Fatalf("first frame reported as a miss: %+v", ticks[0])
	}
	if got := s.Stats().Misses; got == 0 {
		t.Fatalf("miss counter not incremented")
	}
}
