// Package app composes the channel model, generator, publisher and scheduler
// into the frame streamer.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/leostream/internal/baseband"
	"github.com/rjboer/leostream/internal/channel"
	"github.com/rjboer/leostream/internal/config"
	"github.com/rjboer/leostream/internal/dsp"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/publisher"
	"github.com/rjboer/leostream/internal/recorder"
	"github.com/rjboer/leostream/internal/scheduler"
	"github.com/rjboer/leostream/internal/storage"
	"github.com/rjboer/leostream/internal/telemetry"
	"github.com/rjboer/leostream/internal/wire"
)

// maxSpectrumSize caps the transform used for monitor snapshots.
const maxSpectrumSize = 4096

// Transport is the bound streaming endpoint. The streamer closes it when Run
// returns.
type Transport interface {
	publisher.Transport
	Subscribers() int
	Close() error
}

// Deps are the collaborators of a Streamer. Only Transport is required.
type Deps struct {
	Transport Transport
	// Rand overrides the seeded source built from the config.
	Rand     channel.Rand
	Hub      *telemetry.Hub
	Reporter telemetry.Reporter
	Recorder *recorder.Recorder
	Sessions *storage.Store
	Logger   logging.Logger
	// Now stamps frames; defaults to time.Now.
	Now func() time.Time
}

// produced is what Step leaves behind for the scheduler observer.
type produced struct {
	frameID   uint64
	timestamp time.Time
	state     channel.State
	outcome   publisher.Outcome
	bytes     int
}

// Streamer produces one frame per period until stopped.
type Streamer struct {
	cfg       config.File
	model     *channel.Model
	gen       *baseband.Generator
	pub       *publisher.Publisher
	sched     *scheduler.Scheduler
	rng       channel.Rand
	transport Transport
	reporter  telemetry.Reporter
	hub       *telemetry.Hub
	analyzer  *dsp.Analyzer
	recorder  *recorder.Recorder
	sessions  *storage.Store
	logger    logging.Logger
	now       func() time.Time

	nextID     uint64
	last       produced
	recordErrs uint64
}

// New validates cfg and wires the pipeline. Nothing runs until Run.
func New(cfg config.File, deps Deps) (*Streamer, error) {
	if err := cfg.Stream.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errors.New("streamer: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	rng := deps.Rand
	if rng == nil {
		seed := cfg.Stream.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		rng = channel.NewRand(seed)
		logger.Info("random source seeded", logging.Uint64("seed", seed))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Streamer{
		cfg:       cfg,
		model:     channel.New(cfg.Stream),
		gen:       baseband.NewGenerator(cfg.Stream, rng),
		pub:       publisher.New(deps.Transport, logger),
		rng:       rng,
		transport: deps.Transport,
		hub:       deps.Hub,
		recorder:  deps.Recorder,
		sessions:  deps.Sessions,
		logger:    logger.With(logging.Component("streamer")),
		now:       now,
	}

	var reporters telemetry.MultiReporter
	if deps.Hub != nil {
		reporters = append(reporters, deps.Hub)
		deps.Hub.AttachTotals(s.Totals)
		if cfg.Settings.SpectrumEvery > 0 {
			s.analyzer = dsp.NewAnalyzer(min(s.gen.NumSamples(), maxSpectrumSize))
		}
	}
	if deps.Reporter != nil {
		reporters = append(reporters, deps.Reporter)
	}
	if len(reporters) > 0 {
		s.reporter = reporters
	}

	s.sched = scheduler.New(cfg.Stream.FrameDuration, s.Step,
		scheduler.WithLogger(logger),
		scheduler.WithMissLogEvery(cfg.Settings.MissLogEvery),
		scheduler.WithObserver(s.observe))

	s.logger.Info("stream configured",
		logging.Float("sample_rate", cfg.Stream.SampleRate),
		logging.Duration("frame_duration", cfg.Stream.FrameDuration),
		logging.Int("num_samples", s.gen.NumSamples()),
		logging.Float("carrier_hz", cfg.Stream.CarrierFrequency),
		logging.Float("path_loss_db", s.model.PathLossdB()),
		logging.Float("snr_db", cfg.Stream.DefaultSNRdB))
	return s, nil
}

// Step produces and publishes one frame. The frame id advances only once the
// frame exists, so ids seen downstream are gapless in generation order.
func (s *Streamer) Step(_ context.Context, _ uint64) error {
	state := s.model.Sample(s.rng)
	frame := s.gen.Generate(state, s.nextID, s.now())
	s.nextID++

	outcome := s.pub.Publish(frame)
	s.last = produced{
		frameID:   frame.ID,
		timestamp: frame.Timestamp,
		state:     state,
		outcome:   outcome,
	}
	if outcome == publisher.Sent {
		s.last.bytes = wire.PayloadSize(frame.NumSamples)
	}

	if s.analyzer != nil && frame.ID%uint64(s.cfg.Settings.SpectrumEvery) == 0 {
		if spec, ok := s.analyzer.Spectrum(frame.IQ, frame.SampleRate); ok {
			s.hub.UpdateSpectrum(frame.ID, frame.Timestamp, spec)
		}
	}
	return nil
}

// observe runs on the scheduler goroutine after each Step.
func (s *Streamer) observe(tick scheduler.Tick) {
	p := s.last
	if s.reporter != nil {
		s.reporter.Report(telemetry.Sample{
			FrameID:    p.frameID,
			Timestamp:  p.timestamp,
			Outcome:    p.outcome.String(),
			DopplerHz:  p.state.DopplerHz,
			DelayMs:    p.state.DelayMs,
			PathLossdB: p.state.PathLossdB,
			SNRdB:      p.state.SNRdB,
			Elapsed:    tick.Elapsed,
			Miss:       tick.Miss,
			Bytes:      p.bytes,
		})
	}
	if s.recorder != nil {
		err := s.recorder.Record(recorder.Row{
			FrameID:     p.frameID,
			TimestampNs: p.timestamp.UnixNano(),
			DopplerHz:   p.state.DopplerHz,
			DelayMs:     p.state.DelayMs,
			PathLossdB:  p.state.PathLossdB,
			SNRdB:       p.state.SNRdB,
			FadingRe:    real(p.state.Fading),
			FadingIm:    imag(p.state.Fading),
			Outcome:     p.outcome.String(),
			ElapsedNs:   int64(tick.Elapsed),
			Miss:        tick.Miss,
		})
		if err != nil {
			s.recordErrs++
			if s.recordErrs == 1 || s.recordErrs%100 == 0 {
				s.logger.Error("trace record failed", logging.Uint64("errors", s.recordErrs), logging.Err(err))
			}
		}
	}
}

// Run streams until ctx is canceled or Stop is called, then finalizes the
// trace, the session row and the transport. A canceled context is a normal
// shutdown and returns nil.
func (s *Streamer) Run(ctx context.Context) error {
	startedAt := s.now()
	var sessionID int64
	if s.sessions != nil {
		id, err := s.sessions.CreateSession(ctx, startedAt, s.cfg.Stream)
		if err != nil {
			s.logger.Warn("session not recorded", logging.Err(err))
		} else {
			sessionID = id
			s.logger.Info("session started", logging.Any("session_id", id))
		}
	}

	runErr := s.sched.Run(ctx)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}
	return errors.Join(runErr, s.finish(sessionID))
}

// Stop ends Run after the in-flight frame.
func (s *Streamer) Stop() { s.sched.Stop() }

// Done is closed once the scheduler loop has exited.
func (s *Streamer) Done() <-chan struct{} { return s.sched.Done() }

func (s *Streamer) finish(sessionID int64) error {
	var errs []error
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trace: %w", err))
		}
	}
	if s.sessions != nil && sessionID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sessions.FinishSession(ctx, sessionID, s.now(), s.Summary()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	sum := s.Summary()
	s.logger.Info("stream finished",
		logging.Uint64("frames", sum.Frames),
		logging.Uint64("sent", sum.Sent),
		logging.Uint64("dropped", sum.Dropped),
		logging.Uint64("misses", sum.Misses),
		logging.Duration("max_elapsed", sum.MaxElapsed))
	return errors.Join(errs...)
}

// Totals reports live counters. Safe for concurrent use.
func (s *Streamer) Totals() telemetry.Totals {
	return telemetry.Totals{
		Scheduler:   s.sched.Stats(),
		Publisher:   s.pub.Stats(),
		Subscribers: s.transport.Subscribers(),
	}
}

// Summary condenses the counters for the session store.
func (s *Streamer) Summary() storage.Summary {
	st := s.sched.Stats()
	ps := s.pub.Stats()
	return storage.Summary{
		Frames:     st.Frames,
		Misses:     st.Misses,
		StepErrors: st.StepErrors,
		Sent:       ps.Sent,
		Dropped:    ps.Dropped,
		BytesSent:  ps.BytesSent,
		MaxElapsed: st.MaxElapsed,
	}
}
