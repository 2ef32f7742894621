package telemetry

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/leostream/internal/logging"
)

// Reporter captures per-frame telemetry.
type Reporter interface {
	Report(sample Sample)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards the sample to each configured reporter.
func (m MultiReporter) Report(sample Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(sample)
		}
	}
}

// LogReporter writes a throughput summary every N frames and a debug line
// for every frame.
type LogReporter struct {
	logger logging.Logger
	every  uint64

	count      uint64
	sent       uint64
	misses     uint64
	bytes      uint64
	windowFrom time.Time
}

// NewLogReporter builds a reporter that summarizes every `every` frames.
func NewLogReporter(logger logging.Logger, every uint64) *LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	if every == 0 {
		every = 100
	}
	return &LogReporter{logger: logger.With(logging.Component("telemetry")), every: every}
}

// Report is called from the scheduler goroutine only.
func (r *LogReporter) Report(sample Sample) {
	if r.logger.Enabled(logging.Debug) {
		r.logger.Debug("frame",
			logging.Uint64("frame_id", sample.FrameID),
			logging.String("outcome", sample.Outcome),
			logging.Float("doppler_hz", sample.DopplerHz),
			logging.Float("delay_ms", sample.DelayMs),
			logging.Duration("elapsed", sample.Elapsed),
			logging.Bool("miss", sample.Miss))
	}

	if r.count == 0 {
		r.windowFrom = sample.Timestamp
	}
	r.count++
	if sample.Outcome == "sent" {
		r.sent++
		r.bytes += uint64(sample.Bytes)
	}
	if sample.Miss {
		r.misses++
	}
	if r.count < r.every {
		return
	}

	span := sample.Timestamp.Sub(r.windowFrom).Seconds()
	fields := []logging.Field{
		logging.Uint64("frame_id", sample.FrameID),
		logging.Uint64("frames", r.count),
		logging.Uint64("sent", r.sent),
		logging.Uint64("misses", r.misses),
	}
	if span > 0 {
		fields = append(fields,
			logging.Float("fps", float64(r.count-1)/span),
			logging.String("throughput", humanize.Bytes(uint64(float64(r.bytes)/span))+"/s"))
	}
	if r.misses > 0 {
		r.logger.Warn("stream summary", fields...)
	} else {
		r.logger.Info("stream summary", fields...)
	}
	r.count, r.sent, r.misses, r.bytes = 0, 0, 0, 0
}
