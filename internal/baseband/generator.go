// Package baseband synthesizes channel-impaired complex baseband frames.
package baseband

import (
	"math"
	"time"

	"github.com/rjboer/leostream/internal/channel"
	"github.com/rjboer/leostream/internal/config"
	"github.com/rjboer/leostream/internal/dsp"
)

const (
	// reanchorEvery bounds the phase recurrence: every block restarts from an
	// exact cos/sin so rounding error cannot accumulate across a frame.
	reanchorEvery = 1024
	// normalizeFloor is the smallest peak magnitude the normalizer divides by.
	normalizeFloor = 1e-300
)

// Frame is one block of generated IQ samples with the channel that shaped it.
// Frames are never modified after Generate returns.
type Frame struct {
	ID         uint64
	Timestamp  time.Time
	SampleRate float64
	NumSamples int
	IQ         []complex64
	Channel    channel.State
}

// Generator turns channel states into frames. It keeps scratch buffers
// between calls and is not safe for concurrent use.
type Generator struct {
	sampleRate float64
	numSamples int
	rng        channel.Rand

	work  []complex128
	power []float64
}

// NewGenerator builds a generator for a validated configuration. rng feeds the
// noise step and must be the only consumer-visible entropy source.
func NewGenerator(cfg config.Stream, rng channel.Rand) *Generator {
	n := cfg.NumSamples()
	return &Generator{
		sampleRate: cfg.SampleRate,
		numSamples: n,
		rng:        rng,
		work:       make([]complex128, n),
		power:      make([]float64, n),
	}
}

// NumSamples reports the frame length in samples.
func (g *Generator) NumSamples() int { return g.numSamples }

// Generate produces the frame for state.
func (g *Generator) Generate(state channel.State, frameID uint64, ts time.Time) Frame {
	buf := g.work
	g.carrier(buf, state.DopplerHz)

	gain := state.Fading * complex(channel.Attenuation(state.PathLossdB), 0)
	for i := range buf {
		buf[i] *= gain
	}

	g.addNoise(buf, NoisePower(state.SNRdB, state.PathLossdB))
	normalize(buf, g.power)

	return Frame{
		ID:         frameID,
		Timestamp:  ts,
		SampleRate: g.sampleRate,
		NumSamples: g.numSamples,
		IQ:         toFloat32(buf),
		Channel:    state,
	}
}

// carrier fills buf with exp(j 2 pi f t_k), t_k = k / sampleRate.
func (g *Generator) carrier(buf []complex128, dopplerHz float64) {
	omega := 2 * math.Pi * dopplerHz / g.sampleRate
	step := complex(math.Cos(omega), math.Sin(omega))
	var ph complex128
	for k := range buf {
		if k%reanchorEvery == 0 {
			theta := omega * float64(k)
			ph = complex(math.Cos(theta), math.Sin(theta))
		}
		buf[k] = ph
		ph *= step
	}
}

// NoisePower is the total complex noise power for an SNR in dB relative to
// the expected received signal power 10^(-loss/10) * E|h|^2, with E|h|^2 = 1.
func NoisePower(snrdB, pathLossdB float64) float64 {
	return math.Pow(10, -snrdB/10) * math.Pow(10, -pathLossdB/10)
}

// addNoise adds circular complex Gaussian noise of the given total power.
func (g *Generator) addNoise(buf []complex128, power float64) {
	if !(power > 0) || math.IsInf(power, 0) {
		return
	}
	sigma := math.Sqrt(power / 2)
	for i := range buf {
		buf[i] += complex(sigma*g.rng.NormFloat64(), sigma*g.rng.NormFloat64())
	}
}

// normalize scales buf so its largest magnitude is 1. Degenerate blocks
// (all zero, subnormal peak, non-finite peak) are left untouched.
func normalize(buf []complex128, scratch []float64) {
	peak := dsp.MaxMagnitude(buf, scratch)
	if !(peak >= normalizeFloor) || math.IsInf(peak, 0) || math.IsNaN(peak) {
		return
	}
	dsp.Scale(buf, 1/peak)
}

// toFloat32 narrows samples to the wire representation, clamping each
// component into [-1, 1] and replacing NaN with 0.
func toFloat32(buf []complex128) []complex64 {
	out := make([]complex64, len(buf))
	for i, v := range buf {
		out[i] = complex(clampUnit(real(v)), clampUnit(imag(v)))
	}
	return out
}

func clampUnit(v float64) float32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return float32(v)
	}
}
