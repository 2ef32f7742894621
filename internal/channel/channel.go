// Package channel draws the per-frame state of a LEO satellite link: Doppler
// offset, propagation delay, free-space path loss and a Rayleigh fading
// coefficient.
package channel

import (
	"math"
	"math/rand/v2"

	"github.com/rjboer/leostream/internal/config"
)

// Rand is the random source consumed by the channel model and the noise
// generator. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	NormFloat64() float64
}

// NewRand returns a seeded PCG-backed source. Equal seeds give equal
// sequences.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// State is the instantaneous channel applied to one frame.
type State struct {
	DopplerHz  float64    `json:"doppler_hz"`
	DelayMs    float64    `json:"delay_ms"`
	PathLossdB float64    `json:"path_loss_db"`
	Fading     complex128 `json:"-"`
	SNRdB      float64    `json:"snr_db"`
}

// Model samples channel states from a validated stream configuration.
type Model struct {
	dopplerBound float64
	delayMin     float64
	delayMax     float64
	pathLoss     float64
	snr          float64
}

// New builds a model. cfg must already have passed Validate; no range checks
// happen per sample.
func New(cfg config.Stream) *Model {
	return &Model{
		dopplerBound: cfg.DopplerBoundHz,
		delayMin:     cfg.DelayMinMs,
		delayMax:     cfg.DelayMaxMs,
		pathLoss:     PathLoss(cfg),
		snr:          cfg.DefaultSNRdB,
	}
}

// PathLossdB returns the fixed path loss the model applies to every frame.
func (m *Model) PathLossdB() float64 { return m.pathLoss }

// Sample draws the next channel state. Draw order is doppler, delay, fading
// so a given seed always yields the same sequence.
func (m *Model) Sample(rng Rand) State {
	return State{
		DopplerHz:  uniform(rng, -m.dopplerBound, m.dopplerBound),
		DelayMs:    uniform(rng, m.delayMin, m.delayMax),
		PathLossdB: m.pathLoss,
		Fading:     RayleighFading(rng),
		SNRdB:      m.snr,
	}
}

// uniform maps a [0,1) draw onto [lo, hi]. A zero-width range returns lo
// without consuming entropy differently from the general case.
func uniform(rng Rand, lo, hi float64) float64 {
	u := rng.Float64()
	v := lo + u*(hi-lo)
	if v > hi {
		v = hi
	}
	return v
}

// RayleighFading draws h = (a + jb)/sqrt(2) with a, b ~ N(0,1), so
// E[|h|^2] = 1 and |h| is Rayleigh distributed.
func RayleighFading(rng Rand) complex128 {
	a := rng.NormFloat64()
	b := rng.NormFloat64()
	return complex(a/math.Sqrt2, b/math.Sqrt2)
}

// FreeSpacePathLoss returns FSPL in dB for a distance in km and a frequency
// in Hz: 32.45 + 20 log10(d_km) + 20 log10(f_MHz).
func FreeSpacePathLoss(distanceKm, frequencyHz float64) float64 {
	return 32.45 + 20*math.Log10(distanceKm) + 20*math.Log10(frequencyHz/1e6)
}

// PathLoss resolves the configured path loss: the pinned value when set,
// otherwise FSPL at the configured altitude and carrier.
func PathLoss(cfg config.Stream) float64 {
	if cfg.PathLossdB != nil {
		return *cfg.PathLossdB
	}
	return FreeSpacePathLoss(cfg.AltitudeKm, cfg.CarrierFrequency)
}

// Attenuation converts a loss in dB into a linear amplitude factor.
func Attenuation(lossdB float64) float64 {
	return math.Pow(10, -lossdB/20)
}
