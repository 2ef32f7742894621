package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration rejected by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Defaults for a Ka-band, 600 km LEO downlink.
const (
	DefaultSampleRate       = 30.72e6
	DefaultFrameDuration    = 10 * time.Millisecond
	DefaultCarrierFrequency = 20e9
	DefaultSNRdB            = 10.0
	DefaultDopplerBoundHz   = 40e3
	DefaultDelayMinMs       = 5.0
	DefaultDelayMaxMs       = 25.0
	DefaultAltitudeKm       = 600.0
	DefaultBindEndpoint     = "tcp://*:5555"
)

// sampleCountTolerance bounds how far SampleRate*FrameDuration may sit from
// an integer.
const sampleCountTolerance = 1e-6

// MaxSamplesPerFrame caps the frame size at 128 MiB of payload.
const MaxSamplesPerFrame = 1 << 24

// Stream is the generator configuration. It is read-only once validated.
type Stream struct {
	SampleRate       float64       `yaml:"sampleRate" json:"sample_rate"`
	FrameDuration    time.Duration `yaml:"frameDuration" json:"frame_duration"`
	CarrierFrequency float64       `yaml:"carrierFrequency" json:"carrier_frequency"`
	DefaultSNRdB     float64       `yaml:"snrDb" json:"default_snr_db"`
	DopplerBoundHz   float64       `yaml:"dopplerBoundHz" json:"doppler_range_hz"`
	DelayMinMs       float64       `yaml:"delayMinMs" json:"delay_min_ms"`
	DelayMaxMs       float64       `yaml:"delayMaxMs" json:"delay_max_ms"`
	// PathLossdB pins the path loss. Nil derives it from the free-space
	// formula at AltitudeKm and CarrierFrequency.
	PathLossdB   *float64 `yaml:"pathLossDb,omitempty" json:"path_loss_db,omitempty"`
	AltitudeKm   float64  `yaml:"altitudeKm" json:"altitude_km"`
	BindEndpoint string   `yaml:"bindEndpoint" json:"bind_endpoint"`
	// Seed of the random source; zero picks a time-based seed at startup.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// NumSamples returns the integer number of samples in one frame.
func (s Stream) NumSamples() int {
	return int(math.Round(s.SampleRate * s.FrameDuration.Seconds()))
}

// Validate rejects configurations the generator cannot run with. Every error
// wraps ErrInvalid.
func (s Stream) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"sample rate", s.SampleRate},
		{"carrier frequency", s.CarrierFrequency},
		{"snr", s.DefaultSNRdB},
		{"doppler bound", s.DopplerBoundHz},
		{"delay min", s.DelayMinMs},
		{"delay max", s.DelayMaxMs},
		{"altitude", s.AltitudeKm},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s must be finite, got %v", ErrInvalid, f.name, f.v)
		}
	}

	switch {
	case s.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive, got %v", ErrInvalid, s.SampleRate)
	case s.FrameDuration <= 0:
		return fmt.Errorf("%w: frame duration must be positive, got %v", ErrInvalid, s.FrameDuration)
	case s.CarrierFrequency <= 0:
		return fmt.Errorf("%w: carrier frequency must be positive, got %v", ErrInvalid, s.CarrierFrequency)
	case s.DefaultSNRdB < 0:
		return fmt.Errorf("%w: snr must be non-negative, got %v dB", ErrInvalid, s.DefaultSNRdB)
	case s.DopplerBoundHz < 0:
		return fmt.Errorf("%w: doppler bound must be non-negative, got %v Hz", ErrInvalid, s.DopplerBoundHz)
	case s.DelayMinMs < 0 || s.DelayMinMs > s.DelayMaxMs:
		return fmt.Errorf("%w: delay range [%v, %v] ms is inverted or negative", ErrInvalid, s.DelayMinMs, s.DelayMaxMs)
	case s.PathLossdB == nil && s.AltitudeKm <= 0:
		return fmt.Errorf("%w: altitude must be positive when path loss is derived", ErrInvalid)
	case s.PathLossdB != nil && (*s.PathLossdB < 0 || math.IsInf(*s.PathLossdB, 0) || math.IsNaN(*s.PathLossdB)):
		return fmt.Errorf("%w: path loss must be a finite non-negative dB value", ErrInvalid)
	case s.BindEndpoint == "":
		return fmt.Errorf("%w: bind endpoint is empty", ErrInvalid)
	}

	exact := s.SampleRate * s.FrameDuration.Seconds()
	n := math.Round(exact)
	if n < 1 {
		return fmt.Errorf("%w: frame holds no samples (%v Hz x %v)", ErrInvalid, s.SampleRate, s.FrameDuration)
	}
	if n > MaxSamplesPerFrame {
		return fmt.Errorf("%w: frame of %.0f samples exceeds the limit of %d", ErrInvalid, n, MaxSamplesPerFrame)
	}
	if math.Abs(exact-n) > sampleCountTolerance*math.Max(1, n) {
		return fmt.Errorf("%w: sample rate x frame duration = %v is not an integer", ErrInvalid, exact)
	}
	return nil
}

// File is the on-disk configuration: the stream parameters plus process
// settings for the ambient services.
type File struct {
	Stream   Stream   `yaml:"stream"`
	Settings Settings `yaml:"settings"`
}

// Settings holds process level options. Empty strings disable the
// corresponding service.
type Settings struct {
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	MonitorAddr   string `yaml:"monitorAddr"`
	HistoryLimit  int    `yaml:"historyLimit"`
	SpectrumEvery int    `yaml:"spectrumEvery"`
	MissLogEvery  uint64 `yaml:"missLogEvery"`
	Advertise     bool   `yaml:"advertise"`
	InstanceName  string `yaml:"instanceName"`
	RecordPath    string `yaml:"recordPath"`
	SessionDB     string `yaml:"sessionDb"`
}

// Defaults returns the stock LEO profile.
func Defaults() File {
	return File{
		Stream: Stream{
			SampleRate:       DefaultSampleRate,
			FrameDuration:    DefaultFrameDuration,
			CarrierFrequency: DefaultCarrierFrequency,
			DefaultSNRdB:     DefaultSNRdB,
			DopplerBoundHz:   DefaultDopplerBoundHz,
			DelayMinMs:       DefaultDelayMinMs,
			DelayMaxMs:       DefaultDelayMaxMs,
			AltitudeKm:       DefaultAltitudeKm,
			BindEndpoint:     DefaultBindEndpoint,
		},
		Settings: Settings{
			LogLevel:      "info",
			LogFormat:     "text",
			HistoryLimit:  500,
			SpectrumEvery: 100,
			MissLogEvery:  100,
			InstanceName:  "leostream",
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (File, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
