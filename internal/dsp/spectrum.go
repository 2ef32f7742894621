package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// guardBins are excluded on each side of the peak when estimating the noise floor.
const guardBins = 2

// FloorDBFS is reported for empty bins so spectra stay JSON-encodable.
const FloorDBFS = -300.0

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// Spectrum is a windowed, DC-centred power spectrum in dB relative to a
// full-scale (|x| = 1) tone.
type Spectrum struct {
	SampleRate     float64   `json:"sampleRate"`
	BinsDBFS       []float64 `json:"bins"`
	PeakBin        int       `json:"peakBin"`
	PeakHz         float64   `json:"peakHz"`
	PeakDBFS       float64   `json:"peakDbfs"`
	NoiseFloorDBFS float64   `json:"noiseFloorDbfs"`
	SNRdB          float64   `json:"snrDb"`
}

// BinFrequency returns the centre frequency of a shifted bin.
func (s Spectrum) BinFrequency(bin int) float64 {
	n := len(s.BinsDBFS)
	if n == 0 {
		return 0
	}
	return (float64(bin) - float64(n/2)) * s.SampleRate / float64(n)
}

// Analyzer caches the Hamming window and FFT plan for a fixed transform size.
// Frames longer than the size are truncated to their leading samples.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
}

// NewAnalyzer prepares an analyzer for size-point transforms.
func NewAnalyzer(size int) *Analyzer {
	win := Hamming(size)
	sum := 0.0
	for _, v := range win {
		sum += v
	}
	return &Analyzer{
		size:      size,
		window:    win,
		windowSum: sum,
		fft:       fourier.NewCmplxFFT(size),
	}
}

// Size returns the transform length.
func (a *Analyzer) Size() int { return a.size }

// Spectrum transforms the leading Size() samples. It returns ok=false when
// fewer samples are available.
func (a *Analyzer) Spectrum(samples []complex64, sampleRate float64) (Spectrum, bool) {
	if a.size == 0 || len(samples) < a.size {
		return Spectrum{}, false
	}
	windowed := ApplyWindow(samples[:a.size], a.window)

	a.mu.Lock()
	coeffs := a.fft.Coefficients(nil, windowed)
	a.mu.Unlock()

	for i := range coeffs {
		coeffs[i] /= complex(a.windowSum, 0)
	}
	shifted := FFTShift(coeffs)

	spec := Spectrum{SampleRate: sampleRate, BinsDBFS: make([]float64, len(shifted))}
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			spec.BinsDBFS[i] = FloorDBFS
			continue
		}
		spec.BinsDBFS[i] = math.Max(20*math.Log10(mag), FloorDBFS)
	}

	peak, bin, ok := peakInBand(spec.BinsDBFS)
	if !ok {
		return spec, true
	}
	spec.PeakBin = bin
	spec.PeakDBFS = peak
	spec.PeakHz = spec.BinFrequency(bin)
	if noise, ok := noiseFloor(spec.BinsDBFS, bin); ok {
		spec.NoiseFloorDBFS = noise
		spec.SNRdB = peak - noise
	}
	return spec, true
}

func peakInBand(db []float64) (peak float64, bin int, ok bool) {
	peak = FloorDBFS
	for i, v := range db {
		if v > peak {
			peak = v
			bin = i
		}
	}
	return peak, bin, peak > FloorDBFS
}

// noiseFloor averages the bins outside the guard region around signalBin.
func noiseFloor(db []float64, signalBin int) (float64, bool) {
	var sum float64
	var count int
	for i, v := range db {
		if i >= signalBin-guardBins && i <= signalBin+guardBins {
			continue
		}
		if math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
