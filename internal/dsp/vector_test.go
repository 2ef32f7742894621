package dsp

import (
	"math"
	"testing"
)

func TestMaxMagnitudeAndMeanPower(t *testing.T) {
	src := []complex128{3 + 4i, 1, -2i, 0}
	if got := MaxMagnitude(src, nil); got != 5 {
		t.Fatalf("max magnitude %v, want 5", got)
	}
	if got := MeanPower(src, make([]float64, 1)); math.Abs(got-(25+1+4)/4.0) > 1e-12 {
		t.Fatalf("mean power %v", got)
	}
	if MaxMagnitude(nil, nil) != 0 || MeanPower(nil, nil) != 0 {
		t.Fatalf("empty input should yield zero")
	}
}

func TestPowerIntoReusesScratch(t *testing.T) {
	scratch := make([]float64, 8)
	out := PowerInto(scratch, []complex128{1i, 2})
	if len(out) != 2 || &out[0] != &scratch[0] {
		t.Fatalf("scratch buffer was not reused")
	}
	if out[0] != 1 || out[1] != 4 {
		t.Fatalf("unexpected powers %v", out)
	}
}

func TestScaleAndMeanPower64(t *testing.T) {
	v := []complex128{2 + 2i, -4}
	Scale(v, 0.5)
	if v[0] != 1+1i || v[1] != -2 {
		t.Fatalf("unexpected scaled vector %v", v)
	}
	if got := MeanPower64([]complex64{1, 1i}); got != 1 {
		t.Fatalf("mean power %v, want 1", got)
	}
}
