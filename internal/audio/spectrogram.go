package audio

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vocoder turns a normalized linear spectrogram [T × n_freq] into a
// waveform.
type Vocoder interface {
	Invert(ctx context.Context, linear *mat.Dense) ([]float32, error)
}

// Params are the spectrogram normalization constants.
type Params struct {
	MinLevelDB  float64
	RefLevelDB  float64
	Power       float64
	Preemphasis float64
}

// Denormalize maps a [0, 1] normalized spectrogram back to decibels.
func Denormalize(s *mat.Dense, minLevelDB float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		v = math.Min(math.Max(v, 0), 1)
		return v*-minLevelDB + minLevelDB
	}, s)

	return &out
}

// DBToAmplitude converts decibels to linear amplitude.
func DBToAmplitude(db float64) float64 {
	return math.Pow(10, db*0.05)
}

// Magnitude converts a normalized linear spectrogram into the sharpened
// magnitude spectrogram that phase reconstruction runs on.
func Magnitude(s *mat.Dense, p Params) *mat.Dense {
	db := Denormalize(s, p.MinLevelDB)

	power := p.Power
	if power <= 0 {
		power = 1
	}

	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Pow(DBToAmplitude(v+p.RefLevelDB), power)
	}, db)

	return &out
}

// InvPreemphasis undoes y[n] = x[n] - coef·x[n-1] in place.
func InvPreemphasis(samples []float32, coef float64) []float32 {
	if coef == 0 {
		return samples
	}

	var prev float64
	for i, s := range samples {
		prev = float64(s) + coef*prev
		samples[i] = float32(prev)
	}

	return samples
}

// PeakNormalize scales samples so the largest magnitude is 1. Silence is
// returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		peak = max(peak, float32(math.Abs(float64(s))))
	}

	if peak == 0 {
		return samples
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s / peak
	}

	return out
}
