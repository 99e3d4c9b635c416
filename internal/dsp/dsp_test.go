package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, fs float64, n int, amp float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return x
}

func TestPSDPeaksAtToneFrequency(t *testing.T) {
	const fs = 250.0
	spec := PSD(sine(10, fs, 1000, 1), fs, 4, 2)
	require.Len(t, spec.Power, 1)
	require.Len(t, spec.Freqs, 501)

	peak := 0
	for i, p := range spec.Power[0] {
		if p > spec.Power[0][peak] {
			peak = i
		}
	}
	assert.InDelta(t, 10.0, spec.Freqs[peak], 0.25)
}

func TestPSDWindowCount(t *testing.T) {
	spec := PSD(make([]float64, 2500), 250, 4, 2)
	// (2500 - 500) / 500
	assert.Len(t, spec.Power, 4)
}

func TestBandpassAttenuatesOutOfBand(t *testing.T) {
	const fs = 250.0
	inBand := Bandpass(sine(10, fs, 2000, 1), fs, 1, 40)
	outBand := Bandpass(sine(90, fs, 2000, 1), fs, 1, 40)

	assert.Greater(t, amplitude(inBand[500:1500]), 0.8)
	assert.Less(t, amplitude(outBand[500:1500]), 0.1)
}

func TestBandPowerFollowsDominantRhythm(t *testing.T) {
	const fs = 250.0
	spec := PSD(sine(6, fs, 1000, 1), fs, 4, 2)
	assert.Greater(t, BandPower(spec, Band{"theta", 4, 8}), BandPower(spec, Band{"beta", 13, 30}))
}

func TestExtractFeatures(t *testing.T) {
	cfg := DefaultConfig()
	channels := make([][]float64, 7)
	for ch := range channels {
		channels[ch] = sine(6+float64(ch), cfg.SampleRate, 1000, 1)
	}

	f, err := ExtractFeatures(channels, cfg)
	require.NoError(t, err)
	for _, k := range []string{FrontalTheta, FrontalThetaBetaRatio, ParietalAlpha, FrontalThetaParietalAlphaRat, WorkloadIndex, "alpha_power"} {
		assert.Contains(t, f, k)
		assert.False(t, math.IsNaN(f[k]), k)
	}
	assert.InDelta(t, Index(f, cfg.Weights), f[WorkloadIndex], 1e-12)

	_, err = ExtractFeatures(channels[:3], cfg)
	assert.Error(t, err)
	_, err = ExtractFeatures(nil, cfg)
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestSquash(t *testing.T) {
	assert.Equal(t, 0.5, Squash(0))
	assert.Greater(t, Squash(3), 0.9)
	assert.Less(t, Squash(-3), 0.1)
	assert.Equal(t, 0.5, Squash(math.NaN()))
}

func amplitude(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s / float64(len(x)) * 2)
}
