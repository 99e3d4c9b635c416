package dsp

import (
	"errors"
	"fmt"
	"math"
)

// Feature keys produced by ExtractFeatures.
const (
	FrontalTheta                 = "frontal_theta"
	FrontalThetaBetaRatio        = "frontal_theta_beta_ratio"
	ParietalAlpha                = "parietal_alpha"
	FrontalThetaParietalAlphaRat = "frontal_theta_parietal_alpha_ratio"
	WorkloadIndex                = "workload_index"
)

var ErrNoChannels = errors.New("dsp: no channels")

// ChannelGroups maps scalp regions to channel indices.
type ChannelGroups struct {
	Frontal  []int `yaml:"frontal" json:"frontal"`
	Central  []int `yaml:"central" json:"central"`
	Parietal []int `yaml:"parietal" json:"parietal"`
}

type Weights struct {
	FrontalTheta                 float64 `yaml:"frontal_theta" json:"frontal_theta"`
	FrontalThetaBetaRatio        float64 `yaml:"frontal_theta_beta_ratio" json:"frontal_theta_beta_ratio"`
	ParietalAlpha                float64 `yaml:"parietal_alpha" json:"parietal_alpha"`
	FrontalThetaParietalAlphaRat float64 `yaml:"frontal_theta_parietal_alpha_ratio" json:"frontal_theta_parietal_alpha_ratio"`
}

type Config struct {
	SampleRate float64       `yaml:"sample_rate"`
	LowCut     float64       `yaml:"low_cut"`
	HighCut    float64       `yaml:"high_cut"`
	WindowSec  float64       `yaml:"psd_window_seconds"`
	OverlapSec float64       `yaml:"psd_overlap_seconds"`
	Groups     ChannelGroups `yaml:"channel_groups"`
	Weights    Weights       `yaml:"weights"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate: 250,
		LowCut:     1,
		HighCut:    40,
		WindowSec:  4,
		OverlapSec: 2,
		Groups: ChannelGroups{
			Frontal:  []int{0, 1},
			Central:  []int{2, 3, 4},
			Parietal: []int{5, 6},
		},
		Weights: Weights{
			FrontalTheta:                 0.10,
			FrontalThetaBetaRatio:        0.45,
			ParietalAlpha:                0.45,
			FrontalThetaParietalAlphaRat: 2.0,
		},
	}
}

// ExtractFeatures computes band powers per channel and the regional metrics
// for one multichannel window laid out as [channel][sample].
func ExtractFeatures(channels [][]float64, cfg Config) (map[string]float64, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	if need := maxIndex(cfg.Groups) + 1; len(channels) < need {
		return nil, fmt.Errorf("dsp: %d channels, channel groups need %d", len(channels), need)
	}

	theta := make([]float64, len(channels))
	alpha := make([]float64, len(channels))
	beta := make([]float64, len(channels))
	feats := make(map[string]float64, 8+len(DefaultBands))

	bandMeans := make(map[string]float64, len(DefaultBands))
	for ch, x := range channels {
		filtered := Bandpass(x, cfg.SampleRate, cfg.LowCut, cfg.HighCut)
		spec := PSD(filtered, cfg.SampleRate, cfg.WindowSec, cfg.OverlapSec)
		for _, b := range DefaultBands {
			p := BandPower(spec, b)
			bandMeans[b.Name] += p / float64(len(channels))
			switch b.Name {
			case "theta":
				theta[ch] = p
			case "alpha":
				alpha[ch] = p
			case "beta":
				beta[ch] = p
			}
		}
	}
	for name, v := range bandMeans {
		feats[name+"_power"] = v
	}

	g := cfg.Groups
	if len(g.Frontal) > 0 {
		ft := mean(theta, g.Frontal)
		feats[FrontalTheta] = ft
		feats[FrontalThetaBetaRatio] = (ft - mean(beta, g.Frontal)) / 2
	}
	if len(g.Parietal) > 0 {
		feats[ParietalAlpha] = mean(alpha, g.Parietal)
	}
	if len(g.Frontal) > 0 && len(g.Parietal) > 0 {
		feats[FrontalThetaParietalAlphaRat] = (feats[FrontalTheta] - feats[ParietalAlpha]) / 2
	}
	feats[WorkloadIndex] = Index(feats, cfg.Weights)
	return feats, nil
}

// Index is the weighted workload combination. Parietal alpha falls with load,
// so it enters as (1 - alpha). Missing metrics count as zero.
func Index(f map[string]float64, w Weights) float64 {
	return w.FrontalTheta*f[FrontalTheta] +
		w.FrontalThetaBetaRatio*f[FrontalThetaBetaRatio] +
		w.ParietalAlpha*(1-f[ParietalAlpha]) +
		w.FrontalThetaParietalAlphaRat*f[FrontalThetaParietalAlphaRat]
}

// Squash maps an unbounded index onto (0, 1).
func Squash(idx float64) float64 {
	if math.IsNaN(idx) {
		return 0.5
	}
	return 1 / (1 + math.Exp(-idx))
}

func mean(v []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var s float64
	for _, i := range idx {
		s += v[i]
	}
	return s / float64(len(idx))
}

func maxIndex(g ChannelGroups) int {
	m := -1
	for _, grp := range [][]int{g.Frontal, g.Central, g.Parietal} {
		for _, i := range grp {
			if i > m {
				m = i
			}
		}
	}
	return m
}
