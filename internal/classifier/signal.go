package classifier

import (
	"context"
	"maps"

	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/utils"
)

// SignalClassifier is the deterministic band-power classifier. It never
// calls out of process and serves as the router's fallback.
type SignalClassifier struct {
	name    string
	version string
	cfg     dsp.Config
}

func NewSignalClassifier(name, version string, cfg dsp.Config) *SignalClassifier {
	if name == "" {
		name = "signal_processing"
	}
	if version == "" {
		version = "1.0"
	}
	return &SignalClassifier{name: name, version: version, cfg: cfg}
}

func (c *SignalClassifier) Name() string    { return c.name }
func (c *SignalClassifier) Version() string { return c.version }
func (c *SignalClassifier) Kind() string    { return "signal_processing" }

func (c *SignalClassifier) Classify(ctx context.Context, w Window) (Result, error) {
	const op = "SignalClassifier.Classify"
	if err := ctx.Err(); err != nil {
		return Result{}, utils.E(utils.CodeClassification, op, "cancelled", err)
	}

	var feats map[string]float64
	if w.IsRaw() {
		cfg := c.cfg
		if w.SampleRate > 0 {
			cfg.SampleRate = w.SampleRate
		}
		f, err := dsp.ExtractFeatures(w.Channels, cfg)
		if err != nil {
			return Result{}, utils.E(utils.CodeClassification, op, "feature extraction failed", err)
		}
		feats = f
	} else {
		if len(w.Features) == 0 {
			return Result{}, utils.E(utils.CodeClassification, op, "empty window", nil)
		}
		feats = maps.Clone(w.Features)
		feats[dsp.WorkloadIndex] = dsp.Index(feats, c.cfg.Weights)
	}

	return Result{
		Workload:   dsp.Squash(feats[dsp.WorkloadIndex]),
		Confidence: 1.0,
		Features:   feats,
	}, nil
}
