package classifier

import (
	"context"
	"time"
)

// Window is one classification request: either a raw multichannel block or a
// feature map computed upstream.
type Window struct {
	SessionID  string
	UserID     string
	Timestamp  time.Time
	SampleRate float64
	Channels   [][]float64 // [channel][sample], nil for feature windows
	Features   map[string]float64
}

func (w Window) IsRaw() bool { return len(w.Channels) > 0 }

type Result struct {
	Workload   float64
	Confidence float64
	Features   map[string]float64
}

type Classifier interface {
	Name() string
	Version() string
	Classify(ctx context.Context, w Window) (Result, error)
}

// BackendInfo describes a registered classifier.
type BackendInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Kind     string `json:"kind"`
	Active   bool   `json:"active"`
	Fallback bool   `json:"fallback"`
}

type kinded interface{ Kind() string }

func kindOf(c Classifier) string {
	if k, ok := c.(kinded); ok {
		return k.Kind()
	}
	return "custom"
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
