package forwarder

import (
	"time"

	"github.com/yoockh/cogload/internal/dsp"
)

// Preprocessor reduces consecutive, non-overlapping windows of raw samples
// to feature maps on the device, so only features cross the network.
type Preprocessor struct {
	cfg      dsp.Config
	size     int
	channels [][]float64
	last     time.Time
}

func NewPreprocessor(cfg dsp.Config, windowSeconds float64) *Preprocessor {
	if windowSeconds <= 0 {
		windowSeconds = 4
	}
	size := int(windowSeconds * cfg.SampleRate)
	if size < 1 {
		size = 1
	}
	return &Preprocessor{cfg: cfg, size: size}
}

// Add buffers s and returns features once a window is complete. The
// timestamp is that of the window's last sample.
func (p *Preprocessor) Add(s Sample) (map[string]float64, time.Time, bool, error) {
	if len(s.Channels) == 0 {
		return nil, time.Time{}, false, nil
	}
	if p.channels == nil || len(p.channels) != len(s.Channels) {
		p.channels = make([][]float64, len(s.Channels))
		for i := range p.channels {
			p.channels[i] = make([]float64, 0, p.size)
		}
	}
	for i, v := range s.Channels {
		p.channels[i] = append(p.channels[i], v)
	}
	p.last = s.Timestamp
	if len(p.channels[0]) < p.size {
		return nil, time.Time{}, false, nil
	}

	feats, err := dsp.ExtractFeatures(p.channels, p.cfg)
	for i := range p.channels {
		p.channels[i] = p.channels[i][:0]
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return feats, p.last, true, nil
}
