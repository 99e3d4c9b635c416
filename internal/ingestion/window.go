package ingestion

import "time"

const (
	DefaultWindowSamples = 1000
	DefaultWindowHop     = 500
)

// Block is one completed analysis window, channel-major.
type Block struct {
	Start    time.Time
	End      time.Time
	Channels [][]float64
}

// WindowAccumulator collects raw samples into overlapping windows of size
// samples, emitting one every hop samples once the first window is full.
type WindowAccumulator struct {
	size, hop int
	channels  [][]float64
	times     []time.Time
}

func NewWindowAccumulator(size, hop int) *WindowAccumulator {
	if size <= 0 {
		size = DefaultWindowSamples
	}
	if hop <= 0 || hop > size {
		hop = size
	}
	return &WindowAccumulator{size: size, hop: hop}
}

// Add appends one sample. The channel count is fixed by the first sample;
// callers validate it before calling Add.
func (a *WindowAccumulator) Add(ts time.Time, sample []float64) (Block, bool) {
	if a.channels == nil {
		a.channels = make([][]float64, len(sample))
		for i := range a.channels {
			a.channels[i] = make([]float64, 0, a.size)
		}
		a.times = make([]time.Time, 0, a.size)
	}
	for i, v := range sample {
		a.channels[i] = append(a.channels[i], v)
	}
	a.times = append(a.times, ts)

	if len(a.times) < a.size {
		return Block{}, false
	}

	b := Block{
		Start:    a.times[0],
		End:      a.times[len(a.times)-1],
		Channels: make([][]float64, len(a.channels)),
	}
	for i, ch := range a.channels {
		b.Channels[i] = append([]float64(nil), ch...)
		a.channels[i] = append(ch[:0], ch[a.hop:]...)
	}
	a.times = append(a.times[:0], a.times[a.hop:]...)
	return b, true
}

func (a *WindowAccumulator) Len() int { return len(a.times) }

func (a *WindowAccumulator) Reset() {
	a.channels = nil
	a.times = nil
}
