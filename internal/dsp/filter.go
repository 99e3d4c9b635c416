package dsp

import "math"

// biquad is one second-order IIR section in direct form I.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

const butterworthQ = math.Sqrt2 / 2

func lowpass(fc, fs float64) biquad {
	w0 := 2 * math.Pi * fc / fs
	cw, alpha := math.Cos(w0), math.Sin(w0)/(2*butterworthQ)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cw) / 2 / a0,
		b1: (1 - cw) / a0,
		b2: (1 - cw) / 2 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpass(fc, fs float64) biquad {
	w0 := 2 * math.Pi * fc / fs
	cw, alpha := math.Cos(w0), math.Sin(w0)/(2*butterworthQ)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cw) / 2 / a0,
		b1: -(1 + cw) / a0,
		b2: (1 + cw) / 2 / a0,
		a1: -2 * cw / a0,
		a2: (1 - alpha) / a0,
	}
}

func (q biquad) apply(x []float64) {
	var x1, x2, y1, y2 float64
	for i, v := range x {
		y := q.b0*v + q.b1*x1 + q.b2*x2 - q.a1*y1 - q.a2*y2
		x2, x1 = x1, v
		y2, y1 = y1, y
		x[i] = y
	}
}

// Bandpass applies a 4th order bandpass built from cascaded 2nd order Butterworth
// high-pass and low-pass sections, run forward and then backward so the output
// has no phase shift. The input is left untouched.
func Bandpass(x []float64, fs, low, high float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if len(x) < 3 || fs <= 0 {
		return out
	}
	if nyq := fs / 2; high >= nyq {
		high = 0.95 * nyq
	}
	sections := []biquad{highpass(low, fs), highpass(low, fs), lowpass(high, fs), lowpass(high, fs)}

	for _, s := range sections {
		s.apply(out)
	}
	reverse(out)
	for _, s := range sections {
		s.apply(out)
	}
	reverse(out)
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
