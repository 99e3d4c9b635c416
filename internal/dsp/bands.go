package dsp

import "gonum.org/v1/gonum/integrate"

type Band struct {
	Name      string
	Low, High float64
}

var DefaultBands = []Band{
	{Name: "delta", Low: 1, High: 4},
	{Name: "theta", Low: 4, High: 8},
	{Name: "alpha", Low: 8, High: 13},
	{Name: "beta", Low: 13, High: 30},
	{Name: "gamma", Low: 30, High: 40},
}

// BandPower integrates the spectrum over [b.Low, b.High] for every window and
// returns the mean across windows.
func BandPower(spec Spectrum, b Band) float64 {
	var xs []float64
	lo := -1
	for i, f := range spec.Freqs {
		if f >= b.Low && f <= b.High {
			if lo < 0 {
				lo = i
			}
			xs = append(xs, f)
		}
	}
	if len(xs) == 0 || len(spec.Power) == 0 {
		return 0
	}

	var sum float64
	for _, p := range spec.Power {
		sum += integrateBins(xs, p[lo:lo+len(xs)])
	}
	return sum / float64(len(spec.Power))
}

func integrateBins(x, f []float64) float64 {
	switch {
	case len(x) >= 3:
		return integrate.Simpsons(x, f)
	case len(x) == 2:
		return integrate.Trapezoidal(x, f)
	default:
		return 0
	}
}
