package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum holds log10 power per frequency bin for each analysis window.
type Spectrum struct {
	Freqs []float64
	Power [][]float64 // [window][bin]
}

// minPower keeps log10 finite for silent bins.
const minPower = 1e-20

// PSD splits x into Hann-windowed segments of windowSec seconds overlapping
// by overlapSec and returns log10(|FFT|^2 / N) per segment. A signal shorter
// than one segment is analysed as a single segment of its own length.
func PSD(x []float64, fs, windowSec, overlapSec float64) Spectrum {
	n := int(windowSec * fs)
	overlap := int(overlapSec * fs)
	if n > len(x) || n <= 0 {
		n, overlap = len(x), 0
	}
	if n < 2 {
		return Spectrum{}
	}
	if overlap >= n {
		overlap = n / 2
	}
	step := n - overlap
	windows := (len(x) - overlap) / step

	win := hann(n)
	fft := fourier.NewFFT(n)
	seg := make([]float64, n)
	coeffs := make([]complex128, n/2+1)

	spec := Spectrum{Freqs: make([]float64, n/2+1), Power: make([][]float64, 0, windows)}
	for i := range spec.Freqs {
		spec.Freqs[i] = float64(i) * fs / float64(n)
	}
	for w := 0; w < windows; w++ {
		start := w * step
		if start+n > len(x) {
			break
		}
		for i := 0; i < n; i++ {
			seg[i] = x[start+i] * win[i]
		}
		coeffs = fft.Coefficients(coeffs, seg)
		p := make([]float64, len(coeffs))
		for i, c := range coeffs {
			mag := cmplx.Abs(c)
			p[i] = math.Log10(math.Max(mag*mag/float64(n), minPower))
		}
		spec.Power = append(spec.Power, p)
	}
	return spec
}

// hann returns the symmetric Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}
