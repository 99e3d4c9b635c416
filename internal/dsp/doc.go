// Package dsp reduces multichannel EEG windows to band-power features and a
// workload index: bandpass filter, Hann-windowed FFT power spectrum, Simpson
// band integration and a weighted combination of frontal/parietal metrics.
package dsp
