package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PeriodicHann returns the DFT-even Hann window of length n
func PeriodicHann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// FrameCount is the number of centered STFT frames for n samples
func FrameCount(n, hop int) int {
	return 1 + n/hop
}

// powerSTFT computes |STFT|² for a centered, zero padded signal. The result
// is (nFFT/2+1, frames) row-major.
func powerSTFT(x []float64, window []float64, hop int, pool *sync.Pool) ([]float64, int) {
	nFFT := len(window)
	nBins := nFFT/2 + 1
	pad := nFFT / 2

	frames := FrameCount(len(x), hop)
	power := make([]float64, nBins*frames)

	fft := pool.Get().(*fourier.FFT)
	defer pool.Put(fft)

	frame := make([]float64, nFFT)
	coeffs := make([]complex128, nBins)
	for t := 0; t < frames; t++ {
		start := t*hop - pad
		for i := range frame {
			j := start + i
			if j < 0 || j >= len(x) {
				frame[i] = 0
				continue
			}
			frame[i] = x[j] * window[i]
		}

		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			power[k*frames+t] = re*re + im*im
		}
	}
	return power, frames
}

// applyFilterbank projects a power spectrogram onto the mel filters
func applyFilterbank(fb []float64, nMels int, power []float64, nBins, frames int) []float64 {
	mel := make([]float64, nMels*frames)
	for m := 0; m < nMels; m++ {
		filter := fb[m*nBins : (m+1)*nBins]
		out := mel[m*frames : (m+1)*frames]
		for k, w := range filter {
			if w == 0 {
				continue
			}
			row := power[k*frames : (k+1)*frames]
			for t, p := range row {
				out[t] += w * p
			}
		}
	}
	return mel
}

// PowerToDB converts power values to decibels in place:
// 10·log10(max(amin, S)) - 10·log10(max(amin, ref)), then clips everything more
// than topDB below the peak.
func PowerToDB(s []float64, ref, amin, topDB float64) {
	refDB := 10 * math.Log10(math.Max(amin, ref))
	peak := math.Inf(-1)
	for i, v := range s {
		s[i] = 10*math.Log10(math.Max(amin, v)) - refDB
		if s[i] > peak {
			peak = s[i]
		}
	}
	if topDB <= 0 {
		return
	}
	floor := peak - topDB
	for i, v := range s {
		if v < floor {
			s[i] = floor
		}
	}
}

// FitFrames zero pads on the right or truncates a (bins, frames) matrix to
// exactly maxFrames columns.
func FitFrames(data []float64, bins, frames, maxFrames int) []float32 {
	out := make([]float32, bins*maxFrames)
	keep := frames
	if keep > maxFrames {
		keep = maxFrames
	}
	for b := 0; b < bins; b++ {
		src := data[b*frames : b*frames+keep]
		dst := out[b*maxFrames:]
		for t, v := range src {
			dst[t] = float32(v)
		}
	}
	return out
}
