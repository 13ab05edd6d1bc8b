package audio

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above
const (
	melFSp       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

// HzToMel converts a frequency to the Slaney mel scale
func HzToMel(hz float64) float64 {
	if hz >= melMinLogHz {
		return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
	}
	return hz / melFSp
}

// MelToHz is the inverse of HzToMel
func MelToHz(mel float64) float64 {
	if mel >= melMinLogMel {
		return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
	}
	return mel * melFSp
}

// MelFilterbank builds an (nMels, nFFT/2+1) row-major matrix of triangular
// filters with Slaney area normalisation.
func MelFilterbank(sampleRate, nFFT, nMels int, fmin, fmax float64) []float64 {
	nBins := nFFT/2 + 1

	fftFreqs := make([]float64, nBins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	// nMels+2 band edges evenly spaced in mel
	melMin, melMax := HzToMel(fmin), HzToMel(fmax)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = MelToHz(melMin + (melMax-melMin)*float64(i)/float64(nMels+1))
	}

	weights := make([]float64, nMels*nBins)
	for m := 0; m < nMels; m++ {
		lower, center, upper := edges[m], edges[m+1], edges[m+2]
		enorm := 2 / (upper - lower)
		row := weights[m*nBins : (m+1)*nBins]
		for k, f := range fftFreqs {
			up := (f - lower) / (center - lower)
			down := (upper - f) / (upper - center)
			if w := math.Min(up, down); w > 0 {
				row[k] = w * enorm
			}
		}
	}
	return weights
}
