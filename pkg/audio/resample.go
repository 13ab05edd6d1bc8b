package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
)

const (
	// Zero crossings of the sinc kept on each side of the interpolation point
	resampleZeroCrossings = 32
	// Fraction of the output Nyquist band passed before the filter rolls off
	resampleRolloff = 0.945
	// Kaiser window shape parameter
	resampleKaiserBeta = 8.6
	// Filter table entries per zero crossing
	resampleTableDensity = 512
	// Output samples between cancellation checks
	resampleCheckEvery = 1 << 13
)

var (
	filterOnce  sync.Once
	filterTable []float64
)

// kaiserSincTable samples the windowed sinc on [0, resampleZeroCrossings] in
// units of zero crossings. It does not depend on the rates, only the cutoff
// scaling does, so one table serves every conversion.
func kaiserSincTable() []float64 {
	filterOnce.Do(func() {
		n := resampleZeroCrossings * resampleTableDensity
		// one trailing zero so interpolation at the edge stays in range
		filterTable = make([]float64, n+2)
		norm := besselI0(resampleKaiserBeta)
		for k := 0; k <= n; k++ {
			u := float64(k) / resampleTableDensity
			r := u / resampleZeroCrossings
			filterTable[k] = besselI0(resampleKaiserBeta*math.Sqrt(1-r*r)) / norm * sinc(u)
		}
	})
	return filterTable
}

// Resample converts x from one sample rate to another with a Kaiser windowed
// sinc filter. The output has ceil(len(x) * to / from) samples. It returns
// ctx.Err() if ctx is cancelled part way.
func Resample(ctx context.Context, x []float64, from, to int) ([]float64, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	if from == to {
		out := make([]float64, len(x))
		copy(out, x)
		return out, nil
	}

	table := kaiserSincTable()
	ratio := float64(to) / float64(from)
	n := int(math.Ceil(float64(len(x)) * ratio))
	out := make([]float64, n)

	// When downsampling the filter is widened so it also acts as the
	// anti-aliasing low-pass.
	cutoff := resampleRolloff * math.Min(1, ratio)
	halfWidth := resampleZeroCrossings / cutoff
	scale := cutoff * resampleTableDensity

	for i := range out {
		if i%resampleCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		t := float64(i) / ratio
		lo := int(math.Ceil(t - halfWidth))
		hi := int(math.Floor(t + halfWidth))
		if lo < 0 {
			lo = 0
		}
		if hi > len(x)-1 {
			hi = len(x) - 1
		}

		var acc float64
		for j := lo; j <= hi; j++ {
			pos := math.Abs(t-float64(j)) * scale
			k := int(pos)
			frac := pos - float64(k)
			acc += x[j] * (table[k] + frac*(table[k+1]-table[k]))
		}
		out[i] = acc * cutoff
	}
	return out, nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// besselI0 is the zeroth order modified Bessel function of the first kind
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 64; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-16 {
			break
		}
	}
	return sum
}
