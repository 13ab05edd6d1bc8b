package nn

import (
	"fmt"
	"math"

	"emotion-server/pkg/errors"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear computes x·Wᵀ + b for rows samples. x is (rows, in), weight is
// (out, in) in PyTorch layout and bias, when non-nil, is (out).
func Linear(x []float32, rows int, weight, bias *Tensor) ([]float32, error) {
	if len(weight.Shape) != 2 {
		return nil, errors.NewInference(fmt.Sprintf("linear weight must be 2-D, got %v", weight.Shape))
	}
	out, in := weight.Shape[0], weight.Shape[1]
	if len(x) != rows*in {
		return nil, errors.NewInference(fmt.Sprintf("linear input has %d values, expected %dx%d", len(x), rows, in))
	}
	if bias != nil && bias.Len() != out {
		return nil, errors.NewInference(fmt.Sprintf("linear bias has %d values, expected %d", bias.Len(), out))
	}

	y := make([]float32, rows*out)
	beta := float32(0)
	if bias != nil {
		for r := 0; r < rows; r++ {
			copy(y[r*out:(r+1)*out], bias.Data)
		}
		beta = 1
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: in, Stride: in, Data: x},
		blas32.General{Rows: out, Cols: in, Stride: in, Data: weight.Data},
		beta,
		blas32.General{Rows: rows, Cols: out, Stride: out, Data: y},
	)
	return y, nil
}

// Conv2d applies a stride 1 convolution with symmetric zero padding to a
// single (inC, h, w) image. weight is (outC, inC, k, k). The output keeps the
// input's spatial size when pad == k/2.
func Conv2d(x []float32, inC, h, w int, weight, bias *Tensor, pad int) ([]float32, int, int, error) {
	if len(weight.Shape) != 4 || weight.Shape[1] != inC || weight.Shape[2] != weight.Shape[3] {
		return nil, 0, 0, errors.NewInference(fmt.Sprintf("conv weight shape %v does not fit %d input channels", weight.Shape, inC))
	}
	if len(x) != inC*h*w {
		return nil, 0, 0, errors.NewInference(fmt.Sprintf("conv input has %d values, expected %dx%dx%d", len(x), inC, h, w))
	}
	outC, k := weight.Shape[0], weight.Shape[2]
	if bias != nil && bias.Len() != outC {
		return nil, 0, 0, errors.NewInference(fmt.Sprintf("conv bias has %d values, expected %d", bias.Len(), outC))
	}

	oh, ow := h+2*pad-k+1, w+2*pad-k+1
	if oh <= 0 || ow <= 0 {
		return nil, 0, 0, errors.NewInference(fmt.Sprintf("conv kernel %d larger than padded input %dx%d", k, h, w))
	}

	cols := im2col(x, inC, h, w, k, pad, oh, ow)
	patch := inC * k * k
	spatial := oh * ow

	y := make([]float32, outC*spatial)
	beta := float32(0)
	if bias != nil {
		for c := 0; c < outC; c++ {
			row := y[c*spatial : (c+1)*spatial]
			for i := range row {
				row[i] = bias.Data[c]
			}
		}
		beta = 1
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: outC, Cols: patch, Stride: patch, Data: weight.Data},
		blas32.General{Rows: patch, Cols: spatial, Stride: spatial, Data: cols},
		beta,
		blas32.General{Rows: outC, Cols: spatial, Stride: spatial, Data: y},
	)
	return y, oh, ow, nil
}

// im2col lays out every k×k patch as a column so convolution becomes a
// single matrix product. Rows are ordered (channel, ky, kx) to match the
// flattened PyTorch kernel.
func im2col(x []float32, c, h, w, k, pad, oh, ow int) []float32 {
	spatial := oh * ow
	cols := make([]float32, c*k*k*spatial)
	for ch := 0; ch < c; ch++ {
		plane := x[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols[((ch*k+ky)*k+kx)*spatial:]
				for oy := 0; oy < oh; oy++ {
					iy := oy + ky - pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox + kx - pad
						if ix < 0 || ix >= w {
							continue
						}
						row[oy*ow+ox] = plane[iy*w+ix]
					}
				}
			}
		}
	}
	return cols
}

// MaxPool2 applies a 2×2 max pool with stride 2, dropping an odd trailing
// row or column.
func MaxPool2(x []float32, c, h, w int) ([]float32, int, int) {
	oh, ow := h/2, w/2
	y := make([]float32, c*oh*ow)
	for ch := 0; ch < c; ch++ {
		in := x[ch*h*w:]
		out := y[ch*oh*ow:]
		for oy := 0; oy < oh; oy++ {
			r0 := in[2*oy*w:]
			r1 := in[(2*oy+1)*w:]
			for ox := 0; ox < ow; ox++ {
				m := r0[2*ox]
				if v := r0[2*ox+1]; v > m {
					m = v
				}
				if v := r1[2*ox]; v > m {
					m = v
				}
				if v := r1[2*ox+1]; v > m {
					m = v
				}
				out[oy*ow+ox] = m
			}
		}
	}
	return y, oh, ow
}

// ReLU clamps negatives to zero in place
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// GELU applies the exact (erf based) GELU in place
func GELU(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Erf(f/math.Sqrt2)))
	}
}

// Tanh applies tanh in place
func Tanh(x []float32) {
	for i, v := range x {
		x[i] = float32(math.Tanh(float64(v)))
	}
}

// LayerNorm normalizes each row of x (rows, dim) in place
func LayerNorm(x []float32, dim int, gamma, beta *Tensor, eps float64) error {
	if gamma.Len() != dim || beta.Len() != dim || len(x)%dim != 0 {
		return errors.NewInference(fmt.Sprintf("layer norm over %d features got gamma %v beta %v", dim, gamma.Shape, beta.Shape))
	}
	for off := 0; off < len(x); off += dim {
		row := x[off : off+dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			row[i] = float32((float64(v)-mean)*inv)*gamma.Data[i] + beta.Data[i]
		}
	}
	return nil
}

// Add accumulates src into dst
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Softmax returns the softmax of logits in float64
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax to each row of x in place
func SoftmaxRows(x []float32, cols int) {
	for off := 0; off < len(x); off += cols {
		row := x[off : off+cols]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxV))
			row[i] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for i := range row {
			row[i] *= inv
		}
	}
}
