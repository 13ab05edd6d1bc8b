package nn

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"emotion-server/pkg/errors"

	"github.com/nlpodyssey/safetensors"
	"github.com/x448/float16"
)

// LoadSafetensors reads every floating point tensor of a .safetensors file
func LoadSafetensors(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open weights")
	}

	w, err := ReadSafetensors(data)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("read %s", path))
	}
	return w, nil
}

// ReadSafetensors decodes a safetensors buffer. F32, F16 and BF16 tensors are
// converted to float32. Integer and boolean tensors (position id buffers and
// the like) are skipped.
func ReadSafetensors(data []byte) (Weights, error) {
	st, err := safetensors.Deserialize(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse safetensors")
	}

	weights := make(Weights, st.Len())
	for _, named := range st.Tensors() {
		view := named.TensorView
		shape := make([]int, len(view.Shape()))
		for i, d := range view.Shape() {
			shape[i] = int(d)
		}

		values, ok := decodeFloats(view.DType(), view.Data(), numel(shape))
		if !ok {
			continue
		}
		weights[named.Name] = &Tensor{Shape: shape, Data: values}
	}
	return weights, nil
}

// decodeFloats relies on Deserialize having checked the payload size
func decodeFloats(dtype safetensors.DType, buf []byte, n int) ([]float32, bool) {
	out := make([]float32, n)
	switch dtype {
	case safetensors.F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case safetensors.F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
	case safetensors.BF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	default:
		return nil, false
	}
	return out, true
}

// WriteSafetensors encodes weights as F32 tensors
func WriteSafetensors(w io.Writer, weights Weights) error {
	views := make(map[string]safetensors.TensorView, len(weights))
	for name, t := range weights {
		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}
		buf := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		view, err := safetensors.NewTensorView(safetensors.F32, shape, buf)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("tensor %q", name))
		}
		views[name] = view
	}

	if err := safetensors.SerializeToWriter(views, nil, w); err != nil {
		return errors.Wrap(err, "write safetensors")
	}
	return nil
}

// SaveSafetensors writes weights to path
func SaveSafetensors(path string, weights Weights) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create weights file")
	}
	if err := WriteSafetensors(f, weights); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
