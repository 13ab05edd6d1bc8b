// Package audiomodel runs the convolutional audio emotion classifier over
// log-mel spectrograms.
package audiomodel

import (
	"context"
	"fmt"

	"emotion-server/pkg/audio"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/nn"
)

// Labels is the index order of the classifier outputs
var Labels = []string{"anger", "disgust", "fear", "happy", "neutral", "sad"}

// Parameter names follow the PyTorch state dict of the two nn.Sequential blocks
const (
	conv1Prefix = "conv.0"
	conv2Prefix = "conv.3"
	fc1Prefix   = "fc.0"
	fc2Prefix   = "fc.3"
)

type convLayer struct {
	w, b *nn.Tensor
}

type denseLayer struct {
	w, b *nn.Tensor
}

// CNN is conv(1->32) relu pool, conv(32->64) relu pool, then a two layer
// classifier head. Dropout is the identity at inference time. Read-only after
// construction and safe for concurrent use.
type CNN struct {
	bins, frames int
	numLabels    int

	conv1, conv2 convLayer
	fc1, fc2     denseLayer
}

// LoadCNN reads safetensors weights for an input of bins x frames
func LoadCNN(path string, bins, frames int) (*CNN, error) {
	weights, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, errors.NewModelLoad("audio model weights", err)
	}
	return NewCNN(weights, bins, frames)
}

// NewCNN binds weights, checking every shape against the input size
func NewCNN(w nn.Weights, bins, frames int) (*CNN, error) {
	if bins < 4 || frames < 4 {
		return nil, errors.NewModelLoad("audio model", fmt.Errorf("input %dx%d is too small for two pooling stages", bins, frames))
	}
	m := &CNN{bins: bins, frames: frames}
	if err := m.bind(w); err != nil {
		return nil, errors.NewModelLoad("audio model", err)
	}
	return m, nil
}

func (m *CNN) bind(w nn.Weights) error {
	var err error
	if m.conv1, err = getConv(w, conv1Prefix, 1); err != nil {
		return err
	}
	c1 := m.conv1.w.Shape[0]
	if m.conv2, err = getConv(w, conv2Prefix, c1); err != nil {
		return err
	}
	c2 := m.conv2.w.Shape[0]

	flat := c2 * (m.bins / 4) * (m.frames / 4)
	if m.fc1, err = getDense(w, fc1Prefix, -1, flat); err != nil {
		return err
	}
	if m.fc2, err = getDense(w, fc2Prefix, -1, m.fc1.w.Shape[0]); err != nil {
		return err
	}
	m.numLabels = m.fc2.w.Shape[0]
	return nil
}

func getConv(w nn.Weights, prefix string, inC int) (convLayer, error) {
	weight, err := w.Get(prefix+".weight", -1, inC, 3, 3)
	if err != nil {
		return convLayer{}, err
	}
	bias, err := w.Get(prefix+".bias", weight.Shape[0])
	if err != nil {
		return convLayer{}, err
	}
	return convLayer{weight, bias}, nil
}

func getDense(w nn.Weights, prefix string, out, in int) (denseLayer, error) {
	weight, err := w.Get(prefix+".weight", out, in)
	if err != nil {
		return denseLayer{}, err
	}
	bias, err := w.Get(prefix+".bias", weight.Shape[0])
	if err != nil {
		return denseLayer{}, err
	}
	return denseLayer{weight, bias}, nil
}

// NumLabels returns the classifier's output size
func (m *CNN) NumLabels() int { return m.numLabels }

// InputShape returns the (bins, frames) the model accepts
func (m *CNN) InputShape() (int, int) { return m.bins, m.frames }

// Forward returns the logits for one spectrogram
func (m *CNN) Forward(ctx context.Context, spec *audio.Spectrogram) ([]float32, error) {
	if spec.Bins != m.bins || spec.Frames != m.frames || len(spec.Data) != m.bins*m.frames {
		return nil, errors.NewInference(fmt.Sprintf("spectrogram is %dx%d, model expects %dx%d",
			spec.Bins, spec.Frames, m.bins, m.frames))
	}

	x, c, h, w := spec.Data, 1, m.bins, m.frames
	for _, conv := range []convLayer{m.conv1, m.conv2} {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "audio inference cancelled")
		}
		y, oh, ow, err := nn.Conv2d(x, c, h, w, conv.w, conv.b, 1)
		if err != nil {
			return nil, err
		}
		c = conv.w.Shape[0]
		nn.ReLU(y)
		x, h, w = nn.MaxPool2(y, c, oh, ow)
	}

	hidden, err := nn.Linear(x, 1, m.fc1.w, m.fc1.b)
	if err != nil {
		return nil, err
	}
	nn.ReLU(hidden)
	return nn.Linear(hidden, 1, m.fc2.w, m.fc2.b)
}
