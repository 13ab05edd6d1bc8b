package audiomodel

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"emotion-server/pkg/audio"
	"emotion-server/pkg/classifier"
	"emotion-server/pkg/config"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/nn"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tinyBins   = 8
	tinyFrames = 12
	tinyC1     = 2
	tinyC2     = 3
	tinyHidden = 5
)

func randomTensor(rng *rand.Rand, shape ...int) *nn.Tensor {
	t := nn.NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * 0.3)
	}
	return t
}

func tinyWeights(seed int64, bins, frames, labels int) nn.Weights {
	rng := rand.New(rand.NewSource(seed))
	flat := tinyC2 * (bins / 4) * (frames / 4)
	return nn.Weights{
		"conv.0.weight": randomTensor(rng, tinyC1, 1, 3, 3),
		"conv.0.bias":   randomTensor(rng, tinyC1),
		"conv.3.weight": randomTensor(rng, tinyC2, tinyC1, 3, 3),
		"conv.3.bias":   randomTensor(rng, tinyC2),
		"fc.0.weight":   randomTensor(rng, tinyHidden, flat),
		"fc.0.bias":     randomTensor(rng, tinyHidden),
		"fc.3.weight":   randomTensor(rng, labels, tinyHidden),
		"fc.3.bias":     randomTensor(rng, labels),
	}
}

func randomSpectrogram(seed int64, bins, frames int) *audio.Spectrogram {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, bins*frames)
	for i := range data {
		data[i] = float32(rng.Float64()*80 - 80)
	}
	return &audio.Spectrogram{Bins: bins, Frames: frames, Data: data}
}

// Direct nested-loop evaluation of the network in float64

func refConv(x []float64, c, h, w int, weight, bias *nn.Tensor) []float64 {
	outC := weight.Shape[0]
	y := make([]float64, outC*h*w)
	for o := 0; o < outC; o++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				s := float64(bias.Data[o])
				for ic := 0; ic < c; ic++ {
					for ki := 0; ki < 3; ki++ {
						for kj := 0; kj < 3; kj++ {
							yi, xj := i+ki-1, j+kj-1
							if yi < 0 || yi >= h || xj < 0 || xj >= w {
								continue
							}
							s += x[ic*h*w+yi*w+xj] * float64(weight.Data[((o*c+ic)*3+ki)*3+kj])
						}
					}
				}
				y[o*h*w+i*w+j] = math.Max(0, s)
			}
		}
	}
	return y
}

func refPool(x []float64, c, h, w int) []float64 {
	oh, ow := h/2, w/2
	y := make([]float64, c*oh*ow)
	for ch := 0; ch < c; ch++ {
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				m := math.Inf(-1)
				for di := 0; di < 2; di++ {
					for dj := 0; dj < 2; dj++ {
						m = math.Max(m, x[ch*h*w+(2*i+di)*w+2*j+dj])
					}
				}
				y[ch*oh*ow+i*ow+j] = m
			}
		}
	}
	return y
}

func refDense(x []float64, weight, bias *nn.Tensor, relu bool) []float64 {
	out, in := weight.Shape[0], weight.Shape[1]
	y := make([]float64, out)
	for o := 0; o < out; o++ {
		s := float64(bias.Data[o])
		for i := 0; i < in; i++ {
			s += x[i] * float64(weight.Data[o*in+i])
		}
		if relu {
			s = math.Max(0, s)
		}
		y[o] = s
	}
	return y
}

func referenceForward(w nn.Weights, spec *audio.Spectrogram) []float64 {
	h, wd := spec.Bins, spec.Frames
	x := make([]float64, len(spec.Data))
	for i, v := range spec.Data {
		x[i] = float64(v)
	}
	x = refPool(refConv(x, 1, h, wd, w["conv.0.weight"], w["conv.0.bias"]), tinyC1, h, wd)
	h, wd = h/2, wd/2
	x = refPool(refConv(x, tinyC1, h, wd, w["conv.3.weight"], w["conv.3.bias"]), tinyC2, h, wd)
	x = refDense(x, w["fc.0.weight"], w["fc.0.bias"], true)
	return refDense(x, w["fc.3.weight"], w["fc.3.bias"], false)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func tinyExtractor(t *testing.T) *audio.Extractor {
	t.Helper()
	cfg := audio.DefaultFeatureConfig()
	cfg.FFTSize = 256
	cfg.HopLength = 128
	cfg.MelBins = tinyBins
	cfg.MaxFrames = tinyFrames
	extractor, err := audio.NewExtractor(cfg)
	require.NoError(t, err)
	return extractor
}

func writeToneWAV(t *testing.T, path string, sampleRate int, seconds float64) {
	t.Helper()
	n := int(float64(sampleRate) * seconds)
	data := make([]int, n)
	for i := range data {
		data[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestCNNMatchesReference(t *testing.T) {
	for _, shape := range [][2]int{{tinyBins, tinyFrames}, {9, 14}} {
		w := tinyWeights(3, shape[0], shape[1], len(Labels))
		model, err := NewCNN(w, shape[0], shape[1])
		require.NoError(t, err)

		spec := randomSpectrogram(4, shape[0], shape[1])
		logits, err := model.Forward(context.Background(), spec)
		require.NoError(t, err)

		want := referenceForward(w, spec)
		require.Len(t, logits, len(want))
		for i := range want {
			assert.InDelta(t, want[i], float64(logits[i]), 1e-3*math.Max(1, math.Abs(want[i])), "shape %v logit %d", shape, i)
		}
	}
}

func TestCNNRejectsMismatchedInput(t *testing.T) {
	model, err := NewCNN(tinyWeights(1, tinyBins, tinyFrames, len(Labels)), tinyBins, tinyFrames)
	require.NoError(t, err)

	_, err = model.Forward(context.Background(), randomSpectrogram(1, tinyBins, tinyFrames+1))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = model.Forward(ctx, randomSpectrogram(1, tinyBins, tinyFrames))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCNNValidatesShapes(t *testing.T) {
	// weights sized for 300 frames do not fit a 12 frame input
	_, err := NewCNN(tinyWeights(1, tinyBins, 300, len(Labels)), tinyBins, tinyFrames)
	assert.True(t, errors.IsErrorType(err, errors.ErrModelLoad))

	w := tinyWeights(1, tinyBins, tinyFrames, len(Labels))
	w["conv.3.weight"] = nn.NewTensor(tinyC2, tinyC1+1, 3, 3)
	_, err = NewCNN(w, tinyBins, tinyFrames)
	assert.Error(t, err)

	w = tinyWeights(1, tinyBins, tinyFrames, len(Labels))
	delete(w, "fc.3.bias")
	_, err = NewCNN(w, tinyBins, tinyFrames)
	assert.Error(t, err)

	_, err = NewCNN(tinyWeights(1, tinyBins, tinyFrames, len(Labels)), 2, tinyFrames)
	assert.Error(t, err)
}

func TestServiceLabelCountMustMatch(t *testing.T) {
	model, err := NewCNN(tinyWeights(1, tinyBins, tinyFrames, 4), tinyBins, tinyFrames)
	require.NoError(t, err)
	_, err = NewService(testLogger(), tinyExtractor(t), model, classifier.NewRule(0.5))
	assert.Error(t, err)

	model, err = NewCNN(tinyWeights(1, tinyBins, 16, len(Labels)), tinyBins, 16)
	require.NoError(t, err)
	_, err = NewService(testLogger(), tinyExtractor(t), model, classifier.NewRule(0.5))
	assert.Error(t, err, "extractor and model shapes differ")
}

func TestPredictFile(t *testing.T) {
	model, err := NewCNN(tinyWeights(7, tinyBins, tinyFrames, len(Labels)), tinyBins, tinyFrames)
	require.NoError(t, err)
	svc, err := NewService(testLogger(), tinyExtractor(t), model, classifier.NewRule(0))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tone.wav")
	writeToneWAV(t, path, 22050, 0.5)

	pred, err := svc.PredictFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, Labels, pred.Emotion)
	assert.Greater(t, pred.Confidence, 1.0/6-1e-4)
	assert.LessOrEqual(t, pred.Confidence, 1.0)
	assert.Nil(t, pred.Probabilities)
}

func TestPredictFileFallsBackToNeutral(t *testing.T) {
	model, err := NewCNN(tinyWeights(7, tinyBins, tinyFrames, len(Labels)), tinyBins, tinyFrames)
	require.NoError(t, err)
	svc, err := NewService(testLogger(), tinyExtractor(t), model, classifier.NewRule(1.0))
	require.NoError(t, err)

	pred, err := svc.PredictSpectrogram(context.Background(), randomSpectrogram(2, tinyBins, tinyFrames))
	require.NoError(t, err)
	assert.Equal(t, classifier.Neutral, pred.Emotion)
	assert.True(t, pred.FellBack)
}

func TestPredictFileErrors(t *testing.T) {
	model, err := NewCNN(tinyWeights(7, tinyBins, tinyFrames, len(Labels)), tinyBins, tinyFrames)
	require.NoError(t, err)
	svc, err := NewService(testLogger(), tinyExtractor(t), model, classifier.NewRule(0.5))
	require.NoError(t, err)

	_, err = svc.PredictFile(context.Background(), "notes.txt")
	assert.True(t, errors.IsErrorType(err, errors.ErrUnsupportedFormat))

	corrupt := filepath.Join(t.TempDir(), "corrupt.wav")
	require.NoError(t, os.WriteFile(corrupt, []byte("definitely not a riff file"), 0o600))
	_, err = svc.PredictFile(context.Background(), corrupt)
	assert.True(t, errors.IsErrorType(err, errors.ErrDecodeFailed))
}

func TestLoadService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio_emotion.safetensors")
	require.NoError(t, nn.SaveSafetensors(path, tinyWeights(9, tinyBins, tinyFrames, len(Labels))))

	cfg := config.AudioConfig{
		ModelPath:  path,
		Threshold:  0.5,
		SampleRate: 16000,
		MelBins:    tinyBins,
		MaxFrames:  tinyFrames,
		FFTSize:    256,
		HopLength:  128,
	}
	svc, err := LoadService(testLogger(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ModelName, svc.Info()["model"])

	cfg.MaxFrames = 300
	_, err = LoadService(testLogger(), cfg)
	assert.True(t, errors.IsErrorType(err, errors.ErrModelLoad))
}
