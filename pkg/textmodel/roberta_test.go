package textmodel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"emotion-server/pkg/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tinyHidden       = 4
	tinyHeads        = 2
	tinyIntermediate = 8
	tinyPositions    = 20
	tinyLabels       = 3
)

func randomTensor(rng *rand.Rand, shape ...int) *nn.Tensor {
	t := nn.NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * 0.5)
	}
	return t
}

// tinyWeights builds a randomly initialised RoBERTa classifier
func tinyWeights(seed int64, vocab, layers, labels int) nn.Weights {
	rng := rand.New(rand.NewSource(seed))
	h := tinyHidden
	w := nn.Weights{
		"roberta.embeddings.word_embeddings.weight":       randomTensor(rng, vocab, h),
		"roberta.embeddings.position_embeddings.weight":   randomTensor(rng, tinyPositions, h),
		"roberta.embeddings.token_type_embeddings.weight": randomTensor(rng, 1, h),
		"roberta.embeddings.LayerNorm.weight":             randomTensor(rng, h),
		"roberta.embeddings.LayerNorm.bias":               randomTensor(rng, h),
		"classifier.dense.weight":                         randomTensor(rng, h, h),
		"classifier.dense.bias":                           randomTensor(rng, h),
		"classifier.out_proj.weight":                      randomTensor(rng, labels, h),
		"classifier.out_proj.bias":                        randomTensor(rng, labels),
	}
	for i := 0; i < layers; i++ {
		p := fmt.Sprintf("roberta.encoder.layer.%d.", i)
		for _, name := range []string{"attention.self.query", "attention.self.key", "attention.self.value", "attention.output.dense"} {
			w[p+name+".weight"] = randomTensor(rng, h, h)
			w[p+name+".bias"] = randomTensor(rng, h)
		}
		w[p+"attention.output.LayerNorm.weight"] = randomTensor(rng, h)
		w[p+"attention.output.LayerNorm.bias"] = randomTensor(rng, h)
		w[p+"intermediate.dense.weight"] = randomTensor(rng, tinyIntermediate, h)
		w[p+"intermediate.dense.bias"] = randomTensor(rng, tinyIntermediate)
		w[p+"output.dense.weight"] = randomTensor(rng, h, tinyIntermediate)
		w[p+"output.dense.bias"] = randomTensor(rng, h)
		w[p+"output.LayerNorm.weight"] = randomTensor(rng, h)
		w[p+"output.LayerNorm.bias"] = randomTensor(rng, h)
	}
	return w
}

// Straightforward float64 forward pass used as the oracle for Model.Forward

type matrix [][]float64

func tensorMatrix(t *nn.Tensor) matrix {
	rows, cols := t.Shape[0], t.Shape[1]
	m := make(matrix, rows)
	for r := range m {
		m[r] = make([]float64, cols)
		for c := range m[r] {
			m[r][c] = float64(t.Data[r*cols+c])
		}
	}
	return m
}

func tensorVector(t *nn.Tensor) []float64 {
	v := make([]float64, len(t.Data))
	for i, x := range t.Data {
		v[i] = float64(x)
	}
	return v
}

func refLinear(x matrix, w nn.Weights, prefix string) matrix {
	weight := tensorMatrix(w[prefix+".weight"])
	bias := tensorVector(w[prefix+".bias"])
	out := make(matrix, len(x))
	for r, row := range x {
		out[r] = make([]float64, len(weight))
		for o, wr := range weight {
			s := bias[o]
			for i, v := range row {
				s += v * wr[i]
			}
			out[r][o] = s
		}
	}
	return out
}

func refLayerNorm(x matrix, w nn.Weights, prefix string) matrix {
	gamma := tensorVector(w[prefix+".weight"])
	beta := tensorVector(w[prefix+".bias"])
	out := make(matrix, len(x))
	for r, row := range x {
		var mean, variance float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(len(row))
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(row))
		out[r] = make([]float64, len(row))
		for i, v := range row {
			out[r][i] = (v-mean)/math.Sqrt(variance+1e-5)*gamma[i] + beta[i]
		}
	}
	return out
}

func refAdd(a, b matrix) matrix {
	out := make(matrix, len(a))
	for r := range a {
		out[r] = make([]float64, len(a[r]))
		for i := range a[r] {
			out[r][i] = a[r][i] + b[r][i]
		}
	}
	return out
}

func referenceForward(w nn.Weights, layers int, ids []int) []float64 {
	h := tinyHidden
	word := tensorMatrix(w["roberta.embeddings.word_embeddings.weight"])
	pos := tensorMatrix(w["roberta.embeddings.position_embeddings.weight"])
	typ := tensorMatrix(w["roberta.embeddings.token_type_embeddings.weight"])

	x := make(matrix, len(ids))
	for t, id := range ids {
		x[t] = make([]float64, h)
		for i := 0; i < h; i++ {
			x[t][i] = word[id][i] + pos[t+2][i] + typ[0][i]
		}
	}
	x = refLayerNorm(x, w, "roberta.embeddings.LayerNorm")

	d := h / tinyHeads
	for l := 0; l < layers; l++ {
		p := fmt.Sprintf("roberta.encoder.layer.%d.", l)
		q := refLinear(x, w, p+"attention.self.query")
		k := refLinear(x, w, p+"attention.self.key")
		v := refLinear(x, w, p+"attention.self.value")

		ctx := make(matrix, len(ids))
		for t := range ctx {
			ctx[t] = make([]float64, h)
		}
		for head := 0; head < tinyHeads; head++ {
			off := head * d
			for i := range ids {
				scores := make([]float64, len(ids))
				maxScore := math.Inf(-1)
				for j := range ids {
					var s float64
					for c := 0; c < d; c++ {
						s += q[i][off+c] * k[j][off+c]
					}
					scores[j] = s / math.Sqrt(float64(d))
					maxScore = math.Max(maxScore, scores[j])
				}
				var total float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					total += scores[j]
				}
				for j := range ids {
					for c := 0; c < d; c++ {
						ctx[i][off+c] += scores[j] / total * v[j][off+c]
					}
				}
			}
		}

		attn := refLayerNorm(refAdd(refLinear(ctx, w, p+"attention.output.dense"), x), w, p+"attention.output.LayerNorm")
		inter := refLinear(attn, w, p+"intermediate.dense")
		for _, row := range inter {
			for i, v := range row {
				row[i] = 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
			}
		}
		x = refLayerNorm(refAdd(refLinear(inter, w, p+"output.dense"), attn), w, p+"output.LayerNorm")
	}

	pooled := refLinear(matrix{x[0]}, w, "classifier.dense")
	for i, v := range pooled[0] {
		pooled[0][i] = math.Tanh(v)
	}
	return refLinear(pooled, w, "classifier.out_proj")[0]
}

func TestModelShapesInferredFromWeights(t *testing.T) {
	model, err := NewModel(tinyWeights(1, 20, 2, tinyLabels), ModelConfig{NumHeads: tinyHeads})
	require.NoError(t, err)

	assert.Equal(t, 2, model.NumLayers())
	assert.Equal(t, tinyHidden, model.Hidden())
	assert.Equal(t, tinyLabels, model.NumLabels())
	assert.Equal(t, tinyPositions-2, model.MaxSequence())
}

func TestForwardMatchesReference(t *testing.T) {
	for _, layers := range []int{1, 2} {
		t.Run(fmt.Sprintf("layers=%d", layers), func(t *testing.T) {
			w := tinyWeights(int64(layers)*7, 20, layers, tinyLabels)
			model, err := NewModel(w, ModelConfig{NumHeads: tinyHeads, LayerNormEps: 1e-5})
			require.NoError(t, err)

			ids := []int{0, 15, 16, 7, 10, 6, 11, 2}
			logits, err := model.Forward(context.Background(), ids)
			require.NoError(t, err)

			want := referenceForward(w, layers, ids)
			require.Len(t, logits, len(want))
			for i := range want {
				assert.InDelta(t, want[i], float64(logits[i]), 1e-4, "logit %d", i)
			}

			probs := nn.Softmax(logits)
			var sum float64
			for _, p := range probs {
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-6)
		})
	}
}

func TestForwardSingleToken(t *testing.T) {
	w := tinyWeights(3, 20, 1, tinyLabels)
	model, err := NewModel(w, ModelConfig{NumHeads: tinyHeads})
	require.NoError(t, err)

	logits, err := model.Forward(context.Background(), []int{0})
	require.NoError(t, err)
	want := referenceForward(w, 1, []int{0})
	for i := range want {
		assert.InDelta(t, want[i], float64(logits[i]), 1e-4)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	model, err := NewModel(tinyWeights(1, 20, 1, tinyLabels), ModelConfig{NumHeads: tinyHeads})
	require.NoError(t, err)

	_, err = model.Forward(context.Background(), nil)
	assert.Error(t, err)

	_, err = model.Forward(context.Background(), make([]int, model.MaxSequence()+1))
	assert.Error(t, err)

	_, err = model.Forward(context.Background(), []int{0, 99, 2})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = model.Forward(ctx, []int{0, 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewModelRejectsBadWeights(t *testing.T) {
	_, err := NewModel(tinyWeights(1, 20, 1, tinyLabels), ModelConfig{NumHeads: 3})
	assert.Error(t, err, "hidden size not divisible by head count")

	_, err = NewModel(tinyWeights(1, 20, 1, tinyLabels), ModelConfig{})
	assert.Error(t, err)

	w := tinyWeights(1, 20, 1, tinyLabels)
	delete(w, "classifier.dense.bias")
	_, err = NewModel(w, ModelConfig{NumHeads: tinyHeads})
	assert.Error(t, err)

	w = tinyWeights(1, 20, 1, tinyLabels)
	w["roberta.encoder.layer.0.output.dense.weight"] = nn.NewTensor(tinyHidden, tinyIntermediate+1)
	_, err = NewModel(w, ModelConfig{NumHeads: tinyHeads})
	assert.Error(t, err)

	w = tinyWeights(1, 20, 0, tinyLabels)
	_, err = NewModel(w, ModelConfig{NumHeads: tinyHeads})
	assert.Error(t, err, "no encoder layers")
}

func TestLoadModelFromSafetensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emotion_roberta.safetensors")
	w := tinyWeights(5, 20, 1, tinyLabels)
	require.NoError(t, nn.SaveSafetensors(path, w))

	model, err := LoadModel(path, ModelConfig{NumHeads: tinyHeads})
	require.NoError(t, err)
	assert.Equal(t, 1, model.NumLayers())

	_, err = LoadModel(filepath.Join(t.TempDir(), "missing.safetensors"), ModelConfig{NumHeads: tinyHeads})
	assert.Error(t, err)
}
