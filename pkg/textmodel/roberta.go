package textmodel

import (
	"context"
	"fmt"
	"math"

	"emotion-server/pkg/errors"
	"emotion-server/pkg/nn"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// RoBERTa position ids start after the padding index
const paddingIdx = 1

// ModelConfig holds the hyper-parameters not recoverable from tensor shapes
type ModelConfig struct {
	NumHeads     int
	LayerNormEps float64
}

type linear struct {
	w, b *nn.Tensor
}

func (l linear) apply(x []float32, rows int) ([]float32, error) {
	return nn.Linear(x, rows, l.w, l.b)
}

type layerNorm struct {
	gamma, beta *nn.Tensor
}

type encoderLayer struct {
	query, key, value linear
	attnOut           linear
	attnNorm          layerNorm
	intermediate      linear
	output            linear
	outNorm           layerNorm
}

// Model is a RoBERTa encoder with a sequence classification head. It is
// read-only after construction and safe for concurrent use.
type Model struct {
	cfg ModelConfig

	hidden       int
	intermediate int
	vocabSize    int
	maxPositions int
	numLabels    int

	wordEmb, posEmb, typeEmb *nn.Tensor
	embNorm                  layerNorm
	layers                   []encoderLayer
	dense, outProj           linear
}

// LoadModel reads a safetensors file with Hugging Face parameter names
func LoadModel(path string, cfg ModelConfig) (*Model, error) {
	weights, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, errors.NewModelLoad("text model weights", err)
	}
	return NewModel(weights, cfg)
}

// NewModel binds weights to the network, inferring layer count and sizes
func NewModel(w nn.Weights, cfg ModelConfig) (*Model, error) {
	if cfg.NumHeads <= 0 {
		return nil, errors.NewModelLoad("text model", fmt.Errorf("head count must be positive, got %d", cfg.NumHeads))
	}
	if cfg.LayerNormEps <= 0 {
		cfg.LayerNormEps = 1e-5
	}

	m := &Model{cfg: cfg}
	if err := m.bind(w); err != nil {
		return nil, errors.NewModelLoad("text model", err)
	}
	return m, nil
}

func (m *Model) bind(w nn.Weights) error {
	var err error
	if m.wordEmb, err = w.Get("roberta.embeddings.word_embeddings.weight", -1, -1); err != nil {
		return err
	}
	m.vocabSize, m.hidden = m.wordEmb.Shape[0], m.wordEmb.Shape[1]
	if m.hidden%m.cfg.NumHeads != 0 {
		return fmt.Errorf("hidden size %d is not divisible by %d heads", m.hidden, m.cfg.NumHeads)
	}

	if m.posEmb, err = w.Get("roberta.embeddings.position_embeddings.weight", -1, m.hidden); err != nil {
		return err
	}
	m.maxPositions = m.posEmb.Shape[0]
	if m.typeEmb, err = w.Get("roberta.embeddings.token_type_embeddings.weight", -1, m.hidden); err != nil {
		return err
	}
	if m.embNorm, err = getNorm(w, "roberta.embeddings.LayerNorm", m.hidden); err != nil {
		return err
	}

	for i := 0; w.Has(fmt.Sprintf("roberta.encoder.layer.%d.attention.self.query.weight", i)); i++ {
		layer, err := m.bindLayer(w, fmt.Sprintf("roberta.encoder.layer.%d.", i))
		if err != nil {
			return err
		}
		m.layers = append(m.layers, layer)
	}
	if len(m.layers) == 0 {
		return fmt.Errorf("no encoder layers found")
	}

	if m.dense, err = getLinear(w, "classifier.dense", m.hidden, m.hidden); err != nil {
		return err
	}
	if m.outProj, err = getLinear(w, "classifier.out_proj", -1, m.hidden); err != nil {
		return err
	}
	m.numLabels = m.outProj.w.Shape[0]
	return nil
}

func (m *Model) bindLayer(w nn.Weights, prefix string) (encoderLayer, error) {
	var (
		l   encoderLayer
		err error
	)
	h := m.hidden
	if l.query, err = getLinear(w, prefix+"attention.self.query", h, h); err != nil {
		return l, err
	}
	if l.key, err = getLinear(w, prefix+"attention.self.key", h, h); err != nil {
		return l, err
	}
	if l.value, err = getLinear(w, prefix+"attention.self.value", h, h); err != nil {
		return l, err
	}
	if l.attnOut, err = getLinear(w, prefix+"attention.output.dense", h, h); err != nil {
		return l, err
	}
	if l.attnNorm, err = getNorm(w, prefix+"attention.output.LayerNorm", h); err != nil {
		return l, err
	}
	if l.intermediate, err = getLinear(w, prefix+"intermediate.dense", -1, h); err != nil {
		return l, err
	}
	inter := l.intermediate.w.Shape[0]
	if m.intermediate == 0 {
		m.intermediate = inter
	}
	if l.output, err = getLinear(w, prefix+"output.dense", h, inter); err != nil {
		return l, err
	}
	if l.outNorm, err = getNorm(w, prefix+"output.LayerNorm", h); err != nil {
		return l, err
	}
	return l, nil
}

func getLinear(w nn.Weights, prefix string, out, in int) (linear, error) {
	weight, err := w.Get(prefix+".weight", out, in)
	if err != nil {
		return linear{}, err
	}
	bias, err := w.Get(prefix+".bias", weight.Shape[0])
	if err != nil {
		return linear{}, err
	}
	return linear{weight, bias}, nil
}

func getNorm(w nn.Weights, prefix string, dim int) (layerNorm, error) {
	gamma, err := w.Get(prefix+".weight", dim)
	if err != nil {
		return layerNorm{}, err
	}
	beta, err := w.Get(prefix+".bias", dim)
	if err != nil {
		return layerNorm{}, err
	}
	return layerNorm{gamma, beta}, nil
}

// NumLabels returns the classifier's output size
func (m *Model) NumLabels() int { return m.numLabels }

// NumLayers returns the encoder depth
func (m *Model) NumLayers() int { return len(m.layers) }

// Hidden returns the model width
func (m *Model) Hidden() int { return m.hidden }

// MaxSequence is the longest input the position table supports
func (m *Model) MaxSequence() int { return m.maxPositions - paddingIdx - 1 }

// Forward returns the classification logits for one unpadded sequence
func (m *Model) Forward(ctx context.Context, ids []int) ([]float32, error) {
	n := len(ids)
	if n == 0 {
		return nil, errors.NewInference("empty token sequence")
	}
	if n > m.MaxSequence() {
		return nil, errors.NewInference(fmt.Sprintf("sequence of %d tokens exceeds the %d supported positions", n, m.MaxSequence()))
	}

	x, err := m.embed(ids)
	if err != nil {
		return nil, err
	}

	for i := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "text inference cancelled")
		}
		if x, err = m.encode(&m.layers[i], x, n); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("encoder layer %d", i))
		}
	}

	// classification head reads the <s> position only
	cls := x[:m.hidden]
	pooled, err := m.dense.apply(cls, 1)
	if err != nil {
		return nil, err
	}
	nn.Tanh(pooled)
	return m.outProj.apply(pooled, 1)
}

func (m *Model) embed(ids []int) ([]float32, error) {
	h := m.hidden
	x := make([]float32, len(ids)*h)
	typ := m.typeEmb.Data[:h]
	for t, id := range ids {
		if id < 0 || id >= m.vocabSize {
			return nil, errors.NewInference(fmt.Sprintf("token id %d outside vocabulary of %d", id, m.vocabSize))
		}
		pos := t + paddingIdx + 1
		row := x[t*h : (t+1)*h]
		word := m.wordEmb.Data[id*h : (id+1)*h]
		position := m.posEmb.Data[pos*h : (pos+1)*h]
		for i := range row {
			row[i] = word[i] + position[i] + typ[i]
		}
	}
	if err := nn.LayerNorm(x, h, m.embNorm.gamma, m.embNorm.beta, m.cfg.LayerNormEps); err != nil {
		return nil, err
	}
	return x, nil
}

func (m *Model) encode(l *encoderLayer, x []float32, n int) ([]float32, error) {
	h := m.hidden

	q, err := l.query.apply(x, n)
	if err != nil {
		return nil, err
	}
	k, err := l.key.apply(x, n)
	if err != nil {
		return nil, err
	}
	v, err := l.value.apply(x, n)
	if err != nil {
		return nil, err
	}

	ctxOut := m.attention(q, k, v, n)

	attn, err := l.attnOut.apply(ctxOut, n)
	if err != nil {
		return nil, err
	}
	nn.Add(attn, x)
	if err := nn.LayerNorm(attn, h, l.attnNorm.gamma, l.attnNorm.beta, m.cfg.LayerNormEps); err != nil {
		return nil, err
	}

	inter, err := l.intermediate.apply(attn, n)
	if err != nil {
		return nil, err
	}
	nn.GELU(inter)

	out, err := l.output.apply(inter, n)
	if err != nil {
		return nil, err
	}
	nn.Add(out, attn)
	if err := nn.LayerNorm(out, h, l.outNorm.gamma, l.outNorm.beta, m.cfg.LayerNormEps); err != nil {
		return nil, err
	}
	return out, nil
}

// attention runs scaled dot-product attention per head over strided views
// of the (n, hidden) projections. No mask is needed for a single unpadded
// sequence.
func (m *Model) attention(q, k, v []float32, n int) []float32 {
	h := m.hidden
	heads := m.cfg.NumHeads
	d := h / heads
	scale := float32(1 / math.Sqrt(float64(d)))

	out := make([]float32, n*h)
	scores := make([]float32, n*n)
	for head := 0; head < heads; head++ {
		off := head * d
		qh := blas32.General{Rows: n, Cols: d, Stride: h, Data: q[off:]}
		kh := blas32.General{Rows: n, Cols: d, Stride: h, Data: k[off:]}
		vh := blas32.General{Rows: n, Cols: d, Stride: h, Data: v[off:]}
		oh := blas32.General{Rows: n, Cols: d, Stride: h, Data: out[off:]}
		s := blas32.General{Rows: n, Cols: n, Stride: n, Data: scores}

		blas32.Gemm(blas.NoTrans, blas.Trans, scale, qh, kh, 0, s)
		nn.SoftmaxRows(scores, n)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, s, vh, 0, oh)
	}
	return out
}
