package textmodel

import (
	"fmt"
	"path/filepath"

	"emotion-server/pkg/errors"
	"emotion-server/pkg/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
)

// Special token strings of the RoBERTa vocabulary
const (
	BOSToken  = "<s>"
	PADToken  = "<pad>"
	EOSToken  = "</s>"
	UNKToken  = "<unk>"
	MaskToken = "<mask>"
)

// Tokenizer is the RoBERTa byte-level BPE pipeline. It is safe for concurrent use.
type Tokenizer struct {
	tk        *tokenizer.Tokenizer
	cache     *lru.Cache[string, []int]
	vocabSize int
	maxLength int

	bos, eos int
}

// TokenizerOptions configures a Tokenizer
type TokenizerOptions struct {
	MaxLength int // including <s> and </s>
	CacheSize int
}

// LoadTokenizer reads vocab.json and merges.txt from dir
func LoadTokenizer(dir string, opts TokenizerOptions) (*Tokenizer, error) {
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	builder := bpe.NewBpeBuilder()
	builder.Files(filepath.Join(dir, "vocab.json"), filepath.Join(dir, "merges.txt"))
	builder.UnkToken(UNKToken)
	builder.CacheCapacity(opts.CacheSize)
	m, err := builder.Build()
	if err != nil {
		return nil, errors.NewModelLoad("tokenizer files", err)
	}
	return newTokenizer(m, opts)
}

// NewTokenizer builds a tokenizer from an in-memory vocabulary and merge list
// in priority order.
func NewTokenizer(vocab map[string]int, merges [][2]string, opts TokenizerOptions) (*Tokenizer, error) {
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	lines := make([]string, len(merges))
	for i, m := range merges {
		lines[i] = m[0] + " " + m[1]
	}
	ranks, err := bpe.CreateMerges(vocab, lines)
	if err != nil {
		return nil, errors.NewModelLoad("tokenizer merges", err)
	}

	builder := bpe.NewBpeBuilder()
	builder.VocabAndMerges(model.Vocab(vocab), *ranks)
	builder.UnkToken(UNKToken)
	builder.CacheCapacity(opts.CacheSize)
	m, err := builder.Build()
	if err != nil {
		return nil, errors.NewModelLoad("tokenizer model", err)
	}
	return newTokenizer(m, opts)
}

func checkOptions(opts *TokenizerOptions) error {
	if opts.MaxLength < 3 {
		return errors.NewInvalidInput(fmt.Sprintf("max length must be at least 3, got %d", opts.MaxLength))
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	return nil
}

func newTokenizer(m *bpe.BPE, opts TokenizerOptions) (*Tokenizer, error) {
	vocab := m.GetVocab()
	for _, special := range []string{BOSToken, EOSToken, PADToken, UNKToken} {
		if _, ok := vocab[special]; !ok {
			return nil, errors.NewModelLoad(fmt.Sprintf("tokenizer special token %s", special), nil)
		}
	}

	tk := tokenizer.NewTokenizer(m)

	specials := []tokenizer.AddedToken{
		tokenizer.NewAddedToken(BOSToken, true),
		tokenizer.NewAddedToken(EOSToken, true),
		tokenizer.NewAddedToken(UNKToken, true),
		tokenizer.NewAddedToken(PADToken, true),
	}
	if _, ok := vocab[MaskToken]; ok {
		specials = append(specials, tokenizer.NewAddedToken(MaskToken, true, tokenizer.WithLStrip(true)))
	}
	tk.AddSpecialTokens(specials)

	// RoBERTa does not prepend a space to the first word
	byteLevel := pretokenizer.NewByteLevel()
	byteLevel.SetAddPrefixSpace(false)
	tk.WithPreTokenizer(byteLevel)

	t := &Tokenizer{
		tk:        tk,
		vocabSize: len(vocab),
		maxLength: opts.MaxLength,
		bos:       vocab[BOSToken],
		eos:       vocab[EOSToken],
	}
	tk.WithPostProcessor(processor.NewRobertaProcessing(
		processor.PostToken{Value: EOSToken, Id: t.eos},
		processor.PostToken{Value: BOSToken, Id: t.bos},
		true, false,
	))
	tk.WithTruncation(&tokenizer.TruncationParams{
		MaxLength: opts.MaxLength,
		Strategy:  tokenizer.LongestFirst,
	})

	cache, err := lru.New[string, []int](opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create encoding cache")
	}
	t.cache = cache
	return t, nil
}

// VocabSize returns the number of vocabulary entries
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// MaxLength returns the longest sequence Encode produces
func (t *Tokenizer) MaxLength() int {
	return t.maxLength
}

// Encode returns <s> tokens </s>, truncating the tokens so the whole
// sequence fits in MaxLength. Literal special tokens in text map to their ids.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return []int{t.bos, t.eos}, nil
	}

	if ids, ok := t.cache.Get(text); ok {
		metrics.RecordTokenizerCache(true)
		return append([]int(nil), ids...), nil
	}
	metrics.RecordTokenizerCache(false)

	en, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTokenizer, fmt.Sprintf("encode: %v", err))
	}

	ids := append([]int(nil), en.Ids...)
	t.cache.Add(text, ids)
	return append([]int(nil), ids...), nil
}
