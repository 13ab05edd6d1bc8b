package textmodel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"emotion-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int {
	return map[string]int{
		"<s>": 0, "<pad>": 1, "</s>": 2, "<unk>": 3,
		"h": 4, "e": 5, "l": 6, "o": 7, "Ġ": 8, "w": 9, "r": 10, "d": 11,
		"he": 12, "ll": 13, "llo": 14, "hello": 15, "Ġw": 16, "!": 17, "'m": 18, "I": 19,
	}
}

func testMerges() [][2]string {
	return [][2]string{{"h", "e"}, {"l", "l"}, {"ll", "o"}, {"he", "llo"}, {"Ġ", "w"}}
}

func writeTokenizerDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	vocab, err := json.Marshal(testVocab())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), vocab, 0o600))

	var merges strings.Builder
	merges.WriteString("#version: 0.2\n")
	for _, m := range testMerges() {
		merges.WriteString(m[0] + " " + m[1] + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges.String()), 0o600))
	return dir
}

func TestEncode(t *testing.T) {
	tok, err := LoadTokenizer(writeTokenizerDir(t), TokenizerOptions{MaxLength: 128})
	require.NoError(t, err)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 15, 16, 7, 10, 6, 11, 2}, ids)

	ids, err = tok.Encode("")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, ids)
}

func TestEncodeContractionsAndUnknowns(t *testing.T) {
	tok, err := NewTokenizer(testVocab(), testMerges(), TokenizerOptions{MaxLength: 16})
	require.NoError(t, err)

	// I 'm Ġ hello !
	ids, err := tok.Encode("I'm hello!")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 19, 18, 8, 15, 17, 2}, ids)

	// é is two bytes, neither in the vocabulary
	ids, err = tok.Encode("é")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 3, 2}, ids)
}

func TestEncodeKeepsLiteralSpecialTokens(t *testing.T) {
	tok, err := NewTokenizer(testVocab(), testMerges(), TokenizerOptions{MaxLength: 16})
	require.NoError(t, err)

	ids, err := tok.Encode("hello</s>")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 15, 2, 2}, ids)

	ids, err = tok.Encode("<pad>hello")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 15, 2}, ids)
}

func TestEncodeTruncates(t *testing.T) {
	tok, err := NewTokenizer(testVocab(), testMerges(), TokenizerOptions{MaxLength: 4})
	require.NoError(t, err)

	ids, err := tok.Encode("hello world hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 15, 16, 2}, ids)
	assert.Len(t, ids, tok.MaxLength())
}

func TestTokenizerCacheIsConsistent(t *testing.T) {
	tok, err := NewTokenizer(testVocab(), testMerges(), TokenizerOptions{MaxLength: 32, CacheSize: 1})
	require.NoError(t, err)

	first, err := tok.Encode("hello hello world")
	require.NoError(t, err)
	second, err := tok.Encode("hello hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNewTokenizerValidation(t *testing.T) {
	_, err := NewTokenizer(testVocab(), nil, TokenizerOptions{MaxLength: 2})
	assert.Error(t, err)

	vocab := testVocab()
	delete(vocab, "<unk>")
	_, err = NewTokenizer(vocab, nil, TokenizerOptions{MaxLength: 8})
	assert.Error(t, err)

	_, err = LoadTokenizer(t.TempDir(), TokenizerOptions{MaxLength: 8})
	assert.Error(t, err)
}

func TestLoadTokenizerRejectsMalformedMerges(t *testing.T) {
	dir := writeTokenizerDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merges.txt"), []byte("#version: 0.2\na b c\n"), 0o600))

	_, err := LoadTokenizer(dir, TokenizerOptions{MaxLength: 8})
	assert.ErrorIs(t, err, errors.ErrModelLoad)
}
