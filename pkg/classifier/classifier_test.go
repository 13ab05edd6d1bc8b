package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var textLabels = []string{"sadness", "joy", "love", "anger", "fear", "surprise"}

func TestDecideAboveThreshold(t *testing.T) {
	rule := NewRule(0.40)
	p, err := rule.DecideWithProbabilities(textLabels, []float64{0.01, 0.9123456, 0.02, 0.03, 0.017654, 0.02})
	require.NoError(t, err)

	assert.Equal(t, "joy", p.Emotion)
	assert.Equal(t, "joy", p.TopLabel)
	assert.False(t, p.FellBack)
	assert.Equal(t, 0.9123, p.Confidence)
	assert.Equal(t, 0.0177, p.Probabilities["fear"])
	assert.Len(t, p.Probabilities, 6)
}

func TestDecideFallsBackToNeutral(t *testing.T) {
	rule := NewRule(0.50)
	labels := []string{"anger", "disgust", "fear", "happy", "neutral", "sad"}
	p, err := rule.Decide(labels, []float64{0.3, 0.1, 0.1, 0.35, 0.1, 0.05})
	require.NoError(t, err)

	assert.Equal(t, Neutral, p.Emotion)
	assert.Equal(t, "happy", p.TopLabel)
	assert.True(t, p.FellBack)
	assert.Equal(t, 0.35, p.Confidence, "confidence is reported unchanged")
}

func TestDecideComparesBeforeRounding(t *testing.T) {
	rule := NewRule(0.40)
	probs := []float64{0.39996, 0.3, 0.30004, 0, 0, 0}
	p, err := rule.Decide(textLabels, probs)
	require.NoError(t, err)

	assert.Equal(t, Neutral, p.Emotion)
	assert.Equal(t, 0.4, p.Confidence)
}

func TestDecideAtThreshold(t *testing.T) {
	p, err := NewRule(0.40).Decide([]string{"a", "b"}, []float64{0.4, 0.6})
	require.NoError(t, err)
	assert.Equal(t, "b", p.Emotion)

	p, err = NewRule(0.5).Decide([]string{"a", "b"}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "a", p.Emotion, "ties resolve to the first label and equal counts as passing")
}

func TestDecideCustomFallbackAndPrecision(t *testing.T) {
	rule := Rule{Threshold: 0.9, Fallback: "unknown"}
	p, err := rule.Decide([]string{"a", "b"}, []float64{0.123456, 0.876544})
	require.NoError(t, err)
	assert.Equal(t, "unknown", p.Emotion)
	assert.Equal(t, 0.876544, p.Confidence)
}

func TestDecideRejectsMismatch(t *testing.T) {
	_, err := NewRule(0.4).Decide([]string{"a"}, []float64{0.5, 0.5})
	assert.Error(t, err)
	_, err = NewRule(0.4).Decide(nil, nil)
	assert.Error(t, err)
}

func TestValidateLabels(t *testing.T) {
	assert.NoError(t, ValidateLabels(textLabels))
	assert.Error(t, ValidateLabels(nil))
	assert.Error(t, ValidateLabels([]string{"a", ""}))
	assert.Error(t, ValidateLabels([]string{"a", "a"}))
}
