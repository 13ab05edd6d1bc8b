// Package classifier turns a model's probability distribution into the
// label and confidence returned to clients.
package classifier

import (
	"fmt"
	"math"

	"emotion-server/pkg/errors"

	"gonum.org/v1/gonum/floats"
)

// Neutral is the label substituted for low-confidence predictions
const Neutral = "neutral"

// DefaultPrecision is the number of decimals kept in responses
const DefaultPrecision = 4

// Prediction is the outcome of one forward pass
type Prediction struct {
	Emotion       string             `json:"emotion"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`

	// TopLabel is the argmax label before any neutral substitution
	TopLabel string `json:"-"`
	// FellBack is set when Emotion was replaced by the fallback label
	FellBack bool `json:"-"`
}

// Rule is the confidence threshold with neutral fallback
type Rule struct {
	Threshold float64
	Fallback  string
	Precision int
}

// NewRule returns a rule falling back to neutral with 4 decimal precision
func NewRule(threshold float64) Rule {
	return Rule{Threshold: threshold, Fallback: Neutral, Precision: DefaultPrecision}
}

// Decide picks the argmax label. When the top probability is under the
// threshold the label becomes the fallback but the confidence is still the
// top probability. Ties resolve to the lowest index.
func (r Rule) Decide(labels []string, probs []float64) (Prediction, error) {
	if len(probs) == 0 || len(labels) != len(probs) {
		return Prediction{}, errors.NewInference(fmt.Sprintf("%d labels for %d probabilities", len(labels), len(probs)))
	}

	idx := floats.MaxIdx(probs)
	confidence := probs[idx]

	p := Prediction{
		Emotion:    labels[idx],
		TopLabel:   labels[idx],
		Confidence: r.round(confidence),
	}
	if confidence < r.Threshold {
		p.Emotion = r.fallback()
		p.FellBack = true
	}
	return p, nil
}

// DecideWithProbabilities is Decide plus the rounded per-label distribution
func (r Rule) DecideWithProbabilities(labels []string, probs []float64) (Prediction, error) {
	p, err := r.Decide(labels, probs)
	if err != nil {
		return p, err
	}

	p.Probabilities = make(map[string]float64, len(labels))
	for i, label := range labels {
		p.Probabilities[label] = r.round(probs[i])
	}
	return p, nil
}

func (r Rule) fallback() string {
	if r.Fallback == "" {
		return Neutral
	}
	return r.Fallback
}

func (r Rule) round(v float64) float64 {
	if r.Precision <= 0 {
		return v
	}
	scale := math.Pow(10, float64(r.Precision))
	return math.Round(v*scale) / scale
}

// ValidateLabels checks that a label set is non-empty and has unique entries
func ValidateLabels(labels []string) error {
	if len(labels) == 0 {
		return errors.NewInvalidInput("label set is empty")
	}
	seen := make(map[string]struct{}, len(labels))
	for i, l := range labels {
		if l == "" {
			return errors.NewInvalidInput(fmt.Sprintf("label %d is empty", i))
		}
		if _, dup := seen[l]; dup {
			return errors.NewInvalidInput(fmt.Sprintf("duplicate label %q", l))
		}
		seen[l] = struct{}{}
	}
	return nil
}
