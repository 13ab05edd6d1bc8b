package textmodel

import (
	"context"
	"fmt"

	"emotion-server/pkg/classifier"
	"emotion-server/pkg/config"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/metrics"
	"emotion-server/pkg/nn"

	"github.com/sirupsen/logrus"
)

// Modality labels metrics and events produced by this service
const Modality = "text"

// Service bundles the tokenizer, model, labels and decision rule. It is
// built once at start-up and shared read-only by all requests.
type Service struct {
	logger    *logrus.Logger
	tokenizer *Tokenizer
	model     *Model
	labels    []string
	rule      classifier.Rule
}

// NewService checks that the parts fit together
func NewService(logger *logrus.Logger, tokenizer *Tokenizer, model *Model, labels []string, rule classifier.Rule) (*Service, error) {
	if err := classifier.ValidateLabels(labels); err != nil {
		return nil, errors.NewModelLoad("label mapping", err)
	}
	if len(labels) != model.NumLabels() {
		return nil, errors.NewModelLoad("text model",
			fmt.Errorf("classifier has %d outputs but %d labels were provided", model.NumLabels(), len(labels)))
	}
	if tokenizer.MaxLength() > model.MaxSequence() {
		return nil, errors.NewModelLoad("text model",
			fmt.Errorf("tokenizer max length %d exceeds the model's %d positions", tokenizer.MaxLength(), model.MaxSequence()))
	}
	if tokenizer.VocabSize() > model.vocabSize {
		return nil, errors.NewModelLoad("text model",
			fmt.Errorf("tokenizer vocabulary (%d) is larger than the embedding table (%d)", tokenizer.VocabSize(), model.vocabSize))
	}

	return &Service{
		logger:    logger,
		tokenizer: tokenizer,
		model:     model,
		labels:    labels,
		rule:      rule,
	}, nil
}

// LoadService loads every text artefact named by cfg
func LoadService(logger *logrus.Logger, cfg config.TextConfig) (*Service, error) {
	tokenizer, err := LoadTokenizer(cfg.TokenizerDir, TokenizerOptions{MaxLength: cfg.MaxLength, CacheSize: cfg.BPECacheSize})
	if err != nil {
		return nil, err
	}

	weights, err := nn.LoadSafetensors(cfg.ModelPath)
	if err != nil {
		return nil, errors.NewModelLoad("text model weights", err)
	}
	model, err := NewModel(weights, ModelConfig{NumHeads: cfg.NumHeads, LayerNormEps: cfg.LayerNormEps})
	if err != nil {
		return nil, err
	}

	labels, err := LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	svc, err := NewService(logger, tokenizer, model, labels, classifier.NewRule(cfg.Threshold))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"model_path": cfg.ModelPath,
		"layers":     model.NumLayers(),
		"hidden":     model.Hidden(),
		"vocab":      tokenizer.VocabSize(),
		"labels":     labels,
		"threshold":  cfg.Threshold,
	}).Info("Text emotion model loaded")
	return svc, nil
}

// Predict classifies one text
func (s *Service) Predict(ctx context.Context, text string) (classifier.Prediction, error) {
	done := metrics.ObserveFeatureExtraction(Modality)
	ids, err := s.tokenizer.Encode(text)
	done()
	if err != nil {
		return classifier.Prediction{}, err
	}

	done = metrics.ObserveInference(Modality)
	logits, err := s.model.Forward(ctx, ids)
	done()
	if err != nil {
		return classifier.Prediction{}, err
	}

	prediction, err := s.rule.DecideWithProbabilities(s.labels, nn.Softmax(logits))
	if err != nil {
		return classifier.Prediction{}, err
	}

	metrics.RecordPrediction(Modality, prediction.Emotion, prediction.FellBack)
	return prediction, nil
}

// Labels returns the label set in index order
func (s *Service) Labels() []string {
	return append([]string(nil), s.labels...)
}

// Info describes the loaded model for the status endpoint
func (s *Service) Info() map[string]interface{} {
	return map[string]interface{}{
		"model":      "emotion_roberta",
		"modality":   Modality,
		"layers":     s.model.NumLayers(),
		"hidden":     s.model.Hidden(),
		"vocab_size": s.tokenizer.VocabSize(),
		"max_length": s.tokenizer.MaxLength(),
		"labels":     s.Labels(),
		"threshold":  s.rule.Threshold,
	}
}
