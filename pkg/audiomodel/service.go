package audiomodel

import (
	"context"
	"fmt"

	"emotion-server/pkg/audio"
	"emotion-server/pkg/classifier"
	"emotion-server/pkg/config"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/metrics"
	"emotion-server/pkg/nn"

	"github.com/sirupsen/logrus"
)

// Modality labels metrics and events produced by this service
const Modality = "audio"

// ModelName is reported by the health endpoint
const ModelName = "audio_emotion_cnn"

// Service couples the feature extractor, the CNN and the decision rule
type Service struct {
	logger    *logrus.Logger
	extractor *audio.Extractor
	model     *CNN
	labels    []string
	rule      classifier.Rule
}

// NewService checks that the extractor output matches the model input
func NewService(logger *logrus.Logger, extractor *audio.Extractor, model *CNN, rule classifier.Rule) (*Service, error) {
	cfg := extractor.Config()
	bins, frames := model.InputShape()
	if cfg.MelBins != bins || cfg.MaxFrames != frames {
		return nil, errors.NewModelLoad("audio model",
			fmt.Errorf("extractor produces %dx%d but the model expects %dx%d", cfg.MelBins, cfg.MaxFrames, bins, frames))
	}
	if model.NumLabels() != len(Labels) {
		return nil, errors.NewModelLoad("audio model",
			fmt.Errorf("classifier has %d outputs, expected %d", model.NumLabels(), len(Labels)))
	}

	return &Service{
		logger:    logger,
		extractor: extractor,
		model:     model,
		labels:    Labels,
		rule:      rule,
	}, nil
}

// LoadService builds the extractor and loads the CNN named by cfg
func LoadService(logger *logrus.Logger, cfg config.AudioConfig) (*Service, error) {
	features := audio.DefaultFeatureConfig()
	features.SampleRate = cfg.SampleRate
	features.MelBins = cfg.MelBins
	features.MaxFrames = cfg.MaxFrames
	features.FFTSize = cfg.FFTSize
	features.HopLength = cfg.HopLength

	extractor, err := audio.NewExtractor(features)
	if err != nil {
		return nil, errors.NewModelLoad("audio feature extractor", err)
	}

	model, err := LoadCNN(cfg.ModelPath, cfg.MelBins, cfg.MaxFrames)
	if err != nil {
		return nil, err
	}

	svc, err := NewService(logger, extractor, model, classifier.NewRule(cfg.Threshold))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"model_path":  cfg.ModelPath,
		"sample_rate": cfg.SampleRate,
		"mel_bins":    cfg.MelBins,
		"max_frames":  cfg.MaxFrames,
		"threshold":   cfg.Threshold,
	}).Info("Audio emotion model loaded")
	return svc, nil
}

// PredictFile classifies the audio file at path. The extension selects the decoder.
func (s *Service) PredictFile(ctx context.Context, path string) (classifier.Prediction, error) {
	if !audio.IsSupported(path) {
		return classifier.Prediction{}, errors.NewUnsupportedFormat(path)
	}

	clip, err := audio.Decode(path)
	if err != nil {
		return classifier.Prediction{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"sample_rate": clip.SampleRate,
		"duration_s":  clip.Duration(),
	}).Debug("Audio decoded")
	return s.PredictClip(ctx, clip)
}

// PredictClip classifies already decoded audio
func (s *Service) PredictClip(ctx context.Context, clip audio.Clip) (classifier.Prediction, error) {
	done := metrics.ObserveFeatureExtraction(Modality)
	spec, err := s.extractor.Extract(ctx, clip)
	done()
	if err != nil {
		return classifier.Prediction{}, err
	}
	return s.PredictSpectrogram(ctx, spec)
}

// PredictSpectrogram runs the CNN and the decision rule on a prepared input
func (s *Service) PredictSpectrogram(ctx context.Context, spec *audio.Spectrogram) (classifier.Prediction, error) {
	done := metrics.ObserveInference(Modality)
	logits, err := s.model.Forward(ctx, spec)
	done()
	if err != nil {
		return classifier.Prediction{}, err
	}

	prediction, err := s.rule.Decide(s.labels, nn.Softmax(logits))
	if err != nil {
		return classifier.Prediction{}, err
	}

	metrics.RecordPrediction(Modality, prediction.Emotion, prediction.FellBack)
	s.logger.WithFields(logrus.Fields{
		"emotion":    prediction.Emotion,
		"top_label":  prediction.TopLabel,
		"confidence": prediction.Confidence,
	}).Debug("Audio prediction")
	return prediction, nil
}

// Info describes the loaded model for the status endpoint
func (s *Service) Info() map[string]interface{} {
	cfg := s.extractor.Config()
	return map[string]interface{}{
		"model":       ModelName,
		"modality":    Modality,
		"device":      "cpu",
		"sample_rate": cfg.SampleRate,
		"mel_bins":    cfg.MelBins,
		"max_frames":  cfg.MaxFrames,
		"labels":      append([]string(nil), s.labels...),
		"threshold":   s.rule.Threshold,
	}
}
