package http

import (
	"context"

	"emotion-server/pkg/classifier"
	"emotion-server/pkg/correlation"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/messaging"
	"emotion-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// EventSink receives prediction events without blocking the request
type EventSink interface {
	Enqueue(event messaging.PredictionEvent) bool
}

// predictionResponse is the body returned by both prediction endpoints.
// Probabilities are omitted when the service does not report them.
type predictionResponse struct {
	Emotion       string             `json:"emotion"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

func newPredictionResponse(p classifier.Prediction) predictionResponse {
	return predictionResponse{
		Emotion:       p.Emotion,
		Confidence:    p.Confidence,
		Probabilities: p.Probabilities,
	}
}

// publishPrediction hands the outcome to the event sink, if any
func publishPrediction(ctx context.Context, logger *logrus.Logger, sink EventSink, modality string, p classifier.Prediction) {
	if sink == nil {
		return
	}
	event := messaging.NewPredictionEvent(modality, correlation.FromContext(ctx).String())
	event.Emotion = p.Emotion
	event.TopLabel = p.TopLabel
	event.Confidence = p.Confidence
	event.Probabilities = p.Probabilities
	event.FellBack = p.FellBack

	if !sink.Enqueue(event) {
		correlation.LoggerFromContext(ctx, logger).WithField("event_id", event.ID).Warn("Prediction event dropped")
	}
}

// recordFailure logs and counts a failed prediction. Client errors are logged
// at info, everything else at error.
func recordFailure(ctx context.Context, logger *logrus.Logger, modality string, err error) {
	code := errors.GetErrorCode(err)
	if code == "" {
		code = "UNKNOWN"
	}
	metrics.RecordPredictionError(modality, code)

	entry := correlation.LoggerFromContext(ctx, logger).WithError(err).WithFields(logrus.Fields{
		"modality": modality,
		"code":     code,
	})
	if errors.HTTPStatusFromError(err) < 500 {
		entry.Info("Prediction request rejected")
		return
	}
	entry.Error("Prediction failed")
}
