package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PredictionEvent is published after every successful prediction
type PredictionEvent struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Modality      string             `json:"modality"`
	Emotion       string             `json:"emotion"`
	TopLabel      string             `json:"top_label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	FellBack      bool               `json:"fell_back"`
	Timestamp     time.Time          `json:"timestamp"`
}

// NewPredictionEvent stamps an event with a fresh ID and the current time
func NewPredictionEvent(modality, correlationID string) PredictionEvent {
	return PredictionEvent{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Modality:      modality,
		Timestamp:     time.Now().UTC(),
	}
}

// Publisher delivers prediction events to a broker
type Publisher interface {
	Publish(ctx context.Context, event PredictionEvent) error
	IsConnected() bool
	Close() error
}
