package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"emotion-server/pkg/classifier"
	"emotion-server/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	textModality = "text"

	maxTextBodyBytes = 1 << 20
)

var validate = validator.New()

// TextPredictor classifies a text
type TextPredictor interface {
	Predict(ctx context.Context, text string) (classifier.Prediction, error)
	Info() map[string]interface{}
}

// TextRequest is the /predict body. Text is a pointer so that an empty
// string is accepted while a missing field is not.
type TextRequest struct {
	Text *string `json:"text" validate:"required"`
}

// TextHandler serves the text emotion endpoints
type TextHandler struct {
	logger    *logrus.Logger
	predictor TextPredictor
	events    EventSink
}

// NewTextHandler creates the handler. events may be nil.
func NewTextHandler(logger *logrus.Logger, predictor TextPredictor, events EventSink) *TextHandler {
	return &TextHandler{
		logger:    logger,
		predictor: predictor,
		events:    events,
	}
}

// RegisterHandlers registers the text routes with the server
func (h *TextHandler) RegisterHandlers(server *Server) {
	server.Handle("GET /{$}", "/", http.HandlerFunc(h.handleRoot))
	server.Handle("POST /predict", "/predict", http.HandlerFunc(h.handlePredict))
	server.AddStatusProvider("model", func() interface{} { return h.predictor.Info() })
}

func (h *TextHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *TextHandler) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeTextRequest(w, r)
	if err != nil {
		recordFailure(ctx, h.logger, textModality, err)
		errors.WriteError(w, err)
		return
	}

	prediction, err := h.predictor.Predict(ctx, *req.Text)
	if err != nil {
		recordFailure(ctx, h.logger, textModality, err)
		errors.WriteError(w, err)
		return
	}

	publishPrediction(ctx, h.logger, h.events, textModality, prediction)
	errors.WriteJSON(w, http.StatusOK, newPredictionResponse(prediction))
}

func decodeTextRequest(w http.ResponseWriter, r *http.Request) (*TextRequest, error) {
	var req TextRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.NewPayloadTooLarge(tooLarge.Limit)
		}
		return nil, errors.NewValidation("request body must be a JSON object with a 'text' field").
			WithField("reason", err.Error())
	}

	if err := validate.Struct(req); err != nil {
		return nil, errors.NewValidation("request validation failed",
			map[string]interface{}{"fields": formatValidationErrors(err)})
	}
	return &req, nil
}

// formatValidationErrors lists each failed field and tag
func formatValidationErrors(err error) []string {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
	}
	return messages
}
