package http

import (
	"context"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"emotion-server/pkg/audio"
	"emotion-server/pkg/classifier"
	"emotion-server/pkg/correlation"
	"emotion-server/pkg/errors"

	"github.com/sirupsen/logrus"
)

const (
	audioModality = "audio"
	uploadField   = "file"
)

// AudioPredictor classifies an audio file on disk
type AudioPredictor interface {
	PredictFile(ctx context.Context, path string) (classifier.Prediction, error)
	Info() map[string]interface{}
}

// AudioHandler serves the audio emotion endpoints
type AudioHandler struct {
	logger    *logrus.Logger
	predictor AudioPredictor
	events    EventSink
	maxUpload int64
	tempDir   string
}

// NewAudioHandler creates the handler. events may be nil.
func NewAudioHandler(logger *logrus.Logger, predictor AudioPredictor, events EventSink, maxUpload int64, tempDir string) *AudioHandler {
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &AudioHandler{
		logger:    logger,
		predictor: predictor,
		events:    events,
		maxUpload: maxUpload,
		tempDir:   tempDir,
	}
}

// RegisterHandlers registers the audio routes with the server
func (h *AudioHandler) RegisterHandlers(server *Server) {
	server.Handle("GET /{$}", "/", http.HandlerFunc(h.handleRoot))
	server.Handle("POST /predict-audio", "/predict-audio", http.HandlerFunc(h.handlePredict))
	server.AddStatusProvider("model", func() interface{} { return h.predictor.Info() })
}

func (h *AudioHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"model":  "audio_emotion_cnn",
		"device": "cpu",
	})
}

func (h *AudioHandler) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prediction, err := h.predictUpload(w, r)
	if err != nil {
		recordFailure(ctx, h.logger, audioModality, err)
		errors.WriteError(w, err)
		return
	}

	publishPrediction(ctx, h.logger, h.events, audioModality, prediction)
	errors.WriteJSON(w, http.StatusOK, newPredictionResponse(prediction))
}

// predictUpload streams the "file" part into a temp file carrying the
// upload's extension, so the decoder matches the container, and removes it
// afterwards. The extension is checked before any of the part is read.
func (h *AudioHandler) predictUpload(w http.ResponseWriter, r *http.Request) (classifier.Prediction, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	part, err := h.filePart(r)
	if err != nil {
		return classifier.Prediction{}, h.formError(err)
	}
	defer part.Close()

	filename := part.FileName()
	if !audio.IsSupported(filename) {
		return classifier.Prediction{}, errors.NewUnsupportedFormat(filename)
	}

	tmp, err := os.CreateTemp(h.tempDir, "upload-*"+audio.Extension(filename))
	if err != nil {
		return classifier.Prediction{}, errors.NewInternalError("create temp file").WithField("reason", err.Error())
	}
	path := tmp.Name()
	defer os.Remove(path)

	size, copyErr := io.Copy(tmp, part)
	closeErr := tmp.Close()
	var tooLarge *http.MaxBytesError
	if stderrors.As(copyErr, &tooLarge) {
		return classifier.Prediction{}, h.formError(copyErr)
	}
	if copyErr != nil || closeErr != nil {
		return classifier.Prediction{}, errors.NewInternalError("store upload").
			WithField("copy_error", errString(copyErr)).
			WithField("close_error", errString(closeErr))
	}

	correlation.LoggerFromContext(r.Context(), h.logger).WithFields(logrus.Fields{
		"filename": filename,
		"size":     size,
	}).Debug("Audio upload stored")

	return h.predictor.PredictFile(r.Context(), path)
}

// filePart skips ahead to the first file part named "file"
func (h *AudioHandler) filePart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, http.ErrMissingFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (h *AudioHandler) formError(err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case stderrors.As(err, &tooLarge):
		return errors.NewPayloadTooLarge(tooLarge.Limit)
	case stderrors.Is(err, http.ErrMissingFile):
		return errors.NewValidation("field 'file' is required", map[string]interface{}{"field": "file"})
	default:
		return errors.NewValidation("expected a multipart/form-data body with a 'file' field").WithField("reason", err.Error())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
