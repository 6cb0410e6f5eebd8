package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Brownie44l1/resq-ai/internal/classifier"
)

// Upload form fields, in lookup order.
var uploadFields = []string{"file", "image"}

// Predictor is the classifier surface the handlers need.
type Predictor interface {
	Predict(ctx context.Context, raw []byte) (*classifier.Result, error)
	Taxonomy() *classifier.Taxonomy
}

type Handler struct {
	predictor      Predictor
	maxUploadBytes int64
	log            *zap.Logger
}

func NewHandler(predictor Predictor, maxUploadBytes int64, log *zap.Logger) *Handler {
	return &Handler{
		predictor:      predictor,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
}

// Routes registers every endpoint and wraps the mux in the middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Root)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/categories", h.Categories)
	mux.Handle("/metrics", promhttp.Handler())

	chain := Chain(
		RecoveryMiddleware(h.log),
		RequestIDMiddleware,
		LoggerMiddleware(h.log),
		MetricsMiddleware,
		CORSMiddleware,
	)
	return chain(mux)
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Root is the liveness probe. It does not touch the classifier.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "online",
		Message: "ResQ AI Service is running",
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart upload with a 'file' field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := formFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	log := h.log.With(
		zap.String("request_id", RequestID(r.Context())),
		zap.String("filename", header.Filename),
		zap.Int("bytes", len(data)))

	result, err := h.predictor.Predict(r.Context(), data)
	if err != nil {
		if errors.Is(err, classifier.ErrDecode) {
			log.Warn("rejected upload", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not decode image: "+err.Error())
			return
		}
		log.Error("prediction error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	log.Info("classified image",
		zap.String("disaster_type", string(result.DisasterType)),
		zap.String("top_prediction", result.TopPrediction),
		zap.Float64("confidence", result.Confidence))
	writeJSON(w, http.StatusOK, result)
}

type categoryResponse struct {
	DisasterType   classifier.DisasterType `json:"disaster_type"`
	Keywords       []string                `json:"keywords"`
	SuggestedItems []string                `json:"suggested_items"`
}

// Categories lists the keyword table in evaluation order, followed by the
// Other fallback.
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rules := h.predictor.Taxonomy().Rules()
	out := make([]categoryResponse, 0, len(rules)+1)
	for _, rule := range rules {
		out = append(out, categoryResponse{
			DisasterType:   rule.Type,
			Keywords:       rule.Keywords,
			SuggestedItems: classifier.Suggest(rule.Type),
		})
	}
	out = append(out, categoryResponse{
		DisasterType:   classifier.Other,
		Keywords:       []string{},
		SuggestedItems: classifier.Suggest(classifier.Other),
	})
	writeJSON(w, http.StatusOK, out)
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	var lastErr error
	for _, field := range uploadFields {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
