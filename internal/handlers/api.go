package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"stockcast/internal/errors"
	"stockcast/internal/models"
	"stockcast/internal/observability"
)

type Predictor interface {
	Predict(ctx context.Context, req models.PredictionRequest) (*models.PredictionResult, error)
	Batch(ctx context.Context, reqs []models.PredictionRequest) *models.BatchResult
}

type ModelLister interface {
	List() ([]*models.ModelMetadata, error)
}

type APIHandlers struct {
	predictor Predictor
	models    ModelLister
	version   string
	logger    *slog.Logger
}

// NewAPIHandlers reports version on the health endpoint.
func NewAPIHandlers(predictor Predictor, lister ModelLister, version string, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		predictor: predictor,
		models:    lister,
		version:   version,
		logger:    logger,
	}
}

func (h *APIHandlers) HandlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := observability.GetRequestID(r.Context())

	var req models.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, h.logger, errors.BadRequestWrap(err, "invalid JSON body"), requestID)
		return
	}

	result, err := h.predictor.Predict(r.Context(), req)
	if err != nil {
		errors.WriteError(w, h.logger, err, requestID)
		return
	}
	errors.WriteSuccess(w, result)
}

func (h *APIHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	requestID := observability.GetRequestID(r.Context())

	var reqs []models.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		errors.WriteError(w, h.logger, errors.BadRequestWrap(err, "body must be a JSON array of prediction requests"), requestID)
		return
	}
	if len(reqs) == 0 {
		errors.WriteError(w, h.logger, errors.Validation("batch is empty"), requestID)
		return
	}

	errors.WriteSuccess(w, h.predictor.Batch(r.Context(), reqs))
}

func (h *APIHandlers) HandleModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.models.List()
	if err != nil {
		errors.WriteError(w, h.logger, err, observability.GetRequestID(r.Context()))
		return
	}
	if list == nil {
		list = []*models.ModelMetadata{}
	}
	errors.WriteSuccess(w, list)
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	trained := []models.PredictionType{}
	if list, err := h.models.List(); err == nil {
		for _, m := range list {
			trained = append(trained, m.ModelType)
		}
	}

	errors.WriteSuccess(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Format(time.RFC3339),
		"version":        h.version,
		"trained_models": trained,
	})
}
