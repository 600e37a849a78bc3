package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"stockcast/internal/config"
	apperrors "stockcast/internal/errors"
	"stockcast/internal/features"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/registry"
)

// PredictionService scores single requests against the registry:
// validate, build the feature row, score, then attach confidence. Unknown
// products and scoring failures produce a tagged fallback estimate instead.
type PredictionService struct {
	cfg      *config.Config
	registry *registry.Registry
	logger   *slog.Logger
}

func NewPredictionService(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *PredictionService {
	return &PredictionService{cfg: cfg, registry: reg, logger: logger}
}

type scored struct {
	value      float64
	confidence *models.Confidence
	modelMs    float64
}

// Predict returns a Validation error for malformed requests and the
// registry's error when no usable model exists. Everything else yields a
// result, possibly a fallback.
func (s *PredictionService) Predict(ctx context.Context, req models.PredictionRequest) (*models.PredictionResult, error) {
	ctx, span := observability.StartSpan(ctx, "predict")

	t, err := s.validateRequest(req)
	if err != nil {
		return nil, err
	}
	req.PredictionType = t
	req.ProductID = strings.TrimSpace(req.ProductID)

	model, err := s.registry.Load(t)
	if err != nil {
		return nil, err
	}

	result := &models.PredictionResult{
		ProductID:       req.ProductID,
		PredictionType:  t,
		InputParameters: req.Params,
	}
	if model.Metadata != nil {
		result.ModelVersion = model.Metadata.Version
	}

	reason := ""
	switch {
	case model.Metadata == nil:
		s.logger.Warn("no model metadata, skipping product validation", "prediction_type", t, "product_id", req.ProductID)
	case !model.Metadata.IsValidProduct(req.ProductID):
		reason = fmt.Sprintf("product %s not in training data", req.ProductID)
	}

	if reason == "" {
		sc, err := s.score(ctx, model, req)
		if err != nil {
			reason = "scoring error: " + err.Error()
			s.logger.Warn("scoring failed, using fallback", "prediction_type", t, "product_id", req.ProductID, "error", err)
		} else {
			result.Prediction = calibrate(sc.value, s.cfg.Prediction.CalibrationFactor)
			result.Confidence = sc.confidence
			result.ModelPredictionTimeMs = sc.modelMs
		}
	}

	if reason != "" {
		result.IsFallback = true
		result.FallbackReason = reason
		result.Prediction = s.fallback(t, req.Params)
	}

	result.Interpretation = interpretation(t, result.Prediction, result.IsFallback)
	result.Timestamp = time.Now().UTC().Format(time.RFC3339)
	result.ExecutionTimeMs = span.Milliseconds()

	s.logger.Info("prediction",
		"prediction_type", t,
		"product_id", req.ProductID,
		"prediction", result.Prediction,
		"is_fallback", result.IsFallback,
		"duration_ms", result.ExecutionTimeMs,
	)
	return result, nil
}

func (s *PredictionService) validateRequest(req models.PredictionRequest) (models.PredictionType, error) {
	t, err := models.ParsePredictionType(string(req.PredictionType))
	if err != nil {
		return "", apperrors.Validation(err.Error())
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return "", apperrors.Validation("product_id is required")
	}
	if err := req.Params.Validate(); err != nil {
		return "", apperrors.Validation(err.Error())
	}
	return t, nil
}

// score builds the feature row and runs the model under the configured
// per-request timeout. Panics become errors.
func (s *PredictionService) score(ctx context.Context, model *registry.Model, req models.PredictionRequest) (scored, error) {
	if timeout := s.cfg.Prediction.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		sc  scored
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperrors.Scoring(fmt.Errorf("panic: %v", r))}
			}
		}()
		sc, err := s.run(ctx, model, req)
		done <- outcome{sc: sc, err: err}
	}()

	select {
	case o := <-done:
		return o.sc, o.err
	case <-ctx.Done():
		return scored{}, apperrors.Scoring(ctx.Err())
	}
}

func (s *PredictionService) run(ctx context.Context, model *registry.Model, req models.PredictionRequest) (scored, error) {
	p := model.Pipeline()
	row, err := features.ServingRow(p.FeatureNames, req.Params, features.OptionsFor(s.cfg, req.PredictionType))
	if err != nil {
		return scored{}, apperrors.Scoring(err)
	}

	_, span := observability.StartSpan(ctx, "predict.model")
	each, err := p.PredictEach(req.ProductID, row)
	modelMs := span.Milliseconds()
	if err != nil {
		return scored{}, apperrors.Scoring(err)
	}
	if len(each) == 0 {
		return scored{}, apperrors.Scoring(fmt.Errorf("model has no trees"))
	}

	var stats *models.FeatureStats
	if model.Metadata != nil {
		stats = &model.Metadata.FeatureStats
	}
	conf := ComputeConfidence(each, models.Value(req.Params.AvgDailySales), stats)
	return scored{value: conf.PredMean, confidence: &conf, modelMs: modelMs}, nil
}

// calibrate scales a raw model output, clamps it at zero and rounds to
// whole units.
func calibrate(v, factor float64) int {
	if factor > 0 {
		v *= factor
	}
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	return int(math.Round(v))
}

func (s *PredictionService) fallback(t models.PredictionType, p models.Params) int {
	switch t {
	case models.Restock:
		return RestockFallback(p, features.OptionsFor(s.cfg, t))
	case models.Monthly:
		return MonthlyFallback(p)
	default:
		return SalesFallback(p)
	}
}

func interpretation(t models.PredictionType, n int, fallback bool) string {
	var msg string
	switch t {
	case models.Restock:
		msg = fmt.Sprintf("Recommended restock quantity: %d units", n)
	case models.Monthly:
		msg = fmt.Sprintf("Predicted sales for next month: %d units", n)
	default:
		msg = fmt.Sprintf("Predicted sales for next period: %d units", n)
	}
	if fallback {
		msg += " (fallback estimate)"
	}
	return msg
}

// Batch scores requests one after another. A failing request records its
// error in its own slot and does not affect the others.
func (s *PredictionService) Batch(ctx context.Context, reqs []models.PredictionRequest) *models.BatchResult {
	start := time.Now()
	out := &models.BatchResult{Results: make([]models.BatchEntry, len(reqs))}

	for i, req := range reqs {
		entry := models.BatchEntry{BatchIndex: i, ProductID: req.ProductID}
		res, err := s.Predict(ctx, req)
		if err != nil {
			entry.Error = batchError(err)
			out.Summary.Failed++
		} else {
			entry.Result = res
			out.Summary.Successful++
		}
		out.Results[i] = entry
	}

	total := time.Since(start)
	out.Summary.Total = len(reqs)
	out.Summary.TotalTimeMs = round2(float64(total.Microseconds()) / 1000)
	if len(reqs) > 0 {
		out.Summary.SuccessRate = round2(100 * float64(out.Summary.Successful) / float64(len(reqs)))
		out.Summary.AvgTimePerPredictionMs = round2(out.Summary.TotalTimeMs / float64(len(reqs)))
	}
	s.logger.Info("batch finished",
		"total", out.Summary.Total,
		"successful", out.Summary.Successful,
		"failed", out.Summary.Failed,
		"duration", total,
	)
	return out
}

func batchError(err error) *models.BatchError {
	code := apperrors.CodeInternal
	for _, c := range []apperrors.ErrorCode{apperrors.CodeValidation, apperrors.CodeModelNotFound, apperrors.CodeSchemaMismatch} {
		if apperrors.HasCode(err, c) {
			code = c
			break
		}
	}
	return &models.BatchError{Code: string(code), Message: err.Error()}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
