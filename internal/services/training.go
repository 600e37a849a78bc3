package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stockcast/internal/config"
	"stockcast/internal/features"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/registry"
	"stockcast/internal/store"
	"stockcast/internal/trainer"
)

// TrainingService loads transactions once and trains each configured
// prediction type independently; a failure in one type does not stop the
// others.
type TrainingService struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
	progress io.Writer
}

func NewTrainingService(cfg *config.Config, st store.Store, reg *registry.Registry, logger *slog.Logger) *TrainingService {
	return &TrainingService{cfg: cfg, store: st, registry: reg, logger: logger}
}

// WithProgress shows per-type progress bars on w.
func (s *TrainingService) WithProgress(w io.Writer) *TrainingService {
	s.progress = w
	return s
}

type TypeOutcome struct {
	Type     models.PredictionType `json:"prediction_type"`
	Metadata *models.ModelMetadata `json:"metadata,omitempty"`
	Folds    []trainer.FoldScore   `json:"folds,omitempty"`
	Err      error                 `json:"-"`
	Error    string                `json:"error,omitempty"`
}

type TrainingReport struct {
	RunID    string        `json:"run_id"`
	Outcomes []TypeOutcome `json:"outcomes"`
	Duration time.Duration `json:"duration"`
}

// Train returns the joined per-type errors; the report lists every type
// whether it succeeded or not. A failure to load transactions aborts the run.
func (s *TrainingService) Train(ctx context.Context) (*TrainingReport, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	ctx, span := observability.StartSpan(ctx, "training")
	span.SetTag("run_id", runID)

	txs, err := s.store.Load(ctx)
	if err != nil {
		span.SetError(err)
		span.Finish()
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	logger.Info("transactions loaded", "count", len(txs))

	report := &TrainingReport{RunID: runID}
	var errs []error
	for _, name := range s.cfg.Training.Types {
		t, err := models.ParsePredictionType(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out := s.trainType(ctx, logger, runID, t, txs)
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, out.Err))
			out.Error = out.Err.Error()
			logger.Error("training failed", "prediction_type", t, "error", out.Err)
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	err = errors.Join(errs...)
	if err != nil {
		span.SetError(err)
	}
	report.Duration = span.Finish()
	logger.Info("training run finished", "duration", report.Duration, "failed_types", len(errs))
	return report, err
}

func (s *TrainingService) trainType(ctx context.Context, logger *slog.Logger, runID string, t models.PredictionType, txs []models.Transaction) TypeOutcome {
	out := TypeOutcome{Type: t}
	ctx, span := observability.StartSpan(ctx, "training."+string(t))
	defer span.Finish()

	ds, err := features.NewBuilder(t, features.OptionsFor(s.cfg, t), logger).Build(txs)
	if err != nil {
		out.Err = err
		span.SetError(err)
		return out
	}

	tr := trainer.New(t, s.cfg.Model(string(t)), s.cfg.Training.Workers, logger)
	if s.progress != nil {
		tr.WithProgress(s.progress)
	}
	res, err := tr.Train(ctx, ds)
	if err != nil {
		out.Err = err
		span.SetError(err)
		return out
	}

	meta := res.Metadata(runID, time.Now())
	if err := s.registry.Save(t, res.Pipeline, meta); err != nil {
		out.Err = err
		span.SetError(err)
		return out
	}

	out.Metadata = meta
	out.Folds = res.CV.Folds
	return out
}
