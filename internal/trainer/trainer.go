// Package trainer fits one pipeline per prediction type with forward-chaining
// cross-validation and reports its metrics.
package trainer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"

	"stockcast/internal/config"
	apperrors "stockcast/internal/errors"
	"stockcast/internal/forest"
	"stockcast/internal/models"
	"stockcast/internal/pipeline"
)

const (
	SourceOutOfFold = "out_of_fold"
	SourceInSample  = "in_sample"
)

type Trainer struct {
	typ      models.PredictionType
	cfg      config.ModelConfig
	workers  int
	progress io.Writer
	logger   *slog.Logger
}

func New(t models.PredictionType, cfg config.ModelConfig, workers int, logger *slog.Logger) *Trainer {
	return &Trainer{typ: t, cfg: cfg, workers: workers, logger: logger}
}

// WithProgress draws a tree-count progress bar on w while training.
func (t *Trainer) WithProgress(w io.Writer) *Trainer {
	t.progress = w
	return t
}

func (t *Trainer) forestParams() forest.Params {
	return forest.Params{
		NEstimators:     t.cfg.NEstimators,
		MaxDepth:        t.cfg.MaxDepth,
		MinSamplesSplit: t.cfg.MinSamplesSplit,
		MinSamplesLeaf:  t.cfg.MinSamplesLeaf,
		MaxFeatures:     t.cfg.MaxFeatures,
		Seed:            t.cfg.Seed,
		Workers:         t.workers,
	}
}

type FoldScore struct {
	Fold         int     `json:"fold"`
	TrainRows    int     `json:"train_rows"`
	ValidateRows int     `json:"validate_rows"`
	MAE          float64 `json:"mae"`
	R2           float64 `json:"r2"`
}

type CVReport struct {
	Skipped bool
	Reason  string
	Folds   []FoldScore
	// Out-of-fold targets and predictions pooled across folds.
	True []float64
	Pred []float64
}

type Result struct {
	Type       models.PredictionType
	Pipeline   *pipeline.Pipeline
	Metrics    models.Metrics
	CV         CVReport
	Importance []models.FeatureImportance
	Stats      models.FeatureStats
	Items      []string
	ItemNames  map[string]string
	Samples    int
	Config     config.ModelConfig
}

// Metadata describes the trained model for the registry.
func (r *Result) Metadata(runID string, trainedAt time.Time) *models.ModelMetadata {
	mapping := make(map[string]string, len(r.Items))
	for _, item := range r.Items {
		name := r.ItemNames[item]
		if name == "" {
			name = item
		}
		mapping[item] = name
	}
	return &models.ModelMetadata{
		ModelType:          r.Type,
		Version:            trainedAt.UTC().Format("20060102.150405"),
		RunID:              runID,
		TrainingDate:       trainedAt.UTC(),
		PerformanceMetrics: r.Metrics,
		Config:             r.Config,
		ValidProducts:      r.Items,
		ProductMapping:     mapping,
		FeatureNames:       r.Pipeline.FeatureNames,
		FeatureImportance:  r.Importance,
		FeatureStats:       r.Stats,
		TrainingSamples:    r.Samples,
	}
}

type matrix struct {
	names   []string
	items   []string
	periods []time.Time
	X       [][]float64
	y       []float64
}

func newMatrix(ds *models.TrainingDataset) matrix {
	m := matrix{names: ds.FeatureNames}
	for _, r := range ds.Rows {
		m.items = append(m.items, r.ItemID)
		m.periods = append(m.periods, r.Period)
		m.X = append(m.X, r.Vector(ds.FeatureNames))
		m.y = append(m.y, r.Target)
	}
	return m
}

func (m matrix) rows(idx []int) matrix {
	return matrix{
		names:   m.names,
		items:   subset(m.items, idx),
		periods: subset(m.periods, idx),
		X:       subset(m.X, idx),
		y:       subset(m.y, idx),
	}
}

// Train cross-validates, refits on every row and reports metrics.
func (t *Trainer) Train(ctx context.Context, ds *models.TrainingDataset) (*Result, error) {
	if ds == nil || len(ds.Rows) == 0 {
		return nil, apperrors.Data(string(t.typ), fmt.Sprintf("%s: training dataset is empty", t.typ))
	}
	m := newMatrix(ds)
	start := time.Now()

	folds, splitErr := TimeSeriesSplit(m.periods, t.cfg.CVSplits)
	tick := t.progressTick(int64(t.cfg.NEstimators * (len(folds) + 1)))

	var cv CVReport
	switch {
	case splitErr != nil:
		cv = CVReport{Skipped: true, Reason: splitErr.Error()}
	case len(folds) == 0:
		cv = CVReport{Skipped: true, Reason: "no fold has training periods before its validation block"}
	default:
		var err error
		cv, err = t.crossValidate(ctx, m, folds, tick)
		if err != nil {
			return nil, fmt.Errorf("%s cross-validation: %w", t.typ, err)
		}
	}
	if cv.Skipped {
		t.logger.Warn("cross-validation skipped", "prediction_type", t.typ, "reason", cv.Reason, "rows", len(m.y))
	}

	final := pipeline.New(m.names, t.forestParams())
	final.Forest.OnTree = tick
	if err := final.Fit(ctx, m.items, m.X, m.y); err != nil {
		return nil, fmt.Errorf("%s final fit: %w", t.typ, err)
	}

	metrics, err := t.metrics(ctx, final, m, cv)
	if err != nil {
		return nil, err
	}
	importance, err := FeatureImportance(final)
	if err != nil {
		return nil, err
	}

	items := ds.Items()
	t.logger.Info("model trained",
		"prediction_type", t.typ,
		"rows", len(m.y),
		"items", len(items),
		"cv_folds", len(cv.Folds),
		"metrics_source", metrics.MetricsSource,
		"mae", metrics.MAE,
		"r2", metrics.R2,
		"duration", time.Since(start),
	)

	return &Result{
		Type:       t.typ,
		Pipeline:   final,
		Metrics:    metrics,
		CV:         cv,
		Importance: importance,
		Stats:      FeatureStats(ds),
		Items:      items,
		ItemNames:  ds.ItemNames,
		Samples:    len(m.y),
		Config:     t.cfg,
	}, nil
}

func (t *Trainer) crossValidate(ctx context.Context, m matrix, folds []Fold, tick func()) (CVReport, error) {
	var report CVReport
	for i, f := range folds {
		train, valid := m.rows(f.Train), m.rows(f.Validate)

		p := pipeline.New(m.names, t.forestParams())
		p.Forest.OnTree = tick
		if err := p.Fit(ctx, train.items, train.X, train.y); err != nil {
			return CVReport{}, fmt.Errorf("fold %d: %w", i+1, err)
		}
		pred, err := p.PredictRows(ctx, valid.items, valid.X)
		if err != nil {
			return CVReport{}, fmt.Errorf("fold %d: %w", i+1, err)
		}

		fm := ComputeMetrics(valid.y, pred)
		report.Folds = append(report.Folds, FoldScore{
			Fold:         i + 1,
			TrainRows:    len(train.y),
			ValidateRows: len(valid.y),
			MAE:          fm.MAE,
			R2:           fm.R2,
		})
		report.True = append(report.True, valid.y...)
		report.Pred = append(report.Pred, pred...)

		t.logger.Debug("cv fold done",
			"prediction_type", t.typ,
			"fold", i+1,
			"train_rows", len(train.y),
			"validate_rows", len(valid.y),
			"mae", fm.MAE,
			"r2", fm.R2,
		)
	}
	return report, nil
}

func (t *Trainer) metrics(ctx context.Context, final *pipeline.Pipeline, m matrix, cv CVReport) (models.Metrics, error) {
	if cv.Skipped {
		pred, err := final.PredictRows(ctx, m.items, m.X)
		if err != nil {
			return models.Metrics{}, fmt.Errorf("%s in-sample scoring: %w", t.typ, err)
		}
		out := ComputeMetrics(m.y, pred)
		out.MetricsSource = SourceInSample
		out.CVSkipped = true
		out.CVSkipReason = cv.Reason
		return out, nil
	}

	out := ComputeMetrics(cv.True, cv.Pred)
	out.MetricsSource = SourceOutOfFold
	out.CVFolds = len(cv.Folds)

	maes := make([]float64, len(cv.Folds))
	r2s := make([]float64, len(cv.Folds))
	for i, f := range cv.Folds {
		maes[i], r2s[i] = f.MAE, f.R2
	}
	out.CVMAEMean, out.CVMAEStd = meanStd(maes)
	out.CVR2Mean, out.CVR2Std = meanStd(r2s)
	out.CVCalibration = calibrationRatio(cv.True, cv.Pred)
	return out, nil
}

func (t *Trainer) progressTick(total int64) func() {
	if t.progress == nil || total <= 0 {
		return nil
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(t.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("training %s", t.typ)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return func() { _ = bar.Add(1) }
}

// FeatureImportance lists the forest's importances by encoded column, most
// important first. Columns of the item block carry the item they encode.
func FeatureImportance(p *pipeline.Pipeline) ([]models.FeatureImportance, error) {
	out := make([]models.FeatureImportance, 0, len(p.Forest.Importances))
	for col, imp := range p.Forest.Importances {
		c, err := p.Column(col)
		if err != nil {
			return nil, err
		}
		out = append(out, models.FeatureImportance{Feature: c.Feature, Item: c.Item, Importance: imp})
	}
	slices.SortStableFunc(out, func(a, b models.FeatureImportance) int {
		switch {
		case a.Importance > b.Importance:
			return -1
		case a.Importance < b.Importance:
			return 1
		}
		return 0
	})
	return out, nil
}

// FeatureStats summarises avg_daily_sales over the training rows.
func FeatureStats(ds *models.TrainingDataset) models.FeatureStats {
	var avg, targets []float64
	for _, r := range ds.Rows {
		avg = append(avg, r.Features["avg_daily_sales"])
		targets = append(targets, r.Target)
	}
	if len(avg) == 0 {
		return models.FeatureStats{}
	}
	sorted := sortedCopy(avg)
	return models.FeatureStats{
		AvgDailySalesP10: stat.Quantile(0.1, stat.Empirical, sorted, nil),
		AvgDailySalesP50: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		AvgDailySalesP90: stat.Quantile(0.9, stat.Empirical, sorted, nil),
		TargetMean:       stat.Mean(targets, nil),
	}
}
