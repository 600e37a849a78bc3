package services

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"stockcast/internal/analysis"
	"stockcast/internal/config"
	apperrors "stockcast/internal/errors"
	"stockcast/internal/features"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/store"
)

const (
	recommendationsFile = "recommendations.csv"
	projectionsFile     = "predictions.csv"
	summaryFile         = "analysis_summary.json"
)

// Predictor scores one request; PredictionService implements it.
type Predictor interface {
	Predict(ctx context.Context, req models.PredictionRequest) (*models.PredictionResult, error)
}

// AnalysisService mines product association rules from same-day sales and
// projects each active item's demand over the next ProjectionDays using the
// monthly model.
type AnalysisService struct {
	cfg       *config.Config
	store     store.Store
	predictor Predictor
	logger    *slog.Logger
	now       func() time.Time
}

func NewAnalysisService(cfg *config.Config, st store.Store, predictor Predictor, logger *slog.Logger) *AnalysisService {
	return &AnalysisService{cfg: cfg, store: st, predictor: predictor, logger: logger, now: time.Now}
}

// Projection is one item's expected demand for [PeriodStart, PeriodEnd).
type Projection struct {
	ItemID          string  `json:"item_id"`
	ItemName        string  `json:"item_name"`
	PredictedDemand int     `json:"predicted_demand"`
	Confidence      float64 `json:"prediction_confidence"`
	PeriodStart     string  `json:"prediction_period_start"`
	PeriodEnd       string  `json:"prediction_period_end"`
	IsFallback      bool    `json:"is_fallback"`
	FallbackReason  string  `json:"fallback_reason,omitempty"`
}

type AnalysisReport struct {
	AnalysisDate         time.Time       `json:"analysis_date"`
	TotalTransactions    int             `json:"total_transactions"`
	TotalRecommendations int             `json:"total_recommendations"`
	TotalPredictions     int             `json:"total_predictions"`
	Mining               analysis.Result `json:"mining"`
	Status               string          `json:"status"`
	OutputDir            string          `json:"output_dir"`
	Rules                []analysis.Rule `json:"-"`
	Projections          []Projection    `json:"-"`
}

// Run loads the transactions, mines rules, projects demand and writes
// recommendations.csv, predictions.csv and analysis_summary.json to outDir.
func (s *AnalysisService) Run(ctx context.Context, outDir string) (*AnalysisReport, error) {
	ctx, span := observability.StartSpan(ctx, "analysis")
	defer span.Finish()

	txs, err := s.store.Load(ctx)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, apperrors.Data("analysis", "no transactions to analyse")
	}

	a := s.cfg.Analysis
	mined := analysis.Mine(analysis.Baskets(txs), analysis.Options{
		MinSupport:      a.MinSupport,
		RetrySupport:    a.RetrySupport,
		MinConfidence:   a.MinConfidence,
		RetryConfidence: a.RetryConfidence,
		MinBaskets:      a.MinBaskets,
		MaxItemsetSize:  a.MaxItemsetSize,
	})
	s.logger.Info("association rules mined",
		"baskets", mined.Baskets,
		"frequent_itemsets", mined.Itemsets,
		"rules", len(mined.Rules),
		"min_support", mined.Support,
		"min_confidence", mined.Confidence,
		"reason", mined.Reason,
	)

	projections, err := s.project(ctx, txs)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	report := &AnalysisReport{
		AnalysisDate:         s.now().UTC(),
		TotalTransactions:    len(txs),
		TotalRecommendations: len(mined.Rules),
		TotalPredictions:     len(projections),
		Mining:               mined,
		Status:               "completed",
		OutputDir:            outDir,
		Rules:                mined.Rules,
		Projections:          projections,
	}
	if err := writeAnalysis(outDir, report); err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("write analysis: %w", err)
	}

	s.logger.Info("analysis finished",
		"transactions", report.TotalTransactions,
		"recommendations", report.TotalRecommendations,
		"predictions", report.TotalPredictions,
		"output_dir", outDir,
		"duration", span.Finish(),
	)
	return report, nil
}

// project scores items with at least MinSalesDays sales days. The period
// starts the day after the last transaction.
func (s *AnalysisService) project(ctx context.Context, txs []models.Transaction) ([]Projection, error) {
	a := s.cfg.Analysis
	daily := features.Aggregate(txs, models.SalesOut, features.Day)

	var last time.Time
	for _, tx := range txs {
		if tx.Date.After(last) {
			last = tx.Date
		}
	}
	start := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	end := start.AddDate(0, 0, a.ProjectionDays)

	names := make(map[string]string)
	for _, tx := range txs {
		if tx.ItemName != "" {
			names[tx.ItemID] = tx.ItemName
		}
	}

	var items []string
	for item, points := range daily {
		if len(points) >= a.MinSalesDays {
			items = append(items, item)
		}
	}
	slices.Sort(items)

	out := make([]Projection, len(items))
	var mu sync.Mutex
	fallbacks := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Training.Workers)
	for i, item := range items {
		g.Go(func() error {
			p := summarize(daily[item], start, s.cfg.Features.RecencyDays)
			proj, err := s.projectItem(gctx, item, p)
			if err != nil {
				return fmt.Errorf("project %s: %w", item, err)
			}
			proj.ItemName = cmp.Or(names[item], item)
			proj.PeriodStart = start.Format(time.DateOnly)
			proj.PeriodEnd = end.Format(time.DateOnly)
			out[i] = proj
			if proj.IsFallback {
				mu.Lock()
				fallbacks++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("demand projected", "items", len(out), "fallbacks", fallbacks, "period_start", start.Format(time.DateOnly))
	return out, nil
}

// projectItem scales the monthly forecast to the projection horizon. Without
// a trained monthly model the monthly fallback estimate is used.
func (s *AnalysisService) projectItem(ctx context.Context, item string, p models.Params) (Projection, error) {
	proj := Projection{ItemID: item}
	scale := float64(s.cfg.Analysis.ProjectionDays) / 30

	res, err := s.predictor.Predict(ctx, models.PredictionRequest{ProductID: item, PredictionType: models.Monthly, Params: p})
	switch {
	case apperrors.HasCode(err, apperrors.CodeModelNotFound):
		proj.PredictedDemand = int(math.Round(float64(MonthlyFallback(p)) * scale))
		proj.IsFallback = true
		proj.FallbackReason = "no monthly model trained"
		return proj, nil
	case err != nil:
		return proj, err
	}

	proj.PredictedDemand = int(math.Round(float64(res.Prediction) * scale))
	proj.IsFallback = res.IsFallback
	proj.FallbackReason = res.FallbackReason
	if res.Confidence != nil {
		proj.Confidence = res.Confidence.Score
	}
	return proj, nil
}

// summarize derives prediction parameters from an item's daily sales before
// asOf. PrevMonthTotal is the total of the trailing thirty days.
func summarize(points []features.Point, asOf time.Time, recencyDays int) models.Params {
	var values []float64
	count, recentTotal, recentDays, monthTotal := 0.0, 0.0, 0.0, 0.0
	recentFrom := asOf.AddDate(0, 0, -recencyDays)
	monthFrom := asOf.AddDate(0, 0, -30)
	for _, pt := range points {
		if !pt.Period.Before(asOf) {
			continue
		}
		values = append(values, pt.Quantity)
		count += float64(pt.Count)
		if !pt.Period.Before(recentFrom) {
			recentTotal += pt.Quantity
			recentDays++
		}
		if !pt.Period.Before(monthFrom) {
			monthTotal += pt.Quantity
		}
	}

	avg, volatility, recentAvg := 0.0, 0.0, 0.0
	if len(values) > 0 {
		avg = stat.Mean(values, nil)
	}
	if len(values) > 1 {
		volatility = stat.StdDev(values, nil)
	}
	if recentDays > 0 {
		recentAvg = recentTotal / recentDays
	}
	return models.Params{
		AvgDailySales:      models.Float(avg),
		SalesVolatility:    models.Float(volatility),
		TransactionCount:   models.Float(count),
		RecentTotal:        models.Float(recentTotal),
		RecentAvg:          models.Float(recentAvg),
		RecentTransactions: models.Float(recentDays),
		PrevMonthTotal:     models.Float(monthTotal),
	}
}

func writeAnalysis(dir string, r *AnalysisReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rules := [][]string{{"antecedents", "consequents", "support", "confidence", "lift"}}
	for _, rule := range r.Rules {
		rules = append(rules, []string{
			strings.Join(rule.Antecedents, ","),
			strings.Join(rule.Consequents, ","),
			formatFloat(rule.Support),
			formatFloat(rule.Confidence),
			formatFloat(rule.Lift),
		})
	}
	if err := writeCSV(filepath.Join(dir, recommendationsFile), rules); err != nil {
		return err
	}

	projections := [][]string{{"item_id", "item_name", "predicted_demand", "prediction_confidence",
		"prediction_period_start", "prediction_period_end", "is_fallback"}}
	for _, p := range r.Projections {
		projections = append(projections, []string{
			p.ItemID,
			p.ItemName,
			strconv.Itoa(p.PredictedDemand),
			strconv.FormatFloat(p.Confidence, 'f', 2, 64),
			p.PeriodStart,
			p.PeriodEnd,
			strconv.FormatBool(p.IsFallback),
		})
	}
	if err := writeCSV(filepath.Join(dir, projectionsFile), projections); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, summaryFile), append(summary, '\n'), 0o644)
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
