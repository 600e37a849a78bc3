package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stockcast/internal/errors"
	"stockcast/internal/features"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/registry"
)

type predictorFunc func(context.Context, models.PredictionRequest) (*models.PredictionResult, error)

func (f predictorFunc) Predict(ctx context.Context, req models.PredictionRequest) (*models.PredictionResult, error) {
	return f(ctx, req)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestAnalysisService_WritesOutputs(t *testing.T) {
	cfg := testConfig(t)
	predictor := NewPredictionService(cfg, trainedRegistry(t, cfg), observability.Discard())
	svc := NewAnalysisService(cfg, memoryStore{txs: history()}, predictor, observability.Discard())
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC) }
	out := filepath.Join(t.TempDir(), "analysis")

	report, err := svc.Run(context.Background(), out)
	require.NoError(t, err)

	// P1 and P2 sell together every day, P9 joins them for three days
	assert.Equal(t, 7, report.TotalRecommendations)
	assert.Equal(t, 120, report.Mining.Baskets)
	require.Len(t, report.Projections, 2, "P9 has too few sales days")

	for _, p := range report.Projections {
		assert.False(t, p.IsFallback, p.ItemID)
		assert.Positive(t, p.PredictedDemand, p.ItemID)
		assert.Equal(t, "2024-04-30", p.PeriodStart)
		assert.Equal(t, "2024-05-30", p.PeriodEnd)
	}
	assert.Equal(t, "Beras 5kg", report.Projections[0].ItemName)

	rules := readCSV(t, filepath.Join(out, "recommendations.csv"))
	require.Len(t, rules, 8)
	assert.Equal(t, []string{"antecedents", "consequents", "support", "confidence", "lift"}, rules[0])

	projections := readCSV(t, filepath.Join(out, "predictions.csv"))
	require.Len(t, projections, 3)
	assert.Equal(t, "P1", projections[1][0])

	data, err := os.ReadFile(filepath.Join(out, "analysis_summary.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "completed", summary["status"])
	assert.Equal(t, 2.0, summary["total_predictions"])
	assert.Equal(t, "2024-05-02T08:00:00Z", summary["analysis_date"])
}

func TestAnalysisService_WithoutMonthlyModel(t *testing.T) {
	cfg := testConfig(t)
	empty := NewPredictionService(cfg, registry.New(t.TempDir(), observability.Discard()), observability.Discard())
	svc := NewAnalysisService(cfg, memoryStore{txs: history()}, empty, observability.Discard())

	report, err := svc.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, report.Projections, 2)

	p1 := report.Projections[0]
	assert.True(t, p1.IsFallback)
	assert.Equal(t, "no monthly model trained", p1.FallbackReason)
	// trailing thirty days of 4, 5, 6 repeating
	assert.Equal(t, 150, p1.PredictedDemand)

	cfg.Analysis.ProjectionDays = 15
	report, err = svc.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 75, report.Projections[0].PredictedDemand)
	assert.Equal(t, "2024-05-15", report.Projections[0].PeriodEnd)
}

func TestAnalysisService_Failures(t *testing.T) {
	cfg := testConfig(t)
	ok := predictorFunc(func(context.Context, models.PredictionRequest) (*models.PredictionResult, error) {
		return &models.PredictionResult{Prediction: 1}, nil
	})

	boom := errors.New("disk unreadable")
	_, err := NewAnalysisService(cfg, memoryStore{err: boom}, ok, observability.Discard()).Run(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, boom)

	_, err = NewAnalysisService(cfg, memoryStore{}, ok, observability.Discard()).Run(context.Background(), t.TempDir())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeData))

	failing := predictorFunc(func(context.Context, models.PredictionRequest) (*models.PredictionResult, error) {
		return nil, apperrors.SchemaMismatch("monthly schema is stale")
	})
	_, err = NewAnalysisService(cfg, memoryStore{txs: history()}, failing, observability.Discard()).Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monthly schema is stale")
}

func TestAnalysisService_RequestsMonthlyProjections(t *testing.T) {
	cfg := testConfig(t)
	var (
		mu   sync.Mutex
		seen []models.PredictionRequest
	)
	record := predictorFunc(func(_ context.Context, req models.PredictionRequest) (*models.PredictionResult, error) {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return &models.PredictionResult{Prediction: 40, Confidence: &models.Confidence{Score: 72.5}}, nil
	})

	report, err := NewAnalysisService(cfg, memoryStore{txs: history()}, record, observability.Discard()).Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for _, req := range seen {
		assert.Equal(t, models.Monthly, req.PredictionType)
		require.NotNil(t, req.Params.PrevMonthTotal)
	}
	assert.Equal(t, 40, report.Projections[1].PredictedDemand)
	assert.Equal(t, 72.5, report.Projections[1].Confidence)
}

func TestSummarize(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	points := []features.Point{
		{Period: day(1), Quantity: 2, Count: 1},
		{Period: day(20), Quantity: 4, Count: 2},
		{Period: day(28), Quantity: 6, Count: 1},
		{Period: day(30), Quantity: 100, Count: 1},
	}

	p := summarize(points, day(30), 7)
	assert.Equal(t, 4.0, *p.AvgDailySales)
	assert.Equal(t, 2.0, *p.SalesVolatility)
	assert.Equal(t, 4.0, *p.TransactionCount)
	assert.Equal(t, 6.0, *p.RecentTotal, "only March 28 is inside the last seven days")
	assert.Equal(t, 6.0, *p.RecentAvg)
	assert.Equal(t, 1.0, *p.RecentTransactions)
	assert.Equal(t, 12.0, *p.PrevMonthTotal)
}
