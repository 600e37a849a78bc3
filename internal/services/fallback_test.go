package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"stockcast/internal/features"
	"stockcast/internal/models"
)

func removeFile(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}

func TestSalesFallback(t *testing.T) {
	tests := []struct {
		name string
		p    models.Params
		want int
	}{
		{"no data", models.Params{}, 10},
		{"avg only", models.Params{AvgDailySales: models.Float(10), RecentAvg: models.Float(0)}, 77},
		{"recent wins", models.Params{AvgDailySales: models.Float(2), RecentAvg: models.Float(3)}, 23},
		{"tiny demand floors at one", models.Params{AvgDailySales: models.Float(0.01)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SalesFallback(tt.p))
		})
	}
}

func TestSalesFallback_Monotone(t *testing.T) {
	// no demand signal falls back to the default, which is larger than the
	// estimate for small positive averages
	assert.Equal(t, 10, SalesFallback(models.Params{AvgDailySales: models.Float(0)}))
	assert.Equal(t, 4, SalesFallback(models.Params{AvgDailySales: models.Float(0.5)}))

	prev := 0
	for a := 0.05; a < 60; a += 0.37 {
		got := SalesFallback(models.Params{AvgDailySales: models.Float(a)})
		assert.GreaterOrEqual(t, got, prev, "avg_daily_sales=%v", a)
		prev = got
	}
}

func TestRestockFallback(t *testing.T) {
	opts := features.Options{LeadTimeDays: 7, SafetyMultiplier: 1.5, OrderBuffer: 1.5}

	tests := []struct {
		name string
		p    models.Params
		want int
	}{
		{"no data", models.Params{}, 50},
		{"recent total", models.Params{AvgDailySales: models.Float(0), RecentTotal: models.Float(100)}, 130},
		{"small recent total floors at one", models.Params{RecentTotal: models.Float(0.3)}, 1},
		// (4*7 + 2*1.5) * 1.5 = 46.5
		{"restock point", models.Params{AvgDailySales: models.Float(4), SalesVolatility: models.Float(2)}, 47},
		// (4*10) * 1.5 = 60
		{"explicit lead time", models.Params{AvgDailySales: models.Float(4), LeadTimeDays: models.Float(10)}, 60},
		{"floors at one", models.Params{AvgDailySales: models.Float(0.001)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RestockFallback(tt.p, opts))
		})
	}
}

func TestMonthlyFallback(t *testing.T) {
	tests := []struct {
		name string
		p    models.Params
		want int
	}{
		{"no data", models.Params{}, 30},
		{"previous month wins", models.Params{PrevMonthTotal: models.Float(84.4), AvgDailySales: models.Float(10)}, 84},
		{"thirty days of average", models.Params{AvgDailySales: models.Float(2.5)}, 75},
		{"recent average wins", models.Params{AvgDailySales: models.Float(1), RecentAvg: models.Float(2)}, 60},
		{"floors at one", models.Params{PrevMonthTotal: models.Float(0.2)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthlyFallback(tt.p))
		})
	}
}

func TestComputeConfidence(t *testing.T) {
	c := ComputeConfidence([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 0, nil)
	assert.Equal(t, 5.0, c.PredMean)
	assert.Equal(t, 2.0, c.PredStd)
	assert.Equal(t, 60.0, c.Stability)
	assert.Equal(t, 62.5, c.TreeConsensus)
	assert.Equal(t, 50.0, c.FeatureMatch)
	assert.Equal(t, 55.0, c.Score)
	assert.Equal(t, 8, c.TreeCount)

	zero := ComputeConfidence([]float64{0, 0, 0}, 0, nil)
	assert.Equal(t, 0.0, zero.Stability)
	assert.Equal(t, 100.0, zero.TreeConsensus)

	noisy := ComputeConfidence([]float64{1, 100}, 0, nil)
	assert.InDelta(t, 1.98, noisy.Stability, 1e-9)
}

func TestFeatureMatch(t *testing.T) {
	stats := &models.FeatureStats{AvgDailySalesP10: 2, AvgDailySalesP90: 10}

	tests := []struct {
		avg  float64
		want float64
	}{
		{5, 90},
		{2, 90},
		{10, 90},
		{1.5, 75},
		{15, 75},
		{0.5, 60},
		{30, 60},
		{50, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FeatureMatch(tt.avg, stats), "avg=%v", tt.avg)
	}
	assert.Equal(t, 50.0, FeatureMatch(5, nil))
	assert.Equal(t, 50.0, FeatureMatch(5, &models.FeatureStats{}))
}

func TestCalibrate(t *testing.T) {
	assert.Equal(t, 0, calibrate(-3.2, 1))
	assert.Equal(t, 12, calibrate(11.6, 1))
	assert.Equal(t, 13, calibrate(11.6, 1.12))
	assert.Equal(t, 12, calibrate(11.6, 0))
}
