package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/internal/models"
)

func TestServingRow_SalesProxies(t *testing.T) {
	opts := testOptions()
	opts.LagOffsets = []int{1, 2}
	opts.RollingWindows = []int{7}
	names := FeatureNames(models.Sales, opts)

	p := models.Params{
		AvgDailySales:    models.Float(4),
		RecentAvg:        models.Float(5),
		TransactionCount: models.Float(12),
	}
	row, err := ServingRow(names, p, opts)
	require.NoError(t, err)

	got := make(map[string]float64)
	for i, n := range names {
		got[n] = row[i]
	}

	assert.Equal(t, 5.0, got["lag_1"], "lag_1 prefers recent_avg")
	assert.Equal(t, 4.0, got["lag_2"])
	assert.Equal(t, 4.0, got["avg_sales_7"])
	assert.Equal(t, 28.0, got["prev_sales_7"])
	assert.Equal(t, 120.0, got["prev_month_total"])
	assert.Equal(t, 4.0, got["sales_velocity"])
	assert.InDelta(t, 4.0/0.01, got["sales_consistency"], 1e-9)
	assert.Equal(t, 12.0, got["transaction_count"])
	assert.Equal(t, 12.0, got["recent_transactions"])
	assert.Equal(t, 5.0, got["recent_avg"])
	assert.Equal(t, 120.0, got["recent_total"])
}

func TestServingRow_RestockDerivedMatchesTraining(t *testing.T) {
	opts := testOptions()
	names := FeatureNames(models.Restock, opts)

	p := models.Params{
		AvgDailySales:   models.Float(3),
		SalesVolatility: models.Float(2),
		LeadTimeDays:    models.Float(10),
	}
	row, err := ServingRow(names, p, opts)
	require.NoError(t, err)

	got := make(map[string]float64)
	for i, n := range names {
		got[n] = row[i]
	}
	assert.Equal(t, 30.0, got["lead_time_demand"])
	assert.Equal(t, 3.0, got["safety_stock"])
	assert.Equal(t, 33.0, got["restock_point"])
	assert.Equal(t, 49.5, got["recommended_order_qty"])
	assert.Equal(t, 30.0, got["restock_lag_1"])
	assert.Equal(t, 10.0, got["days_since_restock"])
	assert.Equal(t, 2.0, got["std_sales_3"])
}

func TestServingRow_MonthlyProxies(t *testing.T) {
	opts := testOptions()
	names := FeatureNames(models.Monthly, opts)

	row, err := ServingRow(names, models.Params{AvgDailySales: models.Float(2), PrevMonthTotal: models.Float(75)}, opts)
	require.NoError(t, err)
	got := make(map[string]float64)
	for i, n := range names {
		got[n] = row[i]
	}
	assert.Equal(t, 75.0, got["month_lag_1"])
	assert.Equal(t, 75.0, got["avg_month_total_3"])
	assert.Equal(t, 2.0, got["avg_daily_sales"])

	row, err = ServingRow(names, models.Params{AvgDailySales: models.Float(2)}, opts)
	require.NoError(t, err)
	assert.Equal(t, 60.0, row[0], "thirty days at the average rate")
}

func TestServingRow_OverrideAndUnknown(t *testing.T) {
	names := []string{"lag_1", "avg_daily_sales"}
	row, err := ServingRow(names, models.Params{
		AvgDailySales: models.Float(2),
		Features:      map[string]float64{"lag_1": 9},
	}, testOptions())
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 2}, row)

	_, err = ServingRow([]string{"weather_index"}, models.Params{}, testOptions())
	assert.Error(t, err)

	_, err = ServingRow([]string{"lag_x"}, models.Params{}, testOptions())
	assert.Error(t, err)
}
