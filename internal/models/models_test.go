package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePredictionType(t *testing.T) {
	tests := []struct {
		in      string
		want    PredictionType
		wantErr bool
	}{
		{"sales", Sales, false},
		{" Restock ", Restock, false},
		{"MONTHLY", Monthly, false},
		{"weekly", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParsePredictionType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, Params{}.Validate())
	assert.NoError(t, Params{AvgDailySales: Float(3), RecentTotal: Float(0)}.Validate())

	assert.Error(t, Params{AvgDailySales: Float(-1)}.Validate())
	assert.Error(t, Params{SalesVolatility: Float(math.NaN())}.Validate())
	assert.Error(t, Params{RecentAvg: Float(math.Inf(1))}.Validate())
	assert.Error(t, Params{PrevMonthTotal: Float(-5)}.Validate())
	assert.Error(t, Params{Features: map[string]float64{"lag_1": math.NaN()}}.Validate())
}

func TestFeatureRow_Vector(t *testing.T) {
	row := FeatureRow{Features: map[string]float64{"a": 1, "c": 3}}
	assert.Equal(t, []float64{3, 0, 1}, row.Vector([]string{"c", "b", "a"}))
}

func TestTrainingDataset_Items(t *testing.T) {
	ds := TrainingDataset{Rows: []FeatureRow{{ItemID: "B"}, {ItemID: "A"}, {ItemID: "B"}}}
	assert.Equal(t, []string{"A", "B"}, ds.Items())
}

func TestModelMetadata_IsValidProduct(t *testing.T) {
	m := ModelMetadata{ValidProducts: []string{"P1", "P2", "P3"}}
	assert.True(t, m.IsValidProduct("P2"))
	assert.False(t, m.IsValidProduct("P9"))
}
