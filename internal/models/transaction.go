package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// PredictionType selects which target a pipeline forecasts.
type PredictionType string

const (
	Sales   PredictionType = "sales"
	Restock PredictionType = "restock"
	// Monthly forecasts an item's total sales for a calendar month.
	Monthly PredictionType = "monthly"
)

var PredictionTypes = []PredictionType{Sales, Restock, Monthly}

func ParsePredictionType(s string) (PredictionType, error) {
	switch PredictionType(strings.ToLower(strings.TrimSpace(s))) {
	case Sales:
		return Sales, nil
	case Restock:
		return Restock, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", fmt.Errorf("prediction type must be 'sales', 'restock' or 'monthly', got %q", s)
	}
}

// Direction is the stock movement of a transaction.
type Direction string

const (
	SalesOut  Direction = "sales-out"
	RestockIn Direction = "restock-in"
)

type Transaction struct {
	ItemID    string
	ItemName  string
	Date      time.Time
	Quantity  float64
	Direction Direction
	Category  string
}

// FeatureRow is one (item, period) training example.
type FeatureRow struct {
	ItemID   string
	Period   time.Time
	Target   float64
	Features map[string]float64
}

// Vector returns the row's feature values in names order. Missing names read as 0.
func (r FeatureRow) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = r.Features[name]
	}
	return out
}

// TrainingDataset rows are sorted by item then period.
type TrainingDataset struct {
	Type         PredictionType
	FeatureNames []string
	Rows         []FeatureRow
	ItemNames    map[string]string
}

// Items returns the sorted distinct item ids present in the rows.
func (d *TrainingDataset) Items() []string {
	seen := make(map[string]struct{})
	var items []string
	for _, r := range d.Rows {
		if _, ok := seen[r.ItemID]; !ok {
			seen[r.ItemID] = struct{}{}
			items = append(items, r.ItemID)
		}
	}
	slices.Sort(items)
	return items
}
