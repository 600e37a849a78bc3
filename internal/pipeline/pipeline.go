// Package pipeline couples preprocessing with the regressor. A Pipeline is
// fitted once on training rows and then reused unchanged for scoring.
package pipeline

import (
	"context"
	"fmt"
	"math"

	"stockcast/internal/forest"
)

// ItemColumn is the feature name reported for columns of the one-hot block.
const ItemColumn = "item_id"

// Pipeline encodes [one-hot item block | scaled numeric features in
// FeatureNames order] and feeds the result to a random forest.
type Pipeline struct {
	FeatureNames []string
	Encoder      Encoder
	Scaler       Scaler
	Forest       *forest.Forest
}

func New(featureNames []string, params forest.Params) *Pipeline {
	return &Pipeline{
		FeatureNames: featureNames,
		Forest:       forest.New(params),
	}
}

// Width is the number of encoded columns.
func (p *Pipeline) Width() int {
	return p.Encoder.Width() + len(p.FeatureNames)
}

func (p *Pipeline) Fit(ctx context.Context, items []string, X [][]float64, y []float64) error {
	if len(items) != len(X) || len(X) != len(y) {
		return fmt.Errorf("pipeline: %d items, %d rows, %d targets", len(items), len(X), len(y))
	}
	if len(X) == 0 {
		return fmt.Errorf("pipeline: no rows")
	}
	for i, row := range X {
		if len(row) != len(p.FeatureNames) {
			return fmt.Errorf("pipeline: row %d has %d values, want %d", i, len(row), len(p.FeatureNames))
		}
	}

	p.Encoder.Fit(items)
	if err := p.Scaler.Fit(X); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	encoded := make([][]float64, len(X))
	for i := range X {
		encoded[i] = p.encode(items[i], X[i])
	}
	return p.Forest.Fit(ctx, encoded, y)
}

func (p *Pipeline) encode(item string, values []float64) []float64 {
	out := make([]float64, p.Width())
	k := p.Encoder.Width()
	p.Encoder.Encode(item, out[:k])
	p.Scaler.TransformInto(values, out[k:])
	return out
}

// Transform encodes one row. values must follow FeatureNames and be finite.
func (p *Pipeline) Transform(item string, values []float64) ([]float64, error) {
	if len(values) != len(p.FeatureNames) {
		return nil, fmt.Errorf("pipeline: got %d values, want %d", len(values), len(p.FeatureNames))
	}
	if p.Scaler.Width() != len(p.FeatureNames) || !p.Forest.Fitted() {
		return nil, fmt.Errorf("pipeline: not fitted")
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("pipeline: feature %s is not finite", p.FeatureNames[i])
		}
	}
	return p.encode(item, values), nil
}

func (p *Pipeline) Predict(item string, values []float64) (float64, error) {
	x, err := p.Transform(item, values)
	if err != nil {
		return 0, err
	}
	return p.Forest.Predict(x), nil
}

// PredictEach returns the per-tree predictions for one row.
func (p *Pipeline) PredictEach(item string, values []float64) ([]float64, error) {
	x, err := p.Transform(item, values)
	if err != nil {
		return nil, err
	}
	return p.Forest.PredictEach(x), nil
}

// PredictRows scores many rows; items[i] belongs to X[i].
func (p *Pipeline) PredictRows(ctx context.Context, items []string, X [][]float64) ([]float64, error) {
	if len(items) != len(X) {
		return nil, fmt.Errorf("pipeline: %d items for %d rows", len(items), len(X))
	}
	encoded := make([][]float64, len(X))
	for i := range X {
		x, err := p.Transform(items[i], X[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		encoded[i] = x
	}
	return p.Forest.PredictRows(ctx, encoded)
}

// Column describes one encoded column. Item is set for the one-hot block.
type Column struct {
	Feature string
	Item    string
}

func (p *Pipeline) Column(col int) (Column, error) {
	k := p.Encoder.Width()
	switch {
	case col < 0 || col >= p.Width():
		return Column{}, fmt.Errorf("pipeline column %d out of range [0,%d)", col, p.Width())
	case col < k:
		item, err := p.Encoder.Category(col)
		if err != nil {
			return Column{}, err
		}
		return Column{Feature: ItemColumn, Item: item}, nil
	default:
		return Column{Feature: p.FeatureNames[col-k]}, nil
	}
}
