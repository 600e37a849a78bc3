package features

import (
	"math"
	"slices"
	"time"

	"stockcast/internal/models"
)

type Granularity int

const (
	Day Granularity = iota
	Month
)

func (g Granularity) truncate(t time.Time) time.Time {
	if g == Month {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Point is the summed quantity of one item in one period.
type Point struct {
	Period   time.Time
	Quantity float64
	Count    int
}

// Aggregate sums quantities per (item, period) for one direction. Each
// item's points are sorted by period. Non-positive or non-finite
// quantities are skipped.
func Aggregate(txs []models.Transaction, dir models.Direction, g Granularity) map[string][]Point {
	type key struct {
		item   string
		period time.Time
	}
	sums := make(map[key]*Point)
	for _, tx := range txs {
		if tx.Direction != dir || !(tx.Quantity > 0) || math.IsInf(tx.Quantity, 0) {
			continue
		}
		k := key{item: tx.ItemID, period: g.truncate(tx.Date)}
		p := sums[k]
		if p == nil {
			p = &Point{Period: k.period}
			sums[k] = p
		}
		p.Quantity += tx.Quantity
		p.Count++
	}

	out := make(map[string][]Point)
	for k, p := range sums {
		out[k.item] = append(out[k.item], *p)
	}
	for item := range out {
		slices.SortFunc(out[item], func(a, b Point) int { return a.Period.Compare(b.Period) })
	}
	return out
}

// countBefore returns how many points have a period strictly before t.
func countBefore(points []Point, t time.Time) int {
	i, _ := slices.BinarySearchFunc(points, t, func(p Point, t time.Time) int { return p.Period.Compare(t) })
	return i
}

// countThrough returns how many points have a period at or before t.
func countThrough(points []Point, t time.Time) int {
	i, found := slices.BinarySearchFunc(points, t, func(p Point, t time.Time) int { return p.Period.Compare(t) })
	if found {
		i++
	}
	return i
}

func quantities(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Quantity
	}
	return out
}
