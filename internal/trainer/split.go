package trainer

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Fold holds row indices. Every validation period is strictly after every
// training period.
type Fold struct {
	Train    []int
	Validate []int
}

// TimeOrder returns row indices sorted by period, stable for equal periods.
func TimeOrder(periods []time.Time) []int {
	order := make([]int, len(periods))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return periods[a].Compare(periods[b]) })
	return order
}

// TimeSeriesSplit produces forward-chaining folds over rows in time order:
// with n rows and k splits each validation block has n/(k+1) rows, the
// blocks end at the last row and every fold trains on all rows before its
// block. Block boundaries are moved back to the start of a period so one
// period never straddles training and validation. Folds left without
// training rows are dropped.
func TimeSeriesSplit(periods []time.Time, k int) ([]Fold, error) {
	n := len(periods)
	if k < 1 {
		return nil, fmt.Errorf("n_splits must be at least 1, got %d", k)
	}
	if n < k+1 {
		return nil, fmt.Errorf("cannot split %d rows into %d folds", n, k)
	}

	order := TimeOrder(periods)
	align := func(pos int) int {
		for pos > 0 && pos < n && periods[order[pos-1]].Equal(periods[order[pos]]) {
			pos--
		}
		return pos
	}

	size := n / (k + 1)
	var folds []Fold
	for i := 0; i < k; i++ {
		start := align(n - (k-i)*size)
		end := n
		if i < k-1 {
			end = align(n - (k-i-1)*size)
		}
		if start == 0 || end <= start {
			continue
		}
		folds = append(folds, Fold{
			Train:    slices.Clone(order[:start]),
			Validate: slices.Clone(order[start:end]),
		})
	}
	return folds, nil
}

func subset[T any](xs []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = xs[j]
	}
	return out
}

func sortedCopy(xs []float64) []float64 {
	out := slices.Clone(xs)
	slices.SortFunc(out, cmp.Compare[float64])
	return out
}
