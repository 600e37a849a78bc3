// Package forest implements a random forest of CART regression trees.
package forest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type Params struct {
	NEstimators     int     `json:"n_estimators"`
	MaxDepth        int     `json:"max_depth"`
	MinSamplesSplit int     `json:"min_samples_split"`
	MinSamplesLeaf  int     `json:"min_samples_leaf"`
	MaxFeatures     float64 `json:"max_features"`
	Seed            uint64  `json:"seed"`
	Workers         int     `json:"-"`
}

func (p Params) withDefaults() Params {
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	if p.MaxFeatures <= 0 || p.MaxFeatures > 1 {
		p.MaxFeatures = 1
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	return p
}

func (p Params) featuresPerSplit(n int) int {
	return max(1, int(math.Round(p.MaxFeatures*float64(n))))
}

// Forest is a fitted ensemble. Exported fields are what gets persisted.
type Forest struct {
	Trees       []*Tree
	NFeatures   int
	Params      Params
	Importances []float64

	// OnTree is called after each tree is grown. It runs on worker
	// goroutines and must be safe for concurrent use.
	OnTree func()
}

func New(p Params) *Forest {
	return &Forest{Params: p.withDefaults()}
}

// Fit grows NEstimators trees on bootstrap samples of (X, y). Tree i draws
// from its own PCG stream seeded by (Seed, i), so the result does not depend
// on the number of workers.
func (f *Forest) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("forest: empty training set")
	}
	if len(X) != len(y) {
		return fmt.Errorf("forest: %d rows but %d targets", len(X), len(y))
	}
	nf := len(X[0])
	if nf == 0 {
		return fmt.Errorf("forest: rows have no features")
	}
	for i, row := range X {
		if len(row) != nf {
			return fmt.Errorf("forest: row %d has %d features, want %d", i, len(row), nf)
		}
	}

	p := f.Params.withDefaults()
	trees := make([]*Tree, p.NEstimators)
	imps := make([][]float64, p.NEstimators)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(p.Seed, uint64(i)))
			idx := make([]int, len(X))
			for j := range idx {
				idx[j] = rng.IntN(len(X))
			}
			trees[i], imps[i] = growTree(X, y, idx, p, rng)
			if f.OnTree != nil {
				f.OnTree()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.Trees = trees
	f.NFeatures = nf
	f.Params = p
	f.Importances = averageImportances(imps, nf)
	return nil
}

// averageImportances normalizes each tree's decreases to sum 1, averages
// them and normalizes the average.
func averageImportances(perTree [][]float64, nf int) []float64 {
	out := make([]float64, nf)
	for _, imp := range perTree {
		total := 0.0
		for _, v := range imp {
			total += v
		}
		if total <= 0 {
			continue
		}
		for j, v := range imp {
			out[j] += v / total
		}
	}
	total := 0.0
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}

func (f *Forest) Fitted() bool { return len(f.Trees) > 0 }

// Predict returns the mean of the per-tree predictions.
func (f *Forest) Predict(x []float64) float64 {
	sum := 0.0
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// PredictEach returns one prediction per tree, in tree order.
func (f *Forest) PredictEach(x []float64) []float64 {
	out := make([]float64, len(f.Trees))
	for i, t := range f.Trees {
		out[i] = t.Predict(x)
	}
	return out
}

// PredictRows scores many rows in parallel.
func (f *Forest) PredictRows(ctx context.Context, X [][]float64) ([]float64, error) {
	if !f.Fitted() {
		return nil, fmt.Errorf("forest: not fitted")
	}
	for i, row := range X {
		if len(row) != f.NFeatures {
			return nil, fmt.Errorf("forest: row %d has %d features, want %d", i, len(row), f.NFeatures)
		}
	}

	out := make([]float64, len(X))
	const chunk = 256

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, f.Params.Workers))
	for start := 0; start < len(X); start += chunk {
		end := min(start+chunk, len(X))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				out[i] = f.Predict(X[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
