package pipeline

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes columns to zero mean and unit variance using the
// population standard deviation. Constant columns keep a scale of 1.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

func (s *Scaler) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("scaler: no rows")
	}
	width := len(X[0])
	s.Mean = make([]float64, width)
	s.Scale = make([]float64, width)

	col := make([]float64, len(X))
	for j := 0; j < width; j++ {
		for i, row := range X {
			if len(row) != width {
				return fmt.Errorf("scaler: row %d has %d columns, want %d", i, len(row), width)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		s.Scale[j] = std
		if std == 0 {
			s.Scale[j] = 1
		}
	}
	return nil
}

func (s *Scaler) Width() int { return len(s.Mean) }

// TransformInto writes the scaled row into dst.
func (s *Scaler) TransformInto(row, dst []float64) {
	for j, v := range row {
		dst[j] = (v - s.Mean[j]) / s.Scale[j]
	}
}
