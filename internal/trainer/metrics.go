package trainer

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"stockcast/internal/models"
)

// mapeFloor is the |y| below which a MAPE term counts as a 100% error.
const mapeFloor = 1e-8

// ComputeMetrics returns MAE, MSE, RMSE, R² and MAPE (percent). For a
// constant target R² is 1 on a perfect fit and 0 otherwise.
func ComputeMetrics(yTrue, yPred []float64) models.Metrics {
	n := float64(len(yTrue))
	if n == 0 {
		return models.Metrics{}
	}

	var absSum, sqSum, pctSum float64
	for i, y := range yTrue {
		d := y - yPred[i]
		absSum += math.Abs(d)
		sqSum += d * d
		if math.Abs(y) < mapeFloor {
			pctSum += 1
		} else {
			pctSum += math.Abs(d / y)
		}
	}

	mse := sqSum / n
	return models.Metrics{
		MAE:  absSum / n,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2(yTrue, sqSum),
		MAPE: 100 * pctSum / n,
	}
}

func r2(yTrue []float64, ssRes float64) float64 {
	mean := stat.Mean(yTrue, nil)
	ssTot := 0.0
	for _, y := range yTrue {
		ssTot += (y - mean) * (y - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

// meanStd is the mean and sample std of xs; std is 0 below two values.
func meanStd(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// calibrationRatio is sum(y)/sum(pred), the factor that would have removed
// the aggregate bias. 0 when predictions sum to zero.
func calibrationRatio(yTrue, yPred []float64) float64 {
	var sy, sp float64
	for i := range yTrue {
		sy += yTrue[i]
		sp += yPred[i]
	}
	if sp == 0 {
		return 0
	}
	return sy / sp
}
