package services

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"stockcast/internal/models"
)

// ComputeConfidence turns per-tree predictions into confidence figures:
// stability from their coefficient of variation, consensus as the share of
// trees within one std of the median, and feature match from where
// avgDailySales sits in the training distribution. Score is the mean of
// stability and feature match.
func ComputeConfidence(treePreds []float64, avgDailySales float64, stats *models.FeatureStats) models.Confidence {
	mean, std := stat.PopMeanStdDev(treePreds, nil)

	cv := 100.0
	if mean > 0 {
		cv = std / mean * 100
	}
	stability := math.Max(0, 100-cv)

	sorted := slices.Clone(treePreds)
	slices.Sort(sorted)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	within := 0
	for _, v := range treePreds {
		if math.Abs(v-median) <= std {
			within++
		}
	}
	consensus := 100 * float64(within) / float64(n)

	match := FeatureMatch(avgDailySales, stats)
	return models.Confidence{
		Score:         round2((stability + match) / 2),
		Stability:     round2(stability),
		FeatureMatch:  match,
		TreeConsensus: round2(consensus),
		TreeCount:     n,
		PredMean:      mean,
		PredStd:       std,
	}
}

// FeatureMatch is a step function of avgDailySales against the training
// p10/p90 of avg_daily_sales: 90 inside [p10, p90], 75 inside
// [p10/2, 2·p90], 60 inside [0, 4·p90], 40 beyond. Without training stats
// it is 50.
func FeatureMatch(avgDailySales float64, stats *models.FeatureStats) float64 {
	if stats == nil || stats.AvgDailySalesP90 <= 0 {
		return 50
	}
	p10, p90 := stats.AvgDailySalesP10, stats.AvgDailySalesP90
	switch a := avgDailySales; {
	case a >= p10 && a <= p90:
		return 90
	case a >= 0.5*p10 && a <= 2*p90:
		return 75
	case a >= 0 && a <= 4*p90:
		return 60
	}
	return 40
}
