package services

import (
	"math"

	"stockcast/internal/features"
	"stockcast/internal/models"
)

const (
	salesFallbackDays      = 7
	salesFallbackUplift    = 1.1
	salesFallbackDefault   = 10
	restockRecentUplift    = 1.3
	restockFallbackDefault = 50
	monthlyFallbackDays    = 30
	monthlyFallbackDefault = 30
)

// SalesFallback estimates a week of sales from the larger of the average
// and recent daily sales, with a 10% uplift.
func SalesFallback(p models.Params) int {
	daily := math.Max(models.Value(p.AvgDailySales), models.Value(p.RecentAvg))
	if daily <= 0 {
		return salesFallbackDefault
	}
	return max(1, int(math.Round(daily*salesFallbackDays*salesFallbackUplift)))
}

// RestockFallback orders the restock point plus buffer when daily sales are
// known, otherwise 130% of recent sales. Both estimates floor at one unit.
func RestockFallback(p models.Params, opts features.Options) int {
	avg := models.Value(p.AvgDailySales)
	if avg > 0 {
		lead := opts.LeadTimeDays
		if p.LeadTimeDays != nil {
			lead = *p.LeadTimeDays
		}
		levels := features.RestockLevels(avg, models.Value(p.SalesVolatility), lead, opts)
		return max(1, int(math.Round(levels.RecommendedOrderQty)))
	}
	if total := models.Value(p.RecentTotal); total > 0 {
		return max(1, int(math.Round(total*restockRecentUplift)))
	}
	return restockFallbackDefault
}

// MonthlyFallback repeats the previous month's total when supplied, else
// projects thirty days of the larger of the average and recent daily sales.
func MonthlyFallback(p models.Params) int {
	if prev := models.Value(p.PrevMonthTotal); prev > 0 {
		return max(1, int(math.Round(prev)))
	}
	daily := math.Max(models.Value(p.AvgDailySales), models.Value(p.RecentAvg))
	if daily <= 0 {
		return monthlyFallbackDefault
	}
	return max(1, int(math.Round(daily*monthlyFallbackDays)))
}
