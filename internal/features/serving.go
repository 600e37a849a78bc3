package features

import (
	"fmt"
	"strconv"
	"strings"

	"stockcast/internal/models"
)

// ServingRow builds the single feature row for a prediction request, in the
// order of names (the persisted schema). Explicit overrides in p.Features win;
// any other name is filled from the closest proxy the summary statistics
// allow. A schema name with no known proxy is an error.
func ServingRow(names []string, p models.Params, opts Options) ([]float64, error) {
	avg := models.Value(p.AvgDailySales)
	velocity := valueOr(p.SalesVelocity, avg)
	volatility := models.Value(p.SalesVolatility)
	recentAvg := valueOr(p.RecentAvg, avg)
	recentTotal := valueOr(p.RecentTotal, avg*float64(opts.RecencyDays))
	txCount := models.Value(p.TransactionCount)
	recentTx := valueOr(p.RecentTransactions, min(txCount, float64(opts.RecencyDays)))
	lead := valueOr(p.LeadTimeDays, opts.LeadTimeDays)
	inv := RestockLevels(velocity, volatility, lead, opts)

	out := make([]float64, len(names))
	for i, name := range names {
		if v, ok := p.Features[name]; ok {
			out[i] = v
			continue
		}

		switch name {
		case "avg_daily_sales":
			out[i] = avg
		case "sales_velocity":
			out[i] = velocity
		case "sales_volatility":
			out[i] = volatility
		case "sales_consistency":
			out[i] = valueOr(p.SalesConsistency, SalesConsistency(velocity, volatility))
		case "transaction_count":
			out[i] = txCount
		case "recent_total":
			out[i] = recentTotal
		case "recent_avg":
			out[i] = recentAvg
		case "recent_transactions":
			out[i] = recentTx
		case "prev_month_total":
			out[i] = monthTotal(p)
		case "days_since_restock":
			out[i] = valueOr(p.DaysSinceRestock, lead)
		case "lead_time_demand":
			out[i] = inv.LeadTimeDemand
		case "safety_stock":
			out[i] = inv.SafetyStock
		case "restock_point":
			out[i] = inv.RestockPoint
		case "recommended_order_qty":
			out[i] = inv.RecommendedOrderQty
		default:
			v, err := windowedProxy(name, p, avg, volatility, lead)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
	}
	return out, nil
}

// windowedProxy handles the names carrying a lag offset or window size.
func windowedProxy(name string, p models.Params, avg, volatility, lead float64) (float64, error) {
	prefix, n, ok := splitSuffix(name)
	if !ok {
		return 0, fmt.Errorf("no serving value for feature %q", name)
	}

	switch prefix {
	case "lag":
		if n == 1 && p.RecentAvg != nil {
			return *p.RecentAvg, nil
		}
		return avg, nil
	case "restock_lag":
		return avg * lead, nil
	case "avg_sales":
		return avg, nil
	case "prev_sales":
		return avg * float64(n), nil
	case "std_sales":
		return volatility, nil
	case "month_lag", "avg_month_total":
		return monthTotal(p), nil
	}
	return 0, fmt.Errorf("no serving value for feature %q", name)
}

// monthTotal is the supplied previous month total, else thirty days at the
// average daily rate.
func monthTotal(p models.Params) float64 {
	return valueOr(p.PrevMonthTotal, models.Value(p.AvgDailySales)*30)
}

func splitSuffix(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return name[:i], n, true
}

func valueOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
