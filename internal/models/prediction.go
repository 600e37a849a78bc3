package models

import (
	"fmt"
	"math"
)

// Params are the caller-supplied summary statistics for one prediction.
// Nil fields were not supplied; serving derives a proxy for them.
type Params struct {
	AvgDailySales      *float64           `json:"avg_daily_sales,omitempty"`
	SalesVelocity      *float64           `json:"sales_velocity,omitempty"`
	SalesConsistency   *float64           `json:"sales_consistency,omitempty"`
	SalesVolatility    *float64           `json:"sales_volatility,omitempty"`
	RecentAvg          *float64           `json:"recent_avg,omitempty"`
	RecentTotal        *float64           `json:"recent_total,omitempty"`
	RecentTransactions *float64           `json:"recent_transactions,omitempty"`
	TransactionCount   *float64           `json:"transaction_count,omitempty"`
	DaysSinceRestock   *float64           `json:"days_since_restock,omitempty"`
	LeadTimeDays       *float64           `json:"lead_time_days,omitempty"`
	PrevMonthTotal     *float64           `json:"prev_month_total,omitempty"`
	Features           map[string]float64 `json:"features,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Value returns *p, or 0 when p is nil.
func Value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func (p Params) Validate() error {
	fields := []struct {
		name string
		v    *float64
	}{
		{"avg_daily_sales", p.AvgDailySales},
		{"sales_velocity", p.SalesVelocity},
		{"sales_consistency", p.SalesConsistency},
		{"sales_volatility", p.SalesVolatility},
		{"recent_avg", p.RecentAvg},
		{"recent_total", p.RecentTotal},
		{"recent_transactions", p.RecentTransactions},
		{"transaction_count", p.TransactionCount},
		{"days_since_restock", p.DaysSinceRestock},
		{"lead_time_days", p.LeadTimeDays},
		{"prev_month_total", p.PrevMonthTotal},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		if math.IsNaN(*f.v) || math.IsInf(*f.v, 0) || *f.v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number, got %v", f.name, *f.v)
		}
	}
	for name, v := range p.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature override %s must be finite", name)
		}
	}
	return nil
}

type PredictionRequest struct {
	ProductID      string         `json:"product_id"`
	PredictionType PredictionType `json:"prediction_type"`
	Params         Params         `json:"params"`
}

type Confidence struct {
	Score         float64 `json:"score"`
	Stability     float64 `json:"stability"`
	FeatureMatch  float64 `json:"feature_match"`
	TreeConsensus float64 `json:"tree_consensus"`
	TreeCount     int     `json:"tree_count"`
	PredMean      float64 `json:"pred_mean"`
	PredStd       float64 `json:"pred_std"`
}

type PredictionResult struct {
	Prediction            int            `json:"prediction"`
	ExecutionTimeMs       float64        `json:"execution_time_ms"`
	ModelPredictionTimeMs float64        `json:"model_prediction_time_ms"`
	ProductID             string         `json:"product_id"`
	PredictionType        PredictionType `json:"prediction_type"`
	InputParameters       Params         `json:"input_parameters"`
	Timestamp             string         `json:"timestamp"`
	IsFallback            bool           `json:"is_fallback"`
	FallbackReason        string         `json:"fallback_reason,omitempty"`
	Interpretation        string         `json:"interpretation"`
	Confidence            *Confidence    `json:"confidence,omitempty"`
	ModelVersion          string         `json:"model_version,omitempty"`
}

type BatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchEntry holds exactly one of Result or Error.
type BatchEntry struct {
	BatchIndex int               `json:"batch_index"`
	ProductID  string            `json:"product_id"`
	Result     *PredictionResult `json:"result,omitempty"`
	Error      *BatchError       `json:"error,omitempty"`
}

type BatchSummary struct {
	Total                  int     `json:"total"`
	Successful             int     `json:"successful"`
	Failed                 int     `json:"failed"`
	SuccessRate            float64 `json:"success_rate"`
	TotalTimeMs            float64 `json:"total_time_ms"`
	AvgTimePerPredictionMs float64 `json:"avg_time_per_prediction_ms"`
}

type BatchResult struct {
	Results []BatchEntry `json:"results"`
	Summary BatchSummary `json:"batch_summary"`
}
