package models

import (
	"slices"
	"time"

	"stockcast/internal/config"
)

// Metrics are written into model metadata. Headline values come from pooled
// out-of-fold predictions when cross-validation ran.
type Metrics struct {
	MAE           float64 `json:"mae"`
	MSE           float64 `json:"mse"`
	RMSE          float64 `json:"rmse"`
	R2            float64 `json:"r2"`
	MAPE          float64 `json:"mape"`
	MetricsSource string  `json:"metrics_source"`
	CVSkipped     bool    `json:"cv_skipped"`
	CVSkipReason  string  `json:"cv_skip_reason,omitempty"`
	CVFolds       int     `json:"cv_folds"`
	CVMAEMean     float64 `json:"cv_mae_mean"`
	CVMAEStd      float64 `json:"cv_mae_std"`
	CVR2Mean      float64 `json:"cv_r2_mean"`
	CVR2Std       float64 `json:"cv_r2_std"`
	CVCalibration float64 `json:"cv_calibration_ratio"`
}

// FeatureImportance names one encoded column. Item is set for the columns of
// the one-hot item block.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Item       string  `json:"item,omitempty"`
	Importance float64 `json:"importance"`
}

// FeatureStats summarises the training distribution of avg_daily_sales.
type FeatureStats struct {
	AvgDailySalesP10 float64 `json:"avg_daily_sales_p10"`
	AvgDailySalesP50 float64 `json:"avg_daily_sales_p50"`
	AvgDailySalesP90 float64 `json:"avg_daily_sales_p90"`
	TargetMean       float64 `json:"target_mean"`
}

type ModelMetadata struct {
	ModelType          PredictionType      `json:"model_type"`
	Version            string              `json:"version"`
	RunID              string              `json:"run_id"`
	TrainingDate       time.Time           `json:"training_date"`
	PerformanceMetrics Metrics             `json:"performance_metrics"`
	Config             config.ModelConfig  `json:"config"`
	ValidProducts      []string            `json:"valid_products"`
	ProductMapping     map[string]string   `json:"product_mapping"`
	FeatureNames       []string            `json:"feature_names"`
	FeatureImportance  []FeatureImportance `json:"feature_importance"`
	FeatureStats       FeatureStats        `json:"feature_stats"`
	TrainingSamples    int                 `json:"training_samples"`
}

// IsValidProduct reports whether id was seen during training. ValidProducts is sorted.
func (m *ModelMetadata) IsValidProduct(id string) bool {
	_, found := slices.BinarySearch(m.ValidProducts, id)
	return found
}
