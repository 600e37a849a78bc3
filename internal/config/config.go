package config

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Source     SourceConfig     `yaml:"source"`
	Logger     LoggerConfig     `yaml:"logger"`
	Training   TrainingConfig   `yaml:"training"`
	Features   FeatureConfig    `yaml:"features"`
	Sales      ModelConfig      `yaml:"sales"`
	Restock    ModelConfig      `yaml:"restock"`
	Monthly    ModelConfig      `yaml:"monthly"`
	Prediction PredictionConfig `yaml:"prediction"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
}

type PathsConfig struct {
	DataFolder string `yaml:"data_folder"`
	ModelDir   string `yaml:"model_dir"`
	LogDir     string `yaml:"log_dir"`
}

// SourceConfig selects the transaction store. An empty DSN means the data folder.
type SourceConfig struct {
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"-"`
}

// TrainingConfig.Types lists the prediction types a training run fits, in order.
type TrainingConfig struct {
	Workers  int      `yaml:"workers"`
	Progress bool     `yaml:"progress"`
	Types    []string `yaml:"types"`
}

// FeatureConfig holds the inventory constants shared by both prediction types.
type FeatureConfig struct {
	RecencyDays      int     `yaml:"recency_days"`
	LeadTimeDays     float64 `yaml:"lead_time_days"`
	SafetyMultiplier float64 `yaml:"safety_multiplier"`
	OrderBuffer      float64 `yaml:"order_buffer"`
}

type ModelConfig struct {
	MinSamples      int     `yaml:"min_samples" json:"min_samples"`
	LagOffsets      []int   `yaml:"lag_offsets" json:"lag_offsets"`
	RollingWindows  []int   `yaml:"rolling_windows" json:"rolling_windows"`
	NEstimators     int     `yaml:"n_estimators" json:"n_estimators"`
	MaxDepth        int     `yaml:"max_depth" json:"max_depth"`
	MinSamplesSplit int     `yaml:"min_samples_split" json:"min_samples_split"`
	MinSamplesLeaf  int     `yaml:"min_samples_leaf" json:"min_samples_leaf"`
	MaxFeatures     float64 `yaml:"max_features" json:"max_features"`
	CVSplits        int     `yaml:"cv_splits" json:"cv_splits"`
	Seed            uint64  `yaml:"seed" json:"seed"`
}

// AnalysisConfig drives association rule mining and the per-item demand
// projection. The retry thresholds apply when the first pass finds nothing.
type AnalysisConfig struct {
	OutputDir       string  `yaml:"output_dir"`
	MinSupport      float64 `yaml:"min_support"`
	RetrySupport    float64 `yaml:"retry_support"`
	MinConfidence   float64 `yaml:"min_confidence"`
	RetryConfidence float64 `yaml:"retry_confidence"`
	MinBaskets      int     `yaml:"min_baskets"`
	MaxItemsetSize  int     `yaml:"max_itemset_size"`
	MinSalesDays    int     `yaml:"min_sales_days"`
	ProjectionDays  int     `yaml:"projection_days"`
}

type PredictionConfig struct {
	CalibrationFactor float64       `yaml:"calibration_factor"`
	Timeout           time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type SecurityConfig struct {
	EnableRateLimit bool     `yaml:"enable_rate_limit"`
	RateLimitRPS    int      `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	TrustedProxies  []string `yaml:"trusted_proxies"`
}

// Default returns the built-in configuration before any file or environment overlay.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataFolder: "data",
			ModelDir:   "models",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
		Training: TrainingConfig{
			Workers: runtime.NumCPU(),
			Types:   []string{"sales", "restock", "monthly"},
		},
		Features: FeatureConfig{
			RecencyDays:      30,
			LeadTimeDays:     7,
			SafetyMultiplier: 1.5,
			OrderBuffer:      1.5,
		},
		Sales: ModelConfig{
			MinSamples:      5,
			LagOffsets:      []int{1, 2, 3},
			RollingWindows:  []int{7, 30},
			NEstimators:     300,
			MaxDepth:        10,
			MinSamplesSplit: 5,
			MinSamplesLeaf:  2,
			MaxFeatures:     1.0,
			CVSplits:        3,
			Seed:            42,
		},
		Restock: ModelConfig{
			MinSamples:      3,
			LagOffsets:      []int{1},
			RollingWindows:  []int{7, 30},
			NEstimators:     200,
			MaxDepth:        8,
			MinSamplesSplit: 3,
			MinSamplesLeaf:  1,
			MaxFeatures:     1.0,
			CVSplits:        3,
			Seed:            42,
		},
		Monthly: ModelConfig{
			MinSamples:      3,
			LagOffsets:      []int{1},
			RollingWindows:  []int{3},
			NEstimators:     200,
			MaxDepth:        8,
			MinSamplesSplit: 3,
			MinSamplesLeaf:  1,
			MaxFeatures:     1.0,
			CVSplits:        3,
			Seed:            42,
		},
		Prediction: PredictionConfig{
			CalibrationFactor: 1.0,
		},
		Analysis: AnalysisConfig{
			OutputDir:       "analysis",
			MinSupport:      0.01,
			RetrySupport:    0.005,
			MinConfidence:   0.5,
			RetryConfidence: 0.3,
			MinBaskets:      10,
			MaxItemsetSize:  3,
			MinSalesDays:    7,
			ProjectionDays:  30,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8085,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Security: SecurityConfig{
			EnableRateLimit: true,
			RateLimitRPS:    50,
			RateLimitBurst:  20,
			AllowedOrigins:  []string{"http://localhost:8000"},
			TrustedProxies:  []string{"127.0.0.1"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. An empty path falls back to STOCKCAST_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("STOCKCAST_CONFIG")
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.overlayEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Paths.DataFolder = getEnvString("DATA_FOLDER", c.Paths.DataFolder)
	c.Paths.ModelDir = getEnvString("MODEL_DIR", c.Paths.ModelDir)
	c.Paths.LogDir = getEnvString("LOG_DIR", c.Paths.LogDir)

	c.Source.DSN = getEnvString("DATABASE_URL", c.Source.DSN)
	c.Source.Query = getEnvString("SOURCE_QUERY", c.Source.Query)

	c.Logger.Level = getEnvString("LOG_LEVEL", c.Logger.Level)
	c.Logger.Format = getEnvString("LOG_FORMAT", c.Logger.Format)
	c.Logger.Dir = c.Paths.LogDir

	c.Training.Workers = getEnvInt("TRAIN_WORKERS", c.Training.Workers)
	c.Training.Progress = getEnvBool("TRAIN_PROGRESS", c.Training.Progress)
	c.Training.Types = getEnvStringSlice("TRAIN_TYPES", c.Training.Types)

	c.Features.RecencyDays = getEnvInt("RECENCY_DAYS", c.Features.RecencyDays)
	c.Features.LeadTimeDays = getEnvFloat("LEAD_TIME_DAYS", c.Features.LeadTimeDays)
	c.Features.SafetyMultiplier = getEnvFloat("SAFETY_MULTIPLIER", c.Features.SafetyMultiplier)
	c.Features.OrderBuffer = getEnvFloat("ORDER_BUFFER", c.Features.OrderBuffer)

	c.Sales = overlayModelEnv("SALES_", c.Sales)
	c.Restock = overlayModelEnv("RESTOCK_", c.Restock)
	c.Monthly = overlayModelEnv("MONTHLY_", c.Monthly)

	c.Prediction.CalibrationFactor = getEnvFloat("CALIBRATION_FACTOR", c.Prediction.CalibrationFactor)
	c.Prediction.Timeout = getEnvDuration("PREDICTION_TIMEOUT", c.Prediction.Timeout)

	c.Analysis.OutputDir = getEnvString("ANALYSIS_OUTPUT_DIR", c.Analysis.OutputDir)
	c.Analysis.MinSupport = getEnvFloat("ANALYSIS_MIN_SUPPORT", c.Analysis.MinSupport)
	c.Analysis.MinConfidence = getEnvFloat("ANALYSIS_MIN_CONFIDENCE", c.Analysis.MinConfidence)
	c.Analysis.MaxItemsetSize = getEnvInt("ANALYSIS_MAX_ITEMSET_SIZE", c.Analysis.MaxItemsetSize)
	c.Analysis.ProjectionDays = getEnvInt("ANALYSIS_PROJECTION_DAYS", c.Analysis.ProjectionDays)

	c.Server.Host = getEnvString("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Security.EnableRateLimit = getEnvBool("SECURITY_RATE_LIMIT_ENABLED", c.Security.EnableRateLimit)
	c.Security.RateLimitRPS = getEnvInt("SECURITY_RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvInt("SECURITY_RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.AllowedOrigins = getEnvStringSlice("SECURITY_ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.TrustedProxies = getEnvStringSlice("SECURITY_TRUSTED_PROXIES", c.Security.TrustedProxies)
}

func overlayModelEnv(prefix string, m ModelConfig) ModelConfig {
	m.MinSamples = getEnvInt(prefix+"MIN_SAMPLES", m.MinSamples)
	m.LagOffsets = getEnvIntSlice(prefix+"LAG_OFFSETS", m.LagOffsets)
	m.RollingWindows = getEnvIntSlice(prefix+"ROLLING_WINDOWS", m.RollingWindows)
	m.NEstimators = getEnvInt(prefix+"N_ESTIMATORS", m.NEstimators)
	m.MaxDepth = getEnvInt(prefix+"MAX_DEPTH", m.MaxDepth)
	m.MinSamplesSplit = getEnvInt(prefix+"MIN_SAMPLES_SPLIT", m.MinSamplesSplit)
	m.MinSamplesLeaf = getEnvInt(prefix+"MIN_SAMPLES_LEAF", m.MinSamplesLeaf)
	m.MaxFeatures = getEnvFloat(prefix+"MAX_FEATURES", m.MaxFeatures)
	m.CVSplits = getEnvInt(prefix+"CV_SPLITS", m.CVSplits)
	m.Seed = uint64(getEnvInt(prefix+"SEED", int(m.Seed)))
	return m
}

func (c *Config) validate() error {
	if c.Paths.ModelDir == "" {
		return fmt.Errorf("model directory cannot be empty")
	}

	if c.Source.DSN == "" && c.Paths.DataFolder == "" {
		return fmt.Errorf("either a data folder or DATABASE_URL is required")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.Logger.Level) {
		return fmt.Errorf("invalid log level %q, must be one of: %s", c.Logger.Level, strings.Join(validLogLevels, ", "))
	}

	validLogFormats := []string{"json", "text"}
	if !slices.Contains(validLogFormats, c.Logger.Format) {
		return fmt.Errorf("invalid log format %q, must be one of: %s", c.Logger.Format, strings.Join(validLogFormats, ", "))
	}

	if c.Training.Workers <= 0 {
		return fmt.Errorf("training workers must be positive")
	}

	if len(c.Training.Types) == 0 {
		return fmt.Errorf("at least one training type is required")
	}
	for _, name := range c.Training.Types {
		if !slices.Contains([]string{"sales", "restock", "monthly"}, strings.TrimSpace(name)) {
			return fmt.Errorf("unknown training type %q", name)
		}
	}

	if c.Features.RecencyDays <= 0 {
		return fmt.Errorf("recency days must be positive")
	}

	if c.Features.LeadTimeDays < 0 || c.Features.SafetyMultiplier < 0 || c.Features.OrderBuffer < 0 {
		return fmt.Errorf("lead time and inventory multipliers cannot be negative")
	}

	if err := c.Sales.validate(); err != nil {
		return fmt.Errorf("sales model: %w", err)
	}

	if err := c.Restock.validate(); err != nil {
		return fmt.Errorf("restock model: %w", err)
	}

	if err := c.Monthly.validate(); err != nil {
		return fmt.Errorf("monthly model: %w", err)
	}

	if err := c.Analysis.validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	if c.Prediction.CalibrationFactor <= 0 {
		return fmt.Errorf("calibration factor must be positive, got %g", c.Prediction.CalibrationFactor)
	}

	if c.Prediction.Timeout < 0 {
		return fmt.Errorf("prediction timeout cannot be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Security.RateLimitRPS <= 0 {
		return fmt.Errorf("rate limit RPS must be positive")
	}

	if c.Security.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}

	return nil
}

func (m ModelConfig) validate() error {
	if m.MinSamples <= 0 {
		return fmt.Errorf("min samples must be positive")
	}
	if len(m.LagOffsets) == 0 {
		return fmt.Errorf("at least one lag offset is required")
	}
	for _, k := range m.LagOffsets {
		if k <= 0 {
			return fmt.Errorf("lag offsets must be positive, got %d", k)
		}
	}
	for _, w := range m.RollingWindows {
		if w <= 0 {
			return fmt.Errorf("rolling windows must be positive, got %d", w)
		}
	}
	if m.NEstimators <= 0 {
		return fmt.Errorf("n_estimators must be positive")
	}
	if m.MinSamplesSplit < 2 {
		return fmt.Errorf("min_samples_split must be at least 2")
	}
	if m.MinSamplesLeaf < 1 {
		return fmt.Errorf("min_samples_leaf must be at least 1")
	}
	if m.MaxFeatures <= 0 || m.MaxFeatures > 1 {
		return fmt.Errorf("max_features must be in (0, 1], got %g", m.MaxFeatures)
	}
	if m.CVSplits < 2 {
		return fmt.Errorf("cv_splits must be at least 2")
	}
	return nil
}

func (a AnalysisConfig) validate() error {
	for _, v := range []float64{a.MinSupport, a.RetrySupport, a.MinConfidence, a.RetryConfidence} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("support and confidence thresholds must be in (0, 1], got %g", v)
		}
	}
	if a.MaxItemsetSize < 2 {
		return fmt.Errorf("max itemset size must be at least 2")
	}
	if a.MinBaskets < 1 || a.MinSalesDays < 1 || a.ProjectionDays < 1 {
		return fmt.Errorf("min baskets, min sales days and projection days must be positive")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// getEnvIntSlice keeps the default when any element fails to parse.
func getEnvIntSlice(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Model returns the configuration for a prediction type name.
func (c *Config) Model(predictionType string) ModelConfig {
	switch predictionType {
	case "restock":
		return c.Restock
	case "monthly":
		return c.Monthly
	default:
		return c.Sales
	}
}
