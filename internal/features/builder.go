package features

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"stockcast/internal/config"
	apperrors "stockcast/internal/errors"
	"stockcast/internal/models"
)

// consistencyEpsilon keeps sales_consistency finite for perfectly steady items.
const consistencyEpsilon = 0.01

type Options struct {
	LagOffsets       []int
	RollingWindows   []int
	RecencyDays      int
	LeadTimeDays     float64
	SafetyMultiplier float64
	OrderBuffer      float64
	MinSamples       int
}

func OptionsFor(cfg *config.Config, t models.PredictionType) Options {
	m := cfg.Model(string(t))
	return Options{
		LagOffsets:       m.LagOffsets,
		RollingWindows:   m.RollingWindows,
		RecencyDays:      cfg.Features.RecencyDays,
		LeadTimeDays:     cfg.Features.LeadTimeDays,
		SafetyMultiplier: cfg.Features.SafetyMultiplier,
		OrderBuffer:      cfg.Features.OrderBuffer,
		MinSamples:       m.MinSamples,
	}
}

// Builder turns transactions into a training dataset for one prediction type.
type Builder struct {
	typ    models.PredictionType
	opts   Options
	logger *slog.Logger
}

func NewBuilder(t models.PredictionType, opts Options, logger *slog.Logger) *Builder {
	return &Builder{typ: t, opts: opts, logger: logger}
}

// FeatureNames is the schema order of the numeric features.
func (b *Builder) FeatureNames() []string {
	return FeatureNames(b.typ, b.opts)
}

func FeatureNames(t models.PredictionType, opts Options) []string {
	var names []string
	if t == models.Monthly {
		for _, k := range opts.LagOffsets {
			names = append(names, lagName("month_lag", k))
		}
		for _, w := range opts.RollingWindows {
			names = append(names, windowName("avg_month_total", w))
		}
		return append(names,
			"avg_daily_sales", "sales_volatility", "transaction_count", "recent_total", "recent_avg",
		)
	}
	if t == models.Sales {
		for _, k := range opts.LagOffsets {
			names = append(names, lagName("lag", k))
		}
		for _, w := range opts.RollingWindows {
			names = append(names, windowName("avg_sales", w), windowName("prev_sales", w))
		}
		return append(names,
			"prev_month_total",
			"avg_daily_sales", "sales_velocity", "sales_volatility", "sales_consistency",
			"transaction_count", "recent_total", "recent_avg", "recent_transactions",
		)
	}

	for _, k := range opts.LagOffsets {
		names = append(names, lagName("restock_lag", k))
	}
	names = append(names, "days_since_restock", "avg_daily_sales", "sales_velocity", "sales_volatility")
	for _, w := range opts.RollingWindows {
		names = append(names, windowName("avg_sales", w), windowName("std_sales", w))
	}
	return append(names,
		"transaction_count", "recent_total", "recent_avg", "recent_transactions",
		"lead_time_demand", "safety_stock", "restock_point", "recommended_order_qty",
	)
}

func lagName(prefix string, k int) string    { return prefix + "_" + strconv.Itoa(k) }
func windowName(prefix string, w int) string { return prefix + "_" + strconv.Itoa(w) }

// Build runs the full feature pipeline. Rows are sorted by item then period.
func (b *Builder) Build(txs []models.Transaction) (*models.TrainingDataset, error) {
	if len(txs) == 0 {
		return nil, apperrors.Data(string(b.typ), fmt.Sprintf("%s: no transactions to build features from", b.typ))
	}

	sales := Aggregate(txs, models.SalesOut, Day)
	monthly := Aggregate(txs, models.SalesOut, Month)
	restocks := Aggregate(txs, models.RestockIn, Day)

	var (
		rows     []models.FeatureRow
		required []string
	)
	switch b.typ {
	case models.Sales:
		for _, item := range sortedKeys(sales) {
			rows = append(rows, b.salesRows(item, sales[item], monthly[item])...)
		}
		for _, k := range b.opts.LagOffsets {
			required = append(required, lagName("lag", k))
		}
	case models.Restock:
		for _, item := range sortedKeys(restocks) {
			rows = append(rows, b.restockRows(item, restocks[item], sales[item])...)
		}
		for _, k := range b.opts.LagOffsets {
			required = append(required, lagName("restock_lag", k))
		}
		required = append(required, "days_since_restock")
	case models.Monthly:
		for _, item := range sortedKeys(monthly) {
			rows = append(rows, b.monthlyRows(item, monthly[item], sales[item])...)
		}
		for _, k := range b.opts.LagOffsets {
			required = append(required, lagName("month_lag", k))
		}
	default:
		return nil, fmt.Errorf("unknown prediction type %q", b.typ)
	}

	built := len(rows)
	rows = DropIncomplete(rows, required)
	if len(rows) == 0 {
		return nil, apperrors.Data(string(b.typ),
			fmt.Sprintf("%s: no rows left after feature engineering (%d built, all missing one of %v)", b.typ, built, required))
	}

	complete := len(rows)
	rows, dropped := FilterMinSamples(rows, b.opts.MinSamples)
	if len(rows) == 0 {
		return nil, apperrors.Data(string(b.typ),
			fmt.Sprintf("%s: no item has at least %d rows (min_samples)", b.typ, b.opts.MinSamples))
	}

	b.logger.Info("features built",
		"prediction_type", b.typ,
		"rows_built", built,
		"rows_complete", complete,
		"rows_kept", len(rows),
		"items_below_min_samples", len(dropped),
	)

	return &models.TrainingDataset{
		Type:         b.typ,
		FeatureNames: b.FeatureNames(),
		Rows:         rows,
		ItemNames:    itemNames(txs),
	}, nil
}

// salesRows builds one row per active sales day of an item.
func (b *Builder) salesRows(item string, daily, monthly []Point) []models.FeatureRow {
	rows := newRows(item, daily)
	values := quantities(daily)

	AddLagFeatures(rows, values, "lag", b.opts.LagOffsets)
	AddRollingFeatures(rows, daily, RollingSpec{Windows: b.opts.RollingWindows, PrevSum: true, Exclusive: true})
	AddMonthlyFeatures(rows, monthly)
	AddHistoryFeatures(rows, daily, b.opts.RecencyDays)
	AddDerivedRatios(rows, models.Sales, b.opts)
	return rows
}

// restockRows builds one row per restock day of an item, with sales
// features taken from the item's sales history as of that day.
func (b *Builder) restockRows(item string, restocks, sales []Point) []models.FeatureRow {
	rows := newRows(item, restocks)
	values := quantities(restocks)

	AddLagFeatures(rows, values, "restock_lag", b.opts.LagOffsets)
	AddIntervalFeature(rows, "days_since_restock")
	AddHistoryFeatures(rows, sales, b.opts.RecencyDays)
	AddRollingFeatures(rows, sales, RollingSpec{Windows: b.opts.RollingWindows, Std: true})
	AddDerivedRatios(rows, models.Restock, b.opts)
	return rows
}

// monthlyRows builds one row per month with sales. The target is the month's
// total; history features see only the days before the month starts.
func (b *Builder) monthlyRows(item string, monthly, daily []Point) []models.FeatureRow {
	rows := newRows(item, monthly)
	values := quantities(monthly)

	AddLagFeatures(rows, values, "month_lag", b.opts.LagOffsets)
	for i := range rows {
		for _, w := range b.opts.RollingWindows {
			rows[i].Features[windowName("avg_month_total", w)] = mean(values[max(0, i-w):i])
		}
	}
	AddHistoryFeatures(rows, daily, b.opts.RecencyDays)
	return rows
}

func newRows(item string, points []Point) []models.FeatureRow {
	rows := make([]models.FeatureRow, len(points))
	for i, p := range points {
		rows[i] = models.FeatureRow{
			ItemID:   item,
			Period:   p.Period,
			Target:   p.Quantity,
			Features: make(map[string]float64),
		}
	}
	return rows
}

// AddLagFeatures sets <prefix>_k to values[i-k]. Rows without k earlier
// observations get no value; DropIncomplete removes them.
func AddLagFeatures(rows []models.FeatureRow, values []float64, prefix string, offsets []int) {
	for i := range rows {
		for _, k := range offsets {
			if i-k >= 0 {
				rows[i].Features[lagName(prefix, k)] = values[i-k]
			}
		}
	}
}

// AddIntervalFeature sets name to the days elapsed since the previous row.
func AddIntervalFeature(rows []models.FeatureRow, name string) {
	for i := 1; i < len(rows); i++ {
		rows[i].Features[name] = rows[i].Period.Sub(rows[i-1].Period).Hours() / 24
	}
}

type RollingSpec struct {
	Windows []int
	Std     bool
	PrevSum bool
	// Exclusive ends the avg/std window before the row's period. Sales rows
	// need it because the row's own quantity is the target.
	Exclusive bool
}

// AddRollingFeatures computes trailing statistics over the last W points of
// series at or before each row's period (min periods 1), or strictly before
// it when Exclusive is set. avg_sales_W is the mean, std_sales_W the sample
// std when Std is set, and prev_sales_W, when PrevSum is set, the sum of the
// W points strictly before the period.
func AddRollingFeatures(rows []models.FeatureRow, series []Point, spec RollingSpec) {
	values := quantities(series)
	for i := range rows {
		through := countThrough(series, rows[i].Period)
		before := countBefore(series, rows[i].Period)
		end := through
		if spec.Exclusive {
			end = before
		}
		for _, w := range spec.Windows {
			window := values[max(0, end-w):end]
			rows[i].Features[windowName("avg_sales", w)] = mean(window)
			if spec.Std {
				rows[i].Features[windowName("std_sales", w)] = sampleStd(window)
			}
			if spec.PrevSum {
				rows[i].Features[windowName("prev_sales", w)] = floats.Sum(values[max(0, before-w):before])
			}
		}
	}
}

// AddMonthlyFeatures sets prev_month_total from monthly aggregates.
func AddMonthlyFeatures(rows []models.FeatureRow, monthly []Point) {
	for i := range rows {
		prev := Month.truncate(rows[i].Period).AddDate(0, -1, 0)
		total := 0.0
		if j := countBefore(monthly, prev); j < len(monthly) && monthly[j].Period.Equal(prev) {
			total = monthly[j].Quantity
		}
		rows[i].Features["prev_month_total"] = total
	}
}

// AddHistoryFeatures derives expanding and recency statistics from the
// points strictly before each row's period. Items without recent activity
// get zero recent_* values.
func AddHistoryFeatures(rows []models.FeatureRow, series []Point, recencyDays int) {
	values := quantities(series)
	for i := range rows {
		period := rows[i].Period
		n := countBefore(series, period)
		past := values[:n]

		avg := mean(past)
		count := 0
		for _, p := range series[:n] {
			count += p.Count
		}

		start := countBefore(series, period.AddDate(0, 0, -recencyDays))
		recent := series[start:n]
		recentTotal, recentTx := 0.0, 0
		for _, p := range recent {
			recentTotal += p.Quantity
			recentTx += p.Count
		}
		recentAvg := 0.0
		if len(recent) > 0 {
			recentAvg = recentTotal / float64(len(recent))
		}

		f := rows[i].Features
		f["avg_daily_sales"] = avg
		f["sales_velocity"] = avg
		f["sales_volatility"] = sampleStd(past)
		f["transaction_count"] = float64(count)
		f["recent_total"] = recentTotal
		f["recent_avg"] = recentAvg
		f["recent_transactions"] = float64(recentTx)
	}
}

// AddDerivedRatios adds the ratios that depend on velocity and volatility.
func AddDerivedRatios(rows []models.FeatureRow, t models.PredictionType, opts Options) {
	for i := range rows {
		f := rows[i].Features
		velocity, volatility := f["sales_velocity"], f["sales_volatility"]
		switch t {
		case models.Sales:
			f["sales_consistency"] = SalesConsistency(velocity, volatility)
		case models.Restock:
			inv := RestockLevels(velocity, volatility, opts.LeadTimeDays, opts)
			f["lead_time_demand"] = inv.LeadTimeDemand
			f["safety_stock"] = inv.SafetyStock
			f["restock_point"] = inv.RestockPoint
			f["recommended_order_qty"] = inv.RecommendedOrderQty
		}
	}
}

func SalesConsistency(velocity, volatility float64) float64 {
	return velocity / (volatility + consistencyEpsilon)
}

type InventoryLevels struct {
	LeadTimeDemand      float64
	SafetyStock         float64
	RestockPoint        float64
	RecommendedOrderQty float64
}

func RestockLevels(velocity, volatility, leadTimeDays float64, opts Options) InventoryLevels {
	ltd := velocity * leadTimeDays
	ss := volatility * opts.SafetyMultiplier
	rp := ltd + ss
	return InventoryLevels{
		LeadTimeDemand:      ltd,
		SafetyStock:         ss,
		RestockPoint:        rp,
		RecommendedOrderQty: rp * opts.OrderBuffer,
	}
}

// DropIncomplete removes rows missing any of the required features.
func DropIncomplete(rows []models.FeatureRow, required []string) []models.FeatureRow {
	return slices.DeleteFunc(rows, func(r models.FeatureRow) bool {
		for _, name := range required {
			if _, ok := r.Features[name]; !ok {
				return true
			}
		}
		return false
	})
}

// FilterMinSamples keeps the rows of items with at least minSamples rows and
// returns the ids of the items it removed.
func FilterMinSamples(rows []models.FeatureRow, minSamples int) ([]models.FeatureRow, []string) {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.ItemID]++
	}

	var dropped []string
	for item, n := range counts {
		if n < minSamples {
			dropped = append(dropped, item)
		}
	}
	slices.Sort(dropped)

	kept := slices.DeleteFunc(rows, func(r models.FeatureRow) bool {
		return counts[r.ItemID] < minSamples
	})
	return kept, dropped
}

func itemNames(txs []models.Transaction) map[string]string {
	names := make(map[string]string)
	for _, tx := range txs {
		if tx.ItemName != "" {
			names[tx.ItemID] = tx.ItemName
		} else if _, ok := names[tx.ItemID]; !ok {
			names[tx.ItemID] = tx.ItemID
		}
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// sampleStd is the n-1 standard deviation, 0 below two observations.
func sampleStd(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	sd := stat.StdDev(x, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}
