package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/internal/config"
	apperrors "stockcast/internal/errors"
	"stockcast/internal/models"
	"stockcast/internal/observability"
	"stockcast/internal/registry"
)

type memoryStore struct {
	txs []models.Transaction
	err error
}

func (m memoryStore) Load(context.Context) ([]models.Transaction, error) {
	return m.txs, m.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ModelDir = t.TempDir()
	cfg.Training.Workers = 2
	cfg.Sales.NEstimators = 10
	cfg.Restock.NEstimators = 10
	cfg.Monthly.NEstimators = 10
	return cfg
}

// history has 120 days of sales for P1 and P2 (January to April), a restock
// every 10 days, and three sales days for P9, too few to be kept.
func history() []models.Transaction {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var txs []models.Transaction
	for d := 0; d < 120; d++ {
		date := start.AddDate(0, 0, d)
		txs = append(txs,
			models.Transaction{ItemID: "P1", ItemName: "Beras 5kg", Date: date, Quantity: float64(4 + d%3), Direction: models.SalesOut},
			models.Transaction{ItemID: "P2", ItemName: "Minyak 1L", Date: date, Quantity: float64(10 + d%5), Direction: models.SalesOut},
		)
		if d%10 == 0 {
			txs = append(txs,
				models.Transaction{ItemID: "P1", Date: date, Quantity: float64(40 + d/10), Direction: models.RestockIn},
				models.Transaction{ItemID: "P2", Date: date, Quantity: float64(90 + d/10), Direction: models.RestockIn},
			)
		}
	}
	for d := 0; d < 3; d++ {
		txs = append(txs, models.Transaction{ItemID: "P9", Date: start.AddDate(0, 0, d), Quantity: 2, Direction: models.SalesOut})
	}
	return txs
}

func trainedRegistry(t *testing.T, cfg *config.Config) *registry.Registry {
	t.Helper()
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())
	svc := NewTrainingService(cfg, memoryStore{txs: history()}, reg, observability.Discard())
	_, err := svc.Train(context.Background())
	require.NoError(t, err)
	return reg
}

func TestTrainingService_TrainsEveryType(t *testing.T) {
	cfg := testConfig(t)
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())
	svc := NewTrainingService(cfg, memoryStore{txs: history()}, reg, observability.Discard())

	report, err := svc.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)
	assert.NotEmpty(t, report.RunID)

	for _, out := range report.Outcomes {
		require.NoError(t, out.Err, out.Type)
		require.NotNil(t, out.Metadata)
		assert.Equal(t, report.RunID, out.Metadata.RunID)
		assert.Equal(t, out.Type, out.Metadata.ModelType)
	}

	sales, err := reg.Load(models.Sales)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, sales.Metadata.ValidProducts)
	assert.False(t, sales.Metadata.IsValidProduct("P9"))
	assert.Equal(t, "Beras 5kg", sales.Metadata.ProductMapping["P1"])

	monthly, err := reg.Load(models.Monthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, monthly.Metadata.ValidProducts)
	assert.Equal(t, 6, monthly.Metadata.TrainingSamples, "February to April for two items")

	list, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestTrainingService_ConfiguredTypesOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.Types = []string{"monthly"}
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())

	report, err := NewTrainingService(cfg, memoryStore{txs: history()}, reg, observability.Discard()).Train(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, models.Monthly, report.Outcomes[0].Type)

	_, err = reg.Load(models.Sales)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeModelNotFound))
}

func TestTrainingService_MonthlyNeedsEnoughMonths(t *testing.T) {
	var short []models.Transaction
	for _, tx := range history() {
		if tx.Date.Month() <= time.February {
			short = append(short, tx)
		}
	}

	cfg := testConfig(t)
	cfg.Training.Types = []string{"sales", "monthly"}
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())
	report, err := NewTrainingService(cfg, memoryStore{txs: short}, reg, observability.Discard()).Train(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeData))
	assert.Contains(t, err.Error(), "monthly")
	require.Len(t, report.Outcomes, 2)
	assert.NoError(t, report.Outcomes[0].Err)
	assert.Error(t, report.Outcomes[1].Err)
}

func TestTrainingService_TypesFailIndependently(t *testing.T) {
	var salesOnly []models.Transaction
	for _, tx := range history() {
		if tx.Direction == models.SalesOut {
			salesOnly = append(salesOnly, tx)
		}
	}

	cfg := testConfig(t)
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())
	report, err := NewTrainingService(cfg, memoryStore{txs: salesOnly}, reg, observability.Discard()).Train(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeData))
	assert.Contains(t, err.Error(), "restock")

	require.Len(t, report.Outcomes, 3)
	assert.NoError(t, report.Outcomes[0].Err)
	assert.Error(t, report.Outcomes[1].Err)
	assert.NotEmpty(t, report.Outcomes[1].Error)
	assert.NoError(t, report.Outcomes[2].Err)

	_, err = reg.Load(models.Sales)
	assert.NoError(t, err)
	_, err = reg.Load(models.Restock)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeModelNotFound))
}

func TestTrainingService_IgnoresNonFiniteQuantities(t *testing.T) {
	txs := history()
	when := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	txs = append(txs,
		models.Transaction{ItemID: "P1", Date: when, Quantity: math.NaN(), Direction: models.SalesOut},
		models.Transaction{ItemID: "P2", Date: when, Quantity: math.Inf(1), Direction: models.RestockIn},
	)

	cfg := testConfig(t)
	reg := registry.New(cfg.Paths.ModelDir, observability.Discard())
	report, err := NewTrainingService(cfg, memoryStore{txs: txs}, reg, observability.Discard()).Train(context.Background())
	require.NoError(t, err)
	for _, out := range report.Outcomes {
		assert.NoError(t, out.Err, out.Type)
	}
}

func TestTrainingService_StoreFailure(t *testing.T) {
	cfg := testConfig(t)
	boom := errors.New("disk unreadable")
	svc := NewTrainingService(cfg, memoryStore{err: boom}, registry.New(cfg.Paths.ModelDir, observability.Discard()), observability.Discard())

	report, err := svc.Train(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, report)
}
