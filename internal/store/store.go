package store

import (
	"context"
	"log/slog"

	"stockcast/internal/config"
	"stockcast/internal/models"
)

// Store supplies cleaned transactions sorted by date then item.
type Store interface {
	Load(ctx context.Context) ([]models.Transaction, error)
}

// New returns the SQL store when a DSN is configured and the data folder
// store otherwise. The returned close func releases any connection.
func New(cfg *config.Config, logger *slog.Logger) (Store, func() error, error) {
	if cfg.Source.DSN != "" {
		s, err := OpenSQL(cfg.Source.DSN, cfg.Source.Query, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return NewFolderStore(cfg.Paths.DataFolder, cfg.Training.Workers, logger), func() error { return nil }, nil
}
