package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "stockcast/internal/errors"
	"stockcast/internal/models"
)

// DefaultQuery reads the web backend's stock movement tables. Custom queries
// must return item_id, item_name, date, quantity, direction in that order.
const DefaultQuery = `
SELECT i.item_code, i.item_name, o.outgoing_date, o.quantity, 'keluar'
FROM outgoing_items o JOIN items i ON i.id = o.item_id
UNION ALL
SELECT i.item_code, i.item_name, n.incoming_date, n.quantity, 'masuk'
FROM incoming_items n JOIN items i ON i.id = n.item_id`

type SQLStore struct {
	db     *sql.DB
	query  string
	logger *slog.Logger
}

// OpenSQL opens a postgres:// or mysql:// (mariadb://) DSN.
func OpenSQL(dsn, query string, logger *slog.Logger) (*SQLStore, error) {
	driver, source, err := driverFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if query == "" {
		query = DefaultQuery
	}
	return &SQLStore{db: db, query: query, logger: logger}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Load(ctx context.Context) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeData, "query transactions")
	}
	defer rows.Close()

	var (
		txs     []models.Transaction
		dropped = make(map[string]int)
	)
	for rows.Next() {
		var (
			itemID    string
			itemName  sql.NullString
			date      time.Time
			quantity  float64
			direction string
		)
		if err := rows.Scan(&itemID, &itemName, &date, &quantity, &direction); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeData, "scan transaction row")
		}

		dir, ok := parseDirection(direction)
		switch {
		case strings.TrimSpace(itemID) == "":
			dropped[dropMissingItem]++
			continue
		case math.IsNaN(quantity) || math.IsInf(quantity, 0):
			dropped[dropBadQuantity]++
			continue
		case quantity <= 0:
			dropped[dropNonPositive]++
			continue
		case !ok:
			dropped[dropUnknownMotion]++
			continue
		}

		txs = append(txs, models.Transaction{
			ItemID:    strings.TrimSpace(itemID),
			ItemName:  itemName.String,
			Date:      day(date),
			Quantity:  quantity,
			Direction: dir,
			Category:  direction,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeData, "read transaction rows")
	}

	s.logger.Info("transactions loaded from database", "kept", len(txs), "dropped", dropped)

	if len(txs) == 0 {
		return nil, apperrors.Data("database", "no valid transactions returned by source query")
	}
	sortTransactions(txs)
	return txs, nil
}

func driverFor(dsn string) (driver, source string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "mysql://"), strings.HasPrefix(dsn, "mariadb://"):
		source, err := toMySQLDSN(dsn)
		if err != nil {
			return "", "", err
		}
		return "mysql", source, nil
	default:
		return "", "", fmt.Errorf("unsupported database url scheme in %q", redact(dsn))
	}
}

// toMySQLDSN converts a mysql:// or mariadb:// URL to the driver's DSN format.
func toMySQLDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	user, pass := "", ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	db := strings.TrimPrefix(u.Path, "/")
	if user == "" || u.Host == "" || db == "" {
		return "", fmt.Errorf("incomplete dsn: user, host and database are required")
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC", user, pass, u.Host, db), nil
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
