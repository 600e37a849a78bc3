package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	apperrors "stockcast/internal/errors"
	"stockcast/internal/models"
)

const (
	batchSize     = 10000
	headerScanMax = 3
)

// FolderStore reads every CSV and XLSX export in a directory.
type FolderStore struct {
	dir     string
	workers int
	logger  *slog.Logger
}

func NewFolderStore(dir string, workers int, logger *slog.Logger) *FolderStore {
	if workers <= 0 {
		workers = 1
	}
	return &FolderStore{dir: dir, workers: workers, logger: logger}
}

func (s *FolderStore) Load(ctx context.Context) ([]models.Transaction, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}

	var all []models.Transaction
	for _, path := range files {
		rows, err := readRows(path)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeData, fmt.Sprintf("read %s", filepath.Base(path)))
		}

		txs, dropped, err := s.parseRows(ctx, rows)
		if err != nil {
			return nil, err
		}

		s.logger.Info("transaction file loaded",
			"file", filepath.Base(path),
			"rows", len(rows),
			"kept", len(txs),
			"dropped", dropped,
		)
		all = append(all, txs...)
	}

	if len(all) == 0 {
		return nil, apperrors.Data(s.dir, "no valid transactions in data folder")
	}

	sortTransactions(all)
	return all, nil
}

func (s *FolderStore) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeData, fmt.Sprintf("data folder %q not readable", s.dir))
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".csv", ".xlsx":
			files = append(files, filepath.Join(s.dir, name))
		}
	}
	slices.Sort(files)

	if len(files) == 0 {
		return nil, apperrors.Data(s.dir, "no .csv or .xlsx files in data folder")
	}
	return files, nil
}

func readRows(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readExcel(path)
	}
	return readCSV(path)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// readExcel returns the raw cell values of the first sheet. Dates come back
// as serial numbers.
func readExcel(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
}

// splitHeader finds a header among the first rows. Exports carry a title row
// above the header, so the scan goes a few rows deep. Without a header the
// positional layout applies to every row.
func splitHeader(rows [][]string) (columnMap, [][]string) {
	for i := 0; i < len(rows) && i < headerScanMax; i++ {
		if cols, ok := detectHeader(rows[i]); ok {
			return cols, rows[i+1:]
		}
	}
	return positionalColumns, rows
}

// parseRows parses records in batches on a bounded worker pool. Output order
// follows input order.
func (s *FolderStore) parseRows(ctx context.Context, rows [][]string) ([]models.Transaction, map[string]int, error) {
	cols, data := splitHeader(rows)

	type parsed struct {
		tx     models.Transaction
		reason string
	}
	results := make([]parsed, len(data))

	for start := 0; start < len(data); start += batchSize {
		end := min(start+batchSize, len(data))

		var g errgroup.Group
		g.SetLimit(s.workers)

		for i := start; i < end; i++ {
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				tx, reason := parseRecord(data[i], cols)
				results[i] = parsed{tx: tx, reason: reason}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}

	dropped := make(map[string]int)
	txs := make([]models.Transaction, 0, len(results))
	for _, p := range results {
		if p.reason != "" {
			dropped[p.reason]++
			continue
		}
		txs = append(txs, p.tx)
	}
	return txs, dropped, nil
}

func sortTransactions(txs []models.Transaction) {
	slices.SortStableFunc(txs, func(a, b models.Transaction) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ItemID, b.ItemID)
	})
}
