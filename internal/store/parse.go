package store

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"stockcast/internal/models"
)

type columnMap struct {
	date, item, name, direction, quantity int
}

// positionalColumns is the export layout: no, id_trx, tgl, id_item, nama_barang, kategori, jumlah.
var positionalColumns = columnMap{date: 2, item: 3, name: 4, direction: 5, quantity: 6}

var headerAliases = map[string]string{
	"tgl":          "date",
	"tanggal":      "date",
	"date":         "date",
	"id_item":      "item",
	"item_id":      "item",
	"product_id":   "item",
	"kode_barang":  "item",
	"nama_barang":  "name",
	"item_name":    "name",
	"product_name": "name",
	"name":         "name",
	"kategori":     "direction",
	"category":     "direction",
	"type":         "direction",
	"direction":    "direction",
	"jumlah":       "quantity",
	"quantity":     "quantity",
	"qty":          "quantity",
}

// detectHeader maps a header row to column positions. It needs at least the
// date, item, direction and quantity columns.
func detectHeader(row []string) (columnMap, bool) {
	cols := columnMap{date: -1, item: -1, name: -1, direction: -1, quantity: -1}
	for i, cell := range row {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cell)), " ", "_")
		switch headerAliases[key] {
		case "date":
			cols.date = setOnce(cols.date, i)
		case "item":
			cols.item = setOnce(cols.item, i)
		case "name":
			cols.name = setOnce(cols.name, i)
		case "direction":
			cols.direction = setOnce(cols.direction, i)
		case "quantity":
			cols.quantity = setOnce(cols.quantity, i)
		}
	}
	ok := cols.date >= 0 && cols.item >= 0 && cols.direction >= 0 && cols.quantity >= 0
	return cols, ok
}

func setOnce(current, i int) int {
	if current >= 0 {
		return current
	}
	return i
}

// drop reasons
const (
	dropShortRow      = "short_row"
	dropMissingItem   = "missing_item"
	dropBadDate       = "bad_date"
	dropBadQuantity   = "bad_quantity"
	dropNonPositive   = "non_positive_quantity"
	dropUnknownMotion = "unknown_direction"
)

func parseRecord(record []string, cols columnMap) (models.Transaction, string) {
	need := max(cols.date, cols.item, cols.direction, cols.quantity)
	if len(record) <= need {
		return models.Transaction{}, dropShortRow
	}

	itemID := strings.TrimSpace(record[cols.item])
	if itemID == "" {
		return models.Transaction{}, dropMissingItem
	}
	// numeric ids exported from spreadsheets come back as "12.0"
	if f, err := strconv.ParseFloat(itemID, 64); err == nil && f == float64(int64(f)) {
		itemID = strconv.FormatInt(int64(f), 10)
	}

	date, err := parseDate(record[cols.date])
	if err != nil {
		return models.Transaction{}, dropBadDate
	}

	qty, err := parseQuantity(record[cols.quantity])
	if err != nil {
		return models.Transaction{}, dropBadQuantity
	}
	if qty <= 0 {
		return models.Transaction{}, dropNonPositive
	}

	category := strings.TrimSpace(record[cols.direction])
	direction, ok := parseDirection(category)
	if !ok {
		return models.Transaction{}, dropUnknownMotion
	}

	name := ""
	if cols.name >= 0 && cols.name < len(record) {
		name = strings.TrimSpace(record[cols.name])
	}

	return models.Transaction{
		ItemID:    itemID,
		ItemName:  name,
		Date:      date,
		Quantity:  qty,
		Direction: direction,
		Category:  category,
	}, ""
}

var (
	salesWords   = map[string]bool{"keluar": true, "out": true, "outgoing": true, "sale": true, "sales": true, "penjualan": true, "jual": true}
	restockWords = map[string]bool{"masuk": true, "in": true, "incoming": true, "restock": true, "pembelian": true, "beli": true, "purchase": true}
	wordRe       = regexp.MustCompile(`[\p{L}]+`)
)

func parseDirection(s string) (models.Direction, bool) {
	words := wordRe.FindAllString(strings.ToLower(s), -1)
	for _, w := range words {
		if salesWords[w] {
			return models.SalesOut, true
		}
	}
	for _, w := range words {
		if restockWords[w] {
			return models.RestockIn, true
		}
	}
	return "", false
}

var monthNames = map[string]string{
	"januari": "January", "january": "January", "jan": "January",
	"februari": "February", "february": "February", "feb": "February", "pebruari": "February",
	"maret": "March", "march": "March", "mar": "March",
	"april": "April", "apr": "April",
	"mei": "May", "may": "May",
	"juni": "June", "june": "June", "jun": "June",
	"juli": "July", "july": "July", "jul": "July",
	"agustus": "August", "august": "August", "agu": "August", "agt": "August", "aug": "August",
	"september": "September", "sep": "September", "sept": "September",
	"oktober": "October", "october": "October", "okt": "October", "oct": "October",
	"november": "November", "nov": "November", "nop": "November",
	"desember": "December", "december": "December", "des": "December", "dec": "December",
}

// translateMonths rewrites Indonesian and abbreviated month names to full
// English names so a single set of layouts can parse them.
func translateMonths(s string) string {
	return wordRe.ReplaceAllStringFunc(s, func(w string) string {
		if en, ok := monthNames[strings.ToLower(w)]; ok {
			return en
		}
		return w
	})
}

var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2 January 2006",
	"2-January-2006",
	"January 2, 2006",
	"January 2 2006",
	time.RFC3339,
}

var timeSuffixes = []string{"", " 15:04:05", " 15:04", "T15:04:05"}

// parseDate parses day-first dates, Indonesian month names and Excel serials.
// The result is midnight UTC of the calendar day.
func parseDate(raw string) (time.Time, error) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if serial < 1 || serial > 2958465 {
			return time.Time{}, fmt.Errorf("serial %v out of range", serial)
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, err
		}
		return day(t), nil
	}

	s = translateMonths(s)
	for _, layout := range dateLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return day(t), nil
			}
			continue
		}
		for _, suffix := range timeSuffixes {
			if t, err := time.Parse(layout+suffix, s); err == nil {
				return day(t), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseQuantity(raw string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("quantity %q is not a finite number", raw)
	}
	return v, nil
}
