package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/internal/models"
)

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []string{
		"2024-01-15",
		"15/01/2024",
		"15/1/2024",
		"15-01-2024",
		"15.01.2024",
		"15 Januari 2024",
		"15 januari 2024",
		"15 Jan 2024",
		"15-Jan-2024",
		"Januari 15, 2024",
		"2024-01-15 13:45:00",
		"15/01/2024 08:30",
		"2024-01-15T10:00:00Z",
		"45306",
		"  15   Januari   2024 ",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := parseDate(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseDate_IndonesianMonths(t *testing.T) {
	months := map[string]time.Month{
		"Februari": time.February, "Maret": time.March, "Mei": time.May,
		"Juni": time.June, "Juli": time.July, "Agustus": time.August,
		"Oktober": time.October, "Desember": time.December,
	}
	for name, month := range months {
		got, err := parseDate("3 " + name + " 2023")
		require.NoError(t, err, name)
		assert.Equal(t, month, got.Month(), name)
	}
}

func TestParseDate_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "32/13/2024", "0", "99999999"} {
		_, err := parseDate(in)
		assert.Error(t, err, in)
	}
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in   string
		want models.Direction
		ok   bool
	}{
		{"Keluar", models.SalesOut, true},
		{"barang keluar", models.SalesOut, true},
		{"sales-out", models.SalesOut, true},
		{"Penjualan", models.SalesOut, true},
		{"Masuk", models.RestockIn, true},
		{"restock-in", models.RestockIn, true},
		{"incoming", models.RestockIn, true},
		{"retur", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := parseDirection(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseRecord(t *testing.T) {
	cols := positionalColumns

	tx, reason := parseRecord([]string{"1", "TRX1", "15/01/2024", "12.0", "Pulpen", "keluar", "3"}, cols)
	require.Empty(t, reason)
	assert.Equal(t, "12", tx.ItemID)
	assert.Equal(t, "Pulpen", tx.ItemName)
	assert.Equal(t, 3.0, tx.Quantity)
	assert.Equal(t, models.SalesOut, tx.Direction)

	tests := []struct {
		name   string
		record []string
		reason string
	}{
		{"short", []string{"1", "TRX1", "15/01/2024"}, dropShortRow},
		{"no item", []string{"1", "T", "15/01/2024", " ", "x", "keluar", "3"}, dropMissingItem},
		{"bad date", []string{"1", "T", "someday", "A", "x", "keluar", "3"}, dropBadDate},
		{"bad qty", []string{"1", "T", "15/01/2024", "A", "x", "keluar", "three"}, dropBadQuantity},
		{"nan qty", []string{"1", "T", "15/01/2024", "A", "x", "keluar", "NaN"}, dropBadQuantity},
		{"inf qty", []string{"1", "T", "15/01/2024", "A", "x", "keluar", "+Inf"}, dropBadQuantity},
		{"zero qty", []string{"1", "T", "15/01/2024", "A", "x", "keluar", "0"}, dropNonPositive},
		{"negative qty", []string{"1", "T", "15/01/2024", "A", "x", "keluar", "-2"}, dropNonPositive},
		{"direction", []string{"1", "T", "15/01/2024", "A", "x", "retur", "2"}, dropUnknownMotion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reason := parseRecord(tt.record, cols)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestDetectHeader(t *testing.T) {
	cols, ok := detectHeader([]string{"Jumlah", "Tgl", "ID Item", "Nama Barang", "Kategori"})
	require.True(t, ok)
	assert.Equal(t, columnMap{date: 1, item: 2, name: 3, direction: 4, quantity: 0}, cols)

	_, ok = detectHeader([]string{"Laporan Transaksi Januari"})
	assert.False(t, ok)
}

func TestParseQuantity(t *testing.T) {
	v, err := parseQuantity("2,5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = parseQuantity(" 12 ")
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)

	for _, raw := range []string{"NaN", "nan", "Inf", "+Inf", "-inf", "infinity"} {
		_, err := parseQuantity(raw)
		assert.Error(t, err, raw)
	}
}
