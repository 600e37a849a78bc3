package pipeline

import (
	"fmt"
	"slices"
)

// Encoder one-hot encodes the item identifier. Column i of the encoded block
// is Categories[i]; Categories is sorted and unique.
type Encoder struct {
	Categories []string
}

func (e *Encoder) Fit(items []string) {
	cats := slices.Clone(items)
	slices.Sort(cats)
	e.Categories = slices.Compact(cats)
}

func (e *Encoder) Width() int { return len(e.Categories) }

// Index returns the encoded column of item.
func (e *Encoder) Index(item string) (int, bool) {
	return slices.BinarySearch(e.Categories, item)
}

// Category is the inverse of Index.
func (e *Encoder) Category(col int) (string, error) {
	if col < 0 || col >= len(e.Categories) {
		return "", fmt.Errorf("encoder column %d out of range [0,%d)", col, len(e.Categories))
	}
	return e.Categories[col], nil
}

// Encode writes the one-hot block for item into dst, which must be Width
// long. Unknown items encode to all zeros.
func (e *Encoder) Encode(item string, dst []float64) {
	clear(dst)
	if i, ok := e.Index(item); ok {
		dst[i] = 1
	}
}
