package report

import (
	"fmt"
	"slices"

	"github.com/warp/vaccine-stock/stock"
)

// Order is the presentation order of a line list.
type Order string

const (
	OrderDateAsc  Order = "date"
	OrderDateDesc Order = "-date"
)

// ParseOrder accepts "", "date" and "-date". Empty means ascending.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderDateAsc:
		return OrderDateAsc, nil
	case OrderDateDesc:
		return OrderDateDesc, nil
	}
	return "", &stock.ValidationError{Field: "order", Reason: fmt.Sprintf("unknown order %q", s)}
}

// Page orders lines and returns the window [offset, offset+limit). A limit
// of zero or less returns everything after offset. Descending order is the
// exact reverse of ascending, ties included. The input is not modified.
func Page(lines []stock.Line, order Order, offset, limit int) []stock.Line {
	out := make([]stock.Line, len(lines))
	copy(out, lines)

	stock.SortByDate(out)
	if order == OrderDateDesc {
		slices.Reverse(out)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []stock.Line{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
