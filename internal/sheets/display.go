package sheets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posttrade/internal/model"
)

// ErrUnknownColumn is returned when a view is asked for a column the schema does not have.
var ErrUnknownColumn = errors.New("unknown column")

const (
	displayTimeLayout = "2006-01-02 15:04:05"
	displayDecimals   = 4
	flagSet           = "✔"
	flagUnset         = "X"
)

// cellValue returns the typed value of a named column: string, model.TradeNr,
// time.Time, decimal.NullDecimal or bool.
func cellValue(r model.TradeRow, column string) (any, error) {
	switch column {
	case model.ColTradeNr:
		return r.TradeNr, nil
	case model.ColInstrument:
		return r.Instrument, nil
	case model.ColTradeTime:
		return r.TradeTime, nil
	case model.ColTradeUnderlyingSpotRef:
		return r.SpotRef, nil
	case model.ColPortfolio:
		return r.Portfolio, nil
	case model.ColCounterparty:
		return r.Counterparty, nil
	case model.ColUnderlying:
		return r.Underlying, nil
	}
	if c, ok := model.ParseCumulativeColumn(column); ok {
		return r.Cum(c), nil
	}
	if i, ok := flagIndex(column); ok && i < len(r.Flags) {
		return r.Flags[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, column)
}

// flagIndex extracts i from a flag_NN column name.
func flagIndex(column string) (int, bool) {
	if !strings.HasPrefix(column, model.FlagPrefix) {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(column, model.FlagPrefix))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// FormatCell renders one cell for display.
//
// Timestamps use "YYYY-MM-DD HH:MM:SS", trade numbers their plain text, flags
// a check mark or X, numerics four decimals and null values an empty string.
// Unknown columns render empty.
func FormatCell(column string, r model.TradeRow) string {
	v, err := cellValue(r, column)
	if err != nil {
		return ""
	}
	switch x := v.(type) {
	case model.TradeNr:
		return x.String()
	case string:
		return x
	case bool:
		if x {
			return flagSet
		}
		return flagUnset
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(displayTimeLayout)
	case decimal.NullDecimal:
		if !x.Valid {
			return ""
		}
		return x.Decimal.StringFixed(displayDecimals)
	}
	return fmt.Sprint(v)
}

// BuildDisplayCache formats rows column by column for fast table rendering.
//
// The result maps every requested column to one formatted string per row.
func BuildDisplayCache(rows []model.TradeRow, columns []string) map[string][]string {
	cache := make(map[string][]string, len(columns))
	for _, c := range columns {
		vals := make([]string, len(rows))
		for i, r := range rows {
			vals[i] = FormatCell(c, r)
		}
		cache[c] = vals
	}
	return cache
}

// SanitizeVisibleColumns keeps the visible columns that exist in all, in the
// visible order. An empty selection means every column.
func SanitizeVisibleColumns(all, visible []string) []string {
	if len(visible) == 0 {
		out := make([]string, len(all))
		copy(out, all)
		return out
	}
	known := make(map[string]struct{}, len(all))
	for _, c := range all {
		known[c] = struct{}{}
	}
	out := make([]string, 0, len(visible))
	for _, c := range visible {
		if _, ok := known[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
