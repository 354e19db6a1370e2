// Package model defines core data types for the post-trade analyzer.
//
// This package contains the fundamental data structures shared by every stage of
// a load: the raw in-memory trade table handed over by a data provider, the typed
// trade rows produced after schema validation, and the derived per-instrument,
// per-day rollups together with the discrepancies detected while rebuilding them.
// All production numerics use decimal.Decimal so that increments recovered from
// cumulative columns are exact and never silently rounded.
package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Production column names of the trade table schema.
const (
	ColTradeNr                = "tradeNr"
	ColInstrument             = "instrument"
	ColTradeTime              = "tradeTime"
	ColTradeUnderlyingSpotRef = "tradeUnderlyingSpotRef"
	ColPortfolio              = "portfolio"
	ColCounterparty           = "counterparty"
	ColUnderlying             = "underlying"
)

// FlagPrefix is the name prefix shared by all boolean quality flag columns.
const FlagPrefix = "flag_"

// FlagColumnName returns the canonical name of the i-th flag column (flag_00, flag_01, ...).
func FlagColumnName(i int) string {
	return fmt.Sprintf("%s%02d", FlagPrefix, i)
}

// CumulativeColumn identifies one of the running-total production columns.
//
// Every cumulative column holds, for each trade, the running sum of a per-trade
// increment over all earlier trades of the same instrument. Increments are never
// stored; they are recovered as first differences.
type CumulativeColumn int

const (
	CumDelta CumulativeColumn = iota
	CumDeltaStock
	CumDeltaCertificatesAbandon
	CumDeltaOurAbandon
	CumDeltaExternalAbandon
	CumDeltaOurScheine
	CumDeltaExternalScheine
	PremiaCum
	SpreadsCapture
	FullSpreadCapture
	Total
	PnlVonDeltaCum
	FeesCum
	AufgeldCum

	// NumCumulative is the number of cumulative columns in the schema.
	NumCumulative = int(AufgeldCum) + 1
)

var cumulativeNames = [NumCumulative]string{
	"CumDelta",
	"CumDelta_stock",
	"CumDelta_certificates_abandon",
	"CumDelta_our_abandon",
	"CumDelta_external_abandon",
	"CumDelta_our_scheine",
	"CumDelta_external_scheine",
	"PremiaCum",
	"SpreadsCapture",
	"FullSpreadCapture",
	"Total",
	"PnlVonDeltaCum",
	"feesCum",
	"AufgeldCum",
}

// String returns the column name as it appears in the trade table.
func (c CumulativeColumn) String() string {
	if c < 0 || int(c) >= NumCumulative {
		return fmt.Sprintf("CumulativeColumn(%d)", int(c))
	}
	return cumulativeNames[c]
}

// MarshalText encodes the column by its table name.
func (c CumulativeColumn) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CumulativeColumns returns all cumulative columns in schema order.
func CumulativeColumns() []CumulativeColumn {
	cols := make([]CumulativeColumn, NumCumulative)
	for i := range cols {
		cols[i] = CumulativeColumn(i)
	}
	return cols
}

// ParseCumulativeColumn resolves a table column name to its CumulativeColumn.
func ParseCumulativeColumn(name string) (CumulativeColumn, bool) {
	for i, n := range cumulativeNames {
		if n == name {
			return CumulativeColumn(i), true
		}
	}
	return 0, false
}

// Table is the in-memory trade table supplied by a data provider for one load.
//
// Cells may hold nil, string, bool, any Go integer or float type, decimal.Decimal
// or time.Time. Rows shorter than Columns are read as if padded with nil.
// A Table is never mutated by the analyzer.
type Table struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex maps each column name to the position of its first occurrence.
func (t *Table) ColumnIndex() map[string]int {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := idx[c]; !dup {
			idx[c] = i
		}
	}
	return idx
}

// Cell returns the value at (row, col), or nil when the row is too short.
func (t *Table) Cell(row, col int) any {
	r := t.Rows[row]
	if col < 0 || col >= len(r) {
		return nil
	}
	return r[col]
}

// TradeNr is a trade identifier that is either an integer or a string.
//
// Integer identifiers order numerically, string identifiers lexically, and
// integers sort before strings so that mixed tables still have a total order.
type TradeNr struct {
	num   int64
	str   string
	isNum bool
}

// IntTradeNr builds an integer trade identifier.
func IntTradeNr(n int64) TradeNr {
	return TradeNr{num: n, isNum: true}
}

// StringTradeNr builds a string trade identifier.
func StringTradeNr(s string) TradeNr {
	return TradeNr{str: s}
}

// IsInt reports whether the identifier is numeric.
func (n TradeNr) IsInt() bool { return n.isNum }

// Int returns the numeric value of an integer identifier.
func (n TradeNr) Int() int64 { return n.num }

func (n TradeNr) String() string {
	if n.isNum {
		return strconv.FormatInt(n.num, 10)
	}
	return n.str
}

// Compare returns -1, 0 or +1 depending on the order of n and o.
func (n TradeNr) Compare(o TradeNr) int {
	switch {
	case n.isNum && o.isNum:
		switch {
		case n.num < o.num:
			return -1
		case n.num > o.num:
			return 1
		}
		return 0
	case n.isNum:
		return -1
	case o.isNum:
		return 1
	}
	switch {
	case n.str < o.str:
		return -1
	case n.str > o.str:
		return 1
	}
	return 0
}

// ErrInvalidTradeNr is returned by ParseTradeNr for cells that cannot identify a trade.
var ErrInvalidTradeNr = errors.New("tradeNr must be a non-empty string or an integer")

// ParseTradeNr converts a tradeNr cell. Integral floats are accepted as integers.
func ParseTradeNr(v any) (TradeNr, error) {
	switch x := v.(type) {
	case int:
		return IntTradeNr(int64(x)), nil
	case int32:
		return IntTradeNr(int64(x)), nil
	case int64:
		return IntTradeNr(x), nil
	case uint32:
		return IntTradeNr(int64(x)), nil
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1<<53 {
			return IntTradeNr(int64(x)), nil
		}
	case string:
		if x != "" {
			return StringTradeNr(x), nil
		}
	}
	return TradeNr{}, fmt.Errorf("%w: %v (%T)", ErrInvalidTradeNr, v, v)
}

// MarshalJSON encodes integer identifiers as numbers and string identifiers as strings.
func (n TradeNr) MarshalJSON() ([]byte, error) {
	if n.isNum {
		return []byte(strconv.FormatInt(n.num, 10)), nil
	}
	return []byte(strconv.Quote(n.str)), nil
}

// TradeDay is the calendar date of a trade in the timestamp's own clock.
//
// It is a reporting bucket only: cumulative columns never reset at a day boundary.
type TradeDay struct {
	Year  int
	Month time.Month
	Day   int
}

// NewTradeDay returns the calendar date of t without any timezone conversion.
func NewTradeDay(t time.Time) TradeDay {
	y, m, d := t.Date()
	return TradeDay{Year: y, Month: m, Day: d}
}

func (d TradeDay) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText encodes the day as YYYY-MM-DD.
func (d TradeDay) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Time returns midnight of the day, labelled UTC.
func (d TradeDay) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Compare returns -1, 0 or +1 depending on the chronological order of d and o.
func (d TradeDay) Compare(o TradeDay) int {
	return d.Time().Compare(o.Time())
}

// Before reports whether d is strictly earlier than o.
func (d TradeDay) Before(o TradeDay) bool { return d.Compare(o) < 0 }

// IsZero reports whether the day is unset.
func (d TradeDay) IsZero() bool { return d == TradeDay{} }

// TradeRow represents one validated trade of the input table.
//
// This structure is produced once schema validation and time normalization have
// succeeded, so every field is guaranteed to be well typed. Numeric production
// columns may still be null (Valid == false) because the schema allows missing
// numeric values; flags are always strictly boolean.
type TradeRow struct {
	Index        int       // Position of the row in the input table
	TradeNr      TradeNr   // Unique trade identifier
	Instrument   string    // Traded instrument (e.g., "DAX_CALL")
	Underlying   string    // Underlying symbol (e.g., "DAX")
	Portfolio    string    // Booking portfolio
	Counterparty string    // Trade counterparty
	TradeTime    time.Time // Timezone-naive trade timestamp
	Day          TradeDay  // Calendar date of TradeTime

	SpotRef    decimal.NullDecimal                // Underlying spot reference price
	Cumulative [NumCumulative]decimal.NullDecimal // Stored running totals, indexed by CumulativeColumn
	Flags      []bool                             // Quality flags flag_00..flag_NN
}

// Cum returns the stored value of a cumulative column.
func (r TradeRow) Cum(c CumulativeColumn) decimal.NullDecimal {
	return r.Cumulative[c]
}

// GroupKey identifies an instrument-day bucket.
type GroupKey struct {
	Instrument string
	Day        TradeDay
}

func (k GroupKey) String() string {
	return k.Instrument + " | " + k.Day.String()
}

// CumulativeValue summarizes one cumulative column over an instrument-day group.
//
// Fields:
//   - Start: running total carried into the group from the instrument's previous group (zero for the first)
//   - Recomputed: Start plus the implied increments of the group's rows
//   - End: value stored on the group's last row, as given in the input
type CumulativeValue struct {
	Start      decimal.Decimal
	Recomputed decimal.Decimal
	End        decimal.NullDecimal
}

// Discrepancy records a stored end-of-group cumulative value that does not match
// the value recomputed from increments.
//
// Actual is invalid when the stored value was null; Delta (Actual - Expected) is
// invalid in that case as well.
type Discrepancy struct {
	Instrument string              `json:"instrument"`
	Day        TradeDay            `json:"day"`
	Column     CumulativeColumn    `json:"column"`
	Expected   decimal.Decimal     `json:"expected"`
	Actual     decimal.NullDecimal `json:"actual"`
	Delta      decimal.NullDecimal `json:"delta"`
}

func (d Discrepancy) String() string {
	actual := "null"
	if d.Actual.Valid {
		actual = d.Actual.Decimal.String()
	}
	return fmt.Sprintf("%s %s %s: expected %s, actual %s", d.Instrument, d.Day, d.Column, d.Expected, actual)
}

// InstrumentDayGroup is the rollup of all trades of one instrument on one trade day.
type InstrumentDayGroup struct {
	Key           GroupKey
	Count         int                            // Number of trades in the group
	Rows          []TradeRow                     // Trades of the group in canonical order
	Values        [NumCumulative]CumulativeValue // Per-column start, recomputed and stored end values
	Last          TradeRow                       // End-of-day row (last trade of the group)
	Discrepancies []Discrepancy                  // Findings for this group, possibly empty
}

// End returns the stored end-of-group value of a cumulative column.
func (g InstrumentDayGroup) End(c CumulativeColumn) decimal.NullDecimal {
	return g.Values[c].End
}
