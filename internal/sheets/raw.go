// Package sheets builds the presentation-ready views of a load.
//
// The raw sheet is the full validated trade table in canonical (tradeTime, tradeNr)
// order. The detail view narrows it to one instrument on one trade day and applies
// flag filters and per-column sorting. Both are read-only: callers get copies and
// the rows they were built from are never reordered in place.
package sheets

import (
	"sort"

	"posttrade/internal/model"
	"posttrade/internal/timeutil"
	"posttrade/internal/utils"
)

// DefaultPreviewRows is the number of rows shown by a raw sheet preview.
const DefaultPreviewRows = 500

// RawSheet holds every validated trade of a load in canonical order.
type RawSheet struct {
	rows []model.TradeRow
}

// BuildRawSheet sorts rows stably by (tradeTime, tradeNr).
//
// The row count is preserved and cell values are untouched. The input slice is
// not modified.
func BuildRawSheet(rows []model.TradeRow) *RawSheet {
	return &RawSheet{rows: utils.StableSortBy(rows, timeutil.Less)}
}

// Len returns the number of trades in the sheet.
func (s *RawSheet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Rows returns a copy of all rows in canonical order.
func (s *RawSheet) Rows() []model.TradeRow {
	if s == nil {
		return nil
	}
	out := make([]model.TradeRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// Preview returns a copy of the first n rows, or all rows when n <= 0 or n exceeds the length.
func (s *RawSheet) Preview(n int) []model.TradeRow {
	rows := s.Rows()
	if n <= 0 || n >= len(rows) {
		return rows
	}
	return rows[:n]
}

// Instruments returns the sorted set of non-empty instruments in the sheet.
func Instruments(s *RawSheet) []string {
	set := make(map[string]struct{})
	for _, r := range s.Rows() {
		if r.Instrument != "" {
			set[r.Instrument] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for inst := range set {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Days returns the sorted set of trade days present for an instrument.
// An empty instrument matches every row.
func Days(s *RawSheet, instrument string) []model.TradeDay {
	set := make(map[model.TradeDay]struct{})
	for _, r := range s.Rows() {
		if instrument == "" || r.Instrument == instrument {
			set[r.Day] = struct{}{}
		}
	}
	out := make([]model.TradeDay, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
