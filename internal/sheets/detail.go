package sheets

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posttrade/internal/model"
	"posttrade/internal/timeutil"
	"posttrade/internal/utils"
)

// FlagFilter restricts a flag column in the detail view.
type FlagFilter string

const (
	FlagAll   FlagFilter = "All"
	FlagTrue  FlagFilter = "True"
	FlagFalse FlagFilter = "False"
)

// ParseFlagFilter accepts All, True or False case-insensitively. Empty means All.
func ParseFlagFilter(s string) (FlagFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FlagAll, nil
	case "true":
		return FlagTrue, nil
	case "false":
		return FlagFalse, nil
	}
	return "", fmt.Errorf("invalid flag filter %q: expected All, True or False", s)
}

// DetailQuery selects the trades of one instrument on one day.
type DetailQuery struct {
	Instrument string
	Day        model.TradeDay
	Flags      map[string]FlagFilter // flag column -> filter; absent columns are not filtered
	SortColumn string                // optional column to sort the filtered rows by
	Descending bool
}

// DetailView is the instrument-day detail of the raw sheet.
//
// Rows are in trade time order unless a sort column was requested. BaseCount is
// the number of trades before flag filters were applied.
type DetailView struct {
	Instrument   string           `json:"instrument"`
	Day          model.TradeDay   `json:"day"`
	BaseCount    int              `json:"baseCount"`
	Rows         []model.TradeRow `json:"-"`
	SessionStart time.Time        `json:"sessionStart"`
	SessionEnd   time.Time        `json:"sessionEnd"`
	USOpen       time.Time        `json:"usOpen"`
	PreUSOpen    int              `json:"preUsOpen"`  // trades before the US open
	PostUSOpen   int              `json:"postUsOpen"` // trades at or after the US open
}

// Detail builds the detail view for q.
func Detail(s *RawSheet, q DetailQuery) (*DetailView, error) {
	for col, f := range q.Flags {
		if _, ok := flagIndex(col); !ok {
			return nil, fmt.Errorf("%w: %s is not a flag column", ErrUnknownColumn, col)
		}
		if f != FlagAll && f != FlagTrue && f != FlagFalse {
			return nil, fmt.Errorf("invalid flag filter %q for %s", f, col)
		}
	}

	var base []model.TradeRow
	for _, r := range s.Rows() {
		if r.Instrument == q.Instrument && r.Day == q.Day {
			base = append(base, r)
		}
	}

	rows := make([]model.TradeRow, 0, len(base))
	for _, r := range base {
		if matchFlags(r, q.Flags) {
			rows = append(rows, r)
		}
	}

	if q.SortColumn != "" {
		sorted, err := SortBy(rows, q.SortColumn, !q.Descending)
		if err != nil {
			return nil, err
		}
		rows = sorted
	}

	start, end := timeutil.SessionWindow(q.Day)
	view := &DetailView{
		Instrument:   q.Instrument,
		Day:          q.Day,
		BaseCount:    len(base),
		Rows:         rows,
		SessionStart: start,
		SessionEnd:   end,
		USOpen:       timeutil.USOpenBerlin(q.Day),
	}
	for _, r := range rows {
		if r.TradeTime.Before(view.USOpen) {
			view.PreUSOpen++
		} else {
			view.PostUSOpen++
		}
	}
	return view, nil
}

func matchFlags(r model.TradeRow, filters map[string]FlagFilter) bool {
	for col, f := range filters {
		if f == FlagAll {
			continue
		}
		i, _ := flagIndex(col)
		if i >= len(r.Flags) {
			return false
		}
		if r.Flags[i] != (f == FlagTrue) {
			return false
		}
	}
	return true
}

// SortBy returns a copy of rows stably sorted by one column.
//
// Null numerics sort last in both directions. Flags order false before true.
func SortBy(rows []model.TradeRow, column string, ascending bool) ([]model.TradeRow, error) {
	if len(rows) > 0 {
		if _, err := cellValue(rows[0], column); err != nil {
			return nil, err
		}
	}

	less := func(a, b model.TradeRow) bool {
		va, _ := cellValue(a, column)
		vb, _ := cellValue(b, column)

		if na, ok := va.(decimal.NullDecimal); ok {
			nb := vb.(decimal.NullDecimal)
			switch {
			case !na.Valid || !nb.Valid:
				return na.Valid && !nb.Valid
			case ascending:
				return na.Decimal.LessThan(nb.Decimal)
			default:
				return na.Decimal.GreaterThan(nb.Decimal)
			}
		}

		c := compareValues(va, vb)
		if ascending {
			return c < 0
		}
		return c > 0
	}
	return utils.StableSortBy(rows, less), nil
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case model.TradeNr:
		return x.Compare(b.(model.TradeNr))
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	return 0
}
