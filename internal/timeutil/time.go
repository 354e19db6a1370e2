// Package timeutil normalizes trade timestamps and derives trade days.
//
// Timestamps are timezone-naive: whatever clock a tradeTime value was recorded
// in, its wall-clock reading is kept and merely relabelled UTC. No conversion
// ever happens, so the trade day boundary is midnight in the timestamp's own
// representation, not at an exchange-session boundary.
package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"posttrade/internal/model"
)

var (
	// ErrInvalidDate is returned by ParseISODate for malformed input.
	ErrInvalidDate = errors.New("please enter dates as YYYY-MM-DD (e.g., 2026-01-21)")

	// ErrUnsupportedTime is returned for cells that cannot hold a timestamp.
	ErrUnsupportedTime = errors.New("unsupported tradeTime value")
)

// maxListed caps how many trade numbers an error message spells out.
const maxListed = 20

// tradeTimeLayouts are tried in order when a tradeTime cell holds a string.
var tradeTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// TimeParseError reports every row whose tradeTime could not be parsed.
//
// Rows are collected in table order so the caller can report all problems of a
// load at once instead of stopping at the first one.
type TimeParseError struct {
	TradeNrs []string
}

func (e *TimeParseError) Error() string {
	listed := e.TradeNrs
	suffix := ""
	if len(listed) > maxListed {
		listed = listed[:maxListed]
		suffix = ", ..."
	}
	return fmt.Sprintf("failed to parse tradeTime for %d trade(s): %s%s",
		len(e.TradeNrs), strings.Join(listed, ", "), suffix)
}

// ParseTradeTime converts a tradeTime cell into a timezone-naive instant.
//
// Supported inputs are time.Time values and strings in RFC3339 (with or without
// fractional seconds and offset), "YYYY-MM-DD HH:MM:SS", "YYYY-MM-DDTHH:MM:SS"
// and plain dates. Offsets are dropped, not applied.
func ParseTradeTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", ErrUnsupportedTime)
		}
		return naive(x), nil
	case *time.Time:
		if x == nil {
			return time.Time{}, fmt.Errorf("%w: nil", ErrUnsupportedTime)
		}
		return ParseTradeTime(*x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, fmt.Errorf("%w: empty string", ErrUnsupportedTime)
		}
		for _, layout := range tradeTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return naive(t), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedTime, x)
	}
	return time.Time{}, fmt.Errorf("%w: %T", ErrUnsupportedTime, v)
}

// naive keeps the wall clock of t and relabels it UTC.
func naive(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)
}

// Normalize parses the tradeTime column of a schema-validated table.
//
// The returned slice is aligned with table rows. When any row fails to parse a
// single *TimeParseError naming every offending tradeNr is returned.
func Normalize(table *model.Table) ([]time.Time, error) {
	idx := table.ColumnIndex()
	timeCol, ok := idx[model.ColTradeTime]
	if !ok {
		return nil, fmt.Errorf("%w: table has no %s column", ErrUnsupportedTime, model.ColTradeTime)
	}
	nrCol := idx[model.ColTradeNr]

	times := make([]time.Time, table.Len())
	var failed []string
	for i := range table.Rows {
		t, err := ParseTradeTime(table.Cell(i, timeCol))
		if err != nil {
			failed = append(failed, tradeNrText(table.Cell(i, nrCol)))
			continue
		}
		times[i] = t
	}

	if len(failed) > 0 {
		return nil, &TimeParseError{TradeNrs: failed}
	}
	return times, nil
}

func tradeNrText(v any) string {
	if nr, err := model.ParseTradeNr(v); err == nil {
		return nr.String()
	}
	return fmt.Sprintf("%v", v)
}

// DayOf derives the trade day of a normalized timestamp.
func DayOf(t time.Time) model.TradeDay {
	return model.NewTradeDay(t)
}

// Compare orders trades by (TradeTime, TradeNr).
func Compare(a, b model.TradeRow) int {
	if c := a.TradeTime.Compare(b.TradeTime); c != 0 {
		return c
	}
	return a.TradeNr.Compare(b.TradeNr)
}

// Less reports whether a sorts before b in canonical trade order.
func Less(a, b model.TradeRow) bool {
	return Compare(a, b) < 0
}

// ParseISODate parses a YYYY-MM-DD date.
func ParseISODate(s string) (model.TradeDay, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return model.TradeDay{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return model.NewTradeDay(t), nil
}

// defaultRangeDays is the length of a load range whose start is omitted.
const defaultRangeDays = 7

// ParseRange parses an optional YYYY-MM-DD load range. A missing end means the
// day of now and a missing start the sixth day before the end.
func ParseRange(from, to string, now time.Time) (model.TradeDay, model.TradeDay, error) {
	toDay := model.NewTradeDay(now)
	if strings.TrimSpace(to) != "" {
		d, err := ParseISODate(to)
		if err != nil {
			return model.TradeDay{}, model.TradeDay{}, err
		}
		toDay = d
	}

	fromDay := model.NewTradeDay(toDay.Time().AddDate(0, 0, 1-defaultRangeDays))
	if strings.TrimSpace(from) != "" {
		d, err := ParseISODate(from)
		if err != nil {
			return model.TradeDay{}, model.TradeDay{}, err
		}
		fromDay = d
	}
	return fromDay, toDay, nil
}

// SessionWindow returns the 08:00-22:00 intraday window used by the detail view.
func SessionWindow(day model.TradeDay) (time.Time, time.Time) {
	base := day.Time()
	return base.Add(8 * time.Hour), base.Add(22 * time.Hour)
}

// USOpenBerlin returns the US equities open (09:30 America/New_York) expressed in
// Europe/Berlin wall clock on the given day. DST differences between the two zones
// are honoured. When zone data is unavailable it falls back to 15:30.
func USOpenBerlin(day model.TradeDay) time.Time {
	fallback := day.Time().Add(15*time.Hour + 30*time.Minute)

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		return fallback
	}
	ber, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return fallback
	}

	open := time.Date(day.Year, day.Month, day.Day, 9, 30, 0, 0, ny).In(ber)
	return time.Date(day.Year, day.Month, day.Day, open.Hour(), open.Minute(), 0, 0, time.UTC)
}
