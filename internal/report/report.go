// Package report builds ranked end-of-day reports from an instrument-day sheet.
//
// For every selected metric the end-of-day rows in a date range are ranked and
// the N highest and/or lowest rows are listed, each block followed by a TOTAL
// line that sums the metric over the block.
package report

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"posttrade/internal/aggregate"
	"posttrade/internal/model"
	"posttrade/internal/sheets"
	"posttrade/internal/utils"
)

// Error definitions for report building
var (
	ErrNoMetrics     = errors.New("select at least 1 metric")
	ErrNoBlocks      = errors.New("select top and/or bottom")
	ErrUnknownMetric = errors.New("unknown metric")
)

// Mode selects the ranking key.
type Mode string

const (
	ModeValue Mode = "Value"      // Rank by signed value
	ModeAbs   Mode = "Abs(Value)" // Rank by magnitude
)

// Rank types of a block.
const (
	RankTop    = "Top"
	RankBottom = "Bottom"
)

// Limits applied to Options.N.
const (
	MinN     = 1
	MaxN     = 50000
	DefaultN = 5
)

// Sign markers of report lines.
const (
	SignPositive = "🟢"
	SignNegative = "🔴"
	SignTotal    = "Σ"
)

// FieldDay is the pseudo field holding the trade day of an end-of-day row.
const FieldDay = "day"

// DefaultMetrics lists the metrics offered by default, in display order.
var DefaultMetrics = []string{
	model.Total.String(),
	model.PremiaCum.String(),
	model.SpreadsCapture.String(),
	model.FullSpreadCapture.String(),
	model.PnlVonDeltaCum.String(),
	model.FeesCum.String(),
	model.AufgeldCum.String(),
}

// DefaultFields lists the descriptive fields offered by default.
var DefaultFields = []string{
	model.ColInstrument,
	FieldDay,
	model.ColPortfolio,
	model.ColCounterparty,
	model.ColUnderlying,
	model.ColTradeUnderlyingSpotRef,
	model.ColTradeNr,
	model.ColTradeTime,
}

// Options configures one report.
type Options struct {
	From, To model.TradeDay // Inclusive day range, swapped when inverted; zero bounds are open
	Metrics  []string       // Metric columns to rank
	Fields   []string       // Descriptive columns shown next to each line
	N        int            // Rows per block, clamped to [MinN, MaxN]
	Mode     Mode           // Ranking key, ModeValue when empty
	Top      bool           // Include the highest N rows
	Bottom   bool           // Include the lowest N rows
}

// Line is one row of a report block.
type Line struct {
	Sign     string          `json:"sign"`
	Metric   string          `json:"metric"`
	RankType string          `json:"rankType"`
	Rank     int             `json:"rank,omitempty"` // 1-based, zero on the TOTAL line
	IsTotal  bool            `json:"isTotal"`
	Value    decimal.Decimal `json:"value"`
	Fields   []string        `json:"fields,omitempty"` // Formatted values aligned with Report.Fields
}

// RankLabel returns the rank as shown in tables: the number or "TOTAL".
func (l Line) RankLabel() string {
	if l.IsTotal {
		return "TOTAL"
	}
	return fmt.Sprint(l.Rank)
}

// Report is a ranked end-of-day report.
type Report struct {
	From    model.TradeDay `json:"from"`
	To      model.TradeDay `json:"to"`
	Mode    Mode           `json:"mode"`
	N       int            `json:"n"`
	Metrics []string       `json:"metrics"`
	Fields  []string       `json:"fields"`
	Rows    int            `json:"rows"` // End-of-day rows in range
	Lines   []Line         `json:"lines"`
}

// Block returns the lines of one (metric, rank type) block.
func (r *Report) Block(metric, rankType string) []Line {
	var out []Line
	for _, l := range r.Lines {
		if l.Metric == metric && l.RankType == rankType {
			out = append(out, l)
		}
	}
	return out
}

// Normalize validates opts and applies defaults.
func (o Options) Normalize() (Options, error) {
	if len(o.Metrics) == 0 {
		return o, ErrNoMetrics
	}
	if !o.Top && !o.Bottom {
		return o, ErrNoBlocks
	}
	for _, m := range o.Metrics {
		if !IsMetric(m) {
			return o, fmt.Errorf("%w: %s", ErrUnknownMetric, m)
		}
	}
	if !o.From.IsZero() && !o.To.IsZero() && o.To.Before(o.From) {
		o.From, o.To = o.To, o.From
	}
	o.N = max(MinN, min(MaxN, o.N))
	if o.Mode != ModeAbs {
		o.Mode = ModeValue
	}
	return o, nil
}

// IsMetric reports whether name is a numeric column that can be ranked.
func IsMetric(name string) bool {
	_, err := metricValue(model.TradeRow{}, name)
	return err == nil
}

// metricValue returns the value of a metric with null read as zero.
func metricValue(r model.TradeRow, name string) (decimal.Decimal, error) {
	if name == model.ColTradeUnderlyingSpotRef {
		return utils.OrZero(r.SpotRef), nil
	}
	if c, ok := model.ParseCumulativeColumn(name); ok {
		return utils.OrZero(r.Cum(c)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
}

// Build ranks the end-of-day rows of sheet.
//
// Processing steps:
//  1. Select the end-of-day rows whose day lies in [From, To]
//  2. For every metric, rank the rows by value or magnitude (ties keep row order)
//  3. Emit the top and/or bottom N rows followed by a TOTAL line per block
//  4. Order blocks by metric name, then rank type
func Build(sheet *aggregate.InstrumentDaySheet, opts Options) (*Report, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	var rows []model.TradeRow
	if sheet != nil {
		rows = sheet.EndOfDayRows(opts.From, opts.To)
	}

	fields := reportFields(opts.Fields)
	rep := &Report{
		From:    opts.From,
		To:      opts.To,
		Mode:    opts.Mode,
		N:       opts.N,
		Metrics: slices.Clone(opts.Metrics),
		Fields:  fields,
		Rows:    len(rows),
	}
	if len(rows) == 0 {
		return rep, nil
	}

	type block struct {
		metric, rankType string
		lines            []Line
	}
	var blocks []block

	for _, m := range uniq(opts.Metrics) {
		entries := make([]entry, len(rows))
		for i, r := range rows {
			v, _ := metricValue(r, m)
			key := v
			if opts.Mode == ModeAbs {
				key = v.Abs()
			}
			entries[i] = entry{row: r, value: v, key: key, pos: i}
		}

		if opts.Top {
			top := rank(entries, opts.N, true)
			blocks = append(blocks, block{m, RankTop, buildLines(m, RankTop, top, fields)})
		}
		if opts.Bottom {
			bottom := rank(entries, opts.N, false)
			blocks = append(blocks, block{m, RankBottom, buildLines(m, RankBottom, bottom, fields)})
		}
	}

	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].metric != blocks[j].metric {
			return blocks[i].metric < blocks[j].metric
		}
		return blocks[i].rankType < blocks[j].rankType
	})
	for _, b := range blocks {
		rep.Lines = append(rep.Lines, b.lines...)
	}
	return rep, nil
}

type entry struct {
	row   model.TradeRow
	value decimal.Decimal
	key   decimal.Decimal
	pos   int
}

// rank returns the n entries with the largest (desc) or smallest keys. Equal keys keep input order.
func rank(entries []entry, n int, desc bool) []entry {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b entry) int {
		c := a.key.Cmp(b.key)
		if desc {
			c = -c
		}
		return cmp.Or(c, cmp.Compare(a.pos, b.pos))
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func buildLines(metric, rankType string, ranked []entry, fields []string) []Line {
	lines := make([]Line, 0, len(ranked)+1)
	total := decimal.Zero
	for i, e := range ranked {
		total = total.Add(e.value)
		lines = append(lines, Line{
			Sign:     sign(e.value),
			Metric:   metric,
			RankType: rankType,
			Rank:     i + 1,
			Value:    e.value,
			Fields:   formatFields(e.row, fields),
		})
	}
	return append(lines, Line{
		Sign:     SignTotal,
		Metric:   metric,
		RankType: rankType,
		IsTotal:  true,
		Value:    total,
	})
}

func sign(v decimal.Decimal) string {
	if v.IsNegative() {
		return SignNegative
	}
	return SignPositive
}

// reportFields drops duplicates and guarantees the instrument and day fields.
func reportFields(fields []string) []string {
	out := make([]string, 0, len(fields)+2)
	for _, must := range []string{model.ColInstrument, FieldDay} {
		if !slices.Contains(fields, must) {
			out = append(out, must)
		}
	}
	return append(out, uniq(fields)...)
}

func formatFields(r model.TradeRow, fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		if f == FieldDay {
			out[i] = r.Day.String()
			continue
		}
		out[i] = sheets.FormatCell(f, r)
	}
	return out
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// summaryMetrics is the number of metrics described by Summary.
const summaryMetrics = 3

var printer = message.NewPrinter(language.English)

// Summary describes the end-of-day rows of a report range.
//
// The first line counts distinct instruments, days and rows. The first three
// metrics follow with sum, mean, minimum, maximum and the number of positive
// and negative values. Values are rounded to whole units with thousands separators.
func Summary(rows []model.TradeRow, metrics []string) []string {
	if len(rows) == 0 {
		return []string{"No rows in range."}
	}

	instruments := make(map[string]struct{})
	days := make(map[model.TradeDay]struct{})
	for _, r := range rows {
		instruments[r.Instrument] = struct{}{}
		days[r.Day] = struct{}{}
	}
	lines := []string{printer.Sprintf("Universe: instruments=%d • days=%d • rows=%d",
		len(instruments), len(days), len(rows))}

	described := 0
	for _, m := range metrics {
		if described == summaryMetrics {
			break
		}
		if !IsMetric(m) {
			continue
		}
		described++

		sum := decimal.Zero
		lo, hi := decimal.Decimal{}, decimal.Decimal{}
		pos, neg := 0, 0
		for i, r := range rows {
			v, _ := metricValue(r, m)
			sum = sum.Add(v)
			if i == 0 || v.LessThan(lo) {
				lo = v
			}
			if i == 0 || v.GreaterThan(hi) {
				hi = v
			}
			switch v.Sign() {
			case 1:
				pos++
			case -1:
				neg++
			}
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(rows))))
		lines = append(lines, printer.Sprintf("%s: Σ=%s | μ=%s | min=%s | max=%s | +%d/-%d",
			m, whole(sum), whole(mean), whole(lo), whole(hi), pos, neg))
	}
	if len(metrics) > summaryMetrics {
		lines = append(lines, "… (summary shows first 3 metrics)")
	}
	return lines
}

// whole formats v rounded to an integer with thousands separators.
func whole(v decimal.Decimal) string {
	return printer.Sprintf("%d", v.Round(0).IntPart())
}
