// Package schema enforces the fixed trade table layout on ingest.
//
// A trade table has exactly TotalColumns columns: the 21 production columns in a
// fixed order followed by boolean quality flags flag_00..flag_NN. Validation is
// pure and reports every offending column of the first failing check, so a user
// can fix an export in one round trip instead of one column at a time.
//
// Check precedence:
//  1. Missing columns
//  2. Unexpected (extra or duplicated) columns
//  3. Cell type mismatches
//  4. Duplicate trade numbers
//
// Later checks assume the column set is complete, hence the ordering.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"posttrade/internal/model"
	"posttrade/internal/utils"
)

// DefaultTotalColumns is the column count of the production schema.
const DefaultTotalColumns = 64

// maxListedRows caps how many offending rows an error message spells out.
const maxListedRows = 20

// ErrTooFewColumns is returned by NewValidator when the configured width cannot
// hold the production columns.
var ErrTooFewColumns = errors.New("total column count is smaller than the number of production columns")

// ProductionColumns lists the production columns in schema order.
var ProductionColumns = []string{
	model.ColTradeNr,
	model.ColInstrument,
	model.ColTradeTime,
	model.ColTradeUnderlyingSpotRef,
	model.ColPortfolio,
	model.ColCounterparty,
	model.ColUnderlying,
	model.CumDelta.String(),
	model.CumDeltaStock.String(),
	model.CumDeltaCertificatesAbandon.String(),
	model.CumDeltaOurAbandon.String(),
	model.CumDeltaExternalAbandon.String(),
	model.CumDeltaOurScheine.String(),
	model.CumDeltaExternalScheine.String(),
	model.PremiaCum.String(),
	model.SpreadsCapture.String(),
	model.FullSpreadCapture.String(),
	model.Total.String(),
	model.PnlVonDeltaCum.String(),
	model.FeesCum.String(),
	model.AufgeldCum.String(),
}

// categoricalColumns hold free text and accept strings or null.
var categoricalColumns = map[string]struct{}{
	model.ColInstrument:   {},
	model.ColPortfolio:    {},
	model.ColCounterparty: {},
	model.ColUnderlying:   {},
}

// FlagColumns returns the flag column names flag_00..flag_{n-1}.
func FlagColumns(n int) []string {
	cols := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cols = append(cols, model.FlagColumnName(i))
	}
	return cols
}

// Config is the immutable schema configuration built once at startup.
type Config struct {
	TotalColumns int // Total number of columns, production plus flags
}

// DefaultConfig returns the production schema configuration.
func DefaultConfig() Config {
	return Config{TotalColumns: DefaultTotalColumns}
}

// Kind classifies a structural schema failure.
type Kind int

const (
	MissingColumn Kind = iota
	UnexpectedColumn
	TypeMismatch
	DuplicateTradeNr
)

func (k Kind) String() string {
	switch k {
	case MissingColumn:
		return "MissingColumn"
	case UnexpectedColumn:
		return "UnexpectedColumn"
	case TypeMismatch:
		return "TypeMismatch"
	case DuplicateTradeNr:
		return "DuplicateTradeNr"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SchemaError reports a structural problem of the input table. It is fatal to a load.
//
// Fields:
//   - Kind: which check failed
//   - Columns: every offending column, in schema order where one exists
//   - Rows: offending row indices for TypeMismatch, ascending
//   - TradeNrs: duplicated identifiers for DuplicateTradeNr
type SchemaError struct {
	Kind     Kind     `json:"kind"`
	Columns  []string `json:"columns"`
	Rows     []int    `json:"rows,omitempty"`
	TradeNrs []string `json:"tradeNrs,omitempty"`
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case MissingColumn:
		fmt.Fprintf(&b, "missing required columns: %s", strings.Join(e.Columns, ", "))
	case UnexpectedColumn:
		fmt.Fprintf(&b, "unexpected columns: %s", strings.Join(e.Columns, ", "))
	case TypeMismatch:
		fmt.Fprintf(&b, "type mismatch in columns: %s", strings.Join(e.Columns, ", "))
	case DuplicateTradeNr:
		fmt.Fprintf(&b, "duplicate tradeNr values: %s", strings.Join(e.TradeNrs, ", "))
	default:
		fmt.Fprintf(&b, "schema error %s: %s", e.Kind, strings.Join(e.Columns, ", "))
	}

	if len(e.Rows) > 0 {
		listed := e.Rows
		if len(listed) > maxListedRows {
			listed = listed[:maxListedRows]
		}
		parts := make([]string, len(listed))
		for i, r := range listed {
			parts[i] = fmt.Sprint(r)
		}
		fmt.Fprintf(&b, " (rows %s", strings.Join(parts, ", "))
		if len(e.Rows) > maxListedRows {
			fmt.Fprintf(&b, ", ... %d total", len(e.Rows))
		}
		b.WriteString(")")
	}
	return b.String()
}

// Validator checks and decodes trade tables against one schema configuration.
type Validator struct {
	cfg      Config
	flags    []string
	expected []string       // production columns followed by flags
	position map[string]int // expected column name -> schema position
}

// NewValidator builds a validator for cfg.
func NewValidator(cfg Config) (*Validator, error) {
	nFlags := cfg.TotalColumns - len(ProductionColumns)
	if nFlags < 0 {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooFewColumns, cfg.TotalColumns, len(ProductionColumns))
	}

	flags := FlagColumns(nFlags)
	expected := make([]string, 0, cfg.TotalColumns)
	expected = append(expected, ProductionColumns...)
	expected = append(expected, flags...)

	position := make(map[string]int, len(expected))
	for i, c := range expected {
		position[c] = i
	}

	return &Validator{cfg: cfg, flags: flags, expected: expected, position: position}, nil
}

// Config returns the configuration the validator was built with.
func (v *Validator) Config() Config { return v.cfg }

// Columns returns every expected column name in schema order.
func (v *Validator) Columns() []string {
	out := make([]string, len(v.expected))
	copy(out, v.expected)
	return out
}

// FlagCount returns the number of flag columns.
func (v *Validator) FlagCount() int { return len(v.flags) }

// Validate checks the table against the schema and returns a *SchemaError on failure.
func (v *Validator) Validate(table *model.Table) error {
	if err := v.checkMissing(table); err != nil {
		return err
	}
	if err := v.checkUnexpected(table); err != nil {
		return err
	}
	if err := v.checkTypes(table); err != nil {
		return err
	}
	if err := v.checkDuplicates(table); err != nil {
		return err
	}
	return nil
}

func (v *Validator) checkMissing(table *model.Table) *SchemaError {
	present := make(map[string]struct{}, len(table.Columns))
	for _, c := range table.Columns {
		present[c] = struct{}{}
	}

	var missing []string
	for _, c := range v.expected {
		if _, ok := present[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &SchemaError{Kind: MissingColumn, Columns: missing}
}

func (v *Validator) checkUnexpected(table *model.Table) *SchemaError {
	seen := make(map[string]struct{}, len(table.Columns))
	var extra []string
	for _, c := range table.Columns {
		_, known := v.position[c]
		_, dup := seen[c]
		seen[c] = struct{}{}
		if !known || dup {
			extra = append(extra, c)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return &SchemaError{Kind: UnexpectedColumn, Columns: extra}
}

func (v *Validator) checkTypes(table *model.Table) *SchemaError {
	badCols := make(map[int]struct{})
	badRows := make(map[int]struct{})

	for col, name := range table.Columns {
		check := v.cellCheck(name)
		if check == nil {
			continue
		}
		for row := range table.Rows {
			if !check(table.Cell(row, col)) {
				badCols[v.position[name]] = struct{}{}
				badRows[row] = struct{}{}
			}
		}
	}
	if len(badCols) == 0 {
		return nil
	}

	positions := sortedKeys(badCols)
	cols := make([]string, len(positions))
	for i, p := range positions {
		cols[i] = v.expected[p]
	}
	return &SchemaError{Kind: TypeMismatch, Columns: cols, Rows: sortedKeys(badRows)}
}

func (v *Validator) checkDuplicates(table *model.Table) *SchemaError {
	col := table.ColumnIndex()[model.ColTradeNr]
	seen := make(map[model.TradeNr]int, table.Len())
	var dups []string
	for row := range table.Rows {
		nr, err := model.ParseTradeNr(table.Cell(row, col))
		if err != nil {
			continue
		}
		seen[nr]++
		if seen[nr] == 2 {
			dups = append(dups, nr.String())
		}
	}
	if len(dups) == 0 {
		return nil
	}
	return &SchemaError{Kind: DuplicateTradeNr, Columns: []string{model.ColTradeNr}, TradeNrs: dups}
}

// cellCheck returns the type predicate for a column, or nil when its values are
// checked elsewhere.
func (v *Validator) cellCheck(name string) func(any) bool {
	switch {
	case name == model.ColTradeTime:
		return nil
	case name == model.ColTradeNr:
		return isTradeNr
	case strings.HasPrefix(name, model.FlagPrefix):
		return isBool
	}
	if _, ok := categoricalColumns[name]; ok {
		return isText
	}
	return isNumeric
}

func isTradeNr(v any) bool {
	_, err := model.ParseTradeNr(v)
	return err == nil
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isText(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(string)
	return ok
}

func isNumeric(v any) bool {
	_, err := utils.CoerceDecimal(v, utils.Strict)
	return err == nil
}

func sortedKeys(m map[int]struct{}) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Decode converts a validated table into typed trade rows.
//
// times must be the output of timeutil.Normalize for the same table. Decode does
// not re-validate: it returns an error only when the inputs are inconsistent.
func (v *Validator) Decode(table *model.Table, times []time.Time) ([]model.TradeRow, error) {
	if len(times) != table.Len() {
		return nil, fmt.Errorf("decode: %d timestamps for %d rows", len(times), table.Len())
	}

	idx := table.ColumnIndex()
	cumCols := make([]int, model.NumCumulative)
	for _, c := range model.CumulativeColumns() {
		cumCols[c] = idx[c.String()]
	}
	flagCols := make([]int, len(v.flags))
	for i, f := range v.flags {
		flagCols[i] = idx[f]
	}

	text := func(row int, name string) string {
		s, _ := table.Cell(row, idx[name]).(string)
		return s
	}

	rows := make([]model.TradeRow, table.Len())
	for i := range table.Rows {
		nr, err := model.ParseTradeNr(table.Cell(i, idx[model.ColTradeNr]))
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}
		spot, err := utils.CoerceDecimal(table.Cell(i, idx[model.ColTradeUnderlyingSpotRef]), utils.Strict)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", i, err)
		}

		r := model.TradeRow{
			Index:        i,
			TradeNr:      nr,
			Instrument:   text(i, model.ColInstrument),
			Underlying:   text(i, model.ColUnderlying),
			Portfolio:    text(i, model.ColPortfolio),
			Counterparty: text(i, model.ColCounterparty),
			TradeTime:    times[i],
			Day:          model.NewTradeDay(times[i]),
			SpotRef:      spot,
			Flags:        make([]bool, len(flagCols)),
		}
		for c, col := range cumCols {
			val, err := utils.CoerceDecimal(table.Cell(i, col), utils.Strict)
			if err != nil {
				return nil, fmt.Errorf("decode row %d column %s: %w", i, model.CumulativeColumn(c), err)
			}
			r.Cumulative[c] = val
		}
		for f, col := range flagCols {
			r.Flags[f], _ = table.Cell(i, col).(bool)
		}
		rows[i] = r
	}
	return rows, nil
}
