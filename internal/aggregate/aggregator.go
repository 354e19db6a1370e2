// Package aggregate rolls validated trades up into per-instrument, per-day groups
// and checks the stored cumulative columns for consistency.
//
// Cumulative columns hold running totals per instrument. Per-trade increments are
// never stored, so they are recovered as first differences over the instrument's
// own trade sequence, across day boundaries. A plain first difference always sums
// back to the stored value it came from, so on its own it can never reveal a bad
// cell. The aggregator uses two signals instead.
//
// The first are the reconciliation identities that bind the columns together:
//
//	CumDelta = CumDelta_stock + CumDelta_our_scheine + CumDelta_external_scheine
//	Total    = PremiaCum + SpreadsCapture + FullSpreadCapture + PnlVonDeltaCum + feesCum + AufgeldCum
//
// An identity governs an instrument only if it holds on the instrument's first
// trade. When a later row breaks a governing identity, exactly one member is
// blamed: the single member whose first difference jumped, otherwise the total.
// The blamed member takes the value the identity implies from the other members.
//
// The second are jumps: a first difference larger than JumpFactor times the
// largest one seen so far for the instrument, its first trade excluded. A jump in
// a column that no governing identity vouches for is replaced by the column's
// previous accepted increment.
//
// Every other cell is taken as stored, so recomputation resyncs
// after a bad cell and one corrupted value never flags the days that follow.
//
// Processing steps:
//  1. Walk the raw sheet in canonical order, tracking per instrument the previous stored
//     values, the recomputed running totals and the governing identities
//  2. Derive the implied increment of every row
//  3. Group rows by (instrument, trade day) in first-seen order
//  4. Start every group from the instrument's previous recomputed end (zero for the first group)
//  5. Compare start + sum of increments with the stored value on the group's last row
package aggregate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"posttrade/internal/model"
	"posttrade/internal/sheets"
	"posttrade/internal/utils"
)

// Error definitions for aggregator configuration
var (
	ErrNegativeTolerance  = errors.New("tolerance must not be negative")
	ErrNegativeJumpFactor = errors.New("jump factor must not be negative")
	ErrColumnBoundTwice   = errors.New("column is bound by more than one identity")
	ErrEmptyIdentity      = errors.New("identity needs at least one part")
)

// DefaultTolerance is the absolute epsilon used when comparing recomputed and stored values.
var DefaultTolerance = decimal.New(1, -6)

// DefaultJumpFactor is how many times the largest previous first difference a new
// one must exceed to count as a jump.
var DefaultJumpFactor = decimal.NewFromInt(100)

// Identity states that Total equals the sum of Parts on every row.
type Identity struct {
	Total model.CumulativeColumn
	Parts []model.CumulativeColumn
}

// DefaultIdentities returns the reconciliation identities of the production schema.
func DefaultIdentities() []Identity {
	return []Identity{
		{
			Total: model.CumDelta,
			Parts: []model.CumulativeColumn{model.CumDeltaStock, model.CumDeltaOurScheine, model.CumDeltaExternalScheine},
		},
		{
			Total: model.Total,
			Parts: []model.CumulativeColumn{
				model.PremiaCum, model.SpreadsCapture, model.FullSpreadCapture,
				model.PnlVonDeltaCum, model.FeesCum, model.AufgeldCum,
			},
		},
	}
}

// Config controls discrepancy detection.
type Config struct {
	Tolerance       decimal.Decimal                             // Absolute epsilon for every column
	ColumnTolerance map[model.CumulativeColumn]decimal.Decimal // Per-column overrides of Tolerance
	Identities      []Identity                                  // Reconciliation identities; nil disables them
	JumpFactor      decimal.Decimal                             // Jump threshold; zero disables jump detection
}

// DefaultConfig returns the production configuration: 1e-6 absolute tolerance,
// both reconciliation identities and jump detection enabled.
func DefaultConfig() Config {
	return Config{
		Tolerance:  DefaultTolerance,
		Identities: DefaultIdentities(),
		JumpFactor: DefaultJumpFactor,
	}
}

// binding records which identity a column belongs to.
type binding struct {
	identity int // index into Config.Identities, -1 when unbound
}

// InstrumentDaySheet is the result of one aggregation run.
type InstrumentDaySheet struct {
	Groups        []model.InstrumentDayGroup // One group per (instrument, day), first-seen order
	Discrepancies []model.Discrepancy        // All findings, in group order
}

// Group returns the group for key.
func (s *InstrumentDaySheet) Group(key model.GroupKey) (model.InstrumentDayGroup, bool) {
	for _, g := range s.Groups {
		if g.Key == key {
			return g, true
		}
	}
	return model.InstrumentDayGroup{}, false
}

// EndOfDayRows returns the last trade of every group whose day lies in [from, to].
// A zero bound is open.
func (s *InstrumentDaySheet) EndOfDayRows(from, to model.TradeDay) []model.TradeRow {
	var out []model.TradeRow
	for _, g := range s.Groups {
		if !from.IsZero() && g.Key.Day.Before(from) {
			continue
		}
		if !to.IsZero() && to.Before(g.Key.Day) {
			continue
		}
		out = append(out, g.Last)
	}
	return out
}

// Aggregator builds instrument-day sheets from raw sheets.
//
// An Aggregator is immutable after construction and safe for concurrent use; all
// per-run state lives in the run.
type Aggregator struct {
	cfg      Config
	bindings [model.NumCumulative]binding
}

// NewAggregator validates cfg and creates an aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Tolerance.IsNegative() {
		return nil, ErrNegativeTolerance
	}
	if cfg.JumpFactor.IsNegative() {
		return nil, ErrNegativeJumpFactor
	}
	for c, tol := range cfg.ColumnTolerance {
		if tol.IsNegative() {
			return nil, fmt.Errorf("%w: %s", ErrNegativeTolerance, c)
		}
	}

	agg := &Aggregator{cfg: cfg}
	for i := range agg.bindings {
		agg.bindings[i] = binding{identity: -1}
	}

	bind := func(c model.CumulativeColumn, id int) error {
		if agg.bindings[c].identity >= 0 {
			return fmt.Errorf("%w: %s", ErrColumnBoundTwice, c)
		}
		agg.bindings[c] = binding{identity: id}
		return nil
	}
	for i, id := range cfg.Identities {
		if len(id.Parts) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyIdentity, id.Total)
		}
		if err := bind(id.Total, i); err != nil {
			return nil, err
		}
		for _, p := range id.Parts {
			if err := bind(p, i); err != nil {
				return nil, err
			}
		}
	}
	return agg, nil
}

// tolerance returns the epsilon for a column.
func (agg *Aggregator) tolerance(c model.CumulativeColumn) decimal.Decimal {
	if tol, ok := agg.cfg.ColumnTolerance[c]; ok {
		return tol
	}
	return agg.cfg.Tolerance
}

// vector holds one decimal per cumulative column.
type vector = [model.NumCumulative]decimal.Decimal

// Aggregate groups the raw sheet by instrument and day and checks every group.
//
// Discrepancies are non-fatal: they are reported alongside the groups and never
// abort the run.
func (agg *Aggregator) Aggregate(raw *sheets.RawSheet) *InstrumentDaySheet {
	rows := raw.Rows()

	// Implied increments, aligned with rows
	increments := agg.increments(rows)
	type indexed struct {
		row model.TradeRow
		inc vector
	}
	items := make([]indexed, len(rows))
	for i := range rows {
		items[i] = indexed{row: rows[i], inc: increments[i]}
	}

	groups := utils.GroupBy(items, func(it indexed) model.GroupKey {
		return model.GroupKey{Instrument: it.row.Instrument, Day: it.row.Day}
	})

	// Recomputed running totals carried from group to group, per instrument
	carry := make(map[string]vector)

	sheet := &InstrumentDaySheet{Groups: make([]model.InstrumentDayGroup, 0, len(groups))}
	for _, grp := range groups {
		start := carry[grp.Key.Instrument]
		last := grp.Items[len(grp.Items)-1].row

		g := model.InstrumentDayGroup{
			Key:   grp.Key,
			Count: len(grp.Items),
			Rows:  make([]model.TradeRow, len(grp.Items)),
			Last:  last,
		}
		recomputed := start
		for i, it := range grp.Items {
			g.Rows[i] = it.row
			for c := range recomputed {
				recomputed[c] = recomputed[c].Add(it.inc[c])
			}
		}

		for _, c := range model.CumulativeColumns() {
			g.Values[c] = model.CumulativeValue{
				Start:      start[c],
				Recomputed: recomputed[c],
				End:        last.Cum(c),
			}
			if d, bad := agg.check(grp.Key, c, recomputed[c], last.Cum(c)); bad {
				g.Discrepancies = append(g.Discrepancies, d)
			}
		}

		carry[grp.Key.Instrument] = recomputed
		sheet.Discrepancies = append(sheet.Discrepancies, g.Discrepancies...)
		sheet.Groups = append(sheet.Groups, g)
	}

	log.Debug().
		Int("rows", len(rows)).
		Int("groups", len(sheet.Groups)).
		Int("discrepancies", len(sheet.Discrepancies)).
		Msg("instrument-day aggregation complete")

	return sheet
}

// check compares a recomputed end value with the stored one.
func (agg *Aggregator) check(key model.GroupKey, c model.CumulativeColumn, expected decimal.Decimal, actual decimal.NullDecimal) (model.Discrepancy, bool) {
	d := model.Discrepancy{
		Instrument: key.Instrument,
		Day:        key.Day,
		Column:     c,
		Expected:   expected,
		Actual:     actual,
	}
	if !actual.Valid {
		return d, true
	}
	diff := actual.Decimal.Sub(expected)
	if diff.Abs().LessThanOrEqual(agg.tolerance(c)) {
		return d, false
	}
	d.Delta = decimal.NewNullDecimal(diff)
	return d, true
}

// track is the per-instrument state of one run.
type track struct {
	prev     vector // previous stored values, null as zero
	rec      vector // recomputed running totals
	accepted vector // last increment taken as stored
	peak     vector // largest absolute first difference after the first trade
	governs  []bool // identities that held on the first trade
}

// increments derives the implied per-row increments of every cumulative column.
//
// Stored values are read leniently (null as zero). The previous value before an
// instrument's first trade is zero, so the first trade's increment is its own value.
func (agg *Aggregator) increments(rows []model.TradeRow) []vector {
	tracks := make(map[string]*track)
	out := make([]vector, len(rows))

	for i, r := range rows {
		var cur vector
		for c := range cur {
			cur[c] = utils.OrZero(r.Cumulative[c])
		}

		st, ok := tracks[r.Instrument]
		if !ok {
			st = &track{prev: cur, rec: cur, accepted: cur, governs: make([]bool, len(agg.cfg.Identities))}
			for k, id := range agg.cfg.Identities {
				st.governs[k] = agg.holds(cur, id)
			}
			tracks[r.Instrument] = st
			out[i] = cur
			continue
		}

		out[i] = agg.step(st, cur)
	}
	return out
}

// step advances an instrument by one row and returns the row's implied increment.
func (agg *Aggregator) step(st *track, cur vector) vector {
	var raw vector
	var jumped, blamed [model.NumCumulative]bool
	for c := range cur {
		raw[c] = cur[c].Sub(st.prev[c])
		jumped[c] = agg.jumped(st.peak[c], raw[c])
	}

	next := cur
	for c, b := range agg.bindings {
		governed := b.identity >= 0 && st.governs[b.identity]
		if jumped[c] && !governed {
			blamed[c] = true
			next[c] = st.rec[c].Add(st.accepted[c])
		}
	}

	for k, id := range agg.cfg.Identities {
		if !st.governs[k] || agg.holds(cur, id) {
			continue
		}
		culprit := blame(id, jumped)
		blamed[culprit] = true
		next[culprit] = implied(id, culprit, next)
	}

	var inc vector
	for c := range inc {
		inc[c] = next[c].Sub(st.rec[c])
		if !blamed[c] {
			st.accepted[c] = inc[c]
		}
		if a := raw[c].Abs(); a.GreaterThan(st.peak[c]) {
			st.peak[c] = a
		}
	}
	st.prev = cur
	st.rec = next
	return inc
}

// jumped reports whether a first difference exceeds JumpFactor times the peak.
// Without a non-zero peak there is nothing to compare with.
func (agg *Aggregator) jumped(peak, diff decimal.Decimal) bool {
	if agg.cfg.JumpFactor.IsZero() || peak.IsZero() {
		return false
	}
	return diff.Abs().GreaterThan(peak.Mul(agg.cfg.JumpFactor))
}

// holds reports whether the identity is satisfied by v within the total's tolerance.
func (agg *Aggregator) holds(v vector, id Identity) bool {
	sum := decimal.Zero
	for _, p := range id.Parts {
		sum = sum.Add(v[p])
	}
	return v[id.Total].Sub(sum).Abs().LessThanOrEqual(agg.tolerance(id.Total))
}

// blame picks the member of a broken identity to correct: the only member that
// jumped, or the total when none or several did.
func blame(id Identity, jumped [model.NumCumulative]bool) model.CumulativeColumn {
	culprit, n := id.Total, 0
	if jumped[id.Total] {
		n++
	}
	for _, p := range id.Parts {
		if jumped[p] {
			culprit = p
			n++
		}
	}
	if n != 1 {
		return id.Total
	}
	return culprit
}

// implied returns the value the identity assigns to member given the others in v.
func implied(id Identity, member model.CumulativeColumn, v vector) decimal.Decimal {
	parts := decimal.Zero
	for _, p := range id.Parts {
		if p != member {
			parts = parts.Add(v[p])
		}
	}
	if member == id.Total {
		return parts
	}
	return v[id.Total].Sub(parts)
}
