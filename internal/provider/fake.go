package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"posttrade/internal/model"
	"posttrade/internal/schema"
	"posttrade/internal/utils"
)

// FakeConfig holds configuration parameters for the FakeProvider.
type FakeConfig struct {
	Rows int   // Number of trades generated per load
	Seed int64 // Offset of the trade time mixing
}

var (
	fakeInstruments    = []string{"DAX_CALL", "DAX_PUT", "SPX_CALL", "SPX_PUT", "SX5E_CALL", "SX5E_PUT"}
	fakeUnderlyings    = []string{"DAX", "SPX", "SX5E", "NDX", "AAPL", "MSFT"}
	fakeCounterparties = []string{"CP_A", "CP_B", "CP_C", "CP_D", "CP_E", "CP_F", "CP_G"}
	fakePortfolios     = []string{"MM_CORE", "MM_FLOW", "MM_HEDGE", "MM_PROP"}
	fakeSpotBase       = map[string]int64{"DAX": 18000, "SPX": 5200, "SX5E": 4800, "NDX": 18000, "AAPL": 190, "MSFT": 420}
)

// FakeProvider generates a deterministic, schema-conforming trade table.
//
// All values derive from the row index through fixed multiplicative mixing, so
// equal inputs always give equal tables. Cumulative columns run per instrument
// across days and satisfy both reconciliation identities on every row, so a
// generated table aggregates without discrepancies.
type FakeProvider struct {
	cfg     FakeConfig
	columns []string
}

// NewFakeProvider creates a generator emitting the columns of schemaCfg.
func NewFakeProvider(cfg FakeConfig, schemaCfg schema.Config) (*FakeProvider, error) {
	v, err := schema.NewValidator(schemaCfg)
	if err != nil {
		return nil, err
	}
	return &FakeProvider{cfg: cfg, columns: v.Columns()}, nil
}

type fakeTrade struct {
	nr         int64
	ts         time.Time
	instrument string
	underlying string
	cells      []any
}

// LoadTrades implements TradeDataProvider.
func (p *FakeProvider) LoadTrades(ctx context.Context, from, to model.TradeDay) (*model.Table, error) {
	if err := CheckRange(from, to); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := from.Time()
	span := int64(to.Time().Sub(start)/time.Second) + 24*60*60

	n := int64(p.cfg.Rows)
	trades := make([]fakeTrade, 0, n)
	for i := int64(0); i < n; i++ {
		offset := (i*1103515245 + p.cfg.Seed) % span
		if offset < 0 {
			offset += span
		}
		ul := fakeUnderlyings[(i*2246822519+19)%int64(len(fakeUnderlyings))]
		trades = append(trades, fakeTrade{
			nr:         i + 1,
			ts:         start.Add(time.Duration(offset) * time.Second),
			instrument: fakeInstruments[(i*2654435761+7)%int64(len(fakeInstruments))],
			underlying: ul,
			cells:      make([]any, len(p.columns)),
		})
	}

	// Running totals accumulate per instrument in trade order
	ordered := utils.StableSortBy(trades, func(a, b fakeTrade) bool {
		if a.instrument != b.instrument {
			return a.instrument < b.instrument
		}
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		return a.nr < b.nr
	})
	running := make(map[string]*[model.NumCumulative]decimal.Decimal)
	for _, t := range ordered {
		run, ok := running[t.instrument]
		if !ok {
			run = new([model.NumCumulative]decimal.Decimal)
			running[t.instrument] = run
		}
		p.fill(t, run)
	}

	sorted := utils.StableSortBy(trades, func(a, b fakeTrade) bool { return a.ts.Before(b.ts) })
	table := &model.Table{Columns: p.Columns(), Rows: make([][]any, len(sorted))}
	for i, t := range sorted {
		table.Rows[i] = t.cells
	}

	log.Debug().
		Int("rows", table.Len()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("generated fake trade table")

	return table, nil
}

// Columns returns the header of generated tables.
func (p *FakeProvider) Columns() []string {
	out := make([]string, len(p.columns))
	copy(out, p.columns)
	return out
}

// fill writes every cell of one trade and advances the instrument's running totals.
func (p *FakeProvider) fill(t fakeTrade, run *[model.NumCumulative]decimal.Decimal) {
	i := t.nr - 1

	dStep := decimal.NewFromInt((i*8191+23)%2001 - 1000).Div(decimal.NewFromInt(5000))
	pnlStep := decimal.NewFromInt((i*104729+97)%2000001 - 1000000).Div(decimal.NewFromInt(100))
	wStock := decimal.NewFromInt((i*37 + 11) % 1000).Div(decimal.NewFromInt(1000))
	wCert := decimal.NewFromInt(1).Sub(wStock)
	certStep := dStep.Mul(wCert)

	steps := map[model.CumulativeColumn]decimal.Decimal{
		model.CumDeltaStock:               dStep.Mul(wStock),
		model.CumDeltaOurScheine:          certStep.Mul(decimal.RequireFromString("0.55")),
		model.CumDeltaExternalScheine:     certStep.Mul(decimal.RequireFromString("0.45")),
		model.CumDeltaCertificatesAbandon: certStep.Mul(decimal.RequireFromString("0.30")),
		model.CumDeltaOurAbandon:          certStep.Mul(decimal.RequireFromString("0.40")),
		model.CumDeltaExternalAbandon:     certStep.Mul(decimal.RequireFromString("0.30")),
		model.PremiaCum:                   pnlStep.Mul(decimal.RequireFromString("0.60")),
		model.SpreadsCapture:              pnlStep.Mul(decimal.RequireFromString("0.08")),
		model.FullSpreadCapture:           pnlStep.Mul(decimal.RequireFromString("0.05")),
		model.PnlVonDeltaCum:              pnlStep.Mul(decimal.RequireFromString("0.22")),
		model.FeesCum:                     pnlStep.Abs().Neg().Mul(decimal.RequireFromString("0.01")),
		model.AufgeldCum:                  pnlStep.Mul(decimal.RequireFromString("0.03")),
	}
	for c, s := range steps {
		run[c] = run[c].Add(s)
	}
	run[model.CumDelta] = run[model.CumDeltaStock].Add(run[model.CumDeltaOurScheine]).Add(run[model.CumDeltaExternalScheine])
	run[model.Total] = run[model.PremiaCum].Add(run[model.SpreadsCapture]).Add(run[model.FullSpreadCapture]).
		Add(run[model.PnlVonDeltaCum]).Add(run[model.FeesCum]).Add(run[model.AufgeldCum])

	noise := decimal.NewFromInt((i*104729+97)%20001 - 10000).Div(decimal.NewFromInt(10))
	base, ok := fakeSpotBase[t.underlying]
	if !ok {
		base = 1000
	}

	for c, name := range p.columns {
		switch name {
		case model.ColTradeNr:
			t.cells[c] = t.nr
		case model.ColInstrument:
			t.cells[c] = t.instrument
		case model.ColTradeTime:
			t.cells[c] = t.ts
		case model.ColTradeUnderlyingSpotRef:
			t.cells[c] = decimal.NewFromInt(base).Add(noise)
		case model.ColPortfolio:
			t.cells[c] = fakePortfolios[(i*3266489917+3)%int64(len(fakePortfolios))]
		case model.ColCounterparty:
			t.cells[c] = fakeCounterparties[(i*1597334677+13)%int64(len(fakeCounterparties))]
		case model.ColUnderlying:
			t.cells[c] = t.underlying
		default:
			if cc, ok := model.ParseCumulativeColumn(name); ok {
				t.cells[c] = run[cc]
				continue
			}
			j := int64(c - len(schema.ProductionColumns))
			t.cells[c] = (i+j)%(7+j%9) == 0
		}
	}
}
