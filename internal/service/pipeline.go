// Package service provides the load pipeline and the components that publish its results.
//
// The Pipeline turns one trade table into a Result: schema validation, time
// normalization, decoding, the raw sheet and the instrument-day aggregation run
// synchronously and to completion. The Loader fetches tables from a provider,
// runs the pipeline and swaps the published snapshot atomically. The Broadcaster
// fans load events out to subscribers.
package service

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"posttrade/internal/aggregate"
	"posttrade/internal/model"
	"posttrade/internal/schema"
	"posttrade/internal/sheets"
	"posttrade/internal/timeutil"
	"posttrade/internal/utils"
)

// Metrics records pipeline measurements.
type Metrics interface {
	RecordLoad(result string)
	RecordDiscrepancy(column string)
	RecordLatency(stage string, seconds float64)
	RecordSnapshot(rows, groups, discrepancies int)
}

// Load results reported to Metrics.
const (
	ResultOK          = "ok"
	ResultSchemaError = "schema_error"
	ResultTimeError   = "time_error"
	ResultFetchError  = "fetch_error"
	ResultError       = "error"
)

// Result is the outcome of one successful load.
//
// A Result is immutable once built; readers may share it freely.
type Result struct {
	LoadID        uuid.UUID                     // Unique identifier of the load
	Fingerprint   string                        // Content digest of the input table
	LoadedAt      time.Time                     // Wall clock time the load finished
	From, To      model.TradeDay                // Requested trade day range
	Raw           *sheets.RawSheet              // All trades in canonical order
	InstrumentDay *aggregate.InstrumentDaySheet // Per-instrument, per-day rollups
	Discrepancies []model.Discrepancy           // Non-fatal findings of the aggregation
}

// Pipeline runs the load stages over one table.
type Pipeline struct {
	validator  *schema.Validator
	aggregator *aggregate.Aggregator
	metrics    Metrics
	now        func() time.Time
}

// NewPipeline creates a pipeline. metrics may be nil.
func NewPipeline(validator *schema.Validator, aggregator *aggregate.Aggregator, metrics Metrics) *Pipeline {
	return &Pipeline{
		validator:  validator,
		aggregator: aggregator,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Run validates and aggregates one table.
//
// Processing stages:
//  1. Schema validation, failing with *schema.SchemaError
//  2. Time normalization, failing with *timeutil.TimeParseError
//  3. Decoding into typed rows
//  4. Raw sheet in (tradeTime, tradeNr) order
//  5. Instrument-day aggregation with discrepancy detection
//
// Structural failures are returned unwrapped and abort the run; there is no
// partial result. The table is never modified.
func (p *Pipeline) Run(table *model.Table) (*Result, error) {
	if table == nil {
		table = &model.Table{}
	}
	start := p.now()

	if err := p.stage("validate", func() error { return p.validator.Validate(table) }); err != nil {
		p.recordFailure(err)
		log.Warn().Err(err).Msg("trade table rejected by schema validation")
		return nil, err
	}

	var times []time.Time
	err := p.stage("normalize", func() (err error) {
		times, err = timeutil.Normalize(table)
		return err
	})
	if err != nil {
		p.recordFailure(err)
		log.Warn().Err(err).Msg("trade table rejected by time normalization")
		return nil, err
	}

	rows, err := p.validator.Decode(table, times)
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}

	var raw *sheets.RawSheet
	_ = p.stage("raw_sheet", func() error {
		raw = sheets.BuildRawSheet(rows)
		return nil
	})

	var sheet *aggregate.InstrumentDaySheet
	_ = p.stage("aggregate", func() error {
		sheet = p.aggregator.Aggregate(raw)
		return nil
	})

	res := &Result{
		LoadID:        uuid.New(),
		Fingerprint:   utils.Fingerprint(table),
		LoadedAt:      p.now(),
		Raw:           raw,
		InstrumentDay: sheet,
		Discrepancies: sheet.Discrepancies,
	}

	if p.metrics != nil {
		p.metrics.RecordLoad(ResultOK)
		for _, d := range res.Discrepancies {
			p.metrics.RecordDiscrepancy(d.Column.String())
		}
	}

	log.Info().
		Str("load_id", res.LoadID.String()).
		Int("rows", raw.Len()).
		Int("groups", len(sheet.Groups)).
		Int("discrepancies", len(res.Discrepancies)).
		Dur("took", p.now().Sub(start)).
		Msg("trade table processed")

	return res, nil
}

// stage runs fn and records its latency.
func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if p.metrics != nil {
		p.metrics.RecordLatency(name, time.Since(start).Seconds())
	}
	return err
}

func (p *Pipeline) recordFailure(err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordLoad(classify(err))
}

// classify maps a load error to its metrics result label.
func classify(err error) string {
	var se *schema.SchemaError
	var te *timeutil.TimeParseError
	switch {
	case errors.As(err, &se):
		return ResultSchemaError
	case errors.As(err, &te):
		return ResultTimeError
	}
	return ResultError
}
