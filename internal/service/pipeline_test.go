package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"posttrade/internal/aggregate"
	"posttrade/internal/metrics"
	"posttrade/internal/model"
	"posttrade/internal/provider"
	"posttrade/internal/schema"
	"posttrade/internal/timeutil"
)

var _ Metrics = (*metrics.Recorder)(nil)

// MockMetrics records pipeline measurements for assertions.
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordLoad(result string)        { m.Called(result) }
func (m *MockMetrics) RecordDiscrepancy(column string) { m.Called(column) }
func (m *MockMetrics) RecordLatency(stage string, seconds float64) {
	m.Called(stage, seconds)
}
func (m *MockMetrics) RecordSnapshot(rows, groups, discrepancies int) {
	m.Called(rows, groups, discrepancies)
}

func testDay(d int) model.TradeDay {
	return model.TradeDay{Year: 2024, Month: time.March, Day: d}
}

// createTestTable generates a consistent trade table spanning three days.
func createTestTable(t *testing.T, rows int) *model.Table {
	t.Helper()
	p, err := provider.NewFakeProvider(provider.FakeConfig{Rows: rows, Seed: 7}, schema.DefaultConfig())
	require.NoError(t, err)
	table, err := p.LoadTrades(context.Background(), testDay(4), testDay(6))
	require.NoError(t, err)
	return table
}

func newTestPipeline(t *testing.T, m Metrics) *Pipeline {
	t.Helper()
	v, err := schema.NewValidator(schema.DefaultConfig())
	require.NoError(t, err)
	agg, err := aggregate.NewAggregator(aggregate.DefaultConfig())
	require.NoError(t, err)
	return NewPipeline(v, agg, m)
}

func columnIndex(t *testing.T, table *model.Table, name string) int {
	t.Helper()
	idx, ok := table.ColumnIndex()[name]
	require.True(t, ok, "column %s should exist", name)
	return idx
}

// Test_Pipeline_Run tests a successful run over a consistent table.
func Test_Pipeline_Run(t *testing.T) {
	table := createTestTable(t, 300)
	p := newTestPipeline(t, nil)

	res, err := p.Run(table)
	require.NoError(t, err)

	assert.NotEmpty(t, res.LoadID.String())
	assert.NotEmpty(t, res.Fingerprint)
	assert.False(t, res.LoadedAt.IsZero())
	assert.Equal(t, 300, res.Raw.Len(), "Raw sheet should keep every trade")
	assert.Empty(t, res.Discrepancies, "Consistent input should reconcile")

	total := 0
	for _, g := range res.InstrumentDay.Groups {
		total += g.Count
	}
	assert.Equal(t, 300, total, "Groups should partition the trades")
}

// Test_Pipeline_Run_Fingerprint verifies that identical tables share a fingerprint
// while every run gets its own load ID.
func Test_Pipeline_Run_Fingerprint(t *testing.T) {
	p := newTestPipeline(t, nil)

	a, err := p.Run(createTestTable(t, 50))
	require.NoError(t, err)
	b, err := p.Run(createTestTable(t, 50))
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.LoadID, b.LoadID)
}

// Test_Pipeline_Run_Errors tests that structural failures abort the run.
func Test_Pipeline_Run_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, table *model.Table)
		result string
		check  func(t *testing.T, err error)
	}{
		{
			name: "Missing flag column",
			mutate: func(t *testing.T, table *model.Table) {
				idx := columnIndex(t, table, "flag_17")
				table.Columns[idx] = "flag_x"
			},
			result: ResultSchemaError,
			check: func(t *testing.T, err error) {
				var se *schema.SchemaError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, schema.MissingColumn, se.Kind)
				assert.Equal(t, []string{"flag_17"}, se.Columns)
			},
		},
		{
			name: "Unparseable trade times",
			mutate: func(t *testing.T, table *model.Table) {
				idx := columnIndex(t, table, model.ColTradeTime)
				table.Rows[0][idx] = "yesterday"
				table.Rows[3][idx] = "not a time"
			},
			result: ResultTimeError,
			check: func(t *testing.T, err error) {
				var te *timeutil.TimeParseError
				require.True(t, errors.As(err, &te))
				assert.Len(t, te.TradeNrs, 2, "All bad rows should be reported at once")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockMetrics)
			m.On("RecordLatency", mock.Anything, mock.Anything).Maybe()
			m.On("RecordLoad", tt.result).Once()

			table := createTestTable(t, 20)
			tt.mutate(t, table)

			res, err := newTestPipeline(t, m).Run(table)
			assert.Nil(t, res, "No partial result on failure")
			require.Error(t, err)
			tt.check(t, err)
			m.AssertExpectations(t)
		})
	}
}

// Test_Pipeline_Run_Metrics verifies stage latencies and the load result are recorded.
func Test_Pipeline_Run_Metrics(t *testing.T) {
	m := new(MockMetrics)
	for _, stage := range []string{"validate", "normalize", "raw_sheet", "aggregate"} {
		m.On("RecordLatency", stage, mock.AnythingOfType("float64")).Once()
	}
	m.On("RecordLoad", ResultOK).Once()

	_, err := newTestPipeline(t, m).Run(createTestTable(t, 40))
	require.NoError(t, err)
	m.AssertExpectations(t)
}

// Test_Pipeline_Run_Recorder exercises the Prometheus recorder end to end.
func Test_Pipeline_Run_Recorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newTestPipeline(t, metrics.New(reg))

	_, err := p.Run(createTestTable(t, 40))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "posttrade_loads_total")
	assert.Contains(t, names, "posttrade_stage_duration_seconds")
}

// Test_Pipeline_Run_Discrepancy verifies that corrupted cumulative values are
// reported per column.
func Test_Pipeline_Run_Discrepancy(t *testing.T) {
	table := createTestTable(t, 30)
	idx := columnIndex(t, table, model.PremiaCum.String())
	table.Rows[len(table.Rows)-1][idx] = decimal.NewFromInt(123456789)

	m := new(MockMetrics)
	m.On("RecordLatency", mock.Anything, mock.Anything).Maybe()
	m.On("RecordLoad", ResultOK).Once()
	m.On("RecordDiscrepancy", mock.AnythingOfType("string"))

	res, err := newTestPipeline(t, m).Run(table)
	require.NoError(t, err)
	require.NotEmpty(t, res.Discrepancies)
	m.AssertCalled(t, "RecordDiscrepancy", model.PremiaCum.String())
}
