package provider

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"posttrade/internal/model"
	"posttrade/internal/timeutil"
)

// CSVConfig holds configuration parameters for the CSVProvider.
type CSVConfig struct {
	Path  string // Path of the exported trade table
	Comma rune   // Field separator, ',' when zero
}

// CSVProvider reads trade tables from a CSV export with a header row.
//
// Cells are typed by column name: tradeNr becomes an integer when it parses as
// one, flag columns become booleans, numeric production columns become exact
// decimals, and empty cells become null. A cell that does not parse for its
// column stays text so that the schema validator reports it as a type mismatch.
// Rows outside the requested day range are skipped. Rows whose tradeTime cannot
// be read are kept so that the time normalizer reports them.
type CSVProvider struct {
	cfg CSVConfig
}

// NewCSVProvider creates a CSV-backed provider.
func NewCSVProvider(cfg CSVConfig) *CSVProvider {
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	return &CSVProvider{cfg: cfg}
}

// LoadTrades implements TradeDataProvider.
func (p *CSVProvider) LoadTrades(ctx context.Context, from, to model.TradeDay) (*model.Table, error) {
	if err := CheckRange(from, to); err != nil {
		return nil, err
	}

	file, err := os.Open(p.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", p.cfg.Path, err)
	}
	defer file.Close()

	table, err := p.read(ctx, file, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.cfg.Path, err)
	}

	log.Debug().
		Str("path", p.cfg.Path).
		Int("rows", table.Len()).
		Msg("loaded trade table from csv")

	return table, nil
}

func (p *CSVProvider) read(ctx context.Context, r io.Reader, from, to model.TradeDay) (*model.Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = p.cfg.Comma
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("file is empty")
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	timeCol := -1
	for i, c := range header {
		if c == model.ColTradeTime {
			timeCol = i
			break
		}
	}

	table := &model.Table{Columns: header}
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if timeCol >= 0 && timeCol < len(record) {
			if ts, err := timeutil.ParseTradeTime(record[timeCol]); err == nil {
				if !inRange(model.NewTradeDay(ts), from, to) {
					continue
				}
			}
		}

		row := make([]any, len(record))
		for i, raw := range record {
			name := ""
			if i < len(header) {
				name = header[i]
			}
			row[i] = parseCell(name, raw)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// parseCell types one CSV field according to its column.
func parseCell(column, raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	switch {
	case column == model.ColTradeNr:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return s
	case strings.HasPrefix(column, model.FlagPrefix):
		switch strings.ToLower(s) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
		return s
	case isNumericColumn(column):
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
		return s
	}
	return s
}

func isNumericColumn(column string) bool {
	if column == model.ColTradeUnderlyingSpotRef {
		return true
	}
	_, ok := model.ParseCumulativeColumn(column)
	return ok
}
