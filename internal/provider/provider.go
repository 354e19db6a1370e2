// Package provider supplies trade tables to the load pipeline.
//
// A provider hands over one complete in-memory table per load for a trade day
// range. Two implementations exist: a deterministic generator used for demos and
// tests, and a CSV file reader for exported trade tables.
package provider

import (
	"context"
	"errors"
	"fmt"

	"posttrade/internal/model"
)

// ErrInvalidDateRange is returned when the end of a range lies before its start.
var ErrInvalidDateRange = errors.New("to date must not be before from date")

// TradeDataProvider loads the trades of the days in [from, to].
type TradeDataProvider interface {
	LoadTrades(ctx context.Context, from, to model.TradeDay) (*model.Table, error)
}

// CheckRange validates a trade day range.
func CheckRange(from, to model.TradeDay) error {
	if to.Before(from) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidDateRange, from, to)
	}
	return nil
}

// inRange reports whether day lies in [from, to].
func inRange(day, from, to model.TradeDay) bool {
	return !day.Before(from) && !to.Before(day)
}
