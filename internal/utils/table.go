// Package utils provides generic, stateless helpers for working with trade tables.
//
// This package contains the building blocks used by the sheets and the aggregator:
// stable sorting by composite keys, group-by with deterministic first-seen group
// order, numeric coercion with a strict/lenient switch, and a content fingerprint
// used to recognize repeated loads of the same table.
package utils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"posttrade/internal/model"
)

// Error definitions for coercion functions
var (
	ErrNotNumeric = errors.New("value is not numeric")
)

// CoercionMode selects how CoerceDecimal treats values that are not numbers.
type CoercionMode int

const (
	// Strict keeps nil as null and rejects every other non-numeric value.
	Strict CoercionMode = iota

	// Lenient maps nil and non-numeric values to zero. It is only meant for
	// increment derivation, never for the stored cumulative value itself.
	Lenient
)

// StableSortBy returns a copy of items sorted by less, keeping the input order of ties.
func StableSortBy[T any](items []T, less func(a, b T) bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Group holds the items sharing one key, in input order.
type Group[K comparable, T any] struct {
	Key   K
	Items []T
}

// GroupBy partitions items by key. Groups appear in the order their key was first
// seen, so the output is deterministic given a deterministic input order.
func GroupBy[K comparable, T any](items []T, key func(T) K) []Group[K, T] {
	pos := make(map[K]int)
	groups := make([]Group[K, T], 0)
	for _, it := range items {
		k := key(it)
		i, found := pos[k]
		if !found {
			i = len(groups)
			pos[k] = i
			groups = append(groups, Group[K, T]{Key: k})
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups
}

// CoerceDecimal converts a table cell into a decimal.
//
// Accepted numeric inputs are decimal.Decimal and every Go integer and float type.
// Float NaN and empty strings count as null.
//
// In Strict mode nil yields an invalid NullDecimal and any other non-numeric value,
// including text that happens to hold a decimal literal, returns ErrNotNumeric.
// Lenient mode also parses decimal literals, and maps every null or non-numeric
// value to zero.
func CoerceDecimal(v any, mode CoercionMode) (decimal.NullDecimal, error) {
	if s, ok := v.(string); ok && mode == Strict && strings.TrimSpace(s) != "" {
		return decimal.NullDecimal{}, fmt.Errorf("%w: text %q", ErrNotNumeric, s)
	}
	d, isNull, err := toDecimal(v)
	if mode == Lenient {
		if err != nil || isNull {
			return decimal.NewNullDecimal(decimal.Zero), nil
		}
		return decimal.NewNullDecimal(d), nil
	}
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if isNull {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(d), nil
}

// OrZero returns the stored value, or zero when it is null.
func OrZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}

func toDecimal(v any) (d decimal.Decimal, isNull bool, err error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, true, nil
	case decimal.Decimal:
		return x, false, nil
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, true, nil
		}
		return *x, false, nil
	case decimal.NullDecimal:
		return x.Decimal, !x.Valid, nil
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case int:
		return decimal.NewFromInt(int64(x)), false, nil
	case int8:
		return decimal.NewFromInt(int64(x)), false, nil
	case int16:
		return decimal.NewFromInt(int64(x)), false, nil
	case int32:
		return decimal.NewFromInt(int64(x)), false, nil
	case int64:
		return decimal.NewFromInt(x), false, nil
	case uint:
		return fromUint(uint64(x)), false, nil
	case uint8:
		return fromUint(uint64(x)), false, nil
	case uint16:
		return fromUint(uint64(x)), false, nil
	case uint32:
		return fromUint(uint64(x)), false, nil
	case uint64:
		return fromUint(x), false, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Zero, true, nil
		}
		parsed, perr := decimal.NewFromString(s)
		if perr != nil {
			return decimal.Zero, false, fmt.Errorf("%w: %q", ErrNotNumeric, x)
		}
		return parsed, false, nil
	}
	return decimal.Zero, false, fmt.Errorf("%w: %T", ErrNotNumeric, v)
}

func fromFloat(f float64) (decimal.Decimal, bool, error) {
	if math.IsNaN(f) {
		return decimal.Zero, true, nil
	}
	if math.IsInf(f, 0) {
		return decimal.Zero, false, fmt.Errorf("%w: %v", ErrNotNumeric, f)
	}
	return decimal.NewFromFloat(f), false, nil
}

func fromUint(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

// Fingerprint returns an xxhash digest of the table header and every cell.
//
// Two tables with the same columns and the same cell values in the same order
// share a fingerprint, which lets callers recognize a repeated load.
func Fingerprint(t *model.Table) string {
	digest := xxhash.New()
	if t == nil {
		return hex.EncodeToString(digest.Sum(nil))
	}
	digest.WriteString(strings.Join(t.Columns, ";"))
	digest.WriteString("\n")
	for _, row := range t.Rows {
		for i, cell := range row {
			if i > 0 {
				digest.WriteString(";")
			}
			digest.WriteString(cellKey(cell))
		}
		digest.WriteString("\n")
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func cellKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case time.Time:
		return "t:" + x.Format(time.RFC3339Nano)
	case decimal.Decimal:
		return "d:" + x.String()
	case string:
		return "s:" + x
	}
	return fmt.Sprintf("%T:%v", v, v)
}
