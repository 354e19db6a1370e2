package utils

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posttrade/internal/model"
)

type item struct {
	key string
	n   int
}

// Test_StableSortBy verifies that ties keep their input order and the input is untouched.
func Test_StableSortBy(t *testing.T) {
	in := []item{{"b", 1}, {"a", 2}, {"b", 3}, {"a", 4}, {"c", 5}}

	out := StableSortBy(in, func(x, y item) bool { return x.key < y.key })

	assert.Equal(t, []item{{"a", 2}, {"a", 4}, {"b", 1}, {"b", 3}, {"c", 5}}, out)
	assert.Equal(t, item{"b", 1}, in[0], "Input slice should not be reordered")
}

// Test_GroupBy verifies first-seen group order and that grouping is a partition.
func Test_GroupBy(t *testing.T) {
	in := []item{{"x", 1}, {"y", 2}, {"x", 3}, {"z", 4}, {"y", 5}}

	groups := GroupBy(in, func(i item) string { return i.key })

	require.Len(t, groups, 3)
	assert.Equal(t, "x", groups[0].Key)
	assert.Equal(t, "y", groups[1].Key)
	assert.Equal(t, "z", groups[2].Key)
	assert.Equal(t, []item{{"x", 1}, {"x", 3}}, groups[0].Items)
	assert.Equal(t, []item{{"y", 2}, {"y", 5}}, groups[1].Items)

	total := 0
	for _, g := range groups {
		total += len(g.Items)
	}
	assert.Equal(t, len(in), total, "Every item should land in exactly one group")
}

// Test_GroupBy_Empty verifies grouping of an empty input.
func Test_GroupBy_Empty(t *testing.T) {
	groups := GroupBy([]item{}, func(i item) string { return i.key })
	assert.Empty(t, groups)
}

// Test_CoerceDecimal tests strict and lenient coercion of table cells.
func Test_CoerceDecimal(t *testing.T) {
	tests := []struct {
		name        string
		value       any
		mode        CoercionMode
		expectValid bool
		expected    string
		expectError bool
		description string
	}{
		{
			name:        "Float strict",
			value:       105.25,
			mode:        Strict,
			expectValid: true,
			expected:    "105.25",
			description: "Should convert float64 exactly to its shortest decimal form",
		},
		{
			name:        "Integer strict",
			value:       int64(-7),
			mode:        Strict,
			expectValid: true,
			expected:    "-7",
			description: "Should convert integers",
		},
		{
			name:        "Unsigned strict",
			value:       uint64(42),
			mode:        Strict,
			expectValid: true,
			expected:    "42",
			description: "Should convert unsigned integers",
		},
		{
			name:        "Decimal strict",
			value:       decimal.RequireFromString("0.000001"),
			mode:        Strict,
			expectValid: true,
			expected:    "0.000001",
			description: "Should pass decimals through unchanged",
		},
		{
			name:        "Numeric string strict",
			value:       " 12.5 ",
			mode:        Strict,
			expectError: true,
			description: "Should reject text even when it holds a decimal literal",
		},
		{
			name:        "Empty string strict",
			value:       "",
			mode:        Strict,
			expectValid: false,
			description: "Should treat an empty string as null",
		},
		{
			name:        "Numeric string lenient",
			value:       " 12.5 ",
			mode:        Lenient,
			expectValid: true,
			expected:    "12.5",
			description: "Should parse numeric strings in lenient mode",
		},
		{
			name:        "Nil strict",
			value:       nil,
			mode:        Strict,
			expectValid: false,
			description: "Should keep nil as null in strict mode",
		},
		{
			name:        "NaN strict",
			value:       math.NaN(),
			mode:        Strict,
			expectValid: false,
			description: "Should treat NaN as null",
		},
		{
			name:        "Text strict",
			value:       "abc",
			mode:        Strict,
			expectError: true,
			description: "Should reject non-numeric strings in strict mode",
		},
		{
			name:        "Bool strict",
			value:       true,
			mode:        Strict,
			expectError: true,
			description: "Should reject booleans in strict mode",
		},
		{
			name:        "Infinity strict",
			value:       math.Inf(1),
			mode:        Strict,
			expectError: true,
			description: "Should reject infinities in strict mode",
		},
		{
			name:        "Text lenient",
			value:       "abc",
			mode:        Lenient,
			expectValid: true,
			expected:    "0",
			description: "Should map non-numeric strings to zero in lenient mode",
		},
		{
			name:        "Nil lenient",
			value:       nil,
			mode:        Lenient,
			expectValid: true,
			expected:    "0",
			description: "Should map nil to zero in lenient mode",
		},
		{
			name:        "Float lenient",
			value:       3.5,
			mode:        Lenient,
			expectValid: true,
			expected:    "3.5",
			description: "Should keep numbers unchanged in lenient mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceDecimal(tt.value, tt.mode)

			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.True(t, errors.Is(err, ErrNotNumeric), "Error should wrap ErrNotNumeric")
				return
			}

			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectValid, got.Valid, tt.description)
			if tt.expectValid {
				assert.Equal(t, tt.expected, got.Decimal.String(), tt.description)
			}
		})
	}
}

// Test_OrZero verifies the lenient view of stored values.
func Test_OrZero(t *testing.T) {
	assert.True(t, OrZero(decimal.NullDecimal{}).IsZero())
	assert.Equal(t, "1.5", OrZero(decimal.NewNullDecimal(decimal.RequireFromString("1.5"))).String())
}

// Test_Fingerprint verifies that equal tables share a fingerprint and different ones do not.
func Test_Fingerprint(t *testing.T) {
	ts := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	build := func(v any) *model.Table {
		return &model.Table{
			Columns: []string{"tradeNr", "tradeTime", "PremiaCum"},
			Rows:    [][]any{{int64(1), ts, v}},
		}
	}

	a := Fingerprint(build(100.0))
	b := Fingerprint(build(100.0))
	c := Fingerprint(build(101.0))

	assert.Equal(t, a, b, "Identical tables should share a fingerprint")
	assert.NotEqual(t, a, c, "Different cell values should change the fingerprint")
	assert.Len(t, a, 16, "xxhash64 digest should be 8 bytes hex encoded")
}
