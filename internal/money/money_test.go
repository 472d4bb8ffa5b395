package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNaira(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"5000", 500000},
		{"5,000", 500000},
		{"5k", 500000},
		{"₦250.50", 25050},
		{"0.01", 1},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseNaira(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseNairaRejects(t *testing.T) {
	_, err := ParseNaira("0")
	assert.ErrorIs(t, err, ErrNotPositive)

	_, err = ParseNaira("-10")
	assert.ErrorIs(t, err, ErrNotPositive)

	_, err = ParseNaira("1.005")
	assert.ErrorIs(t, err, ErrTooPrecise)

	_, err = ParseNaira("five thousand")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseNairaOutOfRange(t *testing.T) {
	for _, in := range []string{
		"184467440737095517.16",
		"92233720368547758.08",
		"1e30",
		"100000000000000000k",
	} {
		t.Run(in, func(t *testing.T) {
			got, err := ParseNaira(in)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			assert.Zero(t, got)
		})
	}
}

func TestNairaToKoboUpperBound(t *testing.T) {
	got, err := NairaToKobo(decimal.RequireFromString("92233720368547758.07"))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got)
}

func TestNairaToKobo(t *testing.T) {
	got, err := NairaToKobo(decimal.RequireFromString("500000"))
	require.NoError(t, err)
	assert.Equal(t, int64(50000000), got)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "₦5,000.00", Format(500000))
	assert.Equal(t, "₦500,000.00", Format(50000000))
	assert.Equal(t, "₦0.50", Format(50))
	assert.Equal(t, "₦1,234,567.89", Format(123456789))
	assert.Equal(t, "-₦10.00", Format(-1000))
}
