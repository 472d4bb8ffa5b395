// Package money converts between naira amounts spoken in conversation and the
// integer kobo amounts held by the ledger.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// KoboPerNaira is the number of minor units in one naira.
const KoboPerNaira = 100

var (
	hundred = decimal.NewFromInt(KoboPerNaira)
	maxKobo = decimal.NewFromInt(math.MaxInt64)
)

var (
	ErrNotPositive   = errors.New("amount must be positive")
	ErrTooPrecise    = errors.New("amount has more than two decimal places")
	ErrInvalidAmount = errors.New("invalid amount")
)

// ParseNaira converts a naira amount such as "5000" or "5000.50" to kobo.
// A trailing "k" multiplies by one thousand ("5k" -> 500000 kobo).
func ParseNaira(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	s = strings.TrimPrefix(s, "₦")
	mult := decimal.NewFromInt(1)
	if strings.HasSuffix(strings.ToLower(s), "k") {
		s = s[:len(s)-1]
		mult = decimal.NewFromInt(1000)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return NairaToKobo(d.Mul(mult))
}

// NairaToKobo converts a decimal naira amount to kobo.
func NairaToKobo(naira decimal.Decimal) (int64, error) {
	if !naira.IsPositive() {
		return 0, ErrNotPositive
	}
	kobo := naira.Mul(hundred)
	if !kobo.Equal(kobo.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if kobo.GreaterThan(maxKobo) {
		return 0, fmt.Errorf("%w: %s naira is out of range", ErrInvalidAmount, naira)
	}
	return kobo.IntPart(), nil
}

// KoboToNaira returns the naira value of a kobo amount.
func KoboToNaira(kobo int64) decimal.Decimal {
	return decimal.NewFromInt(kobo).Div(hundred)
}

// Format renders a kobo amount as "₦5,000.00".
func Format(kobo int64) string {
	neg := kobo < 0
	if neg {
		kobo = -kobo
	}
	s := KoboToNaira(kobo).StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := "₦" + b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}
