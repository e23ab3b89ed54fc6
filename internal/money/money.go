// Package money holds amounts as integer micro-units (6 decimal places, the
// settlement currency's smallest unit) so long accrual runs never drift.
// Decimal strings only exist at the API boundary.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimals is the fractional precision of the settlement currency.
const Decimals = 6

var microFactor = decimal.New(1, Decimals)

// ParseMicro converts a decimal string ("1.25") into micro-units (1250000).
// Amounts with more than six fractional digits are rejected rather than
// silently truncated.
func ParseMicro(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	micro := d.Mul(microFactor)
	if !micro.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Decimals)
	}
	return micro.IntPart(), nil
}

// FormatMicro renders micro-units as a decimal string without trailing zeros.
func FormatMicro(micro int64) string {
	return decimal.New(micro, -Decimals).String()
}

// SplitEqual divides total evenly across n recipients, rounding each share to
// two decimal places with banker's rounding. The undistributed remainder
// (total - n*share) is returned alongside the share; "100 across 3" yields
// share 33.33 with remainder 0.01.
func SplitEqual(total string, n int) (share, remainder string, err error) {
	if n <= 0 {
		return "", "", fmt.Errorf("split across %d recipients", n)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return "", "", fmt.Errorf("parse total %q: %w", total, err)
	}
	per := d.Div(decimal.NewFromInt(int64(n))).RoundBank(2)
	rem := d.Sub(per.Mul(decimal.NewFromInt(int64(n))))
	return per.StringFixed(2), rem.StringFixed(2), nil
}
