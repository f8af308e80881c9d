// Package money wraps reward arithmetic in arbitrary-precision decimals so
// sums never drift the way float64 additions do.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DisplayPlaces is the precision used for human-facing amounts.
const DisplayPlaces = 2

// Amount is a reward value in token units (not wei).
type Amount = decimal.Decimal

var (
	// Zero is the additive identity.
	Zero = decimal.Zero
	// One is the multiplicative identity.
	One     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// FromFloat converts a scoring signal into an Amount.
func FromFloat(f float64) Amount {
	return decimal.NewFromFloat(f)
}

// FromInt converts an integer into an Amount.
func FromInt(i int64) Amount {
	return decimal.NewFromInt(i)
}

// Parse reads a decimal string.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// Sum adds all values.
func Sum(values ...Amount) Amount {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Mul multiplies an amount by a float signal (relevance, multipliers).
func Mul(a Amount, f float64) Amount {
	return a.Mul(decimal.NewFromFloat(f))
}

// ApplyFee returns the share of a that remains after feeRate percent is taken.
func ApplyFee(a, feeRate Amount) Amount {
	return a.Mul(hundred.Sub(feeRate)).Div(hundred)
}

// CalculateFee returns the fee that was grossed up on top of netReward for
// feeRate percent, formatted with two decimals. A 100% rate has no
// meaningful gross-up and yields "-".
func CalculateFee(netReward, feeRate Amount) string {
	remaining := hundred.Sub(feeRate)
	if remaining.IsZero() {
		return "-"
	}
	gross := netReward.Mul(hundred).Div(remaining)
	return gross.Sub(netReward).StringFixed(DisplayPlaces)
}

// Round rounds half away from zero to places decimals.
func Round(a Amount, places int32) Amount {
	return a.Round(places)
}

// ToWei scales a into integer base units of a token with the given decimals.
// Fractions below one base unit are truncated.
func ToWei(a Amount, decimals int32) *big.Int {
	return a.Shift(decimals).Truncate(0).BigInt()
}

// FromWei converts integer base units back into token units.
func FromWei(wei *big.Int, decimals int32) Amount {
	return decimal.NewFromBigInt(wei, -decimals)
}

// ParseWei reads a decimal-string encoded integer such as a persisted permit
// amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse wei %q: not a base-10 integer", s)
	}
	return v, nil
}

// Display formats a for comments and logs.
func Display(a Amount) string {
	return a.StringFixed(DisplayPlaces)
}
