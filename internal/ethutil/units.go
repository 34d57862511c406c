package ethutil

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount in native units (e.g. "0.001") to
// integer base units. Fractions below one base unit are rejected rather than
// rounded.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return DecimalToBaseUnits(d, decimals)
}

func DecimalToBaseUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must be >= 0, got %d", decimals)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", d)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", d, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts base units back to a native-unit decimal.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// FormatUnits renders base units as a native-unit string without trailing
// zeros.
func FormatUnits(v *big.Int, decimals int32) string {
	return FromBaseUnits(v, decimals).String()
}
