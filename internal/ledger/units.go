package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the fixed-point scale of native currency and emission amounts.
const NativeDecimals = 18

// ParseUnits converts a decimal string such as "0.25" into base units at
// the given scale. Precision beyond the scale is rejected.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal amount %q", amount)
	}
	return ToUnits(d, decimals)
}

// ToUnits scales d into an integer number of base units.
func ToUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s requires precision beyond %d decimals", d, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders base units as a decimal value.
func FormatUnits(n *big.Int, decimals int32) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -decimals)
}
