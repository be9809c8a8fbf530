package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	USDTDecimals = 6
	TRXDecimals  = 6
)

// ToUnits converts a decimal amount to integer token units.
func ToUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", amount, decimals)
	}
	return scaled.BigInt(), nil
}

func FromUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}

// ParseUnits parses a base-10 integer string of token units, as the chain APIs return them.
func ParseUnits(s string, decimals int32) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid unit amount %q", s)
	}
	return FromUnits(n, decimals), nil
}

func ToSun(trx decimal.Decimal) int64 {
	return trx.Shift(TRXDecimals).IntPart()
}

func FromSun(sun int64) decimal.Decimal {
	return decimal.New(sun, -TRXDecimals)
}
