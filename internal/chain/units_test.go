package chain

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUnits(t *testing.T) {
	u, err := ToUnits(decimal.RequireFromString("106.25"), USDTDecimals)
	require.NoError(t, err)
	assert.Equal(t, "106250000", u.String())

	_, err = ToUnits(decimal.RequireFromString("1.0000001"), USDTDecimals)
	assert.Error(t, err)

	_, err = ToUnits(decimal.RequireFromString("-1"), USDTDecimals)
	assert.Error(t, err)
}

func TestParseUnits(t *testing.T) {
	d, err := ParseUnits("510000000", USDTDecimals)
	require.NoError(t, err)
	assert.Equal(t, "510", d.String())

	_, err = ParseUnits("1e6", USDTDecimals)
	assert.Error(t, err)

	assert.Equal(t, "0.000001", FromUnits(big.NewInt(1), USDTDecimals).String())
}

func TestSun(t *testing.T) {
	assert.Equal(t, int64(30_000_000), ToSun(decimal.NewFromInt(30)))
	assert.Equal(t, "1.5", FromSun(1_500_000).String())
}
