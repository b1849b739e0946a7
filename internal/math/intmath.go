package math

import (
	"math/big"
	"sync"
)

// Collateral and liquidation formulas use plain integer division that
// truncates toward zero. The truncation is part of the accounting
// contract and must not be replaced with rounding or floating point.
// Intermediates go through big.Int so size*price products cannot
// overflow int64.

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDivTrunc computes a * b / c with a 128-bit intermediate,
// truncating toward zero. c must be non-zero.
func MulDivTrunc(a, b, c int64) int64 {
	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))

	quo := getInt128()
	quo.Quo(num, big.NewInt(c)) // Quo truncates toward zero

	result := quo.Int64()

	putInt128(num)
	putInt128(quo)

	return result
}

// RequiredCollateral computes size * entryPrice / leverage, truncating.
// The truncation systematically under-collateralizes by the division
// remainder; preserved for compatibility with the accounting contract.
func RequiredCollateral(size, entryPrice, leverage int64) int64 {
	return MulDivTrunc(size, entryPrice, leverage)
}

// LiquidationPriceLong computes entryPrice * (100 - 100/leverage) / 100.
// The 100/leverage term truncates toward zero; for leverage > 100 it
// degenerates to 0 and the liquidation price equals the entry price.
// The policy leverage cap keeps validated positions out of that regime.
func LiquidationPriceLong(entryPrice, leverage int64) int64 {
	return MulDivTrunc(entryPrice, 100-100/leverage, 100)
}

// LiquidationPriceShort computes entryPrice * (100 + 100/leverage) / 100.
func LiquidationPriceShort(entryPrice, leverage int64) int64 {
	return MulDivTrunc(entryPrice, 100+100/leverage, 100)
}
