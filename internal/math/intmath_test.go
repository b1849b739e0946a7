package math_test

import (
	"testing"

	imath "PerpOracle/internal/math"
)

func TestMulDivTrunc(t *testing.T) {
	cases := []struct {
		a, b, c int64
		want    int64
	}{
		{10, 10, 3, 33}, // 100/3 truncates down
		{7, 1, 2, 3},    // 3.5 -> 3
		{-7, 1, 2, -3},  // truncation is toward zero, not floor
		{7, -1, 2, -3},  // sign on either operand
		{0, 5, 7, 0},    // zero numerator
		{1_000, 50_000, 3, 16_666_666},
		// Product exceeds int64; the 128-bit intermediate keeps it exact.
		{9_223_372_036_854_775_807, 2, 4, 4_611_686_018_427_387_903},
	}
	for _, tc := range cases {
		if got := imath.MulDivTrunc(tc.a, tc.b, tc.c); got != tc.want {
			t.Errorf("MulDivTrunc(%d, %d, %d): got %d, want %d",
				tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestMulDivTrunc_Concurrent(t *testing.T) {
	// The pooled intermediates must not bleed between goroutines.
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := int64(1); i < 2_000; i++ {
				if got := imath.MulDivTrunc(i, 1_000_003, 7); got != i*1_000_003/7 {
					t.Errorf("MulDivTrunc(%d, 1000003, 7): got %d", i, got)
					return
				}
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}

func TestRequiredCollateral(t *testing.T) {
	cases := []struct {
		size, price, leverage int64
		want                  int64
	}{
		{1_000, 100, 10, 10_000},
		{1_000, 50_000, 3, 16_666_666}, // remainder truncated
		{100, 1, 20, 5},
		{101, 1, 20, 5}, // 5.05 -> 5
	}
	for _, tc := range cases {
		if got := imath.RequiredCollateral(tc.size, tc.price, tc.leverage); got != tc.want {
			t.Errorf("RequiredCollateral(%d, %d, %d): got %d, want %d",
				tc.size, tc.price, tc.leverage, got, tc.want)
		}
	}
}

func TestLiquidationPrices(t *testing.T) {
	cases := []struct {
		entry, leverage     int64
		wantLong, wantShort int64
	}{
		{1_000, 10, 900, 1_100},
		{1_000, 20, 950, 1_050},
		{1_000, 2, 500, 1_500},
		// 100/3 truncates to 33: long factor 67, short factor 133.
		{1_000, 3, 670, 1_330},
		// 50000 * 90 / 100
		{50_000, 10, 45_000, 55_000},
	}
	for _, tc := range cases {
		if got := imath.LiquidationPriceLong(tc.entry, tc.leverage); got != tc.wantLong {
			t.Errorf("LiquidationPriceLong(%d, %d): got %d, want %d",
				tc.entry, tc.leverage, got, tc.wantLong)
		}
		if got := imath.LiquidationPriceShort(tc.entry, tc.leverage); got != tc.wantShort {
			t.Errorf("LiquidationPriceShort(%d, %d): got %d, want %d",
				tc.entry, tc.leverage, got, tc.wantShort)
		}
	}
}

func TestLiquidationPrice_HighLeverageDegenerates(t *testing.T) {
	// Above 100x the 100/leverage term truncates to zero and both
	// liquidation prices collapse onto the entry price. The leverage
	// cap keeps real positions out of this regime; the formula itself
	// stays total.
	if got := imath.LiquidationPriceLong(1_000, 101); got != 1_000 {
		t.Errorf("long at 101x: got %d, want 1000", got)
	}
	if got := imath.LiquidationPriceShort(1_000, 101); got != 1_000 {
		t.Errorf("short at 101x: got %d, want 1000", got)
	}
}
