package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBasicSizing(t *testing.T) {
	s := NewSizer(1_000_000, DefaultParams("STANDARD"))

	// 1% risk on 1M equity = 10,000 KRW at risk; 2% stop distance on a
	// 50,000 KRW entry gives 1,000 KRW price risk per unit.
	sizing := s.Calculate(50_000, 49_000, 0)

	assert.InDelta(t, 10_000.0, sizing.DollarRisk, 1e-9)
	assert.InDelta(t, 10.0, sizing.PositionSize, 1e-9)
	assert.InDelta(t, 500_000.0, sizing.ExpectedOrderKRW, 1e-9)
	assert.InDelta(t, 500_000.0*0.0005*2, sizing.EstimatedFee, 1e-9)

	require.Len(t, sizing.TakePrices, 3)
	assert.InDelta(t, 51_500.0, sizing.TakePrices[0], 1e-9)
	assert.InDelta(t, 52_500.0, sizing.TakePrices[1], 1e-9)
	assert.InDelta(t, 54_000.0, sizing.TakePrices[2], 1e-9)
}

func TestCalculateClampedByPortfolioRisk(t *testing.T) {
	s := NewSizer(1_000_000, DefaultParams("STANDARD"))

	// 4% of the 5% portfolio budget already committed leaves 1%, exactly
	// the per-trade risk, so no clamping yet.
	full := s.Calculate(50_000, 49_000, 0.04)
	assert.InDelta(t, 10.0, full.PositionSize, 1e-9)

	// 4.5% committed leaves half the per-trade risk.
	clamped := s.Calculate(50_000, 49_000, 0.045)
	assert.InDelta(t, 5.0, clamped.PositionSize, 1e-9)
	assert.InDelta(t, 5.0, clamped.MaxPositionSize, 1e-9)
}

func TestCalculateZeroWhenBudgetExhausted(t *testing.T) {
	s := NewSizer(1_000_000, DefaultParams("STANDARD"))

	sizing := s.Calculate(50_000, 49_000, 0.05)
	assert.Zero(t, sizing.PositionSize)
	assert.Zero(t, sizing.ExpectedOrderKRW)

	sizing = s.Calculate(50_000, 49_000, 0.08)
	assert.Zero(t, sizing.PositionSize)
}

func TestCalculateDegenerateInputs(t *testing.T) {
	s := NewSizer(1_000_000, DefaultParams("STANDARD"))

	assert.Zero(t, s.Calculate(0, 49_000, 0).PositionSize)
	assert.Zero(t, s.Calculate(50_000, 0, 0).PositionSize)
	assert.Zero(t, s.Calculate(50_000, 50_000, 0).PositionSize)
}

func TestCheckSlippage(t *testing.T) {
	s := NewSizer(1_000_000, DefaultParams("STANDARD"))

	ok, slip := s.CheckSlippage(100_000, 100_400)
	assert.True(t, ok)
	assert.InDelta(t, 0.004, slip, 1e-9)

	ok, slip = s.CheckSlippage(100_000, 100_600)
	assert.False(t, ok)
	assert.InDelta(t, 0.006, slip, 1e-9)

	// Negative slippage counts the same as positive.
	ok, _ = s.CheckSlippage(100_000, 99_300)
	assert.False(t, ok)

	ok, slip = s.CheckSlippage(0, 100_000)
	assert.False(t, ok)
	assert.Equal(t, 999.0, slip)
}
