package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func openPosition() *Position {
	return &Position{
		Symbol:        "KRW-ETH",
		AvgEntryPrice: 100_000,
		Size:          3,
		StopPrice:     98_000,
		TakePrices:    []float64{103_000, 105_000, 108_000},
		EntryScore:    72,
	}
}

func TestUpdateRecomputesPnL(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	m.Update(pos, 101_000, "TREND")

	assert.Equal(t, 101_000.0, pos.CurrentPrice)
	assert.InDelta(t, 3_000.0, pos.UnrealPnL, 1e-9)
	assert.InDelta(t, 1.0, pos.UnrealPnLPct, 1e-9)
	assert.False(t, pos.Closed)
}

func TestUpdateTrailingStop(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	// Below +2%: stop untouched.
	m.Update(pos, 101_500, "TREND")
	assert.Equal(t, 98_000.0, pos.StopPrice)

	// Past +2%: stop pins to entry +1%.
	m.Update(pos, 102_500, "TREND")
	assert.InDelta(t, 101_000.0, pos.StopPrice, 1e-9)

	// A trailing stop never moves back down.
	pos.StopPrice = 102_000
	m.Update(pos, 102_500, "TREND")
	assert.Equal(t, 102_000.0, pos.StopPrice)
}

func TestUpdateScaleOutLevels(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	// First take level sheds a third.
	m.Update(pos, 103_000, "TREND")
	assert.True(t, pos.ScaleOut1)
	assert.False(t, pos.ScaleOut2)
	assert.InDelta(t, 2.0, pos.Size, 1e-9)

	// Same level again does not fire twice.
	m.Update(pos, 103_500, "TREND")
	assert.InDelta(t, 2.0, pos.Size, 1e-9)

	// Second take level drops to a third of the remainder.
	m.Update(pos, 105_000, "TREND")
	assert.True(t, pos.ScaleOut2)
	assert.InDelta(t, 2.0/3.0, pos.Size, 1e-9)

	m.Update(pos, 106_000, "TREND")
	assert.InDelta(t, 2.0/3.0, pos.Size, 1e-9)
}

func TestUpdateChopLossClose(t *testing.T) {
	m := NewManager(40)

	pos := openPosition()
	m.Update(pos, 99_500, "CHOP") // -0.5%, inside tolerance
	assert.False(t, pos.Closed)

	pos = openPosition()
	m.Update(pos, 98_500, "CHOP") // -1.5%
	assert.True(t, pos.Closed)

	// Same loss outside CHOP stays open while above the stop.
	pos = openPosition()
	m.Update(pos, 98_500, "RANGE")
	assert.False(t, pos.Closed)
}

func TestUpdateStopHit(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	m.Update(pos, 98_000, "TREND")
	assert.True(t, pos.Closed)
}

func TestUpdateIgnoresBadPrices(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	m.Update(pos, 0, "TREND")
	assert.Zero(t, pos.CurrentPrice)
	assert.False(t, pos.Closed)
}

func TestShouldCloseScoreDecay(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()
	pos.EntryScore = 35.2

	closeNow, reason := m.ShouldClose(pos, 101_000)
	assert.True(t, closeNow)
	assert.Equal(t, "점수 하락 (35.2 < 40)", reason)
}

func TestShouldCloseStop(t *testing.T) {
	m := NewManager(40)
	pos := openPosition()

	closeNow, reason := m.ShouldClose(pos, 97_500)
	assert.True(t, closeNow)
	assert.Equal(t, "손절 도달 (97500 <= 98000)", reason)

	closeNow, reason = m.ShouldClose(pos, 99_000)
	assert.False(t, closeNow)
	assert.Empty(t, reason)
}
