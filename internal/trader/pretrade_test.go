package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingInput() CheckInput {
	return CheckInput{
		Symbol:           "KRW-ETH",
		BaseScore:        80,
		Regime:           "TREND",
		ExpectedOrderKRW: 200_000,
		AvgDepth5KRW:     1_000_000,
		RemainingBudget:  500_000,
		PerTradeRisk:     10_000,
		HeldSymbols:      map[string]bool{},
		APIHealthy:       true,
	}
}

func TestCheckAllPasses(t *testing.T) {
	c := NewChecker(70)
	ok, failed := c.CheckAll(passingInput())
	assert.True(t, ok)
	assert.Empty(t, failed)
}

func TestCheckAllScoreGate(t *testing.T) {
	c := NewChecker(70)
	in := passingInput()
	in.BaseScore = 65.4

	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "점수 부족 (65.4 < 70)", failed[0])
}

func TestCheckAllRegimeGate(t *testing.T) {
	c := NewChecker(70)
	for _, regime := range []string{"PANIC", "CHOP"} {
		in := passingInput()
		in.Regime = regime
		ok, failed := c.CheckAll(in)
		assert.False(t, ok)
		assert.Contains(t, failed, "레짐 차단 ("+regime+")")
	}
}

func TestCheckAllLiquidity(t *testing.T) {
	c := NewChecker(70)

	in := passingInput()
	in.ExpectedOrderKRW = 400_000 // ratio 0.40 against 1M depth
	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "유동성 부족 (ratio: 0.40 > 0.3)", failed[0])

	in = passingInput()
	in.AvgDepth5KRW = 0
	ok, failed = c.CheckAll(in)
	assert.False(t, ok)
	assert.Contains(t, failed, "유동성 데이터 없음")
}

func TestCheckAllBudget(t *testing.T) {
	c := NewChecker(70)
	in := passingInput()
	in.RemainingBudget = 5_000
	in.PerTradeRisk = 10_000

	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "예산 부족 (5000 < 10000)", failed[0])
}

func TestCheckAllDuplicatePosition(t *testing.T) {
	c := NewChecker(70)
	in := passingInput()
	in.HeldSymbols = map[string]bool{"KRW-ETH": true}

	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	assert.Contains(t, failed, "동일 심볼 중복 포지션")

	// Add-buy mode tolerates a held symbol.
	in.AllowHeld = true
	ok, failed = c.CheckAll(in)
	assert.True(t, ok)
	assert.Empty(t, failed)
}

func TestCheckAllAPIHealth(t *testing.T) {
	c := NewChecker(70)
	in := passingInput()
	in.APIHealthy = false

	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	assert.Contains(t, failed, "API 상태 불량")
}

func TestCheckAllCollectsEveryFailure(t *testing.T) {
	c := NewChecker(70)
	in := CheckInput{
		Symbol:          "KRW-XRP",
		BaseScore:       10,
		Regime:          "PANIC",
		RemainingBudget: 0,
		PerTradeRisk:    10_000,
		HeldSymbols:     map[string]bool{"KRW-XRP": true},
		APIHealthy:      false,
	}

	ok, failed := c.CheckAll(in)
	assert.False(t, ok)
	// Score, regime, liquidity, budget, duplicate, API health.
	assert.Len(t, failed, 6)
}
