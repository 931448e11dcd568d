package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultParamsPerRiskMode(t *testing.T) {
	std := DefaultParams("STANDARD")
	assert.Equal(t, 70.0, std.EntryThreshold)
	assert.Equal(t, 40.0, std.ExitThreshold)
	assert.Equal(t, 0.01, std.RiskPerTrade)
	assert.Equal(t, 0.05, std.MaxPortfolioRisk)
	assert.False(t, std.AddBuyEnabled)

	safe := DefaultParams("SAFE")
	assert.Equal(t, 75.0, safe.EntryThreshold)
	assert.Equal(t, 0.005, safe.RiskPerTrade)
	assert.Equal(t, 0.03, safe.MaxPortfolioRisk)

	profit := DefaultParams("PROFIT")
	assert.Equal(t, 0.015, profit.RiskPerTrade)
	assert.True(t, profit.AddBuyEnabled)
	assert.Equal(t, 1, profit.MaxAddCount)

	crazy := DefaultParams("CRAZY")
	assert.Equal(t, 65.0, crazy.EntryThreshold)
	assert.Equal(t, 0.10, crazy.MaxPortfolioRisk)
	assert.True(t, crazy.AddBuyEnabled)
	assert.Equal(t, 2, crazy.MaxAddCount)

	// Unknown modes fall back to the standard set.
	assert.Equal(t, std, DefaultParams("whatever"))
}

func TestMergeParamsOverlay(t *testing.T) {
	base := DefaultParams("STANDARD")

	merged := MergeParams(base, `{"entry_threshold": 68, "screen_top_n": 15, "unknown_key": true}`)
	assert.Equal(t, 68.0, merged.EntryThreshold)
	assert.Equal(t, 15, merged.ScreenTopN)
	// Untouched fields keep their defaults.
	assert.Equal(t, 40.0, merged.ExitThreshold)
	assert.Equal(t, 0.01, merged.RiskPerTrade)
}

func TestMergeParamsMalformedJSON(t *testing.T) {
	base := DefaultParams("STANDARD")
	assert.Equal(t, base, MergeParams(base, "{not json"))
	assert.Equal(t, base, MergeParams(base, ""))
}

func TestRiskMultiplierTable(t *testing.T) {
	assert.Equal(t, 0.3, RiskMultiplier["SAFE"])
	assert.Equal(t, 0.5, RiskMultiplier["STANDARD"])
	assert.Equal(t, 0.7, RiskMultiplier["PROFIT"])
	assert.Equal(t, 1.0, RiskMultiplier["CRAZY"])
}
