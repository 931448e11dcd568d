// Package trader implements the per-trader decision loop: screening,
// scoring, pre-trade checks, sizing, order execution, and position
// management, all coordinated through the control store.
package trader

import "encoding/json"

// RiskMultiplier scales the final score per risk mode.
var RiskMultiplier = map[string]float64{
	"SAFE":     0.3,
	"STANDARD": 0.5,
	"PROFIT":   0.7,
	"CRAZY":    1.0,
}

// Params are the strategy parameters that govern one engine. Built-in
// defaults are overlaid with the strategy's active config version.
type Params struct {
	EntryThreshold   float64 `json:"entry_threshold"`
	ExitThreshold    float64 `json:"exit_threshold"`
	RiskPerTrade     float64 `json:"risk_per_trade"`
	MaxPortfolioRisk float64 `json:"max_portfolio_risk"`
	SlippageLimit    float64 `json:"slippage_limit"`

	ScreenTopN        int     `json:"screen_top_n"`
	MinNotional24hKRW float64 `json:"min_notional_24h_krw"`
	MaxSpreadPct      float64 `json:"max_spread_pct"`

	AddBuyEnabled    bool    `json:"add_buy_enabled"`
	MaxAddCount      int     `json:"max_add_count"`
	AddMinBaseScore  float64 `json:"add_min_base_score"`
	AddPositionRatio float64 `json:"add_position_ratio"`
}

// DefaultParams returns the built-in parameter set for a risk mode.
func DefaultParams(riskMode string) Params {
	p := Params{
		EntryThreshold:    70.0,
		ExitThreshold:     40.0,
		RiskPerTrade:      0.01,
		MaxPortfolioRisk:  0.05,
		SlippageLimit:     0.005,
		ScreenTopN:        30,
		MinNotional24hKRW: 100_000_000,
		MaxSpreadPct:      0.5,
		AddBuyEnabled:     false,
		MaxAddCount:       1,
		AddMinBaseScore:   75.0,
		AddPositionRatio:  0.5,
	}

	switch riskMode {
	case "SAFE":
		p.EntryThreshold = 75.0
		p.RiskPerTrade = 0.005
		p.MaxPortfolioRisk = 0.03
	case "PROFIT":
		p.RiskPerTrade = 0.015
		p.MaxPortfolioRisk = 0.07
		p.AddBuyEnabled = true
	case "CRAZY":
		p.EntryThreshold = 65.0
		p.RiskPerTrade = 0.02
		p.MaxPortfolioRisk = 0.10
		p.AddBuyEnabled = true
		p.MaxAddCount = 2
	}
	return p
}

// MergeParams overlays an active config version's params JSON on the
// defaults. Unknown keys are ignored; malformed JSON leaves the defaults
// untouched.
func MergeParams(base Params, paramsJSON string) Params {
	if paramsJSON == "" {
		return base
	}
	merged := base
	if err := json.Unmarshal([]byte(paramsJSON), &merged); err != nil {
		return base
	}
	return merged
}
