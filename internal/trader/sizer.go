package trader

import "math"

const upbitFeeRate = 0.0005

// Sizing is one computed order plan.
type Sizing struct {
	PositionSize     float64
	DollarRisk       float64
	ExpectedOrderKRW float64
	StopPrice        float64
	TakePrices       []float64
	EstimatedFee     float64
	MaxPositionSize  float64
}

// Sizer converts an entry/stop pair into a position size under per-trade
// and portfolio risk limits.
type Sizer struct {
	Equity           float64
	RiskPerTrade     float64
	MaxPortfolioRisk float64
	SlippageLimit    float64
}

// NewSizer creates a sizer for the given equity and strategy parameters.
func NewSizer(equity float64, p Params) *Sizer {
	return &Sizer{
		Equity:           equity,
		RiskPerTrade:     p.RiskPerTrade,
		MaxPortfolioRisk: p.MaxPortfolioRisk,
		SlippageLimit:    p.SlippageLimit,
	}
}

// Calculate sizes an order: risk-at-stop per trade, clamped by the
// remaining portfolio risk, with three take levels at 1.5R, 2.5R and 4.0R.
func (s *Sizer) Calculate(entryPrice, stopPrice, openPositionsRisk float64) Sizing {
	zero := Sizing{StopPrice: stopPrice}
	if entryPrice <= 0 || stopPrice <= 0 {
		return zero
	}

	priceRisk := math.Abs(entryPrice - stopPrice)
	if priceRisk == 0 {
		return zero
	}

	dollarRisk := s.Equity * s.RiskPerTrade
	size := dollarRisk / priceRisk

	maxSize := 0.0
	remaining := s.MaxPortfolioRisk - openPositionsRisk
	if remaining <= 0 {
		size = 0
	} else {
		maxSize = s.Equity * remaining / priceRisk
		size = math.Min(size, maxSize)
	}

	orderKRW := size * entryPrice

	r := priceRisk
	var takes []float64
	if entryPrice > stopPrice {
		takes = []float64{entryPrice + r*1.5, entryPrice + r*2.5, entryPrice + r*4.0}
	} else {
		takes = []float64{entryPrice - r*1.5, entryPrice - r*2.5, entryPrice - r*4.0}
	}

	return Sizing{
		PositionSize:     size,
		DollarRisk:       dollarRisk,
		ExpectedOrderKRW: orderKRW,
		StopPrice:        stopPrice,
		TakePrices:       takes,
		EstimatedFee:     orderKRW * upbitFeeRate * 2,
		MaxPositionSize:  maxSize,
	}
}

// CheckSlippage returns whether the fill is within the configured slippage
// limit, and the observed fraction.
func (s *Sizer) CheckSlippage(expectedPrice, actualPrice float64) (bool, float64) {
	if expectedPrice == 0 {
		return false, 999.0
	}
	slippage := math.Abs((actualPrice - expectedPrice) / expectedPrice)
	return slippage <= s.SlippageLimit, slippage
}
