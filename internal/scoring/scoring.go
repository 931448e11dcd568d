// Package scoring computes the five candidate sub-scores, each normalized
// to [0,100]: trend pullback, volatility contraction breakout, liquidity
// sweep reversal, leader-follower, and the regime modifier.
package scoring

import (
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/krwquant/ats/internal/exchange/upbit"
)

func closes(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].TradePrice
	}
	return out
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// TrendPullback rewards an uptrend (EMA50 above EMA200) that has pulled
// back into the 0.3-0.7 band of the recent 50-bar swing range, peaking at a
// half retracement.
func TrendPullback(candles []upbit.Candle) (float64, []string, map[string]float64) {
	if len(candles) < 200 {
		return 0, []string{"INSUFFICIENT_DATA"}, nil
	}

	close := closes(candles)
	ema50 := talib.Ema(close, 50)
	ema200 := talib.Ema(close, 200)
	last := len(close) - 1
	currentPrice := close[last]

	metrics := map[string]float64{
		"ema50":         ema50[last],
		"ema200":        ema200[last],
		"current_price": currentPrice,
	}

	if ema50[last] <= ema200[last] {
		return 0, []string{"NO_UPTREND"}, metrics
	}
	reasons := []string{"UPTREND"}

	var recentHigh, recentLow float64
	recentHigh = candles[len(candles)-50].HighPrice
	recentLow = candles[len(candles)-50].LowPrice
	for _, c := range candles[len(candles)-50:] {
		if c.HighPrice > recentHigh {
			recentHigh = c.HighPrice
		}
		if c.LowPrice < recentLow {
			recentLow = c.LowPrice
		}
	}
	fibRange := recentHigh - recentLow
	if fibRange == 0 {
		return 0, []string{"NO_RANGE"}, metrics
	}

	pullbackPct := (recentHigh - currentPrice) / fibRange
	metrics["pullback_pct"] = pullbackPct
	metrics["recent_high"] = recentHigh
	metrics["recent_low"] = recentLow

	var score float64
	switch {
	case pullbackPct >= 0.3 && pullbackPct <= 0.7:
		reasons = append(reasons, "FIB_PULLBACK")
		score = clamp(100-abs(pullbackPct-0.5)*200, 0, 100)
	case pullbackPct < 0.3:
		score = clamp(50-pullbackPct*100, 0, 100)
	default:
		score = 30
	}
	return score, reasons, metrics
}

// VolatilityContractionBreakout requires the last 10-bar realized vol to be
// under 0.8 of the prior 10 bars, then rewards an upward Bollinger breakout
// scaled by how deep the contraction was.
func VolatilityContractionBreakout(candles []upbit.Candle) (float64, []string, map[string]float64) {
	if len(candles) < 50 {
		return 0, []string{"INSUFFICIENT_DATA"}, nil
	}

	close := closes(candles)
	last := len(close) - 1
	currentPrice := close[last]

	const period = 20
	window := close[len(close)-period:]
	ma := stat.Mean(window, nil)
	sd := stat.PopStdDev(window, nil)
	upper := ma + 2*sd
	lower := ma - 2*sd

	recent := close[len(close)-10:]
	prior := close[len(close)-20 : len(close)-10]
	recentVol := stat.PopStdDev(recent, nil) / stat.Mean(recent, nil)
	priorVol := stat.PopStdDev(prior, nil) / stat.Mean(prior, nil)

	metrics := map[string]float64{
		"bb_upper":      upper,
		"bb_lower":      lower,
		"bb_middle":     ma,
		"current_price": currentPrice,
		"recent_vol":    recentVol,
		"prev_vol":      priorVol,
	}

	if priorVol == 0 || recentVol/priorVol > 0.8 {
		return 0, []string{"NO_CONTRACTION"}, metrics
	}

	contraction := recentVol / priorVol
	metrics["contraction_ratio"] = contraction
	reasons := []string{"VOL_CONTRACTION"}

	var score float64
	switch {
	case currentPrice > upper:
		reasons = append(reasons, "BREAKOUT_UP")
		score = 80
		if contraction < 0.5 {
			score = 100
		}
	case currentPrice < lower:
		reasons = append(reasons, "BREAKOUT_DOWN")
		score = 30
	default:
		score = 40
	}
	return score, reasons, metrics
}

// LiquiditySweepReversal rewards a long-wicked last candle that pierces the
// 20-bar high or low and closes against the sweep direction.
func LiquiditySweepReversal(candles []upbit.Candle) (float64, []string, map[string]float64) {
	if len(candles) < 20 {
		return 0, []string{"INSUFFICIENT_DATA"}, nil
	}

	window := candles[len(candles)-20:]
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		highs[i] = c.HighPrice
		lows[i] = c.LowPrice
	}
	recentHigh := maxOf(highs)
	recentLow := minOf(lows)

	lastBar := candles[len(candles)-1]
	currentPrice := lastBar.TradePrice

	metrics := map[string]float64{
		"recent_high":   recentHigh,
		"recent_low":    recentLow,
		"current_price": currentPrice,
	}

	barRange := lastBar.HighPrice - lastBar.LowPrice
	if barRange == 0 {
		return 0, []string{"NO_RANGE"}, metrics
	}

	bodyTop := lastBar.TradePrice
	bodyBottom := lastBar.OpeningPrice
	if bodyBottom > bodyTop {
		bodyTop, bodyBottom = bodyBottom, bodyTop
	}
	upperWick := lastBar.HighPrice - bodyTop
	lowerWick := bodyBottom - lastBar.LowPrice
	wickRatio := (upperWick + lowerWick) / barRange
	metrics["wick_ratio"] = wickRatio

	var reasons []string
	var score float64
	switch {
	case lastBar.HighPrice > recentHigh*0.99 && lastBar.TradePrice < lastBar.OpeningPrice:
		if wickRatio > 0.5 {
			reasons = append(reasons, "SWEEP_HIGH_REVERSAL")
			score = 75
		} else {
			score = 40
		}
	case lastBar.LowPrice < recentLow*1.01 && lastBar.TradePrice > lastBar.OpeningPrice:
		if wickRatio > 0.5 {
			reasons = append(reasons, "SWEEP_LOW_REVERSAL")
			score = 80
		} else {
			score = 45
		}
	default:
		score = 30
	}
	return score, reasons, metrics
}

// LeaderFollower compares the symbol's 20-bar return against BTC: rewarded
// for outperforming a rising BTC, and for resilience against a falling one.
func LeaderFollower(candles, btcCandles []upbit.Candle) (float64, []string, map[string]float64) {
	if len(candles) < 20 {
		return 0, []string{"INSUFFICIENT_DATA"}, nil
	}

	close := closes(candles)
	currentPrice := close[len(close)-1]

	if len(btcCandles) < 20 {
		return 50, []string{"NO_BTC_DATA"}, map[string]float64{"current_price": currentPrice}
	}
	btcClose := closes(btcCandles)

	symbolReturn := (currentPrice/close[len(close)-20] - 1) * 100
	btcReturn := (btcClose[len(btcClose)-1]/btcClose[len(btcClose)-20] - 1) * 100
	relativeStrength := symbolReturn - btcReturn

	metrics := map[string]float64{
		"symbol_return":     symbolReturn,
		"btc_return":        btcReturn,
		"relative_strength": relativeStrength,
	}

	var reasons []string
	var score float64
	switch {
	case btcReturn > 0 && relativeStrength > 5:
		reasons = append(reasons, "OUTPERFORM_BTC")
		score = 70 + clamp(relativeStrength, 0, 30)
	case btcReturn < 0 && relativeStrength > 0:
		reasons = append(reasons, "RESILIENT")
		score = 60 + clamp(relativeStrength*2, 0, 30)
	default:
		score = clamp(50+relativeStrength, 0, 100)
	}
	return score, reasons, metrics
}

// regimeBaseScores keys the modifier table by regime label.
var regimeBaseScores = map[string]float64{
	"BREAKOUT_ROTATION": 85,
	"TREND":             80,
	"RANGE":             60,
	"CHOP":              30,
	"PANIC":             10,
}

// RegimeModifier scales a fixed per-regime base score by the classifier's
// confidence.
func RegimeModifier(regimeLabel string, confidence float64) (float64, []string, map[string]float64) {
	base, ok := regimeBaseScores[regimeLabel]
	if !ok {
		base = 50
	}
	score := base * confidence

	reasons := []string{"REGIME_" + regimeLabel}
	if confidence > 0.8 {
		reasons = append(reasons, "HIGH_CONFIDENCE")
	}
	metrics := map[string]float64{"confidence": confidence}
	return score, reasons, metrics
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
