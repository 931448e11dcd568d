// Package regime samples market-wide indicators on a cadence, classifies
// the current regime, and pushes snapshots to the control store.
package regime

import (
	"sort"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/krwquant/ats/internal/exchange/upbit"
)

// MarketCandles pairs one market with its hourly bars for the breadth
// family of indicators.
type MarketCandles struct {
	Market  string
	Candles []upbit.Candle
}

// ADX computes the average directional index over the bars.
func ADX(candles []upbit.Candle, period int) float64 {
	if len(candles) < 2*period {
		return 0
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	close := make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.HighPrice
		low[i] = c.LowPrice
		close[i] = c.TradePrice
	}
	adx := talib.Adx(high, low, close, period)
	return adx[len(adx)-1]
}

// ATRPct computes the average true range as a percentage of the last close.
func ATRPct(candles []upbit.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	close := make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.HighPrice
		low[i] = c.LowPrice
		close[i] = c.TradePrice
	}
	atr := talib.Atr(high, low, close, period)
	lastClose := close[len(close)-1]
	if lastClose == 0 {
		return 0
	}
	return atr[len(atr)-1] / lastClose * 100
}

// BreadthUp returns the fraction of markets whose last bar closed above the
// previous one.
func BreadthUp(markets []MarketCandles) float64 {
	up, total := 0, 0
	for _, m := range markets {
		if len(m.Candles) < 2 {
			continue
		}
		prev := m.Candles[len(m.Candles)-2].TradePrice
		curr := m.Candles[len(m.Candles)-1].TradePrice
		if prev <= 0 {
			continue
		}
		total++
		if curr > prev {
			up++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(up) / float64(total)
}

// Dispersion returns the cross-market standard deviation of last-bar
// returns.
func Dispersion(markets []MarketCandles) float64 {
	var returns []float64
	for _, m := range markets {
		if len(m.Candles) < 2 {
			continue
		}
		prev := m.Candles[len(m.Candles)-2].TradePrice
		curr := m.Candles[len(m.Candles)-1].TradePrice
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curr-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.PopStdDev(returns, nil)
}

// Top5ValueShare approximates concentration: the share of traded value
// (price times volume of the last bar) held by the five largest markets.
func Top5ValueShare(markets []MarketCandles) float64 {
	var values []float64
	for _, m := range markets {
		if len(m.Candles) == 0 {
			continue
		}
		last := m.Candles[len(m.Candles)-1]
		values = append(values, last.TradePrice*last.AccTradeVol)
	}
	if len(values) < 5 {
		return 0
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	top5, total := 0.0, 0.0
	for i, v := range values {
		total += v
		if i < 5 {
			top5 += v
		}
	}
	if total == 0 {
		return 0
	}
	return top5 / total
}

// Whipsaw measures directional-change density over short bars: sliding
// windows of the given period count close-to-close direction flips,
// normalized into [0,1].
func Whipsaw(candles []upbit.Candle, period int) float64 {
	if len(candles) < 2*period {
		return 0
	}
	close := make([]float64, len(candles))
	for i, c := range candles {
		close[i] = c.TradePrice
	}

	changes := 0
	for i := period; i < len(close); i++ {
		window := close[i-period : i+1]
		prevDir := 0
		for j := 1; j < len(window); j++ {
			dir := 0
			if window[j] > window[j-1] {
				dir = 1
			} else if window[j] < window[j-1] {
				dir = -1
			}
			if dir != 0 && prevDir != 0 && dir != prevDir {
				changes++
			}
			if dir != 0 {
				prevDir = dir
			}
		}
	}

	maxChanges := float64(period * 2)
	score := float64(changes) / maxChanges
	if score > 1 {
		score = 1
	}
	return score
}
