package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krwquant/ats/internal/exchange/upbit"
)

func pair(prev, curr float64) []upbit.Candle {
	return []upbit.Candle{{TradePrice: prev}, {TradePrice: curr}}
}

func TestBreadthUp(t *testing.T) {
	markets := []MarketCandles{
		{Market: "KRW-BTC", Candles: pair(100, 110)},
		{Market: "KRW-ETH", Candles: pair(100, 90)},
		{Market: "KRW-XRP", Candles: pair(100, 105)},
		{Market: "KRW-ADA", Candles: pair(100, 100)}, // flat counts as not up
	}
	assert.InDelta(t, 0.5, BreadthUp(markets), 1e-9)

	assert.Zero(t, BreadthUp(nil))
	assert.Zero(t, BreadthUp([]MarketCandles{{Market: "KRW-BTC", Candles: pair(0, 100)}}))
}

func TestDispersion(t *testing.T) {
	uniform := []MarketCandles{
		{Market: "KRW-BTC", Candles: pair(100, 102)},
		{Market: "KRW-ETH", Candles: pair(200, 204)},
	}
	assert.InDelta(t, 0.0, Dispersion(uniform), 1e-12)

	spread := []MarketCandles{
		{Market: "KRW-BTC", Candles: pair(100, 110)},
		{Market: "KRW-ETH", Candles: pair(100, 90)},
	}
	assert.InDelta(t, 0.1, Dispersion(spread), 1e-9)

	assert.Zero(t, Dispersion(uniform[:1]))
}

func TestTop5ValueShare(t *testing.T) {
	var markets []MarketCandles
	// Five heavyweight markets and five light ones.
	for i := 0; i < 5; i++ {
		markets = append(markets, MarketCandles{
			Candles: []upbit.Candle{{TradePrice: 100, AccTradeVol: 90}},
		})
	}
	for i := 0; i < 5; i++ {
		markets = append(markets, MarketCandles{
			Candles: []upbit.Candle{{TradePrice: 100, AccTradeVol: 10}},
		})
	}
	assert.InDelta(t, 0.9, Top5ValueShare(markets), 1e-9)

	// Too few markets for a meaningful share.
	assert.Zero(t, Top5ValueShare(markets[:4]))
}

func TestWhipsaw(t *testing.T) {
	flip := make([]upbit.Candle, 20)
	for i := range flip {
		if i%2 == 0 {
			flip[i] = upbit.Candle{TradePrice: 100}
		} else {
			flip[i] = upbit.Candle{TradePrice: 110}
		}
	}
	assert.Equal(t, 1.0, Whipsaw(flip, 5))

	trend := make([]upbit.Candle, 20)
	for i := range trend {
		trend[i] = upbit.Candle{TradePrice: 100 + float64(i)}
	}
	assert.Zero(t, Whipsaw(trend, 5))

	assert.Zero(t, Whipsaw(trend[:5], 5))
}
