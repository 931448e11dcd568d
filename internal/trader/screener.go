package trader

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/exchange/upbit"
)

// Candidate is one screened market.
type Candidate struct {
	Symbol       string
	Notional24h  float64
	SpreadPct    float64
	AvgDepth5KRW float64
	Volatility   float64
	CurrentPrice float64
	ReasonFlags  []string
}

// Screener narrows the KRW universe to liquid, tight-spread markets.
type Screener struct {
	exchange *upbit.Client
	log      zerolog.Logger
}

// NewScreener creates a screener over the exchange client.
func NewScreener(exchange *upbit.Client, log zerolog.Logger) *Screener {
	return &Screener{
		exchange: exchange,
		log:      log.With().Str("component", "screener").Logger(),
	}
}

// Screen filters all KRW markets by 24h notional, then by bid/ask spread,
// and returns the top-N survivors ordered by notional.
func (s *Screener) Screen(topN int, minNotional, maxSpreadPct float64) ([]Candidate, error) {
	markets, err := s.exchange.KRWMarkets()
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, nil
	}

	tickers, err := s.exchange.Tickers(markets)
	if err != nil {
		return nil, err
	}

	var liquid []string
	for _, market := range markets {
		ticker, ok := tickers[market]
		if !ok {
			continue
		}
		if ticker.AccTradePrice24h >= minNotional {
			liquid = append(liquid, market)
		}
	}
	if len(liquid) == 0 {
		return nil, nil
	}

	orderbooks, err := s.exchange.Orderbooks(liquid)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, market := range liquid {
		ticker := tickers[market]
		orderbook, ok := orderbooks[market]
		if !ok || len(orderbook.Units) == 0 {
			continue
		}

		price := ticker.TradePrice
		if price <= 0 {
			continue
		}

		spread := orderbook.SpreadPct()
		if spread < 0 || spread > maxSpreadPct {
			continue
		}

		volatility := 0.0
		if ticker.HighPrice > 0 && ticker.LowPrice > 0 {
			volatility = (ticker.HighPrice - ticker.LowPrice) / price * 100
		}

		depth := orderbook.Top5DepthKRW()

		var flags []string
		if ticker.AccTradePrice24h > minNotional*5 {
			flags = append(flags, "HIGH_VOLUME")
		}
		if spread < maxSpreadPct*0.5 {
			flags = append(flags, "TIGHT_SPREAD")
		}
		if depth > ticker.AccTradePrice24h*0.01 {
			flags = append(flags, "GOOD_DEPTH")
		}

		candidates = append(candidates, Candidate{
			Symbol:       market,
			Notional24h:  ticker.AccTradePrice24h,
			SpreadPct:    spread,
			AvgDepth5KRW: depth,
			Volatility:   volatility,
			CurrentPrice: price,
			ReasonFlags:  flags,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Notional24h > candidates[j].Notional24h
	})
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}

	s.log.Debug().Int("universe", len(markets)).Int("candidates", len(candidates)).Msg("Screen complete")
	return candidates, nil
}
