package regime

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
)

// majorMarkets is the fixed breadth universe: the large-cap KRW markets.
var majorMarkets = []string{
	"KRW-BTC", "KRW-ETH", "KRW-XRP", "KRW-ADA", "KRW-DOT",
	"KRW-DOGE", "KRW-SOL", "KRW-MATIC", "KRW-AVAX", "KRW-LINK",
	"KRW-ATOM", "KRW-ETC", "KRW-LTC", "KRW-BCH", "KRW-NEAR",
}

// Engine is the sampling loop: fetch indicator inputs, classify, push the
// snapshot to the control store.
type Engine struct {
	exchange *upbit.Client
	control  *controlclient.Client
	market   string
	interval time.Duration
	log      zerolog.Logger
}

// NewEngine creates a regime sampling engine for one market.
func NewEngine(exchange *upbit.Client, control *controlclient.Client, market string, interval time.Duration, log zerolog.Logger) *Engine {
	if market == "" {
		market = "KRW-BTC"
	}
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Engine{
		exchange: exchange,
		control:  control,
		market:   market,
		interval: interval,
		log:      log.With().Str("component", "regime-engine").Logger(),
	}
}

// Run loops until the stop channel closes. Each tick is independent; a
// failed tick logs and waits for the next one.
func (e *Engine) Run(stop <-chan struct{}) {
	e.log.Info().Str("market", e.market).Dur("interval", e.interval).Msg("Regime engine started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-stop:
			e.log.Info().Msg("Regime engine stopped")
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	ind, metrics, err := e.collectIndicators()
	if err != nil {
		e.log.Error().Err(err).Msg("Indicator collection failed")
		return
	}

	c := Classify(*ind)
	metrics["regime_id"] = float64(c.RegimeID)

	if err := e.control.PostRegimeSnapshot(e.market, c.RegimeID, c.Label, c.Confidence, metrics); err != nil {
		e.log.Error().Err(err).Msg("Snapshot push failed")
		return
	}
	e.log.Info().Str("regime", c.Label).Float64("confidence", c.Confidence).
		Float64("adx", ind.BTCADX4h).Float64("atr_pct", ind.BTCATRPct4h).
		Msg("Regime snapshot published")
}

func (e *Engine) collectIndicators() (*Indicators, map[string]float64, error) {
	btc4h, err := e.exchange.MinuteCandles("KRW-BTC", 240, 200)
	if err != nil {
		return nil, nil, err
	}

	var breadth []MarketCandles
	for _, market := range majorMarkets {
		candles, err := e.exchange.MinuteCandles(market, 60, 24)
		if err != nil {
			e.log.Warn().Err(err).Str("market", market).Msg("Breadth fetch failed, market skipped")
			continue
		}
		breadth = append(breadth, MarketCandles{Market: market, Candles: candles})
	}

	btc5m, err := e.exchange.MinuteCandles("KRW-BTC", 5, 100)
	if err != nil {
		return nil, nil, err
	}

	ind := Indicators{
		BTCADX4h:    ADX(btc4h, 14),
		BTCATRPct4h: ATRPct(btc4h, 14),
		BreadthUp1h: BreadthUp(breadth),
		Dispersion:  Dispersion(breadth),
		Top5Share:   Top5ValueShare(breadth),
		Whipsaw5m:   Whipsaw(btc5m, 5),
	}

	metrics := map[string]float64{
		"btc_adx_4h":          ind.BTCADX4h,
		"btc_atr_pct_4h":      ind.BTCATRPct4h,
		"breadth_up_1h":       ind.BreadthUp1h,
		"dispersion_1h":       ind.Dispersion,
		"top5_value_share_1h": ind.Top5Share,
		"whipsaw_5m":          ind.Whipsaw5m,
	}
	if len(btc4h) > 0 {
		metrics["close"] = btc4h[len(btc4h)-1].TradePrice
	}
	return &ind, metrics, nil
}
