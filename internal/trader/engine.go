package trader

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
	"github.com/krwquant/ats/internal/scoring"
)

// marketFeed is the slice of the exchange client the engine reads prices
// through.
type marketFeed interface {
	Ticker(market string) (*upbit.Ticker, error)
	MinuteCandles(market string, unit, count int) ([]upbit.Candle, error)
}

// orderExecutor places orders through the gateway.
type orderExecutor interface {
	Execute(traderName, symbol, side string, price, size float64, splitCount, maxRetries int) upbit.OrderResult
}

const (
	gateMarket   = "KRW-BTC"
	stopFraction = 0.98
	entryTopK    = 10
)

// defaultRegimeWeight is the fallback when the control store is
// unreachable.
var defaultRegimeWeight = map[string]float64{
	"TREND":             1.2,
	"BREAKOUT_ROTATION": 1.1,
	"RANGE":             1.0,
	"CHOP":              0.3,
	"PANIC":             0.0,
}

// Engine runs one trader's full decision cycle. It owns the in-memory
// derived state (open positions, score history); everything authoritative
// lives in the control store.
type Engine struct {
	traderName string
	strategyID string
	riskMode   string
	runMode    string
	equity     float64

	control  *controlclient.Client
	exchange marketFeed
	executor orderExecutor

	params     Params
	screener   *Screener
	aggregator *scoring.Aggregator
	checker    *Checker
	sizer      *Sizer
	manager    *Manager

	positions []*Position
	regime    string
	log       zerolog.Logger
}

// NewEngine builds an engine from the trader's control-store row. Live
// credentials are fetched through the privileged decrypt endpoint; a
// failure there degrades the live path but never stops the loop.
func NewEngine(cfg *controlclient.TraderConfig, control *controlclient.Client, exchange *upbit.Client, log zerolog.Logger) *Engine {
	logger := log.With().Str("component", "engine").Str("trader", cfg.Name).Logger()

	seed := 1_000_000.0
	if cfg.SeedKRW != nil {
		seed = *cfg.SeedKRW
	}
	equity := seed + cfg.PnLKRW

	var creds *upbit.Credentials
	paper := cfg.RunMode != "LIVE"
	if !paper && cfg.CredentialName != nil {
		cred, err := control.GetCredential(*cfg.CredentialName)
		if err != nil {
			logger.Error().Err(err).Str("credential", *cfg.CredentialName).Msg("Credential decrypt failed, live orders disabled")
		} else {
			creds = &upbit.Credentials{AccessKey: cred.AccessKey, SecretKey: cred.SecretKey}
		}
	}

	params := DefaultParams(cfg.RiskMode)
	if active, err := control.GetActiveConfig(cfg.StrategyID); err == nil && active != nil {
		params = MergeParams(params, active.ParamsJSON)
	}

	e := &Engine{
		traderName: cfg.Name,
		strategyID: cfg.StrategyID,
		riskMode:   cfg.RiskMode,
		runMode:    cfg.RunMode,
		equity:     equity,
		control:    control,
		exchange:   exchange,
		executor:   upbit.NewExecutor(exchange, control, creds, paper, logger),
		params:     params,
		screener:   NewScreener(exchange, logger),
		aggregator: scoring.NewAggregator(nil),
		checker:    NewChecker(params.EntryThreshold),
		sizer:      NewSizer(equity, params),
		manager:    NewManager(params.ExitThreshold),
		log:        logger,
	}
	e.restoreHoldings()
	return e
}

// Matches reports whether the engine still reflects the trader row; a
// strategy, risk mode, or run mode change forces a rebuild.
func (e *Engine) Matches(cfg *controlclient.TraderConfig) bool {
	return e.strategyID == cfg.StrategyID && e.riskMode == cfg.RiskMode && e.runMode == cfg.RunMode
}

// restoreHoldings rebuilds open positions from the control store's order
// ledger. Restored positions carry no entry context from a prior process,
// so the add-buy path treats them as cold-start ambiguous.
func (e *Engine) restoreHoldings() {
	holdings, err := e.control.GetHoldings(e.traderName)
	if err != nil {
		e.log.Warn().Err(err).Msg("Holdings restore failed")
		return
	}
	for _, h := range holdings {
		if h.Qty <= 0 {
			continue
		}
		ticker, err := e.exchange.Ticker(h.Symbol)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", h.Symbol).Msg("Restore price fetch failed")
			continue
		}
		e.positions = append(e.positions, &Position{
			Symbol:        h.Symbol,
			AvgEntryPrice: ticker.TradePrice,
			Size:          h.Qty,
			EntryScore:    e.params.ExitThreshold,
			BuyCount:      0,
		})
	}
	if len(e.positions) > 0 {
		e.log.Info().Int("count", len(e.positions)).Msg("Restored open positions from order ledger")
	}
}

// scored pairs one screened candidate with its aggregated scores.
type scored struct {
	Candidate
	FinalScore float64
	BaseScore  float64
	Scores     map[string]float64
	Reasons    []string
	RawMetrics map[string]float64
}

// RunCycle executes one full iteration: regime gating, screening, scoring,
// entry, and position management.
func (e *Engine) RunCycle() {
	regime, confidence := e.currentRegime()
	e.regime = regime
	e.log.Info().Str("regime", regime).Float64("confidence", confidence).Msg("Cycle started")

	regimeWeight := e.regimeWeight(regime)
	banditWeight := e.banditWeight(regime)
	riskMult, ok := RiskMultiplier[e.riskMode]
	if !ok {
		riskMult = RiskMultiplier["STANDARD"]
	}

	if regime == "PANIC" {
		e.log.Warn().Msg("PANIC regime, reduce-only")
		if err := e.control.PanicBlock(e.traderName); err != nil {
			e.log.Error().Err(err).Msg("Panic block report failed")
		}
		e.reducePositions()
		return
	}

	entryAllowed := e.entryAllowed(regime)

	if entryAllowed {
		e.runEntryPhase(regime, confidence, regimeWeight, banditWeight, riskMult)
	}

	e.managePositions()
}

func (e *Engine) currentRegime() (string, float64) {
	current, err := e.control.GetCurrentRegime(gateMarket)
	if err != nil {
		e.log.Warn().Err(err).Msg("Regime fetch failed, assuming RANGE")
		return "RANGE", 0.5
	}
	if current == nil {
		return "RANGE", 0.5
	}
	return current.Label, current.Confidence
}

func (e *Engine) regimeWeight(regime string) float64 {
	w, err := e.control.RegimeWeight(regime, 1.0)
	if err != nil {
		if fallback, ok := defaultRegimeWeight[regime]; ok {
			return fallback
		}
		return 1.0
	}
	return w
}

func (e *Engine) banditWeight(regime string) float64 {
	w, err := e.control.BanditWeight(regime, e.strategyID)
	if err != nil {
		return 1.0
	}
	return w
}

// entryAllowed consults the guard: a hard block or either soft entry
// block suppresses the whole entry phase. Exits always proceed.
func (e *Engine) entryAllowed(regime string) bool {
	safety, err := e.control.GetSafety(e.traderName)
	if err != nil {
		e.log.Warn().Err(err).Msg("Safety fetch failed, entries suppressed")
		return false
	}
	if safety.Blocked {
		e.log.Warn().Str("reason", safety.BlockReason).Msg("Trader blocked, entries suppressed")
		return false
	}

	blocked, reason, err := e.control.EntryBlockedByErrors(e.traderName)
	if err == nil && blocked {
		e.log.Warn().Str("reason", reason).Msg("Error counters block entries")
		return false
	}

	blocked, reason, err = e.control.EntryBlocked(gateMarket)
	if err == nil && blocked {
		e.log.Info().Str("reason", reason).Str("regime", regime).Msg("Regime gate blocks entries")
		return false
	}
	return true
}

func (e *Engine) runEntryPhase(regime string, confidence, regimeWeight, banditWeight, riskMult float64) {
	candidates, err := e.screener.Screen(e.params.ScreenTopN, e.params.MinNotional24hKRW, e.params.MaxSpreadPct)
	if err != nil {
		e.log.Error().Err(err).Msg("Screening failed")
		e.reportAPIError()
		return
	}
	if len(candidates) == 0 {
		e.log.Info().Msg("No candidates after screening")
		return
	}

	btcCandles, err := e.exchange.MinuteCandles(gateMarket, 60, 200)
	if err != nil {
		e.log.Warn().Err(err).Msg("BTC candle fetch failed")
		e.reportAPIError()
	}

	var ranked []scored
	for _, candidate := range candidates {
		s, err := e.scoreCandidate(candidate, regime, confidence, regimeWeight, banditWeight, riskMult, btcCandles)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", candidate.Symbol).Msg("Scoring failed")
			continue
		}
		ranked = append(ranked, *s)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].FinalScore > ranked[j].FinalScore })

	e.runEntries(ranked, regime, e.dbHeldSymbols())
}

// runEntries walks the ranked candidates. After every placed order the
// guard is consulted again, so a trip mid-cycle (slippage anomaly, loss
// limit) suppresses the remaining entries of the same cycle.
func (e *Engine) runEntries(ranked []scored, regime string, heldSymbols map[string]bool) {
	placed := false
	for i, candidate := range ranked {
		if i >= entryTopK {
			break
		}
		if placed && !e.entryAllowed(regime) {
			e.log.Warn().Msg("Guard tripped mid-cycle, remaining entries skipped")
			return
		}
		if e.tryEntry(candidate, regime, heldSymbols) {
			placed = true
		}
	}
}

func (e *Engine) scoreCandidate(candidate Candidate, regime string, confidence, regimeWeight, banditWeight, riskMult float64, btcCandles []upbit.Candle) (*scored, error) {
	candles, err := e.exchange.MinuteCandles(candidate.Symbol, 60, 200)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", candidate.Symbol)
	}

	tpScore, tpReasons, tpMetrics := scoring.TrendPullback(candles)
	vcbScore, vcbReasons, vcbMetrics := scoring.VolatilityContractionBreakout(candles)
	lsrScore, lsrReasons, lsrMetrics := scoring.LiquiditySweepReversal(candles)
	lfScore, lfReasons, lfMetrics := scoring.LeaderFollower(candles, btcCandles)
	regimeScore, regimeReasons, regimeMetrics := scoring.RegimeModifier(regime, confidence)

	scores := map[string]float64{
		"tp":     tpScore,
		"vcb":    vcbScore,
		"lsr":    lsrScore,
		"lf":     lfScore,
		"regime": regimeScore,
	}
	reasonCodes := map[string][]string{
		"tp":     tpReasons,
		"vcb":    vcbReasons,
		"lsr":    lsrReasons,
		"lf":     lfReasons,
		"regime": regimeReasons,
	}

	agg := e.aggregator.Aggregate(candidate.Symbol, scores, reasonCodes)

	raw := make(map[string]float64)
	for _, metrics := range []map[string]float64{tpMetrics, vcbMetrics, lsrMetrics, lfMetrics, regimeMetrics} {
		for k, v := range metrics {
			raw[k] = v
		}
	}

	return &scored{
		Candidate:  candidate,
		FinalScore: agg.SmoothedScore * regimeWeight * banditWeight * riskMult,
		BaseScore:  agg.SmoothedScore,
		Scores:     scores,
		Reasons:    agg.ReasonCodes,
		RawMetrics: raw,
	}, nil
}

func (e *Engine) dbHeldSymbols() map[string]bool {
	held := make(map[string]bool)
	holdings, err := e.control.GetHoldings(e.traderName)
	if err != nil {
		e.log.Warn().Err(err).Msg("Holdings fetch failed")
		e.reportDBError()
		// Fall back to the in-memory set so duplicates stay blocked.
		for _, pos := range e.positions {
			held[pos.Symbol] = true
		}
		return held
	}
	for _, h := range holdings {
		if h.Qty > 0 {
			held[h.Symbol] = true
		}
	}
	return held
}

func (e *Engine) position(symbol string) *Position {
	for _, pos := range e.positions {
		if pos.Symbol == symbol {
			return pos
		}
	}
	return nil
}

// openPositionsRisk sums risk-at-stop over open positions as a fraction
// of equity. A position restored without a stop assumes the default stop
// distance.
func (e *Engine) openPositionsRisk() float64 {
	if e.equity <= 0 {
		return 0
	}
	risk := 0.0
	for _, pos := range e.positions {
		stop := pos.StopPrice
		if stop <= 0 {
			stop = pos.AvgEntryPrice * stopFraction
		}
		risk += math.Abs(pos.AvgEntryPrice-stop) * pos.Size / e.equity
	}
	return risk
}

// tryEntry runs the checklist, sizes, and places one BUY. Returns true
// when an order reached the executor.
func (e *Engine) tryEntry(candidate scored, regime string, heldSymbols map[string]bool) bool {
	symbol := candidate.Symbol

	addBuy := false
	if heldSymbols[symbol] {
		existing := e.position(symbol)
		switch {
		case !e.params.AddBuyEnabled:
			return false
		case existing == nil || existing.BuyCount == 0:
			// Held per the ledger but not entered by this process.
			return false
		case existing.BuyCount >= 1+e.params.MaxAddCount:
			return false
		case candidate.BaseScore < e.params.AddMinBaseScore:
			return false
		}
		addBuy = true
	}

	passed, failedReasons := e.checker.CheckAll(CheckInput{
		Symbol:           symbol,
		BaseScore:        candidate.BaseScore,
		Regime:           regime,
		ExpectedOrderKRW: candidate.AvgDepth5KRW * defaultLiquidityMaxRatio,
		AvgDepth5KRW:     candidate.AvgDepth5KRW,
		RemainingBudget:  e.equity * 0.9,
		PerTradeRisk:     e.equity * e.params.RiskPerTrade,
		HeldSymbols:      heldSymbols,
		AllowHeld:        addBuy,
		APIHealthy:       true,
	})
	if !passed {
		e.log.Debug().Str("symbol", symbol).Strs("reasons", failedReasons).Msg("Checklist rejected")
		return false
	}

	entryPrice := candidate.CurrentPrice
	stopPrice := entryPrice * stopFraction
	sizing := e.sizer.Calculate(entryPrice, stopPrice, e.openPositionsRisk())
	size := sizing.PositionSize
	if addBuy {
		size *= e.params.AddPositionRatio
	}
	if size <= 0 {
		return false
	}

	e.postSignal(symbol, candidate.FinalScore, candidate.Scores, "ENTRY", candidate.Reasons, candidate.RawMetrics)

	result := e.executor.Execute(e.traderName, symbol, "BUY", entryPrice, size, 1, 3)
	if !result.Success {
		e.log.Warn().Str("symbol", symbol).Str("error", result.Error).Msg("Entry order failed")
		return true
	}

	if err := e.control.ReportSlippage(e.traderName, entryPrice, result.AvgPrice); err != nil {
		e.log.Warn().Err(err).Msg("Slippage report failed")
	}

	if addBuy {
		pos := e.position(symbol)
		total := pos.Size + result.FilledQty
		if total > 0 {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Size + result.AvgPrice*result.FilledQty) / total
		}
		pos.Size = total
		pos.BuyCount++
		pos.EntryScore = candidate.FinalScore
		e.persistPosition(pos)
		e.log.Info().Str("symbol", symbol).Float64("avg_price", pos.AvgEntryPrice).Msg("Add-buy filled")
		return true
	}

	pos := &Position{
		Symbol:        symbol,
		AvgEntryPrice: result.AvgPrice,
		Size:          result.FilledQty,
		StopPrice:     sizing.StopPrice,
		TakePrices:    sizing.TakePrices,
		EntryScore:    candidate.FinalScore,
		BuyCount:      1,
	}
	e.positions = append(e.positions, pos)
	e.persistPosition(pos)
	e.log.Info().Str("symbol", symbol).Float64("price", result.AvgPrice).Float64("score", candidate.FinalScore).Msg("Entry filled")
	return true
}

// reducePositions is the PANIC branch: sell half of every open position,
// no new entries.
func (e *Engine) reducePositions() {
	var remaining []*Position
	for _, pos := range e.positions {
		sellSize := pos.Size * 0.5
		if sellSize <= 0 {
			continue
		}
		price := pos.AvgEntryPrice
		if ticker, err := e.exchange.Ticker(pos.Symbol); err == nil {
			price = ticker.TradePrice
		}

		result := e.executor.Execute(e.traderName, pos.Symbol, "SELL", price, sellSize, 1, 3)
		if result.Success {
			pos.Size -= result.FilledQty
			e.postSignal(pos.Symbol, 0, nil, "EXIT", []string{"PANIC 50% REDUCE"}, nil)
			if pos.Size > 0 {
				e.persistPosition(pos)
				remaining = append(remaining, pos)
			} else {
				e.closePosition(pos)
			}
		} else {
			e.log.Warn().Str("symbol", pos.Symbol).Str("error", result.Error).Msg("PANIC reduce failed")
			remaining = append(remaining, pos)
		}
	}
	e.positions = remaining
}

func (e *Engine) managePositions() {
	var still []*Position
	for _, pos := range e.positions {
		price := pos.AvgEntryPrice
		if ticker, err := e.exchange.Ticker(pos.Symbol); err == nil {
			price = ticker.TradePrice
		} else {
			e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Price refresh failed")
		}

		prevSize := pos.Size
		prevScale1, prevScale2 := pos.ScaleOut1, pos.ScaleOut2
		e.manager.Update(pos, price, e.regime)

		// A scale-out reduced the tracked size; realize it at market. On
		// failure the exchange still holds the full amount, so the size
		// and the fired level roll back and retry next cycle.
		if !pos.Closed && pos.Size < prevSize {
			scaleSize := prevSize - pos.Size
			result := e.executor.Execute(e.traderName, pos.Symbol, "SELL", price, scaleSize, 1, 3)
			if !result.Success {
				e.log.Warn().Str("symbol", pos.Symbol).Str("error", result.Error).Msg("Scale-out order failed, size kept")
				pos.Size = prevSize
				pos.ScaleOut1, pos.ScaleOut2 = prevScale1, prevScale2
			}
		}

		shouldClose, reason := e.manager.ShouldClose(pos, price)
		if pos.Closed && reason == "" {
			reason = closeReason(pos, price)
		}

		if shouldClose || pos.Closed {
			result := e.executor.Execute(e.traderName, pos.Symbol, "SELL", price, pos.Size, 1, 3)
			e.postSignal(pos.Symbol, 0, nil, "EXIT", []string{reason}, nil)
			if result.Success {
				e.settleClose(pos, result.AvgPrice)
			} else {
				e.log.Warn().Str("symbol", pos.Symbol).Str("error", result.Error).Msg("Exit order failed, position kept")
				pos.Closed = false
				still = append(still, pos)
			}
			continue
		}

		e.persistPosition(pos)
		still = append(still, pos)
	}
	e.positions = still
}

func closeReason(pos *Position, price float64) string {
	if pos.StopPrice > 0 && price <= pos.StopPrice {
		return fmt.Sprintf("손절 도달 (%.0f <= %.0f)", price, pos.StopPrice)
	}
	return fmt.Sprintf("CHOP 손실 청산 (%.2f%%)", pos.UnrealPnLPct)
}

// settleClose realizes PnL, feeds the guard and the bandit, and persists
// the CLOSED state. SELL order first, CLOSE persistence after.
func (e *Engine) settleClose(pos *Position, exitPrice float64) {
	pnl := (exitPrice - pos.AvgEntryPrice) * pos.Size
	e.equity += pnl
	e.sizer.Equity = e.equity

	if pnl < 0 {
		if blocked, err := e.control.ReportPnL(e.traderName, -pnl, true); err != nil {
			e.log.Warn().Err(err).Msg("PnL report failed")
		} else if blocked {
			e.log.Warn().Msg("Guard blocked trader after realized loss")
		}
	} else if _, err := e.control.ReportPnL(e.traderName, 0, false); err != nil {
		e.log.Warn().Err(err).Msg("PnL report failed")
	}

	if err := e.control.UpdateBandit(e.regime, e.strategyID, pnl > 0); err != nil {
		e.log.Warn().Err(err).Msg("Bandit update failed")
	}

	e.closePosition(pos)
	e.log.Info().Str("symbol", pos.Symbol).Float64("pnl", pnl).Msg("Position closed")
}

func (e *Engine) closePosition(pos *Position) {
	if err := e.control.ClosePosition(e.traderName, pos.Symbol); err != nil {
		e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position close persist failed")
		e.reportDBError()
	}
}

func (e *Engine) persistPosition(pos *Position) {
	takes, _ := json.Marshal(pos.TakePrices)
	stop := pos.StopPrice
	p := controlclient.Position{
		TraderName:     e.traderName,
		Symbol:         pos.Symbol,
		AvgEntryPrice:  pos.AvgEntryPrice,
		Size:           pos.Size,
		CurrentPrice:   pos.CurrentPrice,
		UnrealPnL:      pos.UnrealPnL,
		UnrealPnLPct:   pos.UnrealPnLPct,
		TakePricesJSON: string(takes),
	}
	if stop > 0 {
		p.StopPrice = &stop
	}
	if err := e.control.UpsertPosition(p); err != nil {
		e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position persist failed")
		e.reportDBError()
	}
}

func (e *Engine) postSignal(symbol string, totalScore float64, scores map[string]float64, action string, reasons []string, rawMetrics map[string]float64) {
	scoresJSON, _ := json.Marshal(scores)
	reasonsJSON, _ := json.Marshal(reasons)
	rawJSON, _ := json.Marshal(rawMetrics)
	err := e.control.PostSignal(controlclient.Signal{
		TraderName:     e.traderName,
		Symbol:         symbol,
		TotalScore:     totalScore,
		ScoresJSON:     string(scoresJSON),
		Regime:         e.regime,
		Action:         action,
		ReasonCodes:    string(reasonsJSON),
		RawMetricsJSON: string(rawJSON),
	})
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Signal persist failed")
		e.reportDBError()
	}
}

func (e *Engine) reportAPIError() {
	if err := e.control.ReportAPIError(e.traderName); err != nil {
		e.log.Warn().Err(err).Msg("API error report failed")
	}
}

func (e *Engine) reportDBError() {
	if err := e.control.ReportDBError(e.traderName); err != nil {
		e.log.Warn().Err(err).Msg("DB error report failed")
	}
}
