package trainer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/exchange/upbit"
)

// MarketData is the slice of the exchange gateway the trainer needs.
type MarketData interface {
	KRWMarkets() ([]string, error)
	MinuteCandles(market string, unit, count int) ([]upbit.Candle, error)
}

// Labels are the five forward-return labels for one snapshot. nil means the
// window has not elapsed yet.
type Labels struct {
	Ret60m  *float64
	Ret240m *float64
	MFE240m *float64
	MAE240m *float64
	DD240m  *float64
}

// Service runs the offline training pipeline: scan, label, evaluate, tune.
type Service struct {
	repo   *Repository
	market MarketData
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates a new trainer service
func NewService(repo *Repository, market MarketData, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		market: market,
		log:    log.With().Str("service", "trainer").Logger(),
		now:    time.Now,
	}
}

type snapshotFeatures struct {
	Price      float64 `json:"price"`
	VolumeMA20 float64 `json:"volume_ma_20"`
	RSI14      float64 `json:"rsi_14"`
	MACD       float64 `json:"macd"`
	BBUpper    float64 `json:"bb_upper"`
	BBLower    float64 `json:"bb_lower"`
}

// Scan collects hourly candles for the given markets, computes feature rows,
// and stores them as a new scan run. Empty markets defaults to all KRW
// markets.
func (s *Service) Scan(strategyID string, markets []string, topN int, paramsJSON string) (int64, int, error) {
	if topN <= 0 {
		topN = 5
	}
	if len(markets) == 0 {
		all, err := s.market.KRWMarkets()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to list markets: %w", err)
		}
		markets = all
	}

	now := s.now().UTC()
	var snapshots []domain.FeatureSnapshot
	for _, market := range markets {
		candles, err := s.market.MinuteCandles(market, 60, 200)
		if err != nil {
			s.log.Warn().Err(err).Str("market", market).Msg("Candle fetch failed, market skipped")
			continue
		}
		features := computeFeatures(candles)
		if features == nil {
			continue
		}
		payload, err := json.Marshal(features)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to encode features: %w", err)
		}
		snapshots = append(snapshots, domain.FeatureSnapshot{
			Market:       market,
			TS:           now,
			FeaturesJSON: string(payload),
		})
	}

	runID, err := s.repo.CreateScanRun(domain.ScanRun{
		TS:          now,
		StrategyID:  strategyID,
		MarketCount: len(markets),
		TopN:        topN,
		ParamsJSON:  paramsJSON,
	}, snapshots)
	if err != nil {
		return 0, 0, err
	}
	return runID, len(snapshots), nil
}

func computeFeatures(candles []upbit.Candle) *snapshotFeatures {
	if len(candles) < 26 {
		return nil
	}

	close := make([]float64, len(candles))
	volume := make([]float64, len(candles))
	for i, c := range candles {
		close[i] = c.TradePrice
		volume[i] = c.AccTradeVol
	}
	last := len(close) - 1

	volumeMA := stat.Mean(volume[len(volume)-20:], nil)
	rsi := talib.Rsi(close, 14)
	ema12 := talib.Ema(close, 12)
	ema26 := talib.Ema(close, 26)

	window := close[len(close)-20:]
	ma := stat.Mean(window, nil)
	sd := stat.PopStdDev(window, nil)

	return &snapshotFeatures{
		Price:      close[last],
		VolumeMA20: volumeMA,
		RSI14:      rsi[last],
		MACD:       ema12[last] - ema26[last],
		BBUpper:    ma + 2*sd,
		BBLower:    ma - 2*sd,
	}
}

// UpdateLabels attaches forward-return labels to a scan run's snapshots.
// The 60-minute return fills once an hour has elapsed; the 240-minute
// labels (return, MFE, MAE, drawdown) fill after four hours. Returns the
// number of snapshots updated.
func (s *Service) UpdateLabels(scanRunID int64) (int, error) {
	snapshots, err := s.repo.Snapshots(scanRunID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	updated := 0
	for _, snap := range snapshots {
		if snap.LabelRet240m != nil {
			continue
		}
		elapsed := now.Sub(snap.TS)
		if elapsed < time.Hour {
			continue
		}

		labels, err := s.computeLabels(snap, elapsed)
		if err != nil {
			s.log.Warn().Err(err).Str("market", snap.Market).Msg("Label computation failed")
			continue
		}
		if labels == nil {
			continue
		}
		if err := s.repo.SetLabels(snap.ID, *labels); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Service) computeLabels(snap domain.FeatureSnapshot, elapsed time.Duration) (*Labels, error) {
	var features snapshotFeatures
	if err := json.Unmarshal([]byte(snap.FeaturesJSON), &features); err != nil {
		return nil, fmt.Errorf("unparseable features: %w", err)
	}
	entry := features.Price
	if entry <= 0 {
		return nil, nil
	}

	// Five-minute bars covering the label window plus slack. Snapshots too
	// old for the fetchable history stay unlabeled.
	bars := int(elapsed/(5*time.Minute)) + 12
	if bars > 200 {
		bars = 200
	}
	candles, err := s.market.MinuteCandles(snap.Market, 5, bars)
	if err != nil {
		return nil, err
	}

	var labels Labels
	var closeAt60, closeAt240 float64
	maxHigh, minLow := entry, entry
	covered240 := false

	for i := range candles {
		t, err := candles[i].Time()
		if err != nil || t.Before(snap.TS) {
			continue
		}
		offset := t.Sub(snap.TS)
		if offset > 240*time.Minute {
			break
		}
		if candles[i].HighPrice > maxHigh {
			maxHigh = candles[i].HighPrice
		}
		if candles[i].LowPrice < minLow {
			minLow = candles[i].LowPrice
		}
		if offset <= 60*time.Minute {
			closeAt60 = candles[i].TradePrice
		}
		closeAt240 = candles[i].TradePrice
		if offset >= 235*time.Minute {
			covered240 = true
		}
	}

	if elapsed >= time.Hour && closeAt60 > 0 {
		ret := (closeAt60 - entry) / entry
		labels.Ret60m = &ret
	}
	if elapsed >= 240*time.Minute && covered240 && closeAt240 > 0 {
		ret := (closeAt240 - entry) / entry
		mfe := (maxHigh - entry) / entry
		mae := (entry - minLow) / entry
		dd := (minLow - entry) / entry
		labels.Ret240m = &ret
		labels.MFE240m = &mfe
		labels.MAE240m = &mae
		labels.DD240m = &dd
	}

	if labels.Ret60m == nil && labels.Ret240m == nil {
		return nil, nil
	}
	return &labels, nil
}

// Evaluate runs the gate over the strategy's latest scan run.
func (s *Service) Evaluate(strategyID string) (string, string, *Metrics, error) {
	run, err := s.repo.LatestScanRun(strategyID)
	if err != nil {
		return "", "", nil, err
	}
	snapshots, err := s.repo.Snapshots(run.ID)
	if err != nil {
		return "", "", nil, err
	}

	metrics := CalculateMetrics(snapshots)
	status, reason := EvaluateGate(metrics)
	return status, reason, metrics, nil
}

// EvaluateStrategy adapts Evaluate for the model lifecycle service.
func (s *Service) EvaluateStrategy(strategyID string) (string, string, string, error) {
	status, reason, metrics, err := s.Evaluate(strategyID)
	if err != nil {
		return "", "", "", err
	}
	metricsJSON := "{}"
	if metrics != nil {
		payload, err := json.Marshal(metrics)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode metrics: %w", err)
		}
		metricsJSON = string(payload)
	}
	return status, reason, metricsJSON, nil
}

// Tune runs the 60-trial TPE search over the strategy's latest scan run.
// Every trial is persisted as a candidate; the best-scoring params win.
func (s *Service) Tune(strategyID string, space *ParamSpace) (map[string]float64, error) {
	run, err := s.repo.LatestScanRun(strategyID)
	if err != nil {
		return nil, err
	}
	snapshots, err := s.repo.Snapshots(run.ID)
	if err != nil {
		return nil, err
	}

	searchSpace := DefaultParamSpace()
	if space != nil {
		searchSpace = *space
	}
	optimizer := newTPEOptimizer(searchSpace, uint64(s.now().UnixNano()))

	metrics := CalculateMetrics(snapshots)
	gateStatus, _ := EvaluateGate(metrics)
	metricsJSON := "{}"
	if metrics != nil {
		if payload, err := json.Marshal(metrics); err == nil {
			metricsJSON = string(payload)
		}
	}

	for trial := 0; trial < tuneTrials; trial++ {
		params := optimizer.suggest()

		score := 0.0
		if metrics != nil {
			score = metrics.Sharpe
		}
		candidateStatus := "REJECT"
		if gateStatus == "PASS" {
			score += 1.0
			candidateStatus = "PASS"
		}

		optimizer.update(params, score)

		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trial params: %w", err)
		}
		err = s.repo.AppendCandidate(domain.ModelCandidate{
			StrategyID:  strategyID,
			ParamsJSON:  string(paramsJSON),
			MetricsJSON: metricsJSON,
			Score:       score,
			Status:      candidateStatus,
		})
		if err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("strategy", strategyID).Float64("best_score", optimizer.bestScore).
		Msg("Tuning finished")
	return optimizer.bestPar, nil
}
