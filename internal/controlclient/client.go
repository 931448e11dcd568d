// Package controlclient is the workers' HTTP client for the control store.
// Every call has a short deadline; callers treat failures as transient and
// report them through the safety counters where that matters.
package controlclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/exchange/upbit"
)

// Client talks to the control store's /api surface.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// New creates a control-store client. apiKey may be empty for unauthenticated
// deployments.
func New(baseURL, apiKey string, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	if apiKey != "" {
		http.SetAuthToken(apiKey)
	}
	return &Client{
		http: http,
		log:  log.With().Str("client", "control").Logger(),
	}
}

func (c *Client) get(path string, query map[string]string, out interface{}) error {
	req := c.http.R()
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("control store GET %s failed: %w", path, err)
	}
	if resp.StatusCode() == 404 {
		return ErrNotFound
	}
	if resp.IsError() {
		return fmt.Errorf("control store GET %s returned %d", path, resp.StatusCode())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("control store GET %s: bad response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) post(path string, body interface{}, out interface{}) error {
	resp, err := c.http.R().SetBody(body).Post(path)
	if err != nil {
		return fmt.Errorf("control store POST %s failed: %w", path, err)
	}
	if resp.StatusCode() == 404 {
		return ErrNotFound
	}
	if resp.IsError() {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("control store POST %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("control store POST %s returned %d", path, resp.StatusCode())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("control store POST %s: bad response: %w", path, err)
		}
	}
	return nil
}

// ErrNotFound is returned on any 404 from the control store.
var ErrNotFound = fmt.Errorf("control store: not found")

// TraderConfig is the worker's self-configuration row.
type TraderConfig struct {
	Name                    string   `json:"name"`
	StrategyID              string   `json:"strategy"`
	RiskMode                string   `json:"risk_mode"`
	RunMode                 string   `json:"run_mode"`
	Status                  string   `json:"status"`
	SeedKRW                 *float64 `json:"seed_krw"`
	CredentialName          *string  `json:"credential_name"`
	PnLKRW                  float64  `json:"pnl_krw"`
	PaperProtectRemainingSec int     `json:"paper_protect_remaining_sec"`
}

// GetTrader fetches the worker's own trader row.
func (c *Client) GetTrader(name string) (*TraderConfig, error) {
	var cfg TraderConfig
	if err := c.get("/api/traders/"+name, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Heartbeat stamps the trader's liveness.
func (c *Client) Heartbeat(name string) error {
	return c.post("/api/traders/"+name+"/heartbeat", map[string]string{}, nil)
}

// DecryptedCredential is the plaintext key pair for live trading.
type DecryptedCredential struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// GetCredential fetches the decrypted key pair for a credential name.
func (c *Client) GetCredential(name string) (*DecryptedCredential, error) {
	var cred DecryptedCredential
	if err := c.get("/api/credentials/"+name+"/decrypt", nil, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// ActiveConfig is one active config version.
type ActiveConfig struct {
	ID         int64  `json:"id"`
	Version    int    `json:"version"`
	ParamsJSON string `json:"params_json"`
}

// GetActiveConfig fetches the active config version for a strategy, or nil
// when none exists.
func (c *Client) GetActiveConfig(strategyID string) (*ActiveConfig, error) {
	var cfg ActiveConfig
	err := c.get("/api/configs/active", map[string]string{"strategy_id": strategyID}, &cfg)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CurrentRegime is the most recent regime snapshot for a market.
type CurrentRegime struct {
	Market     string  `json:"market"`
	Label      string  `json:"regime_label"`
	Confidence float64 `json:"confidence"`
}

// GetCurrentRegime fetches the market's current regime, or nil when no
// snapshot exists yet.
func (c *Client) GetCurrentRegime(market string) (*CurrentRegime, error) {
	var regime CurrentRegime
	err := c.get("/api/regimes/current", map[string]string{"market": market}, &regime)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &regime, nil
}

// PostRegimeSnapshot appends one classified snapshot.
func (c *Client) PostRegimeSnapshot(market string, regimeID int, label string, confidence float64, metrics map[string]float64) error {
	return c.post("/api/regimes/snapshot", map[string]interface{}{
		"market":       market,
		"regime_id":    regimeID,
		"regime_label": label,
		"confidence":   confidence,
		"metrics":      metrics,
	}, nil)
}

// EntryBlocked reports the regime entry gate for a market.
func (c *Client) EntryBlocked(market string) (bool, string, error) {
	var result struct {
		Blocked bool   `json:"blocked"`
		Reason  string `json:"reason"`
	}
	if err := c.get("/api/regimes/entry-blocked", map[string]string{"market": market}, &result); err != nil {
		return false, "", err
	}
	return result.Blocked, result.Reason, nil
}

// RegimeWeight applies the regime multiplier to a base weight.
func (c *Client) RegimeWeight(label string, baseWeight float64) (float64, error) {
	var result struct {
		AppliedWeight float64 `json:"applied_weight"`
	}
	query := map[string]string{"base_weight": fmt.Sprintf("%f", baseWeight)}
	if err := c.get("/api/regimes/regime-weight/"+label, query, &result); err != nil {
		return 1.0, err
	}
	return result.AppliedWeight, nil
}

// BanditWeight fetches the Thompson-sampled weight for (regime, strategy).
func (c *Client) BanditWeight(label, strategyID string) (float64, error) {
	var result struct {
		Weight float64 `json:"weight"`
	}
	if err := c.get("/api/regimes/weight/"+label+"/"+strategyID, nil, &result); err != nil {
		return 1.0, err
	}
	return result.Weight, nil
}

// UpdateBandit reports a realized outcome for (regime, strategy).
func (c *Client) UpdateBandit(regime, strategyID string, rewardPositive bool) error {
	return c.post("/api/regimes/bandit/update", map[string]interface{}{
		"regime":          regime,
		"strategy_id":     strategyID,
		"reward_positive": rewardPositive,
	}, nil)
}

// Signal is one scored decision to append.
type Signal struct {
	TraderName     string  `json:"trader_name"`
	Symbol         string  `json:"symbol"`
	TotalScore     float64 `json:"total_score"`
	ScoresJSON     string  `json:"scores_json"`
	Regime         string  `json:"regime"`
	Action         string  `json:"action"`
	ReasonCodes    string  `json:"reason_codes"`
	RawMetricsJSON string  `json:"raw_metrics_json"`
}

// PostSignal appends one signal row.
func (c *Client) PostSignal(s Signal) error {
	return c.post("/api/trades/signal", s, nil)
}

// RecordOrder persists one terminal order outcome. Implements the
// executor's OrderRecorder.
func (c *Client) RecordOrder(o upbit.OrderRecord) error {
	return c.post("/api/trades/order", map[string]interface{}{
		"order_id":    o.OrderID,
		"trader_name": o.TraderName,
		"symbol":      o.Symbol,
		"side":        o.Side,
		"price":       o.Price,
		"size":        o.Size,
		"status":      o.Status,
		"filled_qty":  o.FilledQty,
		"avg_price":   o.AvgPrice,
		"error":       o.Error,
	}, nil)
}

// Holding is one reconstructed net holding.
type Holding struct {
	Symbol string  `json:"symbol"`
	Qty    float64 `json:"qty"`
}

// GetHoldings returns the trader's holdings reconstructed from FILLED
// orders.
func (c *Client) GetHoldings(traderName string) ([]Holding, error) {
	var result struct {
		Items []Holding `json:"items"`
	}
	if err := c.get("/api/trades/holdings", map[string]string{"trader_name": traderName}, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// PostEvent appends one operational event.
func (c *Client) PostEvent(traderName, level, message string) error {
	return c.post("/api/events", map[string]string{
		"trader_name": traderName,
		"level":       level,
		"message":     message,
	}, nil)
}

// ReportPnL accumulates a realized loss; returns whether the trader is now
// blocked.
func (c *Client) ReportPnL(traderName string, lossKRW float64, consecutive bool) (bool, error) {
	var result struct {
		Blocked bool `json:"blocked"`
	}
	err := c.post("/api/safety/"+traderName+"/update_pnl", map[string]interface{}{
		"loss_krw":    lossKRW,
		"consecutive": consecutive,
	}, &result)
	return result.Blocked, err
}

// ReportSlippage reports one fill's expected vs actual price.
func (c *Client) ReportSlippage(traderName string, expected, actual float64) error {
	return c.post("/api/safety/"+traderName+"/slippage", map[string]interface{}{
		"expected_price": expected,
		"actual_price":   actual,
	}, nil)
}

// ReportAPIError counts one exchange API failure.
func (c *Client) ReportAPIError(traderName string) error {
	return c.post("/api/safety/"+traderName+"/api_error", map[string]string{}, nil)
}

// ReportDBError counts one control-store failure.
func (c *Client) ReportDBError(traderName string) error {
	return c.post("/api/safety/"+traderName+"/db_error", map[string]string{}, nil)
}

// SafetyState is the trader's guard state as the worker needs it.
type SafetyState struct {
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason"`
}

// GetSafety fetches the trader's guard state.
func (c *Client) GetSafety(traderName string) (*SafetyState, error) {
	var state SafetyState
	if err := c.get("/api/safety/"+traderName, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// EntryBlockedByErrors reports the soft error thresholds.
func (c *Client) EntryBlockedByErrors(traderName string) (bool, string, error) {
	var result struct {
		Blocked bool   `json:"blocked"`
		Reason  string `json:"reason"`
	}
	if err := c.get("/api/safety/"+traderName+"/entry-blocked", nil, &result); err != nil {
		return false, "", err
	}
	return result.Blocked, result.Reason, nil
}

// PanicBlock applies the PANIC auto-block for the trader.
func (c *Client) PanicBlock(traderName string) error {
	return c.post("/api/safety/"+traderName+"/panic_block", map[string]string{}, nil)
}

// Position mirrors the persisted view of an open position.
type Position struct {
	TraderName     string   `json:"trader_name"`
	Symbol         string   `json:"symbol"`
	AvgEntryPrice  float64  `json:"avg_entry_price"`
	Size           float64  `json:"size"`
	CurrentPrice   float64  `json:"current_price"`
	UnrealPnL      float64  `json:"unreal_pnl"`
	UnrealPnLPct   float64  `json:"unreal_pnl_pct"`
	StopPrice      *float64 `json:"stop_price"`
	TakePricesJSON string   `json:"take_prices_json"`
}

// UpsertPosition writes the persisted view of an open position.
func (c *Client) UpsertPosition(p Position) error {
	return c.post("/api/trades/position", p, nil)
}

// ClosePosition marks the trader's open position for a symbol CLOSED.
func (c *Client) ClosePosition(traderName, symbol string) error {
	return c.post("/api/trades/position/close", map[string]string{
		"trader_name": traderName,
		"symbol":      symbol,
	}, nil)
}

// ScanResult is the scan endpoint's acknowledgement.
type ScanResult struct {
	ScanRunID     int64 `json:"scan_run_id"`
	SnapshotCount int   `json:"snapshot_count"`
}

// RunScan triggers a feature scan for a strategy.
func (c *Client) RunScan(strategyID string, markets []string, topN int) (*ScanResult, error) {
	var result ScanResult
	err := c.post("/api/trainer/scan", map[string]interface{}{
		"strategy_id": strategyID,
		"markets":     markets,
		"top_n":       topN,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateLabels triggers label attachment for a scan run.
func (c *Client) UpdateLabels(scanRunID int64) error {
	return c.post("/api/trainer/update-labels", map[string]interface{}{
		"scan_run_id": scanRunID,
	}, nil)
}

// Evaluate runs the promotion gate for a strategy.
func (c *Client) Evaluate(strategyID string) (status, reason string, err error) {
	var result struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	err = c.post("/api/trainer/evaluate", map[string]string{"strategy_id": strategyID}, &result)
	return result.Status, result.Reason, err
}

// Tune runs the hyperparameter search for a strategy.
func (c *Client) Tune(strategyID string) (map[string]float64, error) {
	var result struct {
		BestParams map[string]float64 `json:"best_params"`
	}
	if err := c.post("/api/trainer/tune", map[string]string{"strategy_id": strategyID}, &result); err != nil {
		return nil, err
	}
	return result.BestParams, nil
}
