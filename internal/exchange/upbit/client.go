package upbit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
)

const defaultBaseURL = "https://api.upbit.com/v1"

// ErrTemporaryBan is returned when the exchange answers HTTP 418. The caller
// should treat the whole batch as failed and try again next cycle.
var ErrTemporaryBan = fmt.Errorf("exchange reported temporary ban")

// Client is the rate-limited market-data and order client. All batched
// accessors deduplicate their symbol list and issue one request per chunk,
// so single-symbol calls inherit the same limits.
type Client struct {
	http         *resty.Client
	limiter      *Limiter
	maxRetry     int
	chunkSize    int
	callInterval time.Duration
	log          zerolog.Logger

	sleep func(time.Duration)

	mu  sync.Mutex
	rng *rand.Rand
}

// ClientOptions configures a Client. Zero values fall back to defaults.
type ClientOptions struct {
	BaseURL         string
	RatePerSec      int
	MaxRetry        int
	ChunkSize       int
	CallIntervalSec float64
}

// NewClient creates an exchange client.
func NewClient(opts ClientOptions, log zerolog.Logger) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxRetry := opts.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 4
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 70
	}
	callInterval := time.Duration(opts.CallIntervalSec * float64(time.Second))

	return &Client{
		http:         resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		limiter:      NewLimiter(opts.RatePerSec),
		maxRetry:     maxRetry,
		chunkSize:    chunkSize,
		callInterval: callInterval,
		log:          log.With().Str("client", "upbit").Logger(),
		sleep:        time.Sleep,
		rng:          rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

func (c *Client) jitter(max time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max)))
}

// doGet performs one rate-limited GET with the retry policy: 429 backs off
// 0.25*2^n plus jitter, 418 sleeps 3-5s and aborts, network errors back off
// 0.2*2^n, any other non-2xx waits 0.15*(n+1).
func (c *Client) doGet(group, path string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetry; attempt++ {
		// Every attempt takes a limiter slot; retries count against the
		// same per-second budget as fresh calls.
		c.limiter.Acquire(group)

		req := c.http.R()
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		resp, err := req.Get(path)

		if err != nil {
			lastErr = err
			c.sleep(time.Duration(0.2*float64(int(1)<<attempt)*float64(time.Second)) + c.jitter(50*time.Millisecond))
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == 429:
			lastErr = fmt.Errorf("rate limited (429)")
			c.sleep(time.Duration(0.25*float64(int(1)<<attempt)*float64(time.Second)) + c.jitter(100*time.Millisecond))
			continue
		case status == 418:
			c.sleep(3*time.Second + c.jitter(2*time.Second))
			return ErrTemporaryBan
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(resp.Body())))
			c.sleep(time.Duration(0.15*float64(attempt+1)*float64(time.Second)) + c.jitter(50*time.Millisecond))
			continue
		}

		c.limiter.ObserveRemaining(resp.Header().Get("Remaining-Req"))
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("request to %s failed after %d attempts: %w", path, c.maxRetry, lastErr)
}

// Markets returns every listed market.
func (c *Client) Markets() ([]MarketInfo, error) {
	var markets []MarketInfo
	query := url.Values{"is_details": {"false"}}
	if err := c.doGet(GroupMarket, "/market/all", query, &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// KRWMarkets returns the KRW-quoted market codes.
func (c *Client) KRWMarkets() ([]string, error) {
	markets, err := c.Markets()
	if err != nil {
		return nil, err
	}
	var krw []string
	for _, m := range markets {
		if strings.HasPrefix(m.Market, "KRW-") {
			krw = append(krw, m.Market)
		}
	}
	return krw, nil
}

// Tickers fetches 24h snapshots for the given markets, chunked and merged
// into a market-keyed map.
func (c *Client) Tickers(markets []string) (map[string]Ticker, error) {
	result := make(map[string]Ticker)
	for _, chunk := range chunkMarkets(markets, c.chunkSize) {
		var batch []Ticker
		query := url.Values{"markets": {strings.Join(chunk, ",")}}
		if err := c.doGet(GroupTicker, "/ticker", query, &batch); err != nil {
			return nil, err
		}
		for _, t := range batch {
			result[t.Market] = t
		}
	}
	return result, nil
}

// Ticker fetches one market's snapshot through the batched path.
func (c *Client) Ticker(market string) (*Ticker, error) {
	tickers, err := c.Tickers([]string{market})
	if err != nil {
		return nil, err
	}
	t, ok := tickers[market]
	if !ok {
		return nil, fmt.Errorf("no ticker returned for %s", market)
	}
	return &t, nil
}

// Orderbooks fetches level-2 books for the given markets, chunked and merged.
func (c *Client) Orderbooks(markets []string) (map[string]Orderbook, error) {
	result := make(map[string]Orderbook)
	for _, chunk := range chunkMarkets(markets, c.chunkSize) {
		var batch []Orderbook
		query := url.Values{"markets": {strings.Join(chunk, ",")}}
		if err := c.doGet(GroupOrderbook, "/orderbook", query, &batch); err != nil {
			return nil, err
		}
		for _, b := range batch {
			result[b.Market] = b
		}
	}
	return result, nil
}

// MinuteCandles fetches up to count bars of the given minute unit, oldest
// first. Consecutive candle calls are paced by the configured inter-call
// interval.
func (c *Client) MinuteCandles(market string, unit, count int) ([]Candle, error) {
	if c.callInterval > 0 {
		c.sleep(c.callInterval)
	}
	var candles []Candle
	query := url.Values{
		"market": {market},
		"count":  {fmt.Sprintf("%d", count)},
	}
	path := fmt.Sprintf("/candles/minutes/%d", unit)
	if err := c.doGet(GroupMarket, path, query, &candles); err != nil {
		return nil, err
	}
	reverseCandles(candles)
	return candles, nil
}

// DayCandles fetches up to count daily bars, oldest first.
func (c *Client) DayCandles(market string, count int) ([]Candle, error) {
	if c.callInterval > 0 {
		c.sleep(c.callInterval)
	}
	var candles []Candle
	query := url.Values{
		"market": {market},
		"count":  {fmt.Sprintf("%d", count)},
	}
	if err := c.doGet(GroupMarket, "/candles/days", query, &candles); err != nil {
		return nil, err
	}
	reverseCandles(candles)
	return candles, nil
}

// submitOrder posts one authenticated order and returns the exchange's ack.
// Market BUY spends a KRW amount (ord_type=price); market SELL specifies a
// coin volume (ord_type=market).
func (c *Client) submitOrder(creds Credentials, market, side string, krwAmount, volume float64) (*orderResponse, error) {
	form := url.Values{"market": {market}}
	switch side {
	case "BUY":
		form.Set("side", "bid")
		form.Set("ord_type", "price")
		form.Set("price", fmt.Sprintf("%.0f", krwAmount))
	case "SELL":
		form.Set("side", "ask")
		form.Set("ord_type", "market")
		form.Set("volume", fmt.Sprintf("%.8f", volume))
	default:
		return nil, fmt.Errorf("unknown order side %q", side)
	}

	token, err := authToken(creds, form)
	if err != nil {
		return nil, err
	}

	c.limiter.Acquire(GroupMarket)
	resp, err := c.http.R().
		SetHeader("Authorization", token).
		SetFormDataFromValues(form).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("order submit failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("order rejected with status %d: %s",
			resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	var ack orderResponse
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return nil, fmt.Errorf("failed to decode order ack: %w", err)
	}
	return &ack, nil
}

func chunkMarkets(markets []string, size int) [][]string {
	seen := make(map[string]bool, len(markets))
	deduped := make([]string, 0, len(markets))
	for _, m := range markets {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		deduped = append(deduped, m)
	}

	var chunks [][]string
	for start := 0; start < len(deduped); start += size {
		end := start + size
		if end > len(deduped) {
			end = len(deduped)
		}
		chunks = append(chunks, deduped[start:end])
	}
	return chunks
}

func reverseCandles(candles []Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
