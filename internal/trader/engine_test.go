package trader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
)

type fakeFeed struct {
	prices map[string]float64
}

func (f *fakeFeed) Ticker(market string) (*upbit.Ticker, error) {
	price, ok := f.prices[market]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", market)
	}
	return &upbit.Ticker{Market: market, TradePrice: price}, nil
}

func (f *fakeFeed) MinuteCandles(market string, unit, count int) ([]upbit.Candle, error) {
	return nil, nil
}

type scriptedExecutor struct {
	queued []upbit.OrderResult
	calls  []string
}

func (x *scriptedExecutor) Execute(traderName, symbol, side string, price, size float64, splitCount, maxRetries int) upbit.OrderResult {
	x.calls = append(x.calls, fmt.Sprintf("%s %s %.4f", side, symbol, size))
	if len(x.queued) == 0 {
		return upbit.OrderResult{Success: true, OrderID: "ok", AvgPrice: price, FilledQty: size}
	}
	r := x.queued[0]
	x.queued = x.queued[1:]
	return r
}

// controlStub backs a controlclient.Client with a minimal control store.
// With tripOnSlippage set, the first slippage report flips the trader's
// guard state to blocked.
type controlStub struct {
	mu              sync.Mutex
	tripOnSlippage  bool
	blocked         bool
	slippageReports int
}

func newControlStub(tripOnSlippage bool) (*controlclient.Client, *controlStub, func()) {
	stub := &controlStub{tripOnSlippage: tripOnSlippage}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/safety/t1/slippage":
			stub.slippageReports++
			if stub.tripOnSlippage {
				stub.blocked = true
			}
			fmt.Fprint(w, `{}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/safety/t1":
			fmt.Fprintf(w, `{"blocked": %t, "block_reason": "Slippage 이상 감지"}`, stub.blocked)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	return controlclient.New(srv.URL, "", zerolog.Nop()), stub, srv.Close
}

func newTestEngine(control *controlclient.Client, feed *fakeFeed, exec *scriptedExecutor) *Engine {
	params := DefaultParams("STANDARD")
	return &Engine{
		traderName: "t1",
		strategyID: "standard",
		equity:     1_000_000,
		control:    control,
		exchange:   feed,
		executor:   exec,
		params:     params,
		checker:    NewChecker(params.EntryThreshold),
		sizer:      NewSizer(1_000_000, params),
		manager:    NewManager(params.ExitThreshold),
		log:        zerolog.Nop(),
	}
}

func entryCandidate(symbol string) scored {
	return scored{
		Candidate:  Candidate{Symbol: symbol, CurrentPrice: 100, AvgDepth5KRW: 1_000_000},
		FinalScore: 82,
		BaseScore:  80,
	}
}

func TestOpenPositionsRiskAtStop(t *testing.T) {
	e := &Engine{equity: 1_000_000}

	// A break-even position still carries its full stop distance.
	e.positions = []*Position{
		{Symbol: "KRW-ETH", AvgEntryPrice: 100, StopPrice: 98, Size: 1000},
	}
	assert.InDelta(t, 0.002, e.openPositionsRisk(), 1e-9)

	// A trailing stop above entry counts the absolute distance.
	e.positions = append(e.positions,
		&Position{Symbol: "KRW-XRP", AvgEntryPrice: 200, StopPrice: 202, Size: 500, UnrealPnLPct: 2.5})
	assert.InDelta(t, 0.003, e.openPositionsRisk(), 1e-9)

	// Restored holdings without a stop assume the default stop distance.
	e.positions = []*Position{
		{Symbol: "KRW-SOL", AvgEntryPrice: 100, Size: 1000},
	}
	assert.InDelta(t, 0.002, e.openPositionsRisk(), 1e-9)

	assert.Zero(t, (&Engine{}).openPositionsRisk())
}

func TestEntriesStopAfterMidCycleGuardTrip(t *testing.T) {
	control, stub, done := newControlStub(true)
	defer done()

	exec := &scriptedExecutor{}
	e := newTestEngine(control, &fakeFeed{}, exec)

	ranked := []scored{
		entryCandidate("KRW-AAA"),
		entryCandidate("KRW-BBB"),
		entryCandidate("KRW-CCC"),
	}
	e.runEntries(ranked, "TREND", map[string]bool{})

	// The first fill's slippage report tripped the guard, so the other
	// two candidates never reached the executor.
	require.Len(t, exec.calls, 1)
	assert.Equal(t, 1, stub.slippageReports)
	assert.Len(t, e.positions, 1)
}

func TestEntriesProceedWhileGuardClear(t *testing.T) {
	control, stub, done := newControlStub(false)
	defer done()

	exec := &scriptedExecutor{}
	e := newTestEngine(control, &fakeFeed{}, exec)

	ranked := []scored{
		entryCandidate("KRW-AAA"),
		entryCandidate("KRW-BBB"),
		entryCandidate("KRW-CCC"),
	}
	e.runEntries(ranked, "TREND", map[string]bool{})

	require.Len(t, exec.calls, 3)
	assert.Equal(t, 3, stub.slippageReports)
	assert.Len(t, e.positions, 3)
}

func TestScaleOutFailureKeepsSizeAndLevel(t *testing.T) {
	control, _, done := newControlStub(false)
	defer done()

	exec := &scriptedExecutor{queued: []upbit.OrderResult{
		{Success: false, Error: "insufficient funds"},
	}}
	e := newTestEngine(control, &fakeFeed{prices: map[string]float64{"KRW-ETH": 103}}, exec)

	pos := &Position{
		Symbol: "KRW-ETH", AvgEntryPrice: 100, Size: 30, StopPrice: 98,
		TakePrices: []float64{103, 105, 108}, EntryScore: 80, BuyCount: 1,
	}
	e.positions = []*Position{pos}

	e.managePositions()

	// The SELL failed: the exchange still holds 30, so the tracked size
	// and the fired level roll back.
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "SELL KRW-ETH 10.0000", exec.calls[0])
	assert.InDelta(t, 30.0, pos.Size, 1e-9)
	assert.False(t, pos.ScaleOut1)
	require.Len(t, e.positions, 1)

	// Next cycle retries the same level and realizes it.
	e.managePositions()
	require.Len(t, exec.calls, 2)
	assert.InDelta(t, 20.0, pos.Size, 1e-9)
	assert.True(t, pos.ScaleOut1)
}
