package upbit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
)

const paperSlippagePct = 0.001

// tickerSource supplies current prices for paper fills.
type tickerSource interface {
	Ticker(market string) (*Ticker, error)
}

// orderGateway submits live orders.
type orderGateway interface {
	submitOrder(creds Credentials, market, side string, krwAmount, volume float64) (*orderResponse, error)
}

// OrderRecord is one terminal order outcome pushed to the control store.
type OrderRecord struct {
	OrderID    string
	TraderName string
	Symbol     string
	Side       string
	Price      float64
	Size       float64
	FilledQty  float64
	AvgPrice   float64
	Status     string
	Error      string
}

// OrderRecorder persists order outcomes. The worker wires this to the
// control-store client; tests supply a collector.
type OrderRecorder interface {
	RecordOrder(o OrderRecord) error
}

// Executor unifies paper and live order execution behind one contract.
// Paper mode simulates the fill at the current ticker price with uniform
// slippage in plus or minus 0.1 percent. Live mode splits the size, retries
// each part, and blacklists the symbol on repeated failure.
type Executor struct {
	market    tickerSource
	gateway   orderGateway
	recorder  OrderRecorder
	blacklist *Blacklist
	creds     *Credentials
	paper     bool
	log       zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExecutor creates an order executor. creds may be nil in paper mode.
func NewExecutor(client *Client, recorder OrderRecorder, creds *Credentials, paper bool, log zerolog.Logger) *Executor {
	return &Executor{
		market:    client,
		gateway:   client,
		recorder:  recorder,
		blacklist: NewBlacklist(600 * time.Second),
		creds:     creds,
		paper:     paper,
		log:       log.With().Str("component", "executor").Logger(),
		rng:       rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

// Execute submits one order. BUY interprets size as a KRW amount and
// returns the filled coin quantity; SELL interprets size as a coin volume.
func (e *Executor) Execute(traderName, symbol, side string, price, size float64, splitCount, maxRetries int) OrderResult {
	if remaining := e.blacklist.RemainingSec(symbol); remaining > 0 {
		return OrderResult{
			Success: false,
			Error:   fmt.Sprintf("블랙리스트 차단 (%d초 남음)", remaining),
		}
	}
	if size <= 0 {
		return OrderResult{Success: false, Error: "주문 수량 0"}
	}

	if e.paper {
		return e.executePaper(traderName, symbol, side, price, size)
	}
	return e.executeLive(traderName, symbol, side, price, size, splitCount, maxRetries)
}

func (e *Executor) executePaper(traderName, symbol, side string, price, size float64) OrderResult {
	ticker, err := e.market.Ticker(symbol)
	if err != nil {
		return OrderResult{Success: false, Error: fmt.Sprintf("시세 조회 실패: %v", err)}
	}

	e.mu.Lock()
	slip := (e.rng.Float64()*2 - 1) * paperSlippagePct
	e.mu.Unlock()
	fillPrice := ticker.TradePrice * (1 + slip)

	filledQty := size
	if side == "BUY" {
		filledQty = size / fillPrice
	}

	orderID := "paper-" + uuid.New().String()
	record := OrderRecord{
		OrderID:    orderID,
		TraderName: traderName,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Size:       size,
		FilledQty:  filledQty,
		AvgPrice:   fillPrice,
		Status:     "FILLED",
	}
	if err := e.recorder.RecordOrder(record); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record paper order")
	}

	return OrderResult{
		Success:   true,
		OrderID:   orderID,
		FilledQty: filledQty,
		AvgPrice:  fillPrice,
	}
}

func (e *Executor) executeLive(traderName, symbol, side string, price, size float64, splitCount, maxRetries int) OrderResult {
	if e.creds == nil {
		return OrderResult{Success: false, Error: "LIVE 인증 정보 없음"}
	}
	if splitCount <= 0 {
		splitCount = 1
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	partSize := size / float64(splitCount)
	var totalFilled, notional float64
	var orderIDs []string
	var lastErr string

	for part := 0; part < splitCount; part++ {
		filled := false
		for attempt := 0; attempt < maxRetries; attempt++ {
			var ack *orderResponse
			var err error
			if side == "BUY" {
				ack, err = e.gateway.submitOrder(*e.creds, symbol, side, partSize, 0)
			} else {
				ack, err = e.gateway.submitOrder(*e.creds, symbol, side, 0, partSize)
			}
			if err != nil {
				lastErr = err.Error()
				e.log.Warn().Err(err).Str("symbol", symbol).Int("part", part).
					Int("attempt", attempt+1).Msg("Order attempt failed")
				continue
			}

			refPrice := price
			if ticker, terr := e.market.Ticker(symbol); terr == nil {
				refPrice = ticker.TradePrice
			}
			partQty := partSize
			if side == "BUY" && refPrice > 0 {
				partQty = partSize / refPrice
			}

			totalFilled += partQty
			notional += partQty * refPrice
			orderIDs = append(orderIDs, ack.UUID)
			filled = true
			break
		}

		if !filled {
			e.blacklist.Add(symbol)
			e.log.Error().Str("symbol", symbol).Int("part", part).
				Msg("Order part failed repeatedly, symbol blacklisted")
			break
		}
	}

	if totalFilled <= 0 {
		return OrderResult{Success: false, Error: lastErr}
	}

	avgPrice := price
	if totalFilled > 0 && notional > 0 {
		avgPrice = notional / totalFilled
	}
	orderID := orderIDs[0]

	record := OrderRecord{
		OrderID:    orderID,
		TraderName: traderName,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Size:       size,
		FilledQty:  totalFilled,
		AvgPrice:   avgPrice,
		Status:     "FILLED",
		Error:      lastErr,
	}
	if err := e.recorder.RecordOrder(record); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record live order")
	}

	return OrderResult{
		Success:   true,
		OrderID:   orderID,
		FilledQty: totalFilled,
		AvgPrice:  avgPrice,
		Error:     lastErr,
	}
}
