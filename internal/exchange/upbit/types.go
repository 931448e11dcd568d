// Package upbit is the exchange gateway: a rate-limited batched market-data
// client plus an order executor that unifies paper and live execution behind
// one contract.
package upbit

import "time"

// MarketInfo is one tradable market as listed by the exchange.
type MarketInfo struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

// Ticker is the 24h snapshot for one market.
type Ticker struct {
	Market            string  `json:"market"`
	TradePrice        float64 `json:"trade_price"`
	PrevClosingPrice  float64 `json:"prev_closing_price"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	HighPrice         float64 `json:"high_price"`
	LowPrice          float64 `json:"low_price"`
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	Timestamp         int64   `json:"timestamp"`
}

// OrderbookUnit is one price level pair.
type OrderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Orderbook is the level-2 book for one market.
type Orderbook struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Units     []OrderbookUnit `json:"orderbook_units"`
}

// SpreadPct returns the relative bid/ask spread in percent, or -1 when the
// book is empty.
func (b *Orderbook) SpreadPct() float64 {
	if len(b.Units) == 0 || b.Units[0].BidPrice <= 0 {
		return -1
	}
	top := b.Units[0]
	return (top.AskPrice - top.BidPrice) / top.BidPrice * 100
}

// Top5DepthKRW returns the KRW notional resting on the top five bid levels.
func (b *Orderbook) Top5DepthKRW() float64 {
	depth := 0.0
	for i, u := range b.Units {
		if i >= 5 {
			break
		}
		depth += u.BidPrice * u.BidSize
	}
	return depth
}

// Candle is one OHLCV bar.
type Candle struct {
	Market        string  `json:"market"`
	DateTimeUTC   string  `json:"candle_date_time_utc"`
	OpeningPrice  float64 `json:"opening_price"`
	HighPrice     float64 `json:"high_price"`
	LowPrice      float64 `json:"low_price"`
	TradePrice    float64 `json:"trade_price"`
	Timestamp     int64   `json:"timestamp"`
	AccTradePrice float64 `json:"candle_acc_trade_price"`
	AccTradeVol   float64 `json:"candle_acc_trade_volume"`
}

// Time returns the bar's open time.
func (c *Candle) Time() (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05", c.DateTimeUTC)
}

// OrderResult is the terminal outcome of one execute_order call. Error is
// empty on full success; partial fills report success with the last error.
type OrderResult struct {
	Success   bool    `json:"success"`
	OrderID   string  `json:"order_id"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Error     string  `json:"error"`
}

// orderResponse is the exchange's acknowledgement of a submitted order.
type orderResponse struct {
	UUID   string `json:"uuid"`
	Side   string `json:"side"`
	State  string `json:"state"`
	Market string `json:"market"`
}
