package trader

import "fmt"

// Position is the worker's in-memory view of one open position. It is
// rebuildable from the control store's order ledger; only the worker
// mutates it between persists.
type Position struct {
	Symbol        string
	AvgEntryPrice float64
	Size          float64
	StopPrice     float64
	TakePrices    []float64
	EntryScore    float64
	BuyCount      int
	ScaleOut1     bool
	ScaleOut2     bool
	CurrentPrice  float64
	UnrealPnL     float64
	UnrealPnLPct  float64
	Closed        bool
}

// Manager applies trailing stops, scale-out, and the regime and stop close
// rules to open positions.
type Manager struct {
	ExitThreshold float64
}

// NewManager creates a position manager with the strategy's exit threshold.
func NewManager(exitThreshold float64) *Manager {
	return &Manager{ExitThreshold: exitThreshold}
}

// Update refreshes one position against the current price and regime. A
// position marked Closed must be liquidated by the caller.
func (m *Manager) Update(pos *Position, currentPrice float64, regime string) {
	if currentPrice <= 0 || pos.AvgEntryPrice <= 0 {
		return
	}

	pos.CurrentPrice = currentPrice
	pos.UnrealPnL = (currentPrice - pos.AvgEntryPrice) * pos.Size
	pos.UnrealPnLPct = (currentPrice/pos.AvgEntryPrice - 1) * 100

	// Trailing: once up 2%, pin the stop above entry.
	if pos.UnrealPnLPct > 2.0 {
		newStop := pos.AvgEntryPrice * 1.01
		if newStop > pos.StopPrice {
			pos.StopPrice = newStop
		}
	}

	// Scale-out, each level fires once.
	if len(pos.TakePrices) >= 2 && pos.UnrealPnLPct > 0 {
		if currentPrice >= pos.TakePrices[0] && !pos.ScaleOut1 {
			pos.ScaleOut1 = true
			pos.Size = pos.Size * 2 / 3
		} else if currentPrice >= pos.TakePrices[1] && !pos.ScaleOut2 {
			pos.ScaleOut2 = true
			pos.Size = pos.Size * 1 / 3
		}
	}

	if regime == "CHOP" && pos.UnrealPnLPct < -1.0 {
		pos.Closed = true
		return
	}

	if pos.StopPrice > 0 && currentPrice <= pos.StopPrice {
		pos.Closed = true
	}
}

// ShouldClose applies the score-decay and stop rules and returns the close
// reason when one fires.
func (m *Manager) ShouldClose(pos *Position, currentPrice float64) (bool, string) {
	if pos.EntryScore < m.ExitThreshold {
		return true, fmt.Sprintf("점수 하락 (%.1f < %v)", pos.EntryScore, m.ExitThreshold)
	}
	if pos.StopPrice > 0 && currentPrice > 0 && currentPrice <= pos.StopPrice {
		return true, fmt.Sprintf("손절 도달 (%.0f <= %.0f)", currentPrice, pos.StopPrice)
	}
	return false, ""
}
