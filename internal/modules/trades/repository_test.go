package trades

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/domain"
	testhelpers "github.com/krwquant/ats/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "trades")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func filledOrder(orderID, symbol, side string, qty float64) domain.Order {
	return domain.Order{
		OrderID:    orderID,
		TraderName: "t1",
		Symbol:     symbol,
		Side:       side,
		Price:      100_000,
		Size:       qty,
		Status:     "FILLED",
		FilledQty:  qty,
	}
}

func TestHoldingsReconstruction(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.AppendOrder(filledOrder("o1", "KRW-ETH", "BUY", 2.0)))
	require.NoError(t, repo.AppendOrder(filledOrder("o2", "KRW-ETH", "SELL", 0.5)))
	require.NoError(t, repo.AppendOrder(filledOrder("o3", "KRW-XRP", "BUY", 100)))
	// Fully unwound symbol drops out of the holdings set.
	require.NoError(t, repo.AppendOrder(filledOrder("o4", "KRW-SOL", "BUY", 3.0)))
	require.NoError(t, repo.AppendOrder(filledOrder("o5", "KRW-SOL", "SELL", 3.0)))
	// Non-FILLED rows never count.
	failed := filledOrder("o6", "KRW-ETH", "BUY", 9.0)
	failed.Status = "FAILED"
	require.NoError(t, repo.AppendOrder(failed))

	holdings, err := repo.Holdings("t1")
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "KRW-ETH", holdings[0].Symbol)
	assert.InDelta(t, 1.5, holdings[0].Qty, 1e-9)
	assert.Equal(t, "KRW-XRP", holdings[1].Symbol)
	assert.InDelta(t, 100.0, holdings[1].Qty, 1e-9)

	// Other traders' orders are invisible.
	holdings, err = repo.Holdings("t2")
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestAppendOrderDeduplicates(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.AppendOrder(filledOrder("dup", "KRW-ETH", "BUY", 1.0)))
	require.NoError(t, repo.AppendOrder(filledOrder("dup", "KRW-ETH", "BUY", 1.0)))

	orders, err := repo.ListOrders("t1", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	holdings, err := repo.Holdings("t1")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.InDelta(t, 1.0, holdings[0].Qty, 1e-9)
}

func TestAppendSignalAndEntryLookup(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.AppendSignal(domain.Signal{
		TraderName: "t1", Symbol: "KRW-ETH", TS: base,
		TotalScore: 72.5, Regime: "TREND", Action: "ENTRY",
	}))
	require.NoError(t, repo.AppendSignal(domain.Signal{
		TraderName: "t1", Symbol: "KRW-ETH", TS: base.Add(time.Minute),
		TotalScore: 30, Regime: "TREND", Action: "EXIT",
	}))

	signals, err := repo.ListSignals("t1", 10)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	// Defaults applied to the empty JSON fields.
	assert.Equal(t, "{}", signals[0].ScoresJSON)
	assert.Equal(t, "[]", signals[0].ReasonCodes)

	has, err := repo.HasEntrySignalAfter("t1", base.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.HasEntrySignalAfter("t1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestUpsertPositionKeyedByOpenStatus(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	stop := 98_000.0
	require.NoError(t, repo.UpsertPosition(domain.Position{
		TraderName: "t1", Symbol: "KRW-ETH",
		AvgEntryPrice: 100_000, Size: 2, StopPrice: &stop,
		TakePricesJSON: `[103000,105000,108000]`,
	}))

	// Second upsert for the same open symbol updates in place.
	require.NoError(t, repo.UpsertPosition(domain.Position{
		TraderName: "t1", Symbol: "KRW-ETH",
		AvgEntryPrice: 100_000, Size: 1.5, CurrentPrice: 103_000,
		UnrealPnL: 4_500, UnrealPnLPct: 3.0, StopPrice: &stop,
	}))

	open, err := repo.ListPositions("t1", "OPEN", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 1.5, open[0].Size, 1e-9)
	assert.InDelta(t, 103_000, open[0].CurrentPrice, 1e-9)
	require.NotNil(t, open[0].StopPrice)
	assert.Equal(t, stop, *open[0].StopPrice)

	require.NoError(t, repo.ClosePosition("t1", "KRW-ETH"))
	open, err = repo.ListPositions("t1", "OPEN", 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := repo.ListPositions("t1", "CLOSED", 10)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	// A fresh upsert after close opens a new row.
	require.NoError(t, repo.UpsertPosition(domain.Position{
		TraderName: "t1", Symbol: "KRW-ETH", AvgEntryPrice: 101_000, Size: 1,
	}))
	open, err = repo.ListPositions("t1", "OPEN", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 101_000, open[0].AvgEntryPrice, 1e-9)
}
