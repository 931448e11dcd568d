package safety

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/traders"
	testhelpers "github.com/krwquant/ats/internal/testing"
)

type capturingNotifier struct {
	levels   []string
	messages []string
}

func (n *capturingNotifier) Send(level, text string) {
	n.levels = append(n.levels, level)
	n.messages = append(n.messages, text)
}

func newTestService(t *testing.T) (*Service, *traders.Repository, *capturingNotifier, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "safety_service")
	repo := NewRepository(db.Conn(), zerolog.Nop())
	traderRepo := traders.NewRepository(db.Conn(), zerolog.Nop())
	notifier := &capturingNotifier{}
	svc := NewService(repo, traderRepo, notifier, 0.05, 5, zerolog.Nop())
	return svc, traderRepo, notifier, cleanup
}

func TestGetReturnsZeroStateForUnknownTrader(t *testing.T) {
	svc, _, _, cleanup := newTestService(t)
	defer cleanup()

	state, err := svc.Get("ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", state.TraderName)
	assert.False(t, state.Blocked)
}

func TestUpdatePnLDerivesLimitFromSeed(t *testing.T) {
	svc, traderRepo, notifier, cleanup := newTestService(t)
	defer cleanup()

	seed := 1_000_000.0
	require.NoError(t, traderRepo.Create(domain.Trader{
		Name: "t1", Strategy: "standard", RiskMode: "STANDARD", SeedKRW: &seed,
	}))

	// 5% of the 1M seed is 50,000 KRW.
	res, err := svc.UpdatePnL("t1", 49_000, true)
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	res, err = svc.UpdatePnL("t1", 2_000, true)
	require.NoError(t, err)
	assert.True(t, res.Tripped)
	require.NotEmpty(t, notifier.messages)
	assert.Contains(t, notifier.messages[len(notifier.messages)-1], "일일 손실 한도 초과")

	// Losses flow through to the trader's cumulative PnL.
	trader, err := traderRepo.Get("t1")
	require.NoError(t, err)
	assert.InDelta(t, -51_000, trader.PnLKRW, 1e-9)
}

func TestCheckSlippageNotifiesOnAnomaly(t *testing.T) {
	svc, _, notifier, cleanup := newTestService(t)
	defer cleanup()

	anomaly, err := svc.CheckSlippage("t1", 100_000, 100_100)
	require.NoError(t, err)
	assert.False(t, anomaly)
	assert.Empty(t, notifier.messages)

	anomaly, err = svc.CheckSlippage("t1", 100_000, 101_000)
	require.NoError(t, err)
	assert.True(t, anomaly)
	require.Len(t, notifier.levels, 1)
	assert.Equal(t, "WARN", notifier.levels[0])
}

func TestEntryBlockedByErrors(t *testing.T) {
	svc, _, _, cleanup := newTestService(t)
	defer cleanup()

	blocked, _, err := svc.EntryBlockedByErrors("t1")
	require.NoError(t, err)
	assert.False(t, blocked)

	// Two DB errors reach the soft threshold before the hard block at 3.
	require.NoError(t, svc.RecordDBError("t1"))
	require.NoError(t, svc.RecordDBError("t1"))

	blocked, reason, err := svc.EntryBlockedByErrors("t1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "DB 장애 감지 (2회)", reason)
}

func TestPanicBlockOncePerEpisode(t *testing.T) {
	svc, _, notifier, cleanup := newTestService(t)
	defer cleanup()

	tripped, err := svc.PanicBlock("t1")
	require.NoError(t, err)
	assert.True(t, tripped)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "PANIC")

	tripped, err = svc.PanicBlock("t1")
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Len(t, notifier.messages, 1)
}
