package safety

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/krwquant/ats/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "safety")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestGetMissingTraderReturnsNil(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	state, err := repo.Get("ghost")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestUpdatePnLDailyLimitTrip(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	// Limit 50,000 KRW: first loss stays under, second crosses.
	res, err := repo.UpdatePnL("t1", 30_000, true, 50_000, 5)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.False(t, res.Tripped)

	res, err = repo.UpdatePnL("t1", 25_000, true, 50_000, 5)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.True(t, res.Tripped)
	assert.Contains(t, res.BlockReason, "일일 손실 한도 초과")

	// A further loss keeps the block without re-tripping.
	res, err = repo.UpdatePnL("t1", 1_000, true, 50_000, 5)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.False(t, res.Tripped)

	state, err := repo.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Blocked)
	assert.InDelta(t, 56_000, state.DailyLossKRW, 1e-9)
}

func TestUpdatePnLConsecutiveLossTrip(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		res, err := repo.UpdatePnL("t1", 1_000, true, 0, 3)
		require.NoError(t, err)
		assert.False(t, res.Blocked)
	}

	res, err := repo.UpdatePnL("t1", 1_000, true, 0, 3)
	require.NoError(t, err)
	assert.True(t, res.Tripped)
	assert.Equal(t, "연속 손실 3회", res.BlockReason)
}

func TestUpdatePnLWinResetsStreak(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	_, err := repo.UpdatePnL("t1", 1_000, true, 0, 3)
	require.NoError(t, err)
	_, err = repo.UpdatePnL("t1", 1_000, true, 0, 3)
	require.NoError(t, err)

	// A win report zeroes the streak, so two more losses stay clear.
	_, err = repo.UpdatePnL("t1", 0, false, 0, 3)
	require.NoError(t, err)

	_, err = repo.UpdatePnL("t1", 1_000, true, 0, 3)
	require.NoError(t, err)
	res, err := repo.UpdatePnL("t1", 1_000, true, 0, 3)
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	state, err := repo.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.ConsecutiveLosses)
}

func TestRecordSlippageTripsAtThree(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	// Inside the 0.5% threshold: not an anomaly.
	anomaly, _, _, slip, err := repo.RecordSlippage("t1", 100_000, 100_400, 0.5)
	require.NoError(t, err)
	assert.False(t, anomaly)
	assert.InDelta(t, 0.4, slip, 1e-9)

	for i := 0; i < 2; i++ {
		anomaly, tripped, count, _, err := repo.RecordSlippage("t1", 100_000, 101_000, 0.5)
		require.NoError(t, err)
		assert.True(t, anomaly)
		assert.False(t, tripped)
		assert.Equal(t, i+1, count)
	}

	anomaly, tripped, count, slip, err := repo.RecordSlippage("t1", 100_000, 101_000, 0.5)
	require.NoError(t, err)
	assert.True(t, anomaly)
	assert.True(t, tripped)
	assert.Equal(t, 3, count)
	assert.InDelta(t, 1.0, slip, 1e-9)

	state, err := repo.Get("t1")
	require.NoError(t, err)
	assert.True(t, state.Blocked)
	require.NotNil(t, state.BlockReason)
	assert.Contains(t, *state.BlockReason, "Slippage 이상 감지 3회")
}

func TestRecordSlippageZeroExpected(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	anomaly, _, _, _, err := repo.RecordSlippage("t1", 0, 101_000, 0.5)
	require.NoError(t, err)
	assert.False(t, anomaly)
}

func TestRecordAPIErrorTripsAtFive(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	for i := 1; i <= 4; i++ {
		tripped, count, err := repo.RecordAPIError("t1")
		require.NoError(t, err)
		assert.False(t, tripped)
		assert.Equal(t, i, count)
	}

	tripped, count, err := repo.RecordAPIError("t1")
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, 5, count)

	// Already blocked: counted but not re-tripped.
	tripped, count, err = repo.RecordAPIError("t1")
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, 6, count)
}

func TestRecordDBErrorTripsAtThree(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	for i := 1; i <= 2; i++ {
		tripped, _, err := repo.RecordDBError("t1")
		require.NoError(t, err)
		assert.False(t, tripped)
	}
	tripped, count, err := repo.RecordDBError("t1")
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, 3, count)
}

func TestBlockIsIdempotent(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	tripped, err := repo.Block("t1", "PANIC 레짐 자동 차단")
	require.NoError(t, err)
	assert.True(t, tripped)

	tripped, err = repo.Block("t1", "PANIC 레짐 자동 차단")
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestResetClearsEverything(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	_, _, err := repo.RecordDBError("t1")
	require.NoError(t, err)
	_, err = repo.Block("t1", "test")
	require.NoError(t, err)

	require.NoError(t, repo.Reset("t1"))

	state, err := repo.Get("t1")
	require.NoError(t, err)
	assert.False(t, state.Blocked)
	assert.Nil(t, state.BlockReason)
	assert.Zero(t, state.DBErrorCount)

	assert.ErrorIs(t, repo.Reset("ghost"), ErrNotFound)
}

func TestResetDailyCounters(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	_, err := repo.UpdatePnL("t1", 10_000, true, 0, 0)
	require.NoError(t, err)
	_, err = repo.UpdatePnL("t2", 20_000, true, 0, 0)
	require.NoError(t, err)

	require.NoError(t, repo.ResetDailyCounters())

	for _, name := range []string{"t1", "t2"} {
		state, err := repo.Get(name)
		require.NoError(t, err)
		assert.Zero(t, state.DailyLossKRW)
	}
	// The consecutive streak survives the daily reset.
	state, _ := repo.Get("t1")
	assert.Equal(t, 1, state.ConsecutiveLosses)
}
