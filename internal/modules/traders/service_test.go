package traders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/events"
	"github.com/krwquant/ats/internal/notify"
	testhelpers "github.com/krwquant/ats/internal/testing"
)

func newTestService(t *testing.T) (*Service, *Repository, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "traders")
	repo := NewRepository(db.Conn(), zerolog.Nop())
	eventRepo := events.NewRepository(db.Conn(), zerolog.Nop())
	svc := NewService(repo, eventRepo, notify.Nop{}, 24, zerolog.Nop())
	return svc, repo, cleanup
}

func TestCreateStartsInPaperWithProtection(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	seed := 500_000.0
	require.NoError(t, svc.Create("t1", "standard", "STANDARD", &seed, nil))

	trader, err := svc.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunModePaper, trader.RunMode)
	assert.Equal(t, domain.StatusStop, trader.Status)
	require.NotNil(t, trader.PaperStartedAt)
	assert.Greater(t, svc.ProtectRemainingSec(trader), 23*3600)

	assert.ErrorIs(t, svc.Create("t1", "standard", "STANDARD", nil, nil), ErrAlreadyExists)
}

func TestProtectWindowArithmetic(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	started := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	trader := &domain.Trader{Name: "t1", PaperStartedAt: &started}

	assert.Equal(t, 24*3600, svc.protectRemainingAt(trader, started))
	assert.Equal(t, 3600, svc.protectRemainingAt(trader, started.Add(23*time.Hour)))
	assert.Zero(t, svc.protectRemainingAt(trader, started.Add(24*time.Hour)))
	assert.Zero(t, svc.protectRemainingAt(trader, started.Add(48*time.Hour)))

	// No PAPER start recorded means no window.
	assert.Zero(t, svc.protectRemainingAt(&domain.Trader{Name: "t2"}, started))
}

func TestRunLiveBlockedInsideProtectionWindow(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.Create("t1", "standard", "STANDARD", nil, nil))

	err := svc.Run("t1", domain.RunModeLive)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "PAPER 보호기간")
	assert.Contains(t, terr.Message, "LIVE 전환 불가")
}

func TestRunLiveRequiresArm(t *testing.T) {
	svc, repo, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.Create("t1", "standard", "STANDARD", nil, nil))
	expireProtection(t, repo, "t1")

	err := svc.Run("t1", domain.RunModeLive)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "ARM 먼저 필요합니다")

	_, already, err := svc.Arm("t1")
	require.NoError(t, err)
	assert.False(t, already)

	require.NoError(t, svc.Run("t1", domain.RunModeLive))
	trader, err := svc.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunModeLive, trader.RunMode)
	assert.Equal(t, domain.StatusRun, trader.Status)
	require.NotNil(t, trader.ContainerName)
	assert.Equal(t, "ats-trader-t1", *trader.ContainerName)
}

func TestArmBlockedInsideProtectionWindow(t *testing.T) {
	svc, repo, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.Create("t1", "standard", "STANDARD", nil, nil))

	_, _, err := svc.Arm("t1")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "ARM 불가")

	expireProtection(t, repo, "t1")

	armedAt, already, err := svc.Arm("t1")
	require.NoError(t, err)
	require.NotNil(t, armedAt)
	assert.False(t, already)

	// Second ARM is a no-op returning the original timestamp.
	again, already, err := svc.Arm("t1")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, armedAt.Unix(), again.Unix())
}

func TestRunRejectsUnknownMode(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.Create("t1", "standard", "STANDARD", nil, nil))

	err := svc.Run("t1", "TURBO")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "unknown run_mode")
}

func TestStopAndHeartbeat(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.Create("t1", "standard", "STANDARD", nil, nil))
	require.NoError(t, svc.Run("t1", domain.RunModePaper))
	require.NoError(t, svc.Stop("t1"))

	trader, err := svc.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStop, trader.Status)
	assert.Nil(t, trader.LastHeartbeatAt)

	require.NoError(t, svc.Heartbeat("t1"))
	trader, err = svc.Get("t1")
	require.NoError(t, err)
	assert.NotNil(t, trader.LastHeartbeatAt)
}

// expireProtection backdates paper_started_at past the protection window.
func expireProtection(t *testing.T, repo *Repository, name string) {
	t.Helper()
	past := time.Now().UTC().Add(-25 * time.Hour)
	_, err := repo.db.Exec("UPDATE traders SET paper_started_at = ? WHERE name = ?", past, name)
	require.NoError(t, err)
}
