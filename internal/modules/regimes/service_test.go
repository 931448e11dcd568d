package regimes

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/events"
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

func newTestService(t *testing.T) (*Service, *capturingNotifier, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "regimes")
	repo := NewRepository(db.Conn(), zerolog.Nop())
	eventRepo := events.NewRepository(db.Conn(), zerolog.Nop())
	notifier := &capturingNotifier{}
	svc := NewService(repo, eventRepo, notifier, rand.NewSource(42), zerolog.Nop())
	return svc, notifier, cleanup
}

var snapSeq int64

// snap assigns strictly increasing timestamps so Current() ordering is
// deterministic within a test.
func snap(market, label string, conf float64) domain.RegimeSnapshot {
	snapSeq++
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(snapSeq) * time.Second)
	return domain.RegimeSnapshot{Market: market, RegimeLabel: label, Confidence: conf, TS: ts}
}

func TestAppendSnapshotAlertsOnPanicEntry(t *testing.T) {
	svc, notifier, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimeTrend, 0.7)))
	assert.Empty(t, notifier.messages)

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimePanic, 0.8)))
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "CRITICAL", notifier.levels[0])
	assert.Contains(t, notifier.messages[0], "PANIC 레짐 감지")

	// Staying in PANIC does not re-alert.
	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimePanic, 0.9)))
	assert.Len(t, notifier.messages, 1)
}

func TestEntryBlockedOnChopAndPanic(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	// No snapshot yet: nothing to block on.
	blocked, _, err := svc.EntryBlocked("KRW-BTC")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimeChop, 0.7)))
	blocked, reason, err := svc.EntryBlocked("KRW-BTC")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "CHOP 레짐: 신규 진입 금지", reason)

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimePanic, 0.8)))
	blocked, reason, err = svc.EntryBlocked("KRW-BTC")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "PANIC 레짐: 신규 진입 금지", reason)

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimeTrend, 0.7)))
	blocked, _, err = svc.EntryBlocked("KRW-BTC")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestShouldReducePositionOnlyInPanic(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimeChop, 0.7)))
	reduce, err := svc.ShouldReducePosition("KRW-BTC")
	require.NoError(t, err)
	assert.False(t, reduce)

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimePanic, 0.8)))
	reduce, err = svc.ShouldReducePosition("KRW-BTC")
	require.NoError(t, err)
	assert.True(t, reduce)
}

func TestRegimeWeightFormula(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	// applied = 1 + (w-1) * score/100
	w, err := svc.RegimeWeight("KRW-BTC", domain.RegimeTrend, 1.2, 100)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, w, 1e-9)

	w, err = svc.RegimeWeight("KRW-BTC", domain.RegimeTrend, 1.2, 50)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, w, 1e-9)

	w, err = svc.RegimeWeight("KRW-BTC", domain.RegimeTrend, 1.2, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w, 1e-9)

	// CHOP and PANIC hard-block regardless of the base weight.
	for _, label := range []string{domain.RegimeChop, domain.RegimePanic} {
		w, err = svc.RegimeWeight("KRW-BTC", label, 1.2, 100)
		require.NoError(t, err)
		assert.Zero(t, w)
	}
}

func TestRegimeWeightUsesSnapshotConfidence(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.AppendSnapshot(snap("KRW-BTC", domain.RegimeTrend, 0.75)))

	// Negative score asks for the stored confidence (75).
	w, err := svc.RegimeWeight("KRW-BTC", domain.RegimeTrend, 1.2, -1)
	require.NoError(t, err)
	assert.InDelta(t, 1+0.2*0.75, w, 1e-9)

	// Label mismatch falls back to the neutral 50.
	w, err = svc.RegimeWeight("KRW-BTC", domain.RegimeRange, 1.2, -1)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, w, 1e-9)
}

func TestBanditWeightBounds(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	// Missing arm samples as the neutral weight.
	w, err := svc.BanditWeight("TREND", "standard")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w)

	require.NoError(t, svc.SeedDefaults("standard"))
	for i := 0; i < 50; i++ {
		w, err = svc.BanditWeight("TREND", "standard")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w, 0.5)
		assert.LessOrEqual(t, w, 1.5)
	}
}

func TestUpdateBanditPosteriorLaws(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.SeedDefaults("standard"))

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.UpdateBandit("TREND", "standard", true))
	}
	require.NoError(t, svc.UpdateBandit("TREND", "standard", false))

	row, err := svc.repo.GetBandit("TREND", "standard")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 4.0, row.Alpha)
	assert.Equal(t, 2.0, row.Beta)

	// Updating an unseeded arm creates it with the Beta(1,1) prior applied.
	require.NoError(t, svc.UpdateBandit("RANGE", "other", false))
	row, err = svc.repo.GetBandit("RANGE", "other")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1.0, row.Alpha)
	assert.Equal(t, 2.0, row.Beta)

	// The posterior parameters never drop below the prior.
	assert.GreaterOrEqual(t, row.Alpha, 1.0)
	assert.GreaterOrEqual(t, row.Beta, 1.0)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	require.NoError(t, svc.SeedDefaults("standard"))
	require.NoError(t, svc.UpdateBandit("TREND", "standard", true))
	// Re-seeding must not reset learned posteriors.
	require.NoError(t, svc.SeedDefaults("standard"))

	row, err := svc.repo.GetBandit("TREND", "standard")
	require.NoError(t, err)
	assert.Equal(t, 2.0, row.Alpha)
}
