package events

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
	db, cleanup := testhelpers.NewTestDB(t, "events")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestAppendAndListNewestFirst(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t1 := "t1"
	require.NoError(t, repo.Append(domain.Event{
		TS: base, TraderName: &t1, Level: "INFO", Kind: "LIFECYCLE", Message: "trader started",
	}))
	require.NoError(t, repo.Append(domain.Event{
		TS: base.Add(time.Minute), Level: "CRITICAL", Kind: "SAFETY", Message: "daily loss limit",
	}))

	list, err := repo.List("", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "SAFETY", list[0].Kind)
	assert.Nil(t, list[0].TraderName)
	require.NotNil(t, list[1].TraderName)
	assert.Equal(t, "t1", *list[1].TraderName)
}

func TestListFiltersByTrader(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	t1, t2 := "t1", "t2"
	require.NoError(t, repo.Append(domain.Event{TraderName: &t1, Level: "INFO", Kind: "HEARTBEAT", Message: "ok"}))
	require.NoError(t, repo.Append(domain.Event{TraderName: &t2, Level: "INFO", Kind: "HEARTBEAT", Message: "ok"}))

	list, err := repo.List("t1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", *list[0].TraderName)
}

func TestListLimitDefault(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 105; i++ {
		require.NoError(t, repo.Append(domain.Event{
			TS: base.Add(time.Duration(i) * time.Second), Level: "INFO", Kind: "HEARTBEAT", Message: "ok",
		}))
	}

	list, err := repo.List("", 0)
	require.NoError(t, err)
	assert.Len(t, list, 100)
}
