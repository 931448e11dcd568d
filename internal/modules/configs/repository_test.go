package configs

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/krwquant/ats/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "configs")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestCreateNumbersVersionsPerStrategy(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	v1, err := repo.Create("standard", `{"entry_threshold": 70}`)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.False(t, v1.IsActive)

	v2, err := repo.Create("standard", `{"entry_threshold": 72}`)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// Numbering is independent per strategy.
	other, err := repo.Create("aggressive", "")
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)
	assert.Equal(t, "{}", other.ParamsJSON)
}

func TestActivateKeepsSingleActiveVersion(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	v1, err := repo.Create("standard", `{"entry_threshold": 70}`)
	require.NoError(t, err)
	v2, err := repo.Create("standard", `{"entry_threshold": 72}`)
	require.NoError(t, err)

	// Nothing active until an explicit activation.
	active, err := repo.GetActive("standard")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, repo.Activate(v1.ID))
	active, err = repo.GetActive("standard")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v1.ID, active.ID)

	// Activating another version demotes the previous one atomically.
	require.NoError(t, repo.Activate(v2.ID))
	active, err = repo.GetActive("standard")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)

	versions, err := repo.List(10)
	require.NoError(t, err)
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestActivateAcrossStrategiesIsIndependent(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	a, err := repo.Create("standard", "{}")
	require.NoError(t, err)
	b, err := repo.Create("aggressive", "{}")
	require.NoError(t, err)

	require.NoError(t, repo.Activate(a.ID))
	require.NoError(t, repo.Activate(b.ID))

	activeA, err := repo.GetActive("standard")
	require.NoError(t, err)
	require.NotNil(t, activeA)
	activeB, err := repo.GetActive("aggressive")
	require.NoError(t, err)
	require.NotNil(t, activeB)
}

func TestActivateUnknownID(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	assert.ErrorIs(t, repo.Activate(9999), ErrNotFound)
}
