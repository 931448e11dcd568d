package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krwquant/ats/internal/crypto"
	testhelpers "github.com/krwquant/ats/internal/testing"
)

func testKey(b byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return base64.URLEncoding.EncodeToString(key)
}

func newTestRepo(t *testing.T, keyByte byte) (*Repository, func()) {
	db, cleanup := testhelpers.NewTestDB(t, "credentials")
	enc, err := crypto.New(testKey(keyByte), zerolog.Nop())
	require.NoError(t, err)
	return NewRepository(db.Conn(), enc, zerolog.Nop()), cleanup
}

func TestCreateStoresCiphertextOnly(t *testing.T) {
	repo, cleanup := newTestRepo(t, 0x41)
	defer cleanup()

	require.NoError(t, repo.Create("upbit-main", "AK-1234", "SK-5678"))

	row, err := repo.Get("upbit-main")
	require.NoError(t, err)
	assert.NotContains(t, row.AccessKeyEnc, "AK-1234")
	assert.NotContains(t, row.SecretKeyEnc, "SK-5678")

	access, secret, err := repo.Decrypt("upbit-main")
	require.NoError(t, err)
	assert.Equal(t, "AK-1234", access)
	assert.Equal(t, "SK-5678", secret)
}

func TestListNeverExposesKeyMaterial(t *testing.T) {
	repo, cleanup := newTestRepo(t, 0x41)
	defer cleanup()

	require.NoError(t, repo.Create("upbit-main", "AK-1234", "SK-5678"))
	require.NoError(t, repo.Create("upbit-backup", "AK-9999", "SK-0000"))

	list, err := repo.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.NotEmpty(t, c.Name)
		assert.Empty(t, c.AccessKeyEnc)
		assert.Empty(t, c.SecretKeyEnc)
	}
}

func TestDecryptUnknownAndDeleted(t *testing.T) {
	repo, cleanup := newTestRepo(t, 0x41)
	defer cleanup()

	_, _, err := repo.Decrypt("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Create("upbit-main", "AK-1234", "SK-5678"))
	require.NoError(t, repo.Delete("upbit-main"))
	_, err = repo.Get("upbit-main")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.Delete("upbit-main"), ErrNotFound)
}
