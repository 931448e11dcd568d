package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return base64.URLEncoding.EncodeToString(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := New(testKey(0x41), zerolog.Nop())
	require.NoError(t, err)

	tests := []string{
		"",
		"access-key-1234",
		"비밀키-한글도-지원",
		"a very long secret token with spaces and symbols !@#$%^&*()",
	}

	for _, plaintext := range tests {
		token, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, token)

		got, err := enc.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesUniqueTokens(t *testing.T) {
	enc, err := New(testKey(0x41), zerolog.Nop())
	require.NoError(t, err)

	// Random nonce means identical plaintexts never share ciphertext
	t1, err := enc.Encrypt("same-secret")
	require.NoError(t, err)
	t2, err := enc.Encrypt("same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	encA, err := New(testKey(0x41), zerolog.Nop())
	require.NoError(t, err)
	encB, err := New(testKey(0x42), zerolog.Nop())
	require.NoError(t, err)

	token, err := encA.Encrypt("secret-token")
	require.NoError(t, err)

	_, err = encB.Decrypt(token)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestDecryptGarbageFails(t *testing.T) {
	enc, err := New(testKey(0x41), zerolog.Nop())
	require.NoError(t, err)

	for _, token := range []string{"", "not-base64!!!", base64.URLEncoding.EncodeToString([]byte("short"))} {
		_, err := enc.Decrypt(token)
		assert.ErrorIs(t, err, ErrKeyMismatch)
	}
}

func TestEmptyMasterKeyFallsBackToEphemeral(t *testing.T) {
	enc, err := New("", zerolog.Nop())
	require.NoError(t, err)

	token, err := enc.Encrypt("dev-secret")
	require.NoError(t, err)
	got, err := enc.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-secret", got)

	// A second instance gets a different ephemeral key
	enc2, err := New("", zerolog.Nop())
	require.NoError(t, err)
	_, err = enc2.Decrypt(token)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestUnpaddedMasterKeyAccepted(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	padded := base64.URLEncoding.EncodeToString(key)
	unpadded := base64.RawURLEncoding.EncodeToString(key)

	encA, err := New(padded, zerolog.Nop())
	require.NoError(t, err)
	encB, err := New(unpadded, zerolog.Nop())
	require.NoError(t, err)

	token, err := encA.Encrypt("shared")
	require.NoError(t, err)
	got, err := encB.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "shared", got)
}
