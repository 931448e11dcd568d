// Package crypto encrypts credential secrets at rest with AES-256-GCM keyed
// by the deployment master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrKeyMismatch is returned when a ciphertext fails authentication, which
// in practice means it was encrypted under a different master key.
var ErrKeyMismatch = errors.New("cannot decrypt secret: CRYPTO_MASTER_KEY mismatch")

// Encryptor performs authenticated symmetric encryption of short strings.
type Encryptor struct {
	aead cipher.AEAD
}

// New builds an Encryptor from a URL-safe base64 encoded 32-byte master key.
// An empty or malformed key falls back to an ephemeral random key so the
// process still starts; secrets written under it are unreadable after
// restart, which is acceptable only in development.
func New(masterKey string, log zerolog.Logger) (*Encryptor, error) {
	key := decodeMasterKey(masterKey, log)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

func decodeMasterKey(masterKey string, log zerolog.Logger) []byte {
	trimmed := strings.TrimSpace(masterKey)
	if trimmed == "" {
		log.Warn().Msg("CRYPTO_MASTER_KEY is empty, generated ephemeral key (dev-only)")
		return randomKey()
	}

	key, err := base64.URLEncoding.DecodeString(trimmed)
	if err != nil || len(key) != 32 {
		// Tolerate unpadded keys before giving up
		if key2, err2 := base64.RawURLEncoding.DecodeString(trimmed); err2 == nil && len(key2) == 32 {
			return key2
		}
		log.Error().Msg("invalid CRYPTO_MASTER_KEY, generated ephemeral key (dev-only)")
		return randomKey()
	}
	return key
}

func randomKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return key
}

// Encrypt returns the URL-safe base64 encoding of nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Authentication failure yields ErrKeyMismatch.
func (e *Encryptor) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", ErrKeyMismatch
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrKeyMismatch
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrKeyMismatch
	}
	return string(plaintext), nil
}
