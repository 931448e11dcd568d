package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credentials holds one API key pair.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// authToken builds the signed bearer token the exchange expects: an HS256
// JWT carrying the access key, a fresh nonce, and a SHA512 hash of the
// query string when parameters are present.
func authToken(creds Credentials, query url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": creds.AccessKey,
		"nonce":      uuid.New().String(),
	}

	if len(query) > 0 {
		hash := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(creds.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}
	return "Bearer " + signed, nil
}
