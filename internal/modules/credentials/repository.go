// Package credentials stores exchange API key pairs encrypted at rest.
// Decryption is a privileged operation offered only to trader workers
// that name the credential.
package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/crypto"
	"github.com/krwquant/ats/internal/domain"
)

// ErrNotFound is returned when no credential exists under the given name.
var ErrNotFound = errors.New("credential not found")

const credentialsColumns = `name, access_key_enc, secret_key_enc, created_at`

// Repository handles credential database operations. Rows are never updated
// in place; key rotation is a delete plus insert under a new name.
type Repository struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
	log       zerolog.Logger
}

// NewRepository creates a new credential repository
func NewRepository(db *sql.DB, encryptor *crypto.Encryptor, log zerolog.Logger) *Repository {
	return &Repository{
		db:        db,
		encryptor: encryptor,
		log:       log.With().Str("repo", "credentials").Logger(),
	}
}

// Create encrypts and stores an access/secret key pair under a name.
func (r *Repository) Create(name, accessKey, secretKey string) error {
	accessEnc, err := r.encryptor.Encrypt(accessKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt access key: %w", err)
	}
	secretEnc, err := r.encryptor.Encrypt(secretKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret key: %w", err)
	}

	query := `
		INSERT INTO credentials (name, access_key_enc, secret_key_enc, created_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := r.db.Exec(query, name, accessEnc, secretEnc, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	r.log.Info().Str("name", name).Msg("Credential created")
	return nil
}

// Get returns the stored (still encrypted) credential row.
func (r *Repository) Get(name string) (*domain.Credential, error) {
	query := "SELECT " + credentialsColumns + " FROM credentials WHERE name = ?"

	var c domain.Credential
	err := r.db.QueryRow(query, name).Scan(&c.Name, &c.AccessKeyEnc, &c.SecretKeyEnc, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// Decrypt returns the plaintext key pair for a stored credential.
// crypto.ErrKeyMismatch means the row was written under a different master key.
func (r *Repository) Decrypt(name string) (accessKey, secretKey string, err error) {
	c, err := r.Get(name)
	if err != nil {
		return "", "", err
	}

	accessKey, err = r.encryptor.Decrypt(c.AccessKeyEnc)
	if err != nil {
		return "", "", err
	}
	secretKey, err = r.encryptor.Decrypt(c.SecretKeyEnc)
	if err != nil {
		return "", "", err
	}
	return accessKey, secretKey, nil
}

// List returns all credential names with creation times, never key material.
func (r *Repository) List() ([]domain.Credential, error) {
	rows, err := r.db.Query("SELECT name, created_at FROM credentials ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var list []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Delete removes a credential.
func (r *Repository) Delete(name string) error {
	result, err := r.db.Exec("DELETE FROM credentials WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.log.Info().Str("name", name).Msg("Credential deleted")
	return nil
}
