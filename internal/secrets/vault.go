// Package secrets encrypts per-platform shared secrets at rest.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SecretStore persists opaque ciphertext keyed by issuer.
type SecretStore interface {
	Put(ctx context.Context, issuer, ciphertext string) error
	Get(ctx context.Context, issuer string) (string, bool, error)
}

// Vault encrypts and decrypts platform secrets with AES-256-GCM.
type Vault struct {
	aead  cipher.AEAD
	store SecretStore
}

// New builds a Vault from a base64-encoded 32-byte master key.
func New(masterKeyB64 string, store SecretStore) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead, store: store}, nil
}

// Store encrypts secret and saves it for issuer.
func (v *Vault) Store(ctx context.Context, issuer, secret string) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := v.aead.Seal(nil, nonce, []byte(secret), []byte(issuer))
	enc := base64.StdEncoding.EncodeToString(nonce) + "|" + base64.StdEncoding.EncodeToString(ct)
	return v.store.Put(ctx, issuer, enc)
}

// Retrieve decrypts the secret for issuer. ok is false when none is
// stored.
func (v *Vault) Retrieve(ctx context.Context, issuer string) (string, bool, error) {
	enc, ok, err := v.store.Get(ctx, issuer)
	if err != nil || !ok {
		return "", false, err
	}
	parts := strings.SplitN(enc, "|", 2)
	if len(parts) != 2 {
		return "", false, errors.New("secrets: malformed ciphertext")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false, err
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false, err
	}
	plain, err := v.aead.Open(nil, nonce, ct, []byte(issuer))
	if err != nil {
		return "", false, fmt.Errorf("secrets: decrypt for %s: %w", issuer, err)
	}
	return string(plain), true, nil
}

// SQLStore keeps ciphertext in the lti_secrets table.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) Put(ctx context.Context, issuer, ciphertext string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_secrets (issuer, secret_enc) VALUES ($1, $2)
		ON CONFLICT (issuer) DO UPDATE SET secret_enc = EXCLUDED.secret_enc`,
		issuer, ciphertext)
	return err
}

func (s *SQLStore) Get(ctx context.Context, issuer string) (string, bool, error) {
	var enc string
	err := s.DB.QueryRowContext(ctx,
		`SELECT secret_enc FROM lti_secrets WHERE issuer = $1`, issuer).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return enc, true, nil
}
