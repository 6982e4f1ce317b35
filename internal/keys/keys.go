// Package keys manages the tool's RSA signing keys and serves the
// public JWKS document.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoSigningKey is returned when no active key exists.
var ErrNoSigningKey = errors.New("keys: no signing key available")

// Key is a signing key pair with its JWKS key ID.
type Key struct {
	KID       string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	CreatedAt time.Time
}

// Store persists signing keys. Active returns the newest key.
type Store interface {
	Active(ctx context.Context) (Key, error)
	Save(ctx context.Context, k Key) error
	All(ctx context.Context) ([]Key, error)
}

// Generate creates a fresh RSA key with a derived KID.
func Generate(bits int) (Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return Key{}, err
	}
	kid, err := makeKID(&priv.PublicKey)
	if err != nil {
		return Key{}, err
	}
	return Key{
		KID:       kid,
		Private:   priv,
		Public:    &priv.PublicKey,
		CreatedAt: time.Now(),
	}, nil
}

// makeKID derives a stable-ish key ID from the modulus plus a short
// random suffix so regenerated keys never collide.
func makeKID(pub *rsa.PublicKey) (string, error) {
	sum := sha256.Sum256(pub.N.Bytes())
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:8]) + "-" + hex.EncodeToString(suffix), nil
}

func encodePrivatePEM(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func encodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodePrivatePEM(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("keys: no PEM block in private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// SQLStore persists keys in the lti_keys table.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) Active(ctx context.Context) (Key, error) {
	var kid, privPEM string
	var created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT kid, private_key, created_at FROM lti_keys
		ORDER BY created_at DESC LIMIT 1`).Scan(&kid, &privPEM, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Key{}, ErrNoSigningKey
	}
	if err != nil {
		return Key{}, err
	}
	priv, err := decodePrivatePEM(privPEM)
	if err != nil {
		return Key{}, fmt.Errorf("keys: decode stored key %s: %w", kid, err)
	}
	return Key{KID: kid, Private: priv, Public: &priv.PublicKey, CreatedAt: time.Unix(created, 0)}, nil
}

func (s *SQLStore) Save(ctx context.Context, k Key) error {
	pubPEM, err := encodePublicPEM(k.Public)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO lti_keys (kid, private_key, public_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kid) DO NOTHING`,
		k.KID, encodePrivatePEM(k.Private), pubPEM, k.CreatedAt.Unix())
	return err
}

func (s *SQLStore) All(ctx context.Context) ([]Key, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT kid, private_key, created_at FROM lti_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var kid, privPEM string
		var created int64
		if err := rows.Scan(&kid, &privPEM, &created); err != nil {
			return nil, err
		}
		priv, err := decodePrivatePEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("keys: decode stored key %s: %w", kid, err)
		}
		out = append(out, Key{KID: kid, Private: priv, Public: &priv.PublicKey, CreatedAt: time.Unix(created, 0)})
	}
	return out, rows.Err()
}

// MemStore holds keys in memory, for tests and single-run setups.
type MemStore struct {
	mu   sync.RWMutex
	keys []Key
}

func (m *MemStore) Active(_ context.Context) (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keys) == 0 {
		return Key{}, ErrNoSigningKey
	}
	best := m.keys[0]
	for _, k := range m.keys[1:] {
		if k.CreatedAt.After(best.CreatedAt) {
			best = k
		}
	}
	return best, nil
}

func (m *MemStore) Save(_ context.Context, k Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, k)
	return nil
}

func (m *MemStore) All(_ context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, len(m.keys))
	copy(out, m.keys)
	return out, nil
}

func bigIntToB64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func intToB64(i int) string {
	b := make([]byte, 0, 4)
	for i > 0 {
		b = append([]byte{byte(i & 0xff)}, b...)
		i >>= 8
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
