// Package nonce provides single-use nonce tracking for launch replay
// protection.
package nonce

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Store consumes a nonce exactly once. Consume reports true the first
// time a value is seen and false on every later attempt within ttl.
type Store interface {
	Consume(ctx context.Context, value string, ttl time.Duration) (bool, error)
}

// Memory is an in-process Store. Suitable for a single instance.
type Memory struct {
	mu       sync.Mutex
	seen     map[string]time.Time // value -> expiry
	useCount int

	// Now is overridable in tests.
	Now func() time.Time
}

// purgeN controls how often expired entries are swept.
const purgeN = 128

func NewMemory() *Memory {
	return &Memory{seen: map[string]time.Time{}, Now: time.Now}
}

func (m *Memory) Consume(_ context.Context, value string, ttl time.Duration) (bool, error) {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%purgeN == 0 {
		for v, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, v)
			}
		}
	}

	if exp, ok := m.seen[value]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[value] = now.Add(ttl)
	return true, nil
}

// SQL is a Store backed by the lti_nonces table, safe across instances.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s *SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQL) Consume(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_nonces WHERE expires_at < $1`, now.Unix()); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING`,
		value, now.Add(ttl).Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
