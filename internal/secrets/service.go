package secrets

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Service stores and retrieves named secrets, encrypting each at rest
// through an injected KeyManager (the master key produced by Load or
// LoadKMS). This is the store behind the shared verification secret used
// by the default identify check, but it is general enough to hold any
// small named secret value.
type Service struct {
	db  *sql.DB
	km  KeyManager
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

// NewService creates a Service backed by db, encrypting and decrypting
// through km.
func NewService(db *sql.DB, km KeyManager) *Service {
	return &Service{db: db, km: km, ttl: 10 * time.Minute, cache: make(map[string]cacheEntry)}
}

// Set stores a secret under name, encrypting the plaintext at rest.
func (s *Service) Set(ctx context.Context, name string, plaintext []byte) error {
	if name == "" {
		return sql.ErrNoRows
	}
	nonce, ciphertext, err := s.km.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO secrets(name, nonce, ciphertext) VALUES(?,?,?)
ON CONFLICT(name) DO UPDATE SET nonce=excluded.nonce, ciphertext=excluded.ciphertext, updated_at=CURRENT_TIMESTAMP`,
		name, nonce, ciphertext)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// Exists reports whether a secret with the given name is stored.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM secrets WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a stored secret.
func (s *Service) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name=?`, name)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// ErrNotFound is returned by DecryptForUse and UpdatedAt when no secret is
// stored under the name.
var ErrNotFound = sql.ErrNoRows

// DecryptForUse retrieves and decrypts the secret stored under name. A
// short-lived in-memory cache avoids re-running the AEAD open on every
// call from a hot path like a per-connection identify check.
func (s *Service) DecryptForUse(ctx context.Context, name string) ([]byte, error) {
	now := time.Now()
	s.mu.Lock()
	if e, ok := s.cache[name]; ok && now.Before(e.exp) {
		v := append([]byte(nil), e.val...)
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var nonce, ciphertext []byte
	err := s.db.QueryRowContext(ctx, `SELECT nonce, ciphertext FROM secrets WHERE name=?`, name).
		Scan(&nonce, &ciphertext)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pt, err := s.km.Decrypt(nonce, ciphertext)
	if err != nil {
		return nil, err
	}
	cached := append([]byte(nil), pt...)
	s.mu.Lock()
	s.cache[name] = cacheEntry{val: cached, exp: now.Add(s.ttl)}
	s.mu.Unlock()
	return append([]byte(nil), cached...), nil
}

// UpdatedAt returns when the named secret was last written.
func (s *Service) UpdatedAt(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM secrets WHERE name=?`, name).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	return t, err
}
