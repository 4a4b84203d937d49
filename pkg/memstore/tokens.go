// Package memstore provides in-memory stores for development mode and tests.
package memstore

import (
	"context"
	"sync"

	"github.com/witlox/accessgate/internal/ledger"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

type tokenEntry struct {
	mu      sync.Mutex
	token   models.DownloadToken
	records []models.RedemptionRecord
}

// TokenStore keeps tokens and redemption records in memory. Each token has
// its own lock so redemptions of different tokens never contend.
type TokenStore struct {
	mu      sync.RWMutex
	entries map[string]*tokenEntry
}

var _ ledger.Store = (*TokenStore)(nil)

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{entries: make(map[string]*tokenEntry)}
}

// Create implements ledger.Store.
func (s *TokenStore) Create(_ context.Context, tok *models.DownloadToken) error {
	if tok == nil || tok.Hash == "" {
		return errors.NewValidationError("hash", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[tok.Hash]; exists {
		return errors.ErrConflict
	}
	stored := cloneToken(tok)
	stored.Value = ""
	s.entries[tok.Hash] = &tokenEntry{token: *stored}
	return nil
}

func (s *TokenStore) entry(hash string) (*tokenEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	return e, nil
}

// Get implements ledger.Store.
func (s *TokenStore) Get(_ context.Context, hash string) (*models.DownloadToken, error) {
	e, err := s.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneToken(&e.token), nil
}

// Mutate implements ledger.Store.
func (s *TokenStore) Mutate(ctx context.Context, hash string, fn ledger.MutateFunc) (*models.DownloadToken, error) {
	e, err := s.entry(hash)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := cloneToken(&e.token)
	rec, fnErr := fn(working)
	if rec == nil && fnErr != nil {
		return cloneToken(&e.token), fnErr
	}

	e.token = *cloneToken(ledger.Reconcile(&e.token, working))
	if rec != nil {
		e.records = append(e.records, *rec)
	}
	return cloneToken(&e.token), fnErr
}

// Records implements ledger.Store.
func (s *TokenStore) Records(_ context.Context, hash string) ([]*models.RedemptionRecord, error) {
	e, err := s.entry(hash)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.RedemptionRecord, len(e.records))
	for i := range e.records {
		r := e.records[i]
		out[i] = &r
	}
	return out, nil
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneToken(t *models.DownloadToken) *models.DownloadToken {
	c := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		c.ExpiresAt = &exp
	}
	if t.RevokedAt != nil {
		rev := *t.RevokedAt
		c.RevokedAt = &rev
	}
	return &c
}
