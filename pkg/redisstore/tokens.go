package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/witlox/accessgate/internal/ledger"
	pkgErrors "github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// storedToken is the JSON document kept under a token key. The plaintext
// value is never part of it.
type storedToken struct {
	ID              string     `json:"id"`
	Hash            string     `json:"hash"`
	ProductID       string     `json:"product_id"`
	HolderIdentity  string     `json:"holder_identity"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MaxRedemptions  int        `json:"max_redemptions"`
	RedemptionCount int        `json:"redemption_count"`
	IsRevoked       bool       `json:"is_revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

func toStored(t *models.DownloadToken) storedToken {
	return storedToken{
		ID:              t.ID,
		Hash:            t.Hash,
		ProductID:       t.ProductID,
		HolderIdentity:  t.HolderIdentity,
		IssuedAt:        t.IssuedAt,
		ExpiresAt:       t.ExpiresAt,
		MaxRedemptions:  t.MaxRedemptions,
		RedemptionCount: t.RedemptionCount,
		IsRevoked:       t.IsRevoked,
		RevokedAt:       t.RevokedAt,
	}
}

func (s storedToken) model() *models.DownloadToken {
	return &models.DownloadToken{
		ID:              s.ID,
		Hash:            s.Hash,
		ProductID:       s.ProductID,
		HolderIdentity:  s.HolderIdentity,
		IssuedAt:        s.IssuedAt,
		ExpiresAt:       s.ExpiresAt,
		MaxRedemptions:  s.MaxRedemptions,
		RedemptionCount: s.RedemptionCount,
		IsRevoked:       s.IsRevoked,
		RevokedAt:       s.RevokedAt,
	}
}

// TokenStore implements ledger.Store on Redis. Mutations use WATCH/MULTI
// and retry when another client changes the token first.
type TokenStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

var _ ledger.Store = (*TokenStore)(nil)

// NewTokenStore creates a token store. maxRetries bounds optimistic
// transaction retries per mutation.
func NewTokenStore(client *redis.Client, prefix string, maxRetries int) *TokenStore {
	if maxRetries < 1 {
		maxRetries = 10
	}
	return &TokenStore{client: client, prefix: prefix, maxRetries: maxRetries}
}

func (s *TokenStore) tokenKey(hash string) string   { return prefixed(s.prefix, "token", hash) }
func (s *TokenStore) recordsKey(hash string) string { return prefixed(s.prefix, "records", hash) }

// Create stores a new token with SETNX semantics.
func (s *TokenStore) Create(ctx context.Context, tok *models.DownloadToken) error {
	data, err := json.Marshal(toStored(tok))
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.tokenKey(tok.Hash), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	if !ok {
		return pkgErrors.ErrConflict
	}
	return nil
}

func decodeToken(raw []byte) (*models.DownloadToken, error) {
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return st.model(), nil
}

// Get implements ledger.Store.
func (s *TokenStore) Get(ctx context.Context, hash string) (*models.DownloadToken, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkgErrors.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return decodeToken(raw)
}

// Mutate implements ledger.Store. fn may run more than once when the
// optimistic transaction has to be retried.
func (s *TokenStore) Mutate(ctx context.Context, hash string, fn ledger.MutateFunc) (*models.DownloadToken, error) {
	key := s.tokenKey(hash)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var (
			result *models.DownloadToken
			fnErr  error
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return pkgErrors.ErrTokenNotFound
			}
			if err != nil {
				return fmt.Errorf("get token: %w", err)
			}
			current, err := decodeToken(raw)
			if err != nil {
				return err
			}
			working, err := decodeToken(raw)
			if err != nil {
				return err
			}

			var rec *models.RedemptionRecord
			rec, fnErr = fn(working)
			if rec == nil && fnErr != nil {
				result = current
				return nil
			}

			next := ledger.Reconcile(current, working)
			data, err := json.Marshal(toStored(next))
			if err != nil {
				return fmt.Errorf("marshal token: %w", err)
			}
			var recData []byte
			if rec != nil {
				if recData, err = json.Marshal(rec); err != nil {
					return fmt.Errorf("marshal record: %w", err)
				}
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				if recData != nil {
					p.RPush(ctx, s.recordsKey(hash), recData)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, fnErr
	}
	return nil, fmt.Errorf("%w: token contended after %d attempts", pkgErrors.ErrConflict, s.maxRetries)
}

// Records implements ledger.Store.
func (s *TokenStore) Records(ctx context.Context, hash string) ([]*models.RedemptionRecord, error) {
	raws, err := s.client.LRange(ctx, s.recordsKey(hash), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := make([]*models.RedemptionRecord, 0, len(raws))
	for _, raw := range raws {
		rec := &models.RedemptionRecord{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		rec.TokenHash = hash
		records = append(records, rec)
	}
	return records, nil
}
