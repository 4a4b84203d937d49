package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/witlox/accessgate/internal/ledger"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

const tokenColumns = `id, token_hash, product_id, holder_identity, issued_at, expires_at,
	max_redemptions, redemption_count, is_revoked, revoked_at`

// TokenStore implements ledger.Store. Mutations lock the token row for the
// duration of a transaction.
type TokenStore struct {
	db *DB
}

// NewTokenStore creates a new token store.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

var _ ledger.Store = (*TokenStore)(nil)

// Create persists a new token. The plaintext value is never written.
func (s *TokenStore) Create(ctx context.Context, tok *models.DownloadToken) error {
	id, err := uuid.Parse(tok.ID)
	if err != nil {
		return fmt.Errorf("invalid token ID: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO download_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, tok.Hash, tok.ProductID, tok.HolderIdentity, tok.IssuedAt, tok.ExpiresAt,
		tok.MaxRedemptions, tok.RedemptionCount, tok.IsRevoked, tok.RevokedAt,
	)
	if isUniqueViolation(err) {
		return errors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.DownloadToken, error) {
	tok := &models.DownloadToken{}
	var expiresAt, revokedAt sql.NullTime
	err := row.Scan(&tok.ID, &tok.Hash, &tok.ProductID, &tok.HolderIdentity, &tok.IssuedAt, &expiresAt,
		&tok.MaxRedemptions, &tok.RedemptionCount, &tok.IsRevoked, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		tok.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		tok.RevokedAt = &t
	}
	tok.IssuedAt = tok.IssuedAt.UTC()
	return tok, nil
}

// Get retrieves a token by hash.
func (s *TokenStore) Get(ctx context.Context, hash string) (*models.DownloadToken, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM download_tokens WHERE token_hash = $1`, hash))
}

// Mutate implements ledger.Store using SELECT ... FOR UPDATE.
func (s *TokenStore) Mutate(ctx context.Context, hash string, fn ledger.MutateFunc) (*models.DownloadToken, error) {
	var (
		result *models.DownloadToken
		fnErr  error
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanToken(tx.QueryRowContext(ctx,
			`SELECT `+tokenColumns+` FROM download_tokens WHERE token_hash = $1 FOR UPDATE`, hash))
		if err != nil {
			return err
		}

		working := copyToken(current)
		var rec *models.RedemptionRecord
		rec, fnErr = fn(working)
		if rec == nil && fnErr != nil {
			result = current
			return nil
		}

		next := ledger.Reconcile(current, working)
		_, err = tx.ExecContext(ctx,
			`UPDATE download_tokens SET redemption_count = $2, is_revoked = $3, revoked_at = $4
			 WHERE token_hash = $1`,
			hash, next.RedemptionCount, next.IsRevoked, next.RevokedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update token: %w", err)
		}

		if rec != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO redemption_records (id, token_id, token_hash, redeemed_at, outcome)
				 VALUES ($1, $2, $3, $4, $5)`,
				rec.ID, current.ID, hash, rec.RedeemedAt, rec.Outcome,
			)
			if err != nil {
				return fmt.Errorf("failed to insert redemption record: %w", err)
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, fnErr
}

// Records returns the redemption history of a token, oldest first.
func (s *TokenStore) Records(ctx context.Context, hash string) ([]*models.RedemptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token_id, token_hash, redeemed_at, outcome
		 FROM redemption_records WHERE token_hash = $1 ORDER BY seq`,
		hash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list redemption records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.RedemptionRecord
	for rows.Next() {
		rec := &models.RedemptionRecord{}
		if err := rows.Scan(&rec.ID, &rec.TokenID, &rec.TokenHash, &rec.RedeemedAt, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan redemption record: %w", err)
		}
		rec.RedeemedAt = rec.RedeemedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func copyToken(t *models.DownloadToken) *models.DownloadToken {
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
