package token_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/internal/config"
	"github.com/witlox/accessgate/internal/token"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/memstore"
	"github.com/witlox/accessgate/pkg/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicies() token.Policies {
	return token.Policies{
		Default: token.Policy{TTL: 7 * 24 * time.Hour, MaxRedemptions: 5},
		Overrides: map[models.AccessType]token.Policy{
			models.AccessTypePayment: {TTL: 7 * 24 * time.Hour, Unlimited: true},
		},
	}
}

func newRegistry(t *testing.T) *catalog.Static {
	t.Helper()
	ctx := context.Background()
	reg := catalog.NewStatic(nil)
	for _, p := range []*models.Product{
		{ID: "ebook-1", AccessType: models.AccessTypeEmail, IsActive: true, AssetLocation: "s3://assets/ebook-1.pdf"},
		{ID: "course-9", AccessType: models.AccessTypePayment, IsActive: true, AssetLocation: "s3://assets/course-9.zip"},
		{ID: "retired", AccessType: models.AccessTypeFree, IsActive: false},
	} {
		require.NoError(t, reg.UpsertProduct(ctx, p))
	}
	return reg
}

// zeroReader always yields the same bytes, so every value collides.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// conflictStore rejects the first n inserts as duplicates.
type conflictStore struct {
	conflicts int
	calls     int
	created   []*models.DownloadToken
}

func (s *conflictStore) Create(_ context.Context, tok *models.DownloadToken) error {
	s.calls++
	if s.calls <= s.conflicts {
		return errors.ErrConflict
	}
	c := *tok
	s.created = append(s.created, &c)
	return nil
}

type failingStore struct{}

func (failingStore) Create(context.Context, *models.DownloadToken) error {
	return assert.AnError
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewTokenStore()
	issuer := token.NewIssuer(newRegistry(t), store, token.Config{
		Policies: testPolicies(),
		Now:      func() time.Time { return fixedNow },
	}, nil)

	t.Run("applies default policy", func(t *testing.T) {
		tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", nil)
		require.NoError(t, err)

		assert.NotEmpty(t, tok.ID)
		assert.Equal(t, "ebook-1", tok.ProductID)
		assert.Equal(t, "reader@example.com", tok.HolderIdentity)
		assert.Equal(t, fixedNow, tok.IssuedAt)
		require.NotNil(t, tok.ExpiresAt)
		assert.Equal(t, fixedNow.Add(7*24*time.Hour), *tok.ExpiresAt)
		assert.Equal(t, 5, tok.MaxRedemptions)
		assert.Zero(t, tok.RedemptionCount)
		assert.False(t, tok.IsRevoked)

		raw, err := base64.RawURLEncoding.DecodeString(tok.Value)
		require.NoError(t, err)
		assert.Len(t, raw, token.ValueBytes)
		assert.Equal(t, token.Hash(tok.Value), tok.Hash)

		stored, err := store.Get(ctx, tok.Hash)
		require.NoError(t, err)
		assert.Empty(t, stored.Value)
	})

	t.Run("payment override is unlimited", func(t *testing.T) {
		tok, err := issuer.Issue(ctx, "course-9", "buyer@example.com", nil)
		require.NoError(t, err)
		assert.True(t, tok.Unlimited())
		assert.Equal(t, -1, tok.Remaining())
		require.NotNil(t, tok.ExpiresAt)
	})

	t.Run("explicit policy wins", func(t *testing.T) {
		tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", &token.Policy{NoExpiry: true, MaxRedemptions: 1})
		require.NoError(t, err)
		assert.Nil(t, tok.ExpiresAt)
		assert.Equal(t, 1, tok.MaxRedemptions)
	})

	t.Run("rejects unbounded policy", func(t *testing.T) {
		_, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", &token.Policy{NoExpiry: true, Unlimited: true})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("values are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", nil)
			require.NoError(t, err)
			require.False(t, seen[tok.Value])
			seen[tok.Value] = true
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		_, err := issuer.Issue(ctx, "missing", "reader@example.com", nil)
		assert.ErrorIs(t, err, errors.ErrProductNotFound)
	})

	t.Run("inactive product", func(t *testing.T) {
		_, err := issuer.Issue(ctx, "retired", "reader@example.com", nil)
		assert.ErrorIs(t, err, errors.ErrProductInactive)
	})

	t.Run("holder required", func(t *testing.T) {
		_, err := issuer.Issue(ctx, "ebook-1", "", nil)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestIssueRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{conflicts: 2}
	issuer := token.NewIssuer(newRegistry(t), store, token.Config{Policies: testPolicies(), MaxAttempts: 3}, nil)

	tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	require.Len(t, store.created, 1)
	assert.Equal(t, tok.Hash, store.created[0].Hash)
}

func TestIssueGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewTokenStore()
	issuer := token.NewIssuer(newRegistry(t), store, token.Config{
		Policies:    testPolicies(),
		MaxAttempts: 4,
		Random:      zeroReader{},
	}, nil)

	_, err := issuer.Issue(ctx, "ebook-1", "first@example.com", nil)
	require.NoError(t, err)

	_, err = issuer.Issue(ctx, "ebook-1", "second@example.com", nil)
	assert.ErrorIs(t, err, errors.ErrIssuanceFailed)
	assert.Equal(t, 1, store.Len(), "the existing token must be untouched")
}

func TestIssueStoreFailure(t *testing.T) {
	issuer := token.NewIssuer(newRegistry(t), failingStore{}, token.Config{Policies: testPolicies()}, nil)

	_, err := issuer.Issue(context.Background(), "ebook-1", "reader@example.com", nil)
	assert.ErrorIs(t, err, errors.ErrIssuanceFailed)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPoliciesFor(t *testing.T) {
	p := token.Policies{
		Default: token.Policy{TTL: time.Hour, MaxRedemptions: 3},
		Overrides: map[models.AccessType]token.Policy{
			models.AccessTypeEmail:  {MaxRedemptions: 1},
			models.AccessTypeCustom: {NoExpiry: true},
		},
	}

	assert.Equal(t, p.Default, p.For(models.AccessTypeFree))
	assert.Equal(t, token.Policy{TTL: time.Hour, MaxRedemptions: 1}, p.For(models.AccessTypeEmail))
	assert.Equal(t, token.Policy{NoExpiry: true, MaxRedemptions: 3}, p.For(models.AccessTypeCustom))
}

func TestPoliciesFromConfig(t *testing.T) {
	p := token.PoliciesFromConfig(config.IssuerConfig{
		Default: config.IssuancePolicyConfig{TTL: 48 * time.Hour, MaxRedemptions: 2},
		Overrides: map[string]config.IssuancePolicyConfig{
			"payment": {TTL: 24 * time.Hour, Unlimited: true},
		},
	})

	assert.Equal(t, 2, p.Default.MaxRedemptions)
	pay := p.For(models.AccessTypePayment)
	assert.True(t, pay.Unlimited)
	assert.Equal(t, 24*time.Hour, pay.TTL)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, token.Policy{TTL: time.Hour, MaxRedemptions: 1}.Validate())
	assert.NoError(t, token.Policy{NoExpiry: true, MaxRedemptions: 1}.Validate())
	assert.NoError(t, token.Policy{TTL: time.Hour, Unlimited: true}.Validate())
	assert.Error(t, token.Policy{TTL: time.Hour}.Validate())
	assert.Error(t, token.Policy{MaxRedemptions: 1}.Validate())
	assert.Error(t, token.Policy{NoExpiry: true, Unlimited: true}.Validate())
}

func TestHash(t *testing.T) {
	assert.Equal(t, token.Hash("abc"), token.Hash("abc"))
	assert.NotEqual(t, token.Hash("abc"), token.Hash("abd"))
	assert.Len(t, token.Hash("abc"), 64)
}
