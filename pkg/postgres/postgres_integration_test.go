//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/witlox/accessgate/internal/audit"
	"github.com/witlox/accessgate/internal/ledger"
	"github.com/witlox/accessgate/internal/token"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
	"github.com/witlox/accessgate/pkg/postgres"
)

func setupDB(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("accessgate_test"),
		tcpostgres.WithUsername("accessgate"),
		tcpostgres.WithPassword("accessgate_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	return db
}

func TestPostgresStores(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	catalogRepo := postgres.NewCatalogRepository(db)
	tokens := postgres.NewTokenStore(db)

	require.NoError(t, catalogRepo.UpsertProduct(ctx, &models.Product{
		ID: "ebook-1", Name: "Ebook", AccessType: models.AccessTypeEmail, IsActive: true, AssetLocation: "s3://assets/ebook-1.pdf",
	}))
	require.NoError(t, catalogRepo.UpsertGate(ctx, &models.AccessGate{
		ID: "ebook-1/email/0", ProductID: "ebook-1", GateType: models.GateTypeEmail, IsEnabled: true,
	}))
	require.NoError(t, catalogRepo.UpsertGate(ctx, &models.AccessGate{
		ID: "ebook-1/payment/1", ProductID: "ebook-1", GateType: models.GateTypePayment, IsEnabled: false,
	}))

	t.Run("catalog", func(t *testing.T) {
		p, err := catalogRepo.GetProduct(ctx, "ebook-1")
		require.NoError(t, err)
		assert.Equal(t, models.AccessTypeEmail, p.AccessType)

		gates, err := catalogRepo.EnabledGates(ctx, "ebook-1")
		require.NoError(t, err)
		require.Len(t, gates, 1)
		assert.Equal(t, models.GateTypeEmail, gates[0].GateType)

		_, err = catalogRepo.GetProduct(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrProductNotFound)
	})

	issuer := token.NewIssuer(catalogRepo, tokens, token.Config{
		Policies: token.Policies{Default: token.Policy{TTL: time.Hour, MaxRedemptions: 1}},
	}, nil)
	l := ledger.New(tokens, catalogRepo, nil, ledger.Config{}, nil)

	t.Run("duplicate hash conflicts", func(t *testing.T) {
		tok := &models.DownloadToken{
			ID: uuid.New().String(), Hash: token.Hash("dup"), ProductID: "ebook-1",
			HolderIdentity: "a@example.com", IssuedAt: time.Now().UTC(), MaxRedemptions: 1,
		}
		require.NoError(t, tokens.Create(ctx, tok))
		tok.ID = uuid.New().String()
		assert.ErrorIs(t, tokens.Create(ctx, tok), errors.ErrConflict)
	})

	t.Run("last slot race", func(t *testing.T) {
		tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", nil)
		require.NoError(t, err)

		var (
			mu      sync.Mutex
			granted int
			wg      sync.WaitGroup
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Redeem(ctx, tok.Value); err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, granted)

		_, records, err := l.Status(ctx, tok.Value)
		require.NoError(t, err)
		assert.Len(t, records, 10)
	})

	t.Run("revoke", func(t *testing.T) {
		tok, err := issuer.Issue(ctx, "ebook-1", "reader@example.com", nil)
		require.NoError(t, err)

		revoked, err := l.Revoke(ctx, tok.Value)
		require.NoError(t, err)
		assert.True(t, revoked.IsRevoked)

		_, err = l.Redeem(ctx, tok.Value)
		assert.ErrorIs(t, err, errors.ErrTokenRevoked)
	})
}

func TestPostgresAuditChain(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	svc := audit.NewService(postgres.NewAuditRepository(db), nil, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Log(ctx, &models.AuditEvent{
			EventType: models.AuditEventTypeTokenRedeem,
			Actor:     "reader@example.com",
			ProductID: "ebook-1",
			Result:    models.AuditEventResultSuccess,
		}))
	}

	ok, err := svc.VerifyIntegrity(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := svc.Query(ctx, audit.QueryParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[1].Metadata["chain_hash"], events[0].Metadata["prev_hash"])
}

func TestPostgresAuditChainAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	replicas := []*audit.Service{
		audit.NewService(postgres.NewAuditRepository(db), nil, nil),
		audit.NewService(postgres.NewAuditRepository(db), nil, nil),
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, replicas[i%2].Log(ctx, &models.AuditEvent{
				EventType: models.AuditEventTypeAccessRequest,
				Actor:     "payments-service",
				ProductID: "P1",
				Result:    models.AuditEventResultSuccess,
			}))
		}(i)
	}
	wg.Wait()

	ok, err := replicas[1].VerifyIntegrity(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := replicas[0].Query(ctx, audit.QueryParams{})
	require.NoError(t, err)
	require.Len(t, events, 30)
	assert.Equal(t, "genesis", events[29].Metadata["prev_hash"])
}
