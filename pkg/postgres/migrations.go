package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create products table",
			SQL: `CREATE TABLE IF NOT EXISTS products (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				access_type VARCHAR(32) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				asset_location TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     2,
			Description: "Create access_gates table",
			SQL: `CREATE TABLE IF NOT EXISTS access_gates (
				id VARCHAR(255) PRIMARY KEY,
				product_id VARCHAR(255) NOT NULL REFERENCES products(id) ON DELETE CASCADE,
				gate_type VARCHAR(32) NOT NULL,
				custom_policy_ref VARCHAR(255) NOT NULL DEFAULT '',
				is_enabled BOOLEAN NOT NULL DEFAULT TRUE
			)`,
		},
		{
			Version:     3,
			Description: "Create download_tokens table",
			SQL: `CREATE TABLE IF NOT EXISTS download_tokens (
				id UUID PRIMARY KEY,
				token_hash CHAR(64) NOT NULL UNIQUE,
				product_id VARCHAR(255) NOT NULL,
				holder_identity TEXT NOT NULL,
				issued_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ,
				max_redemptions INT NOT NULL CHECK (max_redemptions >= 0),
				redemption_count INT NOT NULL DEFAULT 0,
				is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
				revoked_at TIMESTAMPTZ,
				CHECK (redemption_count >= 0),
				CHECK (max_redemptions = 0 OR redemption_count <= max_redemptions)
			)`,
		},
		{
			Version:     4,
			Description: "Create redemption_records table",
			SQL: `CREATE TABLE IF NOT EXISTS redemption_records (
				seq BIGSERIAL UNIQUE,
				id UUID PRIMARY KEY,
				token_id UUID NOT NULL REFERENCES download_tokens(id),
				token_hash CHAR(64) NOT NULL,
				redeemed_at TIMESTAMPTZ NOT NULL,
				outcome VARCHAR(32) NOT NULL
			)`,
		},
		{
			Version:     5,
			Description: "Create audit_events table",
			SQL: `CREATE TABLE IF NOT EXISTS audit_events (
				seq BIGSERIAL UNIQUE,
				id UUID PRIMARY KEY,
				timestamp TIMESTAMPTZ NOT NULL,
				event_type VARCHAR(64) NOT NULL,
				actor VARCHAR(255) NOT NULL,
				product_id VARCHAR(255) NOT NULL DEFAULT '',
				token_id VARCHAR(64) NOT NULL DEFAULT '',
				result VARCHAR(32) NOT NULL,
				reason VARCHAR(64) NOT NULL DEFAULT '',
				data_hash CHAR(64) NOT NULL,
				metadata JSONB
			)`,
		},
		{
			Version:     6,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_access_gates_product ON access_gates(product_id);
				  CREATE INDEX IF NOT EXISTS idx_download_tokens_product ON download_tokens(product_id);
				  CREATE INDEX IF NOT EXISTS idx_redemption_records_hash ON redemption_records(token_hash, seq);
				  CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
				  CREATE INDEX IF NOT EXISTS idx_audit_events_product ON audit_events(product_id)`,
		},
	}
}

// RunMigrations executes all pending migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// Ensure schema_migrations table exists
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := Migrations()
	for _, m := range migrations {
		// Check if migration already applied
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}

		if exists {
			continue
		}

		// Apply migration
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}

		// Record migration
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
