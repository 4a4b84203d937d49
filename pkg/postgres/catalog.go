package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/witlox/accessgate/internal/catalog"
	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// CatalogRepository implements catalog.Repository.
type CatalogRepository struct {
	db *DB
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

var _ catalog.Repository = (*CatalogRepository)(nil)

// GetProduct retrieves a product by ID.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p := &models.Product{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, access_type, is_active, asset_location FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.AccessType, &p.IsActive, &p.AssetLocation)
	if err == sql.ErrNoRows {
		return nil, errors.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// EnabledGates returns the enabled gates of a product.
func (r *CatalogRepository) EnabledGates(ctx context.Context, productID string) ([]*models.AccessGate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, product_id, gate_type, custom_policy_ref, is_enabled
		 FROM access_gates WHERE product_id = $1 AND is_enabled ORDER BY id`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list gates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var gates []*models.AccessGate
	for rows.Next() {
		g := &models.AccessGate{}
		if err := rows.Scan(&g.ID, &g.ProductID, &g.GateType, &g.CustomPolicyRef, &g.IsEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// UpsertProduct inserts or replaces a product.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, p *models.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, access_type, is_active, asset_location)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   access_type = EXCLUDED.access_type,
		   is_active = EXCLUDED.is_active,
		   asset_location = EXCLUDED.asset_location,
		   updated_at = NOW()`,
		p.ID, p.Name, p.AccessType, p.IsActive, p.AssetLocation,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// UpsertGate inserts or replaces a gate.
func (r *CatalogRepository) UpsertGate(ctx context.Context, g *models.AccessGate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_gates (id, product_id, gate_type, custom_policy_ref, is_enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   product_id = EXCLUDED.product_id,
		   gate_type = EXCLUDED.gate_type,
		   custom_policy_ref = EXCLUDED.custom_policy_ref,
		   is_enabled = EXCLUDED.is_enabled`,
		g.ID, g.ProductID, g.GateType, g.CustomPolicyRef, g.IsEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert gate: %w", err)
	}
	return nil
}
