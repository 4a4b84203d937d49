// Package catalog is the read-only product registry consulted by the gate
// evaluator and the token issuer.
package catalog

import (
	"context"

	"github.com/witlox/accessgate/pkg/models"
)

// Registry exposes products and their gates. Implementations never mutate
// products on behalf of the engine.
type Registry interface {
	// GetProduct returns the product or errors.ErrProductNotFound.
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	// EnabledGates returns every enabled gate attached to the product.
	EnabledGates(ctx context.Context, productID string) ([]*models.AccessGate, error)
}

// Repository is a writable catalog used by import tooling.
type Repository interface {
	Registry
	UpsertProduct(ctx context.Context, product *models.Product) error
	UpsertGate(ctx context.Context, gate *models.AccessGate) error
}
