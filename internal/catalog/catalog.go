package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/witlox/accessgate/pkg/errors"
	"github.com/witlox/accessgate/pkg/models"
)

// File is the YAML catalog format.
//
//	products:
//	  - id: ebook-1
//	    access_type: email
//	    is_active: true
//	    asset_location: s3://assets/ebook-1.pdf
//	    gates:
//	      - gate_type: email
//	        is_enabled: true
type File struct {
	Products []Entry `yaml:"products"`
}

// Entry is one product with its gates.
type Entry struct {
	models.Product `yaml:",inline"`
	Gates          []models.AccessGate `yaml:"gates"`
}

// LoadFile reads and parses a YAML catalog.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog and checks it is well formed. Gates whose
// type does not match the product are accepted here and surface as
// misconfigured gates at evaluation time.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Products))
	for i := range f.Products {
		e := &f.Products[i]
		if e.ID == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("products[%d].id", i), "required")
		}
		if _, dup := seen[e.ID]; dup {
			return nil, errors.NewValidationError(fmt.Sprintf("products[%d].id", i), "duplicate product "+e.ID)
		}
		seen[e.ID] = struct{}{}
		if !e.AccessType.Valid() {
			return nil, errors.NewValidationError(fmt.Sprintf("products[%d].access_type", i), fmt.Sprintf("unknown access type %q", e.AccessType))
		}
		for j := range e.Gates {
			g := &e.Gates[j]
			if !g.GateType.Valid() {
				return nil, errors.NewValidationError(fmt.Sprintf("products[%d].gates[%d].gate_type", i, j), fmt.Sprintf("unknown gate type %q", g.GateType))
			}
			g.ProductID = e.ID
			if g.ID == "" {
				g.ID = fmt.Sprintf("%s/%s/%d", e.ID, g.GateType, j)
			}
		}
	}
	return &f, nil
}

// Static is an immutable in-memory Registry built from a catalog file.
type Static struct {
	mu       sync.RWMutex
	products map[string]models.Product
	gates    map[string][]models.AccessGate
}

var _ Repository = (*Static)(nil)

// NewStatic builds a registry from f. A nil f yields an empty registry.
func NewStatic(f *File) *Static {
	s := &Static{
		products: make(map[string]models.Product),
		gates:    make(map[string][]models.AccessGate),
	}
	if f == nil {
		return s
	}
	for _, e := range f.Products {
		s.products[e.ID] = e.Product
		s.gates[e.ID] = append([]models.AccessGate(nil), e.Gates...)
	}
	return s
}

// GetProduct implements Registry.
func (s *Static) GetProduct(_ context.Context, id string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, errors.ErrProductNotFound
	}
	return &p, nil
}

// EnabledGates implements Registry.
func (s *Static) EnabledGates(_ context.Context, productID string) ([]*models.AccessGate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AccessGate
	for _, g := range s.gates[productID] {
		if g.IsEnabled {
			g := g
			out = append(out, &g)
		}
	}
	return out, nil
}

// UpsertProduct adds or replaces a product. It exists for tests and
// development setups; the engine itself only reads.
func (s *Static) UpsertProduct(_ context.Context, product *models.Product) error {
	if product == nil || product.ID == "" {
		return errors.NewValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = *product
	return nil
}

// UpsertGate adds or replaces a gate by ID.
func (s *Static) UpsertGate(_ context.Context, gate *models.AccessGate) error {
	if gate == nil || gate.ID == "" || gate.ProductID == "" {
		return errors.NewValidationError("gate", "id and product_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	gates := s.gates[gate.ProductID]
	for i := range gates {
		if gates[i].ID == gate.ID {
			gates[i] = *gate
			return nil
		}
	}
	s.gates[gate.ProductID] = append(gates, *gate)
	return nil
}

// Import writes every product and gate of f into repo and returns the
// number of products and gates written.
func Import(ctx context.Context, repo Repository, f *File) (products, gates int, err error) {
	for i := range f.Products {
		e := &f.Products[i]
		p := e.Product
		if err := repo.UpsertProduct(ctx, &p); err != nil {
			return products, gates, fmt.Errorf("import product %s: %w", e.ID, err)
		}
		products++
		for j := range e.Gates {
			g := e.Gates[j]
			if err := repo.UpsertGate(ctx, &g); err != nil {
				return products, gates, fmt.Errorf("import gate %s: %w", g.ID, err)
			}
			gates++
		}
	}
	return products, gates, nil
}
