package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/witlox/accessgate/internal/config"
	"github.com/witlox/accessgate/pkg/opa"
)

// DefaultRegoQuery is evaluated when a rego policy does not name a query.
const DefaultRegoQuery = "data.accessgate.custom.allow"

// Policies maps custom policy references to strategies.
type Policies struct {
	mu       sync.RWMutex
	policies map[string]CustomPolicy
}

// NewPolicies creates an empty policy registry.
func NewPolicies() *Policies {
	return &Policies{policies: make(map[string]CustomPolicy)}
}

// Register binds ref to policy, replacing any earlier binding.
func (p *Policies) Register(ref string, policy CustomPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[ref] = policy
}

// Lookup returns the policy bound to ref.
func (p *Policies) Lookup(ref string) (CustomPolicy, bool) {
	if ref == "" {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.policies[ref]
	return policy, ok
}

// Refs returns the registered references.
func (p *Policies) Refs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	refs := make([]string, 0, len(p.policies))
	for ref := range p.policies {
		refs = append(refs, ref)
	}
	return refs
}

// LoadPolicies builds a registry from configuration. remote may be nil when
// no opa policies are configured. An opa policy that carries a module is
// pushed to the server before it is registered.
func LoadPolicies(ctx context.Context, defs map[string]config.PolicyConfig, remote *opa.Client) (*Policies, error) {
	policies := NewPolicies()
	for ref, def := range defs {
		module, err := policyModule(ref, def)
		if err != nil {
			return nil, err
		}
		switch def.Type {
		case config.PolicyTypeRego:
			rp, err := NewRegoPolicy(ctx, ref, module, def.Query)
			if err != nil {
				return nil, err
			}
			policies.Register(ref, rp)
		case config.PolicyTypeOPA:
			if remote == nil {
				return nil, fmt.Errorf("policy %s needs an OPA server", ref)
			}
			if module != "" {
				if err := remote.UploadPolicy(ctx, "accessgate-"+ref, module); err != nil {
					return nil, fmt.Errorf("upload policy %s: %w", ref, err)
				}
			}
			policies.Register(ref, NewRemotePolicy(remote, def.Path))
		default:
			return nil, fmt.Errorf("policy %s: unknown type %q", ref, def.Type)
		}
	}
	return policies, nil
}

func policyModule(ref string, def config.PolicyConfig) (string, error) {
	if def.File == "" {
		return def.Module, nil
	}
	data, err := os.ReadFile(def.File)
	if err != nil {
		return "", fmt.Errorf("read policy %s: %w", ref, err)
	}
	return string(data), nil
}

// RegoPolicy evaluates an in-process Rego module.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy compiles module and prepares query for evaluation. An
// empty query uses DefaultRegoQuery.
func NewRegoPolicy(ctx context.Context, name, module, query string) (*RegoPolicy, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", name, err)
	}
	return &RegoPolicy{query: prepared}, nil
}

// Decide implements CustomPolicy. An undefined result denies.
func (p *RegoPolicy) Decide(ctx context.Context, in CustomInput) (bool, error) {
	input, err := toMap(in)
	if err != nil {
		return false, err
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// RemotePolicy delegates to a decision document on an OPA server.
type RemotePolicy struct {
	client *opa.Client
	path   string
}

// NewRemotePolicy creates a strategy backed by the document at path.
func NewRemotePolicy(client *opa.Client, path string) *RemotePolicy {
	return &RemotePolicy{client: client, path: path}
}

// Decide implements CustomPolicy.
func (p *RemotePolicy) Decide(ctx context.Context, in CustomInput) (bool, error) {
	input, err := toMap(in)
	if err != nil {
		return false, err
	}
	decision, err := p.client.Decide(ctx, p.path, input)
	if err != nil {
		return false, err
	}
	return decision.Allow, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	return m, nil
}
