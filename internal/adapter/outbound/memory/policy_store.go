// Package memory provides in-memory store and cache implementations
// for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicyStore implements policy.Store with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy // ID -> Policy
}

// NewPolicyStore creates a new in-memory policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*policy.Policy)}
}

// GetAllPolicies returns every policy with rules.
func (s *PolicyStore) GetAllPolicies(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, *copyPolicy(p))
	}
	return result, nil
}

// GetCandidatePolicies returns enabled, effective policies matching
// the tool and resource scope.
func (s *PolicyStore) GetCandidatePolicies(ctx context.Context, toolSlug, resourceType string, now time.Time) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []policy.Policy
	for _, p := range s.policies {
		if p.AppliesTo(toolSlug, resourceType, now) {
			result = append(result, *copyPolicy(p))
		}
	}
	return result, nil
}

// GetPolicy returns a policy by ID.
// Returns policy.ErrPolicyNotFound if the policy doesn't exist.
func (s *PolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

// SavePolicy creates or updates a policy.
func (s *PolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation.
	s.policies[p.ID] = copyPolicy(p)
	return nil
}

// DeletePolicy removes a policy by ID.
// Returns policy.ErrPolicyNotFound if the policy doesn't exist.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return policy.ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

// copyPolicy creates a deep copy of a policy.
func copyPolicy(p *policy.Policy) *policy.Policy {
	cp := *p
	cp.Rules = make([]policy.Rule, len(p.Rules))
	copy(cp.Rules, p.Rules)
	for i := range cp.Rules {
		cp.Rules[i].Conditions = copyConditions(p.Rules[i].Conditions)
		cp.Rules[i].RoleRequirements = append([]string(nil), p.Rules[i].RoleRequirements...)
	}
	return &cp
}

func copyConditions(cs policy.ConditionSet) policy.ConditionSet {
	if cs == nil {
		return nil
	}
	out := make(policy.ConditionSet, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
