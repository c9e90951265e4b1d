package policy

import (
	"context"
	"errors"
	"time"
)

// ErrPolicyNotFound is returned by stores when a policy does not exist.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrStoreUnavailable is returned when the policy store cannot be
// reached. The engine surfaces it to the caller instead of guessing a
// decision; availability loss of the source of truth is fatal to the
// current request only.
var ErrStoreUnavailable = errors.New("policy store unavailable")

// Engine evaluates enforcement requests against stored policies.
type Engine interface {
	// Enforce returns an auditable decision for the request. It never
	// returns an error for malformed or unmatched requests (those
	// degrade to deny); only store unavailability is an error.
	Enforce(ctx context.Context, req EnforcementRequest) (EnforcementDecision, error)
}

// Store persists and retrieves policies and their rules.
type Store interface {
	// GetAllPolicies returns every policy, enabled or not, with rules.
	GetAllPolicies(ctx context.Context) ([]Policy, error)
	// GetCandidatePolicies returns enabled policies whose tool binding,
	// scope, and effective window make them candidates for the given
	// tool and resource type at time now.
	GetCandidatePolicies(ctx context.Context, toolSlug, resourceType string, now time.Time) ([]Policy, error)
	// GetPolicy returns a policy by ID with its rules, or ErrPolicyNotFound.
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	// SavePolicy creates or updates a policy and its rules atomically.
	SavePolicy(ctx context.Context, p *Policy) error
	// DeletePolicy removes a policy by ID, or returns ErrPolicyNotFound.
	DeletePolicy(ctx context.Context, id string) error
}
