package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicySets caches resolved policy sets per (tool, resource type).
type PolicySets struct {
	c      Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewPolicySets creates a policy-set cache with the given TTL.
func NewPolicySets(c Cache, ttl time.Duration, logger *slog.Logger) *PolicySets {
	return &PolicySets{c: c, ttl: ttl, logger: logger}
}

// Get returns the cached policy set for the scope. Any cache error is
// a miss with a degraded-mode warning.
func (p *PolicySets) Get(ctx context.Context, toolSlug, resourceType string) ([]policy.Policy, bool) {
	key := PolicySetKey(toolSlug, resourceType)
	data, ok, err := p.c.Get(ctx, key)
	if err != nil {
		p.logger.Warn("policy set cache degraded, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var policies []policy.Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		p.logger.Warn("policy set cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return policies, true
}

// Put stores the resolved policy set. Write failures are logged and dropped.
func (p *PolicySets) Put(ctx context.Context, toolSlug, resourceType string, policies []policy.Policy) {
	data, err := json.Marshal(policies)
	if err != nil {
		p.logger.Warn("policy set marshal failed", "error", err)
		return
	}
	key := PolicySetKey(toolSlug, resourceType)
	if err := p.c.Set(ctx, key, data, p.ttl); err != nil {
		p.logger.Warn("policy set cache write failed", "key", key, "error", err)
	}
}

// Invalidate removes every cached policy set for the tool. Called by
// the admin path before a mutation is acknowledged, which bounds
// staleness to the mutation-to-read gap rather than the TTL.
func (p *PolicySets) Invalidate(ctx context.Context, toolSlug string) error {
	return p.c.DeletePrefix(ctx, policySetToolPrefix(toolSlug))
}

// InvalidateAll removes every cached policy set. Used for global
// (tool-unbound) policy mutations.
func (p *PolicySets) InvalidateAll(ctx context.Context) error {
	return p.c.DeletePrefix(ctx, policySetPrefix)
}

// TTL returns the configured entry lifetime.
func (p *PolicySets) TTL() time.Duration { return p.ttl }

// Decisions caches resolved decisions per request coordinate.
type Decisions struct {
	c      Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewDecisions creates a decision cache with the given TTL.
func NewDecisions(c Cache, ttl time.Duration, logger *slog.Logger) *Decisions {
	return &Decisions{c: c, ttl: ttl, logger: logger}
}

// Get returns the cached decision for the request coordinates.
func (d *Decisions) Get(ctx context.Context, req *policy.EnforcementRequest) (*policy.EnforcementDecision, bool) {
	key := DecisionKey(req.Principal.ID, req.ToolSlug, req.Action, req.Resource.Type, req.Resource.ID)
	data, ok, err := d.c.Get(ctx, key)
	if err != nil {
		d.logger.Warn("decision cache degraded, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var dec policy.EnforcementDecision
	if err := json.Unmarshal(data, &dec); err != nil {
		d.logger.Warn("decision cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return &dec, true
}

// Put stores the decision. Write failures are logged and dropped.
func (d *Decisions) Put(ctx context.Context, req *policy.EnforcementRequest, dec *policy.EnforcementDecision) {
	data, err := json.Marshal(dec)
	if err != nil {
		d.logger.Warn("decision marshal failed", "error", err)
		return
	}
	key := DecisionKey(req.Principal.ID, req.ToolSlug, req.Action, req.Resource.Type, req.Resource.ID)
	if err := d.c.Set(ctx, key, data, d.ttl); err != nil {
		d.logger.Warn("decision cache write failed", "key", key, "error", err)
	}
}

// InvalidateTool removes every cached decision for the tool.
func (d *Decisions) InvalidateTool(ctx context.Context, toolSlug string) error {
	return d.c.DeletePrefix(ctx, decisionToolPrefix(toolSlug))
}

// InvalidateAll removes every cached decision.
func (d *Decisions) InvalidateAll(ctx context.Context) error {
	return d.c.DeletePrefix(ctx, decisionPrefix)
}

// InvalidatePrincipal removes every cached decision for one principal
// across all tools. Requires a key scan of the decision namespace.
func (d *Decisions) InvalidatePrincipal(ctx context.Context, principalID string) error {
	keys, err := d.c.Keys(ctx, decisionPrefix)
	if err != nil {
		return err
	}
	want := sanitizeSegment(principalID)
	for _, k := range keys {
		if decisionPrincipalSegment(k) != want {
			continue
		}
		if err := d.c.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// TTL returns the configured entry lifetime.
func (d *Decisions) TTL() time.Duration { return d.ttl }
