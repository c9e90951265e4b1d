package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/cache"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicyAdminService provides CRUD operations on policies with schema
// validation and write-through cache invalidation. Every successful
// mutation invalidates the affected cache scope before the call
// returns, so no Enforce call observed after the acknowledgment can
// see the pre-mutation policy set.
type PolicyAdminService struct {
	store      policy.Store
	policySets *cache.PolicySets
	decisions  *cache.Decisions
	emitter    *AuditEmitter
	logger     *slog.Logger
	now        func() time.Time
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(
	store policy.Store,
	policySets *cache.PolicySets,
	decisions *cache.Decisions,
	emitter *AuditEmitter,
	logger *slog.Logger,
) *PolicyAdminService {
	return &PolicyAdminService{
		store:      store,
		policySets: policySets,
		decisions:  decisions,
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// List returns all policies, enabled or not.
func (s *PolicyAdminService) List(ctx context.Context) ([]policy.Policy, error) {
	return s.store.GetAllPolicies(ctx)
}

// Get returns a single policy by ID with its rules.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (*policy.Policy, error) {
	return s.store.GetPolicy(ctx, id)
}

// Create validates and persists a new policy, generating IDs and
// timestamps, then invalidates the affected cache scope.
func (s *PolicyAdminService) Create(ctx context.Context, actorID string, p *policy.Policy) (*policy.Policy, error) {
	now := s.now().UTC()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.fillRuleDefaults(p, now)

	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	if err := s.invalidate(ctx, p.ToolID); err != nil {
		return nil, err
	}

	s.emitMutation(audit.EventTypePolicyCreate, actorID, p.ID, p.Name, nil, p)
	s.logger.Info("policy created", "id", p.ID, "name", p.Name, "rules", len(p.Rules))

	return s.store.GetPolicy(ctx, p.ID)
}

// Update validates and persists changes to an existing policy,
// preserving immutable fields, then invalidates both the old and new
// tool scopes.
func (s *PolicyAdminService) Update(ctx context.Context, actorID, id string, p *policy.Policy) (*policy.Policy, error) {
	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	s.fillRuleDefaults(p, p.UpdatedAt)

	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	// A rebinding must flush the scope the policy is leaving too.
	if err := s.invalidate(ctx, existing.ToolID); err != nil {
		return nil, err
	}
	if p.ToolID != existing.ToolID {
		if err := s.invalidate(ctx, p.ToolID); err != nil {
			return nil, err
		}
	}

	s.emitMutation(audit.EventTypePolicyUpdate, actorID, id, p.Name, existing, p)
	s.logger.Info("policy updated", "id", id, "name", p.Name)

	return s.store.GetPolicy(ctx, id)
}

// Delete removes a policy by ID and invalidates its cache scope.
func (s *PolicyAdminService) Delete(ctx context.Context, actorID, id string) error {
	existing, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}

	if err := s.invalidate(ctx, existing.ToolID); err != nil {
		return err
	}

	s.emitMutation(audit.EventTypePolicyDelete, actorID, id, existing.Name, existing, nil)
	s.logger.Info("policy deleted", "id", id, "name", existing.Name)
	return nil
}

// Seed loads configured policies into the store at startup. Policies
// whose name is already present are skipped so config seeding never
// clobbers live admin edits.
func (s *PolicyAdminService) Seed(ctx context.Context, policies []policy.Policy) error {
	existing, err := s.store.GetAllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list policies for seeding: %w", err)
	}
	existingNames := make(map[string]bool, len(existing))
	for _, p := range existing {
		existingNames[p.Name] = true
	}

	now := s.now().UTC()
	var seeded int
	for i := range policies {
		p := policies[i]
		if existingNames[p.Name] {
			continue
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.fillRuleDefaults(&p, now)

		if err := p.Validate(); err != nil {
			return fmt.Errorf("seed policy %q: %w", p.Name, err)
		}
		if err := s.store.SavePolicy(ctx, &p); err != nil {
			return fmt.Errorf("seed policy %q: %w", p.Name, err)
		}
		seeded++
	}

	if seeded > 0 {
		if err := s.policySets.InvalidateAll(ctx); err != nil {
			s.logger.Warn("policy set cache invalidation failed after seeding", "error", err)
		}
		if err := s.decisions.InvalidateAll(ctx); err != nil {
			s.logger.Warn("decision cache invalidation failed after seeding", "error", err)
		}
	}
	s.logger.Info("policies seeded", "configured", len(policies), "loaded", seeded)
	return nil
}

// fillRuleDefaults assigns IDs and timestamps to rules missing them.
func (s *PolicyAdminService) fillRuleDefaults(p *policy.Policy, now time.Time) {
	for i := range p.Rules {
		if p.Rules[i].ID == "" {
			p.Rules[i].ID = uuid.New().String()
		}
		if p.Rules[i].CreatedAt.IsZero() {
			p.Rules[i].CreatedAt = now
		}
	}
}

// invalidate flushes the policy-set and decision caches for the tool
// scope. An empty toolID is a global policy, which can affect every
// tool. Invalidation failure fails the mutation: returning success
// while stale entries survive would break the staleness bound the
// enforcement path relies on.
func (s *PolicyAdminService) invalidate(ctx context.Context, toolID string) error {
	var err error
	if toolID == "" {
		err = errors.Join(
			s.policySets.InvalidateAll(ctx),
			s.decisions.InvalidateAll(ctx),
		)
	} else {
		err = errors.Join(
			s.policySets.Invalidate(ctx, toolID),
			s.decisions.InvalidateTool(ctx, toolID),
		)
	}
	if err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

// emitMutation emits one config-mutation audit event with JSON
// before/after snapshots.
func (s *PolicyAdminService) emitMutation(eventType, actorID, targetID, targetName string, oldVal, newVal any) {
	if s.emitter == nil {
		return
	}
	s.emitter.EmitMutation(eventType, uuid.New().String(), audit.MutationEvent{
		ActorID:    actorID,
		TargetID:   targetID,
		TargetName: targetName,
		OldValue:   marshalSnapshot(oldVal),
		NewValue:   marshalSnapshot(newVal),
	})
}

// marshalSnapshot renders a mutation snapshot, empty on nil or failure.
func marshalSnapshot(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
