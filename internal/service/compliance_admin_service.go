package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// ExpressionValidator validates compliance check expressions before
// they are persisted.
type ExpressionValidator interface {
	ValidateExpression(expr string) error
}

// ComplianceAdminService provides CRUD operations on compliance rules
// with schema and expression validation.
type ComplianceAdminService struct {
	rules     compliance.RuleStore
	validator ExpressionValidator
	emitter   *AuditEmitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewComplianceAdminService creates a new ComplianceAdminService.
func NewComplianceAdminService(
	rules compliance.RuleStore,
	validator ExpressionValidator,
	emitter *AuditEmitter,
	logger *slog.Logger,
) *ComplianceAdminService {
	return &ComplianceAdminService{
		rules:     rules,
		validator: validator,
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
	}
}

// List returns all compliance rules.
func (s *ComplianceAdminService) List(ctx context.Context) ([]compliance.Rule, error) {
	return s.rules.GetAllRules(ctx)
}

// Get returns a compliance rule by ID.
func (s *ComplianceAdminService) Get(ctx context.Context, id string) (*compliance.Rule, error) {
	return s.rules.GetRule(ctx, id)
}

// Create validates and persists a new compliance rule.
func (s *ComplianceAdminService) Create(ctx context.Context, actorID string, r *compliance.Rule) (*compliance.Rule, error) {
	now := s.now().UTC()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.validate(r); err != nil {
		return nil, err
	}
	if err := s.rules.SaveRule(ctx, r); err != nil {
		return nil, fmt.Errorf("save compliance rule: %w", err)
	}

	s.emitMutation(audit.EventTypeComplianceRuleCreate, actorID, r.ID, r.ControlID, nil, r)
	s.logger.Info("compliance rule created", "id", r.ID, "framework", r.Framework, "control", r.ControlID)
	return s.rules.GetRule(ctx, r.ID)
}

// Update validates and persists changes to an existing rule.
func (s *ComplianceAdminService) Update(ctx context.Context, actorID, id string, r *compliance.Rule) (*compliance.Rule, error) {
	existing, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	r.ID = id
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now().UTC()

	if err := s.validate(r); err != nil {
		return nil, err
	}
	if err := s.rules.SaveRule(ctx, r); err != nil {
		return nil, fmt.Errorf("save compliance rule: %w", err)
	}

	s.emitMutation(audit.EventTypeComplianceRuleUpdate, actorID, id, r.ControlID, existing, r)
	s.logger.Info("compliance rule updated", "id", id, "framework", r.Framework)
	return s.rules.GetRule(ctx, id)
}

// Delete removes a compliance rule by ID.
func (s *ComplianceAdminService) Delete(ctx context.Context, actorID, id string) error {
	existing, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("delete compliance rule: %w", err)
	}

	s.emitMutation(audit.EventTypeComplianceRuleDelete, actorID, id, existing.ControlID, existing, nil)
	s.logger.Info("compliance rule deleted", "id", id)
	return nil
}

// Seed loads configured compliance rules at startup, skipping IDs
// already present.
func (s *ComplianceAdminService) Seed(ctx context.Context, rules []compliance.Rule) error {
	existing, err := s.rules.GetAllRules(ctx)
	if err != nil {
		return fmt.Errorf("list compliance rules for seeding: %w", err)
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, r := range existing {
		existingIDs[r.ID] = true
	}

	now := s.now().UTC()
	var seeded int
	for i := range rules {
		r := rules[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if existingIDs[r.ID] {
			continue
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now

		if err := s.validate(&r); err != nil {
			return fmt.Errorf("seed compliance rule %q: %w", r.ControlID, err)
		}
		if err := s.rules.SaveRule(ctx, &r); err != nil {
			return fmt.Errorf("seed compliance rule %q: %w", r.ControlID, err)
		}
		seeded++
	}
	s.logger.Info("compliance rules seeded", "configured", len(rules), "loaded", seeded)
	return nil
}

// validate checks schema constraints and compiles the expressions so
// an invalid expression cannot poison the assessor.
func (s *ComplianceAdminService) validate(r *compliance.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.AssessmentMethod != compliance.MethodAutomated {
		return nil
	}
	if err := s.validator.ValidateExpression(r.CheckExpression); err != nil {
		return &policy.FieldError{Field: "check_expression", Reason: err.Error()}
	}
	if r.ScoreExpression != "" {
		if err := s.validator.ValidateExpression(r.ScoreExpression); err != nil {
			return &policy.FieldError{Field: "score_expression", Reason: err.Error()}
		}
	}
	return nil
}

func (s *ComplianceAdminService) emitMutation(eventType, actorID, targetID, targetName string, oldVal, newVal any) {
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
