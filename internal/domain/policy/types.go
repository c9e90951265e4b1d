// Package policy contains domain types for tool access-control policies.
package policy

import (
	"fmt"
	"regexp"
	"time"
)

// Action represents the outcome a rule contributes to a decision.
type Action string

const (
	// ActionAllow permits the requested operation.
	ActionAllow Action = "allow"
	// ActionDeny blocks the requested operation.
	ActionDeny Action = "deny"
	// ActionAudit permits the operation but flags it for audit review.
	ActionAudit Action = "audit"
	// ActionAlert permits the operation and raises an alert.
	ActionAlert Action = "alert"
	// ActionRequireApproval blocks the operation pending human approval.
	ActionRequireApproval Action = "require_approval"
	// ActionLog permits the operation and records it.
	ActionLog Action = "log"
)

// validActions is the closed set of rule actions accepted on write.
var validActions = map[Action]bool{
	ActionAllow:           true,
	ActionDeny:            true,
	ActionAudit:           true,
	ActionAlert:           true,
	ActionRequireApproval: true,
	ActionLog:             true,
}

// Valid reports whether a is a known rule action.
func (a Action) Valid() bool { return validActions[a] }

// Type categorizes a policy by its governance purpose.
type Type string

const (
	TypeAccessControl Type = "access_control"
	TypeCompliance    Type = "compliance"
	TypeSecurity      Type = "security"
	TypeGovernance    Type = "governance"
	TypeWorkflow      Type = "workflow"
)

var validTypes = map[Type]bool{
	TypeAccessControl: true,
	TypeCompliance:    true,
	TypeSecurity:      true,
	TypeGovernance:    true,
	TypeWorkflow:      true,
}

// ToolScope is the granularity level at which a policy applies.
type ToolScope string

const (
	ScopeGlobal       ToolScope = "global"
	ScopeOrganization ToolScope = "organization"
	ScopeProject      ToolScope = "project"
	ScopeRepository   ToolScope = "repository"
	ScopeWorkspace    ToolScope = "workspace"
)

var validScopes = map[ToolScope]bool{
	ScopeGlobal:       true,
	ScopeOrganization: true,
	ScopeProject:      true,
	ScopeRepository:   true,
	ScopeWorkspace:    true,
}

// ScopeForResourceType maps a resource type onto the scope level its
// policies must cover. Unknown resource types are treated as
// repository-level, the narrowest commonly used granularity.
func ScopeForResourceType(resourceType string) ToolScope {
	switch resourceType {
	case "organization", "org":
		return ScopeOrganization
	case "project":
		return ScopeProject
	case "workspace":
		return ScopeWorkspace
	default:
		return ScopeRepository
	}
}

// CompatibleWith reports whether a policy at scope s applies to a
// resource at the given scope level. Global policies apply everywhere;
// all other scopes must match exactly.
func (s ToolScope) CompatibleWith(resource ToolScope) bool {
	return s == ScopeGlobal || s == resource
}

// RiskLevel grades the impact of the operations a policy governs.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var validRiskLevels = map[RiskLevel]bool{
	RiskLow:      true,
	RiskMedium:   true,
	RiskHigh:     true,
	RiskCritical: true,
}

// Rule defines a single authorization rule owned by exactly one policy.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"rule_id"`
	// Name is a human-readable name for this rule.
	Name string `json:"name"`
	// Action is the outcome this rule contributes when matched.
	Action Action `json:"action"`
	// Priority orders rules within and across policies (1-100, lower = higher precedence).
	Priority int `json:"priority"`
	// Enabled indicates whether the rule participates in evaluation.
	Enabled bool `json:"enabled"`
	// Conditions must all match the request for this rule to apply.
	Conditions ConditionSet `json:"conditions,omitempty"`
	// RoleRequirements, when present, requires the principal's roles to
	// intersect this set for the rule to match.
	RoleRequirements []string `json:"role_requirements,omitempty"`
	// ResourceType restricts the rule to one resource type ("" = any).
	ResourceType string `json:"resource_type,omitempty"`
	// ResourcePattern is an optional regex matched against the resource name.
	ResourcePattern string `json:"resource_pattern,omitempty"`
	// TimeRestrictions optionally limits when the rule matches.
	TimeRestrictions *TimeWindow `json:"time_restrictions,omitempty"`
	// Environment restricts the rule to one deployment environment ("" = any).
	Environment string `json:"environment,omitempty"`
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks rule fields against the schema constraints enforced on write.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return &FieldError{Field: "name", Reason: "rule name is required"}
	}
	if !r.Action.Valid() {
		return &FieldError{Field: "action", Reason: fmt.Sprintf("unknown rule action %q", r.Action)}
	}
	if r.Priority < 1 || r.Priority > 100 {
		return &FieldError{Field: "priority", Reason: fmt.Sprintf("rule priority %d outside range 1-100", r.Priority)}
	}
	if r.ResourcePattern != "" {
		if _, err := regexp.Compile(r.ResourcePattern); err != nil {
			return &FieldError{Field: "resource_pattern", Reason: fmt.Sprintf("invalid regex: %v", err)}
		}
	}
	if err := r.Conditions.Validate(); err != nil {
		return err
	}
	if r.TimeRestrictions != nil {
		if err := r.TimeRestrictions.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Policy is a prioritized collection of rules scoped to one tool (or global).
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string `json:"policy_id"`
	// Name is the human-readable name for this policy.
	Name string `json:"name"`
	// Description provides additional context about the policy.
	Description string `json:"description,omitempty"`
	// Type categorizes the policy.
	Type Type `json:"type"`
	// Category is a free-form grouping label.
	Category string `json:"category,omitempty"`
	// ToolID binds the policy to one integrated tool; empty means global.
	ToolID string `json:"tool_id,omitempty"`
	// ToolScope is the granularity level the policy covers.
	ToolScope ToolScope `json:"tool_scope"`
	// Priority orders policies for attribution (1-1000, lower = higher precedence).
	Priority int `json:"priority"`
	// Enabled indicates if this policy is active. A disabled policy
	// contributes no rules to evaluation.
	Enabled bool `json:"enabled"`
	// Rules are the authorization rules owned by this policy.
	Rules []Rule `json:"rules"`
	// ComplianceFramework optionally links the policy to a framework (e.g. "SOX").
	ComplianceFramework string `json:"compliance_framework,omitempty"`
	// RiskLevel grades the operations this policy governs.
	RiskLevel RiskLevel `json:"risk_level"`
	// EffectiveFrom is the start of the policy's effective window (nil = always).
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	// EffectiveUntil is the end of the policy's effective window (nil = open).
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	// CreatedAt is when the policy was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the policy was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the policy and all owned rules. Returns the first
// violation as a FieldError so the admin API can surface field detail.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return &FieldError{Field: "name", Reason: "policy name is required"}
	}
	if !validTypes[p.Type] {
		return &FieldError{Field: "type", Reason: fmt.Sprintf("unknown policy type %q", p.Type)}
	}
	if !validScopes[p.ToolScope] {
		return &FieldError{Field: "tool_scope", Reason: fmt.Sprintf("unknown tool scope %q", p.ToolScope)}
	}
	if p.Priority < 1 || p.Priority > 1000 {
		return &FieldError{Field: "priority", Reason: fmt.Sprintf("policy priority %d outside range 1-1000", p.Priority)}
	}
	if p.RiskLevel != "" && !validRiskLevels[p.RiskLevel] {
		return &FieldError{Field: "risk_level", Reason: fmt.Sprintf("unknown risk level %q", p.RiskLevel)}
	}
	if p.EffectiveFrom != nil && p.EffectiveUntil != nil && p.EffectiveFrom.After(*p.EffectiveUntil) {
		return &FieldError{Field: "effective_from", Reason: "effective_from must not be after effective_until"}
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, p.Rules[i].Name, err)
		}
	}
	return nil
}

// EffectiveAt reports whether the policy's effective window contains t.
func (p *Policy) EffectiveAt(t time.Time) bool {
	if p.EffectiveFrom != nil && t.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && t.After(*p.EffectiveUntil) {
		return false
	}
	return true
}

// AppliesTo reports whether the policy is a candidate for a request
// against the given tool and resource type at time now. Disabled
// policies never apply.
func (p *Policy) AppliesTo(toolSlug, resourceType string, now time.Time) bool {
	if !p.Enabled || !p.EffectiveAt(now) {
		return false
	}
	if p.ToolID != "" && p.ToolID != toolSlug {
		return false
	}
	return p.ToolScope.CompatibleWith(ScopeForResourceType(resourceType))
}

// FieldError is a validation failure attributed to a single field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
