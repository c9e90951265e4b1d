// Package compliance contains domain types for framework compliance
// rules and their assessments.
package compliance

import (
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// AssessmentMethod describes how a rule is assessed.
type AssessmentMethod string

const (
	// MethodAutomated rules are scored from enforcement history by the assessor.
	MethodAutomated AssessmentMethod = "automated"
	// MethodManual rules require human review; the assessor records a
	// pending placeholder.
	MethodManual AssessmentMethod = "manual"
)

// AssessmentFrequency describes when a rule is assessed.
type AssessmentFrequency string

const (
	// FrequencyContinuous rules are re-assessed on qualifying enforcement decisions.
	FrequencyContinuous AssessmentFrequency = "continuous"
	// FrequencyPeriodic rules run on the configured schedule.
	FrequencyPeriodic AssessmentFrequency = "periodic"
)

// Status is the compliance state of one rule for one tool.
type Status string

const (
	StatusCompliant          Status = "compliant"
	StatusNonCompliant       Status = "non_compliant"
	StatusPartiallyCompliant Status = "partially_compliant"
)

// Rule is one externally defined compliance requirement mapped onto
// platform behavior.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"rule_id"`
	// Framework names the regulatory scheme (e.g. "SOX", "GDPR", "SOC2").
	Framework string `json:"framework"`
	// ControlID is the framework's own identifier for the control (e.g. "CC6.1").
	ControlID string `json:"control_id"`
	// RequirementText is the human-readable requirement.
	RequirementText string `json:"requirement_text"`
	// AssessmentMethod is automated or manual.
	AssessmentMethod AssessmentMethod `json:"assessment_method"`
	// AssessmentFrequency is continuous or periodic.
	AssessmentFrequency AssessmentFrequency `json:"assessment_frequency"`
	// RiskLevel grades the control.
	RiskLevel policy.RiskLevel `json:"risk_level"`
	// ApplicableTools limits assessment to these tool slugs; empty = all tools.
	ApplicableTools []string `json:"applicable_tools,omitempty"`
	// CheckExpression is a CEL expression over enforcement-history stats
	// that must evaluate to true for the rule to be satisfied. Required
	// for automated rules.
	CheckExpression string `json:"check_expression,omitempty"`
	// ScoreExpression is an optional CEL expression yielding a 0-100
	// score. When absent, the boolean check maps to 100 or 0.
	ScoreExpression string `json:"score_expression,omitempty"`
	// CreatedAt is when the rule was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the rule was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks rule fields. Expression compilation is the admin
// service's job (it owns the CEL environment).
func (r *Rule) Validate() error {
	if r.Framework == "" {
		return &policy.FieldError{Field: "framework", Reason: "framework is required"}
	}
	if r.ControlID == "" {
		return &policy.FieldError{Field: "control_id", Reason: "control_id is required"}
	}
	switch r.AssessmentMethod {
	case MethodAutomated:
		if r.CheckExpression == "" {
			return &policy.FieldError{Field: "check_expression", Reason: "automated rules require a check expression"}
		}
	case MethodManual:
	default:
		return &policy.FieldError{Field: "assessment_method", Reason: fmt.Sprintf("unknown assessment method %q", r.AssessmentMethod)}
	}
	switch r.AssessmentFrequency {
	case FrequencyContinuous, FrequencyPeriodic:
	default:
		return &policy.FieldError{Field: "assessment_frequency", Reason: fmt.Sprintf("unknown assessment frequency %q", r.AssessmentFrequency)}
	}
	return nil
}

// AppliesToTool reports whether the rule covers the given tool.
func (r *Rule) AppliesToTool(toolSlug string) bool {
	if len(r.ApplicableTools) == 0 {
		return true
	}
	for _, t := range r.ApplicableTools {
		if t == toolSlug {
			return true
		}
	}
	return false
}

// Assessment is one immutable assessment of one rule, optionally
// scoped to one tool. Superseded by newer assessments, never mutated.
type Assessment struct {
	RuleID     string    `json:"rule_id"`
	Framework  string    `json:"framework"`
	ToolSlug   string    `json:"tool_slug,omitempty"`
	Status     Status    `json:"status"`
	Score      float64   `json:"score"`
	Detail     string    `json:"detail,omitempty"`
	AssessedAt time.Time `json:"assessed_at"`
}

// FrameworkReport aggregates the latest assessments within one framework.
type FrameworkReport struct {
	Framework          string  `json:"framework"`
	TotalAssessments   int     `json:"total_assessments"`
	Compliant          int     `json:"compliant"`
	NonCompliant       int     `json:"non_compliant"`
	PartiallyCompliant int     `json:"partially_compliant"`
	// ComplianceRate is compliant / total, 0 when no assessments exist.
	ComplianceRate float64 `json:"compliance_rate"`
}
