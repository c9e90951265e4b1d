package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// ErrRuleNotFound is returned by stores when a compliance rule does not exist.
var ErrRuleNotFound = errors.New("compliance rule not found")

// RuleStore persists compliance rule definitions.
type RuleStore interface {
	// GetAllRules returns every compliance rule.
	GetAllRules(ctx context.Context) ([]Rule, error)
	// GetRule returns a rule by ID, or ErrRuleNotFound.
	GetRule(ctx context.Context, id string) (*Rule, error)
	// SaveRule creates or updates a rule.
	SaveRule(ctx context.Context, r *Rule) error
	// DeleteRule removes a rule by ID, or returns ErrRuleNotFound.
	DeleteRule(ctx context.Context, id string) error
}

// AssessmentStore appends assessments and serves the latest per rule/tool pair.
type AssessmentStore interface {
	// AppendAssessment records a new assessment. Assessments are
	// append-only; the newest supersedes older ones for the same
	// rule/tool pair.
	AppendAssessment(ctx context.Context, a *Assessment) error
	// LatestAssessments returns the newest assessment per rule/tool
	// pair, optionally filtered by framework ("" = all).
	LatestAssessments(ctx context.Context, framework string) ([]Assessment, error)
}

// DecisionStats summarizes enforcement history for one tool (or all
// tools) in an assessment window. It is the activation the automated
// check expressions evaluate against.
type DecisionStats struct {
	ToolSlug      string
	WindowStart   time.Time
	WindowEnd     time.Time
	Total         int64
	Allowed       int64
	Denied        int64
	Audited       int64
	Alerted       int64
	ApprovalsHeld int64
	Logged        int64
	// AuditAckRate is the audit emitter's acknowledged-write rate for
	// the window, in [0,100]. 100 means every decision reached the sink.
	AuditAckRate float64
}

// DenyRate returns denied / total in [0,100], 0 when no decisions exist.
func (s DecisionStats) DenyRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Denied) / float64(s.Total) * 100
}

// HistoryStore reads the enforcement-decision history the assessor consumes.
type HistoryStore interface {
	// AppendDecision records one enforcement decision.
	AppendDecision(ctx context.Context, req *policy.EnforcementRequest, dec *policy.EnforcementDecision) error
	// Stats aggregates decisions for toolSlug ("" = all tools) between
	// start and end.
	Stats(ctx context.Context, toolSlug string, start, end time.Time) (DecisionStats, error)
}
