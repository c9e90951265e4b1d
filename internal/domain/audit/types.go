// Package audit contains domain types for the enforcement audit trail.
package audit

import (
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// EventType categorizes audit events.
const (
	// EventTypeDecision is emitted once per enforcement decision.
	EventTypeDecision = "enforcement.decision"

	// Policy mutation events, one per successful admin write.
	EventTypePolicyCreate = "config.policy_create"
	EventTypePolicyUpdate = "config.policy_update"
	EventTypePolicyDelete = "config.policy_delete"

	// Compliance rule mutation events.
	EventTypeComplianceRuleCreate = "config.compliance_rule_create"
	EventTypeComplianceRuleUpdate = "config.compliance_rule_update"
	EventTypeComplianceRuleDelete = "config.compliance_rule_delete"
)

// Event is one auditable occurrence, either an enforcement decision or
// a policy mutation. Exactly one of Decision / Mutation is set,
// according to EventType.
type Event struct {
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// EventType categorizes the event.
	EventType string `json:"event_type"`
	// RequestID correlates the event across systems.
	RequestID string `json:"request_id,omitempty"`

	Decision *DecisionEvent `json:"decision,omitempty"`
	Mutation *MutationEvent `json:"mutation,omitempty"`
}

// DecisionEvent carries one enforcement decision plus the request
// coordinates it answered. Context is redacted before emission.
type DecisionEvent struct {
	PrincipalID  string         `json:"principal_id"`
	Roles        []string       `json:"roles,omitempty"`
	ToolSlug     string         `json:"tool_slug"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Context      map[string]any `json:"context,omitempty"`

	Outcome policy.EnforcementDecision `json:"outcome"`
	// LatencyMicros is the evaluation latency in microseconds.
	LatencyMicros int64 `json:"latency_micros"`
}

// MutationEvent records one policy or compliance-rule mutation with
// JSON-encoded before/after snapshots.
type MutationEvent struct {
	ActorID    string `json:"actor_id"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name,omitempty"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive context
// key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactContext returns a copy of ctx with sensitive values masked.
// A key is considered sensitive if it contains any of the
// sensitiveKeywords (case-insensitive).
func RedactContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return ctx
	}
	redacted := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
