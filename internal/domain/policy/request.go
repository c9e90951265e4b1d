package policy

import (
	"strings"
	"time"
)

// Principal identifies the authenticated caller. Identity and roles are
// supplied out-of-band by the trusted upstream gateway; this engine
// does not validate signatures on them.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// Resource is the target of the requested operation inside one
// integrated tool.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EnforcementRequest is one access-control question: may principal
// perform action on resource in tool?
type EnforcementRequest struct {
	Principal   Principal      `json:"principal"`
	ToolSlug    string         `json:"tool_slug"`
	Action      string         `json:"action"`
	Resource    Resource       `json:"resource"`
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Normalize lowercases the tool slug and action and defaults the
// timestamp to now. Called once at the API boundary.
func (r *EnforcementRequest) Normalize(now time.Time) {
	r.ToolSlug = strings.ToLower(strings.TrimSpace(r.ToolSlug))
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.Resource.Type = strings.ToLower(strings.TrimSpace(r.Resource.Type))
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
}

// Invalid returns a non-empty reason when the request is malformed.
// Malformed requests degrade to a deny decision, never an error.
func (r *EnforcementRequest) Invalid() string {
	switch {
	case r.Principal.ID == "":
		return "missing principal id"
	case r.ToolSlug == "":
		return "missing tool_slug"
	case r.Action == "":
		return "missing action"
	case r.Resource.Type == "":
		return "missing resource type"
	default:
		return ""
	}
}

// Attribute resolves a dotted attribute name against the request,
// falling back to the free-form context map.
func (r *EnforcementRequest) Attribute(name string) (any, bool) {
	switch name {
	case "principal.id":
		return r.Principal.ID, true
	case "principal.roles":
		return r.Principal.Roles, true
	case "tool", "tool_slug":
		return r.ToolSlug, true
	case "action":
		return r.Action, true
	case "resource.type":
		return r.Resource.Type, true
	case "resource.id":
		return r.Resource.ID, true
	case "resource.name":
		return r.Resource.Name, true
	case "environment":
		return r.Environment, true
	}
	return lookupPath(r.Context, name)
}

// lookupPath descends into nested maps following dot-separated keys.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	// Fast path: literal key, including keys that contain dots.
	if v, ok := m[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Matches reports whether the rule applies to the request. The owning
// policy must already be enabled and effective (candidate filtering is
// the store/engine's job); this checks the rule's own gates.
func (ru *Rule) Matches(req *EnforcementRequest, rc RegexCache) bool {
	if !ru.Enabled {
		return false
	}
	if ru.ResourceType != "" && ru.ResourceType != req.Resource.Type {
		return false
	}
	if ru.Environment != "" && ru.Environment != req.Environment {
		return false
	}
	if len(ru.RoleRequirements) > 0 && !rolesIntersect(req.Principal.Roles, ru.RoleRequirements) {
		return false
	}
	if ru.TimeRestrictions != nil && !ru.TimeRestrictions.Contains(req.Timestamp) {
		return false
	}
	if ru.ResourcePattern != "" {
		re, err := compilePattern(rc, ru.ResourcePattern)
		if err != nil {
			return false
		}
		target := req.Resource.Name
		if target == "" {
			target = req.Resource.ID
		}
		if !re.MatchString(target) {
			return false
		}
	}
	return ru.Conditions.Match(req, rc)
}

// Decision reason constants.
const (
	// ReasonNoMatchingPolicy is the default-deny reason when nothing matched.
	ReasonNoMatchingPolicy = "no_matching_policy"
	// ReasonInvalidRequest prefixes deny reasons for malformed requests.
	ReasonInvalidRequest = "invalid_request"
)

// DecisionBasis constants describe how the final decision was combined.
const (
	BasisDenyOverride  = "deny_override"
	BasisAllowMatch    = "allow_match"
	BasisTerminalMatch = "terminal_match"
	BasisDefaultDeny   = "default_deny"
	BasisInvalid       = "invalid_request"
)

// RuleRef identifies one matched rule and its owning policy in a decision.
type RuleRef struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	RuleID     string `json:"rule_id"`
	RuleName   string `json:"rule_name"`
	Action     Action `json:"action"`
	// Priority is the rule's priority (policy priority breaks ties for attribution).
	Priority       int `json:"priority"`
	PolicyPriority int `json:"policy_priority"`
}

// EvaluationSummary captures the shape of one evaluation for audit.
type EvaluationSummary struct {
	PoliciesEvaluated int    `json:"policies_evaluated"`
	PoliciesMatched   int    `json:"policies_matched"`
	RulesMatched      int    `json:"rules_matched"`
	DecisionBasis     string `json:"decision_basis"`
	// EnrichmentDegraded is set when the context provider call failed
	// or timed out and the evaluation proceeded without enrichment.
	EnrichmentDegraded bool `json:"enrichment_degraded,omitempty"`
}

// EnforcementDecision is the immutable outcome of one Enforce call.
type EnforcementDecision struct {
	Decision        Action            `json:"decision"`
	Reason          string            `json:"reason"`
	ConfidenceScore float64           `json:"confidence_score"`
	EvaluationID    string            `json:"evaluation_id"`
	Timestamp       time.Time         `json:"timestamp"`
	PrimaryPolicy   string            `json:"primary_policy,omitempty"`
	MatchedRules    []RuleRef         `json:"matched_rules,omitempty"`
	Summary         EvaluationSummary `json:"evaluation_summary"`
	// FromCache annotates decisions served from the decision cache.
	// Not part of the cached payload itself.
	FromCache bool `json:"from_cache,omitempty"`
}
