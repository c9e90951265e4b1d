package service

import (
	"fmt"
	"sort"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// combineResult is the outcome of deny-overrides combination over the
// matched rules of one evaluation.
type combineResult struct {
	Decision   policy.Action
	Reason     string
	Basis      string
	Confidence float64
	// Primary is the attributed rule; zero-valued when nothing matched.
	Primary policy.RuleRef
}

// sortMatched orders matched rules deterministically: rule priority
// ascending (lower number = higher precedence), then lexical rule ID
// as the tie-break. Combination over the sorted slice is independent
// of evaluation completion order.
func sortMatched(matched []policy.RuleRef) {
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.RuleID < b.RuleID
	})
}

// combine applies deny-overrides to the matched rules. The slice must
// already be sorted by sortMatched.
//
// Deny beats allow regardless of priority; priority only picks the
// attributed rule within the winning action class. With neither allow
// nor deny matched, a single distinct terminal action type (audit,
// alert, require_approval, log) is surfaced as the decision; anything
// else falls back to the fail-closed default deny.
func combine(matched []policy.RuleRef) combineResult {
	if len(matched) == 0 {
		return combineResult{
			Decision:   policy.ActionDeny,
			Reason:     policy.ReasonNoMatchingPolicy,
			Basis:      policy.BasisDefaultDeny,
			Confidence: 1.0,
		}
	}

	if primary, ok := firstWithAction(matched, policy.ActionDeny); ok {
		return combineResult{
			Decision:   policy.ActionDeny,
			Reason:     fmt.Sprintf("denied by rule %q in policy %q", primary.RuleName, primary.PolicyName),
			Basis:      policy.BasisDenyOverride,
			Confidence: agreement(matched, policy.ActionDeny),
			Primary:    primary,
		}
	}

	if primary, ok := firstWithAction(matched, policy.ActionAllow); ok {
		return combineResult{
			Decision:   policy.ActionAllow,
			Reason:     fmt.Sprintf("allowed by rule %q in policy %q", primary.RuleName, primary.PolicyName),
			Basis:      policy.BasisAllowMatch,
			Confidence: agreement(matched, policy.ActionAllow),
			Primary:    primary,
		}
	}

	// Only terminal actions matched. Surface the action when it is
	// unambiguous; a mix of terminal actions falls back to deny.
	terminal := matched[0].Action
	for _, m := range matched[1:] {
		if m.Action != terminal {
			return combineResult{
				Decision:   policy.ActionDeny,
				Reason:     "conflicting terminal actions matched",
				Basis:      policy.BasisDefaultDeny,
				Confidence: agreement(matched, policy.ActionDeny),
				Primary:    matched[0],
			}
		}
	}
	return combineResult{
		Decision:   terminal,
		Reason:     fmt.Sprintf("%s required by rule %q in policy %q", terminal, matched[0].RuleName, matched[0].PolicyName),
		Basis:      policy.BasisTerminalMatch,
		Confidence: 1.0,
		Primary:    matched[0],
	}
}

// firstWithAction returns the highest-precedence matched rule with the
// given action. Relies on sortMatched ordering.
func firstWithAction(matched []policy.RuleRef, action policy.Action) (policy.RuleRef, bool) {
	for _, m := range matched {
		if m.Action == action {
			return m, true
		}
	}
	return policy.RuleRef{}, false
}

// agreement returns the fraction of matched rules whose action equals
// the final decision.
func agreement(matched []policy.RuleRef, decision policy.Action) float64 {
	if len(matched) == 0 {
		return 1.0
	}
	var agree int
	for _, m := range matched {
		if m.Action == decision {
			agree++
		}
	}
	return float64(agree) / float64(len(matched))
}
