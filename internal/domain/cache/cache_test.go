package cache

import (
	"strings"
	"testing"
)

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		plain bool
	}{
		{name: "plain slug", input: "github", plain: true},
		{name: "underscores and dashes", input: "my-tool_v2", plain: true},
		{name: "empty becomes placeholder", input: "", plain: false},
		{name: "dots get hashed", input: "a.b", plain: false},
		{name: "email gets hashed", input: "user@example.com", plain: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeSegment(tt.input)
			if tt.plain && got != tt.input {
				t.Errorf("sanitizeSegment(%q) = %q, want passthrough", tt.input, got)
			}
			if !tt.plain && got == tt.input {
				t.Errorf("sanitizeSegment(%q) = %q, want transformed", tt.input, got)
			}
			if strings.Contains(got, ".") {
				t.Errorf("sanitizeSegment(%q) = %q contains a dot", tt.input, got)
			}
		})
	}
}

func TestPolicySetKey(t *testing.T) {
	key := PolicySetKey("github", "repository")
	if key != "ps.github.repository" {
		t.Errorf("PolicySetKey = %q", key)
	}
	if !strings.HasPrefix(key, policySetToolPrefix("github")) {
		t.Errorf("key %q not covered by its tool prefix %q", key, policySetToolPrefix("github"))
	}
	if strings.HasPrefix(PolicySetKey("gitlab", "repository"), policySetToolPrefix("github")) {
		t.Error("gitlab key covered by github prefix")
	}
}

func TestDecisionKey(t *testing.T) {
	k1 := DecisionKey("user-1", "github", "push", "repository", "repo-42")
	k2 := DecisionKey("user-1", "github", "push", "repository", "repo-42")
	if k1 != k2 {
		t.Errorf("same coordinates gave different keys: %q vs %q", k1, k2)
	}

	variants := []string{
		DecisionKey("user-2", "github", "push", "repository", "repo-42"),
		DecisionKey("user-1", "gitlab", "push", "repository", "repo-42"),
		DecisionKey("user-1", "github", "delete", "repository", "repo-42"),
		DecisionKey("user-1", "github", "push", "project", "repo-42"),
		DecisionKey("user-1", "github", "push", "repository", "repo-43"),
	}
	for _, v := range variants {
		if v == k1 {
			t.Errorf("distinct coordinates collided on key %q", v)
		}
	}

	if !strings.HasPrefix(k1, decisionToolPrefix("github")) {
		t.Errorf("key %q not covered by tool prefix", k1)
	}
	if got := decisionPrincipalSegment(k1); got != "user-1" {
		t.Errorf("decisionPrincipalSegment = %q, want user-1", got)
	}
}

func TestDecisionKeySeparatorInjection(t *testing.T) {
	// The hash boundary must keep ("ab","c") and ("a","bc") distinct.
	k1 := DecisionKey("u", "t", "ab", "c", "x")
	k2 := DecisionKey("u", "t", "a", "bc", "x")
	if k1 == k2 {
		t.Error("coordinate boundary collapsed under concatenation")
	}
}

func TestDecisionPrincipalSegmentNonDecisionKey(t *testing.T) {
	if got := decisionPrincipalSegment("ps.github.repository"); got != "" {
		t.Errorf("decisionPrincipalSegment = %q, want empty", got)
	}
}
