package policy

import (
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	req := EnforcementRequest{
		ToolSlug: "  GitHub ",
		Action:   "PUSH",
		Resource: Resource{Type: "Repository"},
	}
	req.Normalize(now)

	if req.ToolSlug != "github" {
		t.Errorf("ToolSlug = %q, want github", req.ToolSlug)
	}
	if req.Action != "push" {
		t.Errorf("Action = %q, want push", req.Action)
	}
	if req.Resource.Type != "repository" {
		t.Errorf("Resource.Type = %q, want repository", req.Resource.Type)
	}
	if !req.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", req.Timestamp, now)
	}

	// An explicit timestamp survives normalization.
	explicit := now.Add(-time.Hour)
	req2 := EnforcementRequest{Timestamp: explicit}
	req2.Normalize(now)
	if !req2.Timestamp.Equal(explicit) {
		t.Errorf("Timestamp = %v, want %v", req2.Timestamp, explicit)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EnforcementRequest)
		want   string
	}{
		{name: "complete request", mutate: func(r *EnforcementRequest) {}, want: ""},
		{name: "missing principal", mutate: func(r *EnforcementRequest) { r.Principal.ID = "" }, want: "missing principal id"},
		{name: "missing tool", mutate: func(r *EnforcementRequest) { r.ToolSlug = "" }, want: "missing tool_slug"},
		{name: "missing action", mutate: func(r *EnforcementRequest) { r.Action = "" }, want: "missing action"},
		{name: "missing resource type", mutate: func(r *EnforcementRequest) { r.Resource.Type = "" }, want: "missing resource type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(req)
			if got := req.Invalid(); got != tt.want {
				t.Errorf("Invalid() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttribute(t *testing.T) {
	req := testRequest()

	tests := []struct {
		name   string
		attr   string
		want   any
		wantOK bool
	}{
		{name: "principal id", attr: "principal.id", want: "user-1", wantOK: true},
		{name: "tool", attr: "tool", want: "github", wantOK: true},
		{name: "tool_slug alias", attr: "tool_slug", want: "github", wantOK: true},
		{name: "action", attr: "action", want: "push", wantOK: true},
		{name: "resource type", attr: "resource.type", want: "repository", wantOK: true},
		{name: "resource id", attr: "resource.id", want: "repo-42", wantOK: true},
		{name: "environment", attr: "environment", want: "production", wantOK: true},
		{name: "context key", attr: "branch", want: "main", wantOK: true},
		{name: "nested context path", attr: "repo.visibility", want: "private", wantOK: true},
		{name: "missing", attr: "nope", wantOK: false},
		{name: "path through non-map", attr: "branch.deeper", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := req.Attribute(tt.attr)
			if ok != tt.wantOK {
				t.Fatalf("Attribute(%q) ok = %v, want %v", tt.attr, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Attribute(%q) = %v, want %v", tt.attr, got, tt.want)
			}
		})
	}
}

func TestLookupPathLiteralDottedKey(t *testing.T) {
	req := testRequest()
	req.Context["dotted.key"] = "literal"
	got, ok := req.Attribute("dotted.key")
	if !ok || got != "literal" {
		t.Errorf("Attribute(dotted.key) = %v, %v; want literal, true", got, ok)
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Rule)
		want   bool
	}{
		{name: "bare enabled rule matches", mutate: func(r *Rule) {}, want: true},
		{name: "disabled rule never matches", mutate: func(r *Rule) { r.Enabled = false }, want: false},
		{name: "resource type gate matching", mutate: func(r *Rule) { r.ResourceType = "repository" }, want: true},
		{name: "resource type gate excluding", mutate: func(r *Rule) { r.ResourceType = "project" }, want: false},
		{name: "environment gate matching", mutate: func(r *Rule) { r.Environment = "production" }, want: true},
		{name: "environment gate excluding", mutate: func(r *Rule) { r.Environment = "staging" }, want: false},
		{name: "role requirement satisfied", mutate: func(r *Rule) { r.RoleRequirements = []string{"developer"} }, want: true},
		{name: "role requirement unsatisfied", mutate: func(r *Rule) { r.RoleRequirements = []string{"admin"} }, want: false},
		{name: "resource pattern on name", mutate: func(r *Rule) { r.ResourcePattern = "^payments-" }, want: true},
		{name: "resource pattern mismatch", mutate: func(r *Rule) { r.ResourcePattern = "^billing-" }, want: false},
		{name: "invalid pattern fails closed", mutate: func(r *Rule) { r.ResourcePattern = "(" }, want: false},
		{name: "time restriction inside", mutate: func(r *Rule) {
			r.TimeRestrictions = &TimeWindow{Start: "09:00", End: "17:00"}
		}, want: true},
		{name: "time restriction outside", mutate: func(r *Rule) {
			r.TimeRestrictions = &TimeWindow{Start: "00:00", End: "06:00"}
		}, want: false},
		{name: "condition gate", mutate: func(r *Rule) {
			r.Conditions = ConditionSet{"branch": {Equals: "develop"}}
		}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			if got := r.Matches(testRequest(), nil); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleMatchesPatternFallsBackToResourceID(t *testing.T) {
	r := validRule()
	r.ResourcePattern = "^repo-"
	req := testRequest()
	req.Resource.Name = ""
	if !r.Matches(req, nil) {
		t.Error("Matches() = false, want pattern to match resource ID when name is empty")
	}
}
