package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/compliance"
)

// ComplianceStore implements compliance.RuleStore and
// compliance.AssessmentStore with in-memory maps.
type ComplianceStore struct {
	mu          sync.RWMutex
	rules       map[string]*compliance.Rule
	assessments []compliance.Assessment
}

// NewComplianceStore creates a new in-memory compliance store.
func NewComplianceStore() *ComplianceStore {
	return &ComplianceStore{rules: make(map[string]*compliance.Rule)}
}

// GetAllRules returns every compliance rule sorted by ID for
// deterministic assessment order.
func (s *ComplianceStore) GetAllRules(ctx context.Context) ([]compliance.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]compliance.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetRule returns a rule by ID, or compliance.ErrRuleNotFound.
func (s *ComplianceStore) GetRule(ctx context.Context, id string) (*compliance.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, compliance.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

// SaveRule creates or updates a rule.
func (s *ComplianceStore) SaveRule(ctx context.Context, r *compliance.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

// DeleteRule removes a rule by ID, or returns compliance.ErrRuleNotFound.
func (s *ComplianceStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return compliance.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// AppendAssessment records a new assessment.
func (s *ComplianceStore) AppendAssessment(ctx context.Context, a *compliance.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments = append(s.assessments, *a)
	return nil
}

// LatestAssessments returns the newest assessment per rule/tool pair,
// optionally filtered by framework.
func (s *ComplianceStore) LatestAssessments(ctx context.Context, framework string) ([]compliance.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]compliance.Assessment)
	for _, a := range s.assessments {
		if framework != "" && a.Framework != framework {
			continue
		}
		key := a.RuleID + "\x00" + a.ToolSlug
		if prev, ok := latest[key]; !ok || a.AssessedAt.After(prev.AssessedAt) {
			latest[key] = a
		}
	}

	result := make([]compliance.Assessment, 0, len(latest))
	for _, a := range latest {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RuleID != result[j].RuleID {
			return result[i].RuleID < result[j].RuleID
		}
		return result[i].ToolSlug < result[j].ToolSlug
	})
	return result, nil
}

// Compile-time interface verification.
var (
	_ compliance.RuleStore       = (*ComplianceStore)(nil)
	_ compliance.AssessmentStore = (*ComplianceStore)(nil)
)
