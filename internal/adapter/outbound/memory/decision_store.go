package memory

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// historyRecord is one persisted enforcement decision.
type historyRecord struct {
	ToolSlug  string
	Decision  policy.Action
	Timestamp time.Time
}

// DecisionStore implements compliance.HistoryStore with an in-memory slice.
type DecisionStore struct {
	mu      sync.RWMutex
	records []historyRecord
}

// NewDecisionStore creates a new in-memory enforcement history store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{}
}

// AppendDecision records one enforcement decision.
func (s *DecisionStore) AppendDecision(ctx context.Context, req *policy.EnforcementRequest, dec *policy.EnforcementDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, historyRecord{
		ToolSlug:  req.ToolSlug,
		Decision:  dec.Decision,
		Timestamp: dec.Timestamp,
	})
	return nil
}

// Stats aggregates decisions for toolSlug ("" = all) between start and end.
func (s *DecisionStore) Stats(ctx context.Context, toolSlug string, start, end time.Time) (compliance.DecisionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := compliance.DecisionStats{ToolSlug: toolSlug, WindowStart: start, WindowEnd: end}
	for _, r := range s.records {
		if toolSlug != "" && r.ToolSlug != toolSlug {
			continue
		}
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		stats.Total++
		switch r.Decision {
		case policy.ActionAllow:
			stats.Allowed++
		case policy.ActionDeny:
			stats.Denied++
		case policy.ActionAudit:
			stats.Audited++
		case policy.ActionAlert:
			stats.Alerted++
		case policy.ActionRequireApproval:
			stats.ApprovalsHeld++
		case policy.ActionLog:
			stats.Logged++
		}
	}
	return stats, nil
}

// Compile-time interface verification.
var _ compliance.HistoryStore = (*DecisionStore)(nil)
