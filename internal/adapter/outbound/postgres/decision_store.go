package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// DecisionStore implements compliance.HistoryStore using PostgreSQL.
// Decisions are append-only; the assessor reads windowed aggregates.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a new DecisionStore backed by the given pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

// AppendDecision records one enforcement decision.
func (s *DecisionStore) AppendDecision(ctx context.Context, req *policy.EnforcementRequest, dec *policy.EnforcementDecision) error {
	payload, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshal decision payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO enforcement_decisions (evaluation_id, principal_id, tool_slug, action,
		                                    resource_type, resource_id, decision, reason,
		                                    confidence, decided_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		dec.EvaluationID, req.Principal.ID, req.ToolSlug, req.Action,
		req.Resource.Type, req.Resource.ID, string(dec.Decision), dec.Reason,
		dec.ConfidenceScore, dec.Timestamp, payload)
	if err != nil {
		return storeErr("append decision", err)
	}
	return nil
}

// Stats aggregates decisions for toolSlug ("" = all tools) between start and end.
func (s *DecisionStore) Stats(ctx context.Context, toolSlug string, start, end time.Time) (compliance.DecisionStats, error) {
	stats := compliance.DecisionStats{
		ToolSlug:    toolSlug,
		WindowStart: start,
		WindowEnd:   end,
	}

	row := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE decision = 'allow'),
		        count(*) FILTER (WHERE decision = 'deny'),
		        count(*) FILTER (WHERE decision = 'audit'),
		        count(*) FILTER (WHERE decision = 'alert'),
		        count(*) FILTER (WHERE decision = 'require_approval'),
		        count(*) FILTER (WHERE decision = 'log')
		 FROM enforcement_decisions
		 WHERE ($1 = '' OR tool_slug = $1)
		   AND decided_at >= $2 AND decided_at < $3`,
		toolSlug, start, end)

	err := row.Scan(&stats.Total, &stats.Allowed, &stats.Denied, &stats.Audited,
		&stats.Alerted, &stats.ApprovalsHeld, &stats.Logged)
	if err != nil {
		return compliance.DecisionStats{}, storeErr("aggregate decisions", err)
	}
	return stats, nil
}

var _ compliance.HistoryStore = (*DecisionStore)(nil)
