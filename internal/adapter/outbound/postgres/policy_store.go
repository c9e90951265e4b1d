package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// PolicyStore implements policy.Store using PostgreSQL.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a new PolicyStore backed by the given pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// storeErr wraps infrastructure failures so the engine can
// distinguish "source of truth unreachable" from not-found.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, policy.ErrStoreUnavailable, err)
}

const policyColumns = `id, name, description, type, category, tool_id, tool_scope, priority, enabled,
	compliance_framework, risk_level, effective_from, effective_until, created_at, updated_at`

// GetAllPolicies returns every policy with rules.
func (s *PolicyStore) GetAllPolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM policies ORDER BY priority, id`)
	if err != nil {
		return nil, storeErr("list policies", err)
	}
	defer rows.Close()

	policies, err := s.collectPolicies(ctx, rows)
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// GetCandidatePolicies returns enabled, effective policies matching
// the tool and resource scope. Tool and effective-window filtering is
// pushed into SQL; scope compatibility is decided in the domain.
func (s *PolicyStore) GetCandidatePolicies(ctx context.Context, toolSlug, resourceType string, now time.Time) ([]policy.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE enabled
		   AND (tool_id IS NULL OR tool_id = $1)
		   AND (effective_from IS NULL OR effective_from <= $2)
		   AND (effective_until IS NULL OR effective_until >= $2)
		 ORDER BY priority, id`,
		toolSlug, now)
	if err != nil {
		return nil, storeErr("candidate policies", err)
	}
	defer rows.Close()

	policies, err := s.collectPolicies(ctx, rows)
	if err != nil {
		return nil, err
	}

	scope := policy.ScopeForResourceType(resourceType)
	out := policies[:0]
	for _, p := range policies {
		if p.ToolScope.CompatibleWith(scope) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetPolicy returns a policy by ID with its rules.
func (s *PolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)

	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, policy.ErrPolicyNotFound
		}
		return nil, storeErr("get policy", err)
	}

	rules, err := s.loadRules(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Rules = rules[p.ID]
	return &p, nil
}

// SavePolicy creates or updates a policy and its rules in one
// transaction; there are no partial writes.
func (s *PolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin save policy", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var toolID *string
	if p.ToolID != "" {
		toolID = &p.ToolID
	}
	var framework *string
	if p.ComplianceFramework != "" {
		framework = &p.ComplianceFramework
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO policies (id, name, description, type, category, tool_id, tool_scope, priority, enabled,
		                       compliance_framework, risk_level, effective_from, effective_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description, type = EXCLUDED.type,
		   category = EXCLUDED.category, tool_id = EXCLUDED.tool_id, tool_scope = EXCLUDED.tool_scope,
		   priority = EXCLUDED.priority, enabled = EXCLUDED.enabled,
		   compliance_framework = EXCLUDED.compliance_framework, risk_level = EXCLUDED.risk_level,
		   effective_from = EXCLUDED.effective_from, effective_until = EXCLUDED.effective_until,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Description, string(p.Type), p.Category, toolID, string(p.ToolScope),
		p.Priority, p.Enabled, framework, string(p.RiskLevel),
		p.EffectiveFrom, p.EffectiveUntil, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return storeErr("upsert policy", err)
	}

	// Rules are replaced wholesale; the policy aggregate owns them.
	if _, err := tx.Exec(ctx, `DELETE FROM policy_rules WHERE policy_id = $1`, p.ID); err != nil {
		return storeErr("clear rules", err)
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		conditions, err := json.Marshal(r.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions for rule %s: %w", r.ID, err)
		}
		roles, err := json.Marshal(r.RoleRequirements)
		if err != nil {
			return fmt.Errorf("marshal role requirements for rule %s: %w", r.ID, err)
		}
		var window []byte
		if r.TimeRestrictions != nil {
			window, err = json.Marshal(r.TimeRestrictions)
			if err != nil {
				return fmt.Errorf("marshal time restrictions for rule %s: %w", r.ID, err)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO policy_rules (id, policy_id, name, action, priority, enabled, conditions,
			                           role_requirements, resource_type, resource_pattern, time_restrictions, environment, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, p.ID, r.Name, string(r.Action), r.Priority, r.Enabled, conditions,
			roles, r.ResourceType, r.ResourcePattern, window, r.Environment, r.CreatedAt)
		if err != nil {
			return storeErr("insert rule", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit save policy", err)
	}
	return nil
}

// DeletePolicy removes a policy and its rules.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete policy", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

// collectPolicies scans policy rows and attaches their rules.
func (s *PolicyStore) collectPolicies(ctx context.Context, rows pgx.Rows) ([]policy.Policy, error) {
	var policies []policy.Policy
	var ids []string
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, storeErr("scan policy", err)
		}
		policies = append(policies, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate policies", err)
	}
	if len(policies) == 0 {
		return nil, nil
	}

	rulesByPolicy, err := s.loadRules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		policies[i].Rules = rulesByPolicy[policies[i].ID]
	}
	return policies, nil
}

// loadRules fetches the rules for a set of policies in one query.
func (s *PolicyStore) loadRules(ctx context.Context, policyIDs []string) (map[string][]policy.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_id, name, action, priority, enabled, conditions,
		        role_requirements, resource_type, resource_pattern, time_restrictions, environment, created_at
		 FROM policy_rules WHERE policy_id = ANY($1) ORDER BY priority, id`,
		policyIDs)
	if err != nil {
		return nil, storeErr("load rules", err)
	}
	defer rows.Close()

	out := make(map[string][]policy.Rule)
	for rows.Next() {
		var (
			r          policy.Rule
			policyID   string
			action     string
			conditions []byte
			roles      []byte
			window     []byte
		)
		err := rows.Scan(&r.ID, &policyID, &r.Name, &action, &r.Priority, &r.Enabled, &conditions,
			&roles, &r.ResourceType, &r.ResourcePattern, &window, &r.Environment, &r.CreatedAt)
		if err != nil {
			return nil, storeErr("scan rule", err)
		}
		r.Action = policy.Action(action)
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
			}
		}
		if len(roles) > 0 {
			if err := json.Unmarshal(roles, &r.RoleRequirements); err != nil {
				return nil, fmt.Errorf("decode role requirements for rule %s: %w", r.ID, err)
			}
		}
		if len(window) > 0 {
			if err := json.Unmarshal(window, &r.TimeRestrictions); err != nil {
				return nil, fmt.Errorf("decode time restrictions for rule %s: %w", r.ID, err)
			}
		}
		out[policyID] = append(out[policyID], r)
	}
	return out, rows.Err()
}

// scanPolicy scans one policy row (without rules).
func scanPolicy(row pgx.Row) (policy.Policy, error) {
	var (
		p         policy.Policy
		ptype     string
		toolID    *string
		scope     string
		framework *string
		risk      string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &ptype, &p.Category, &toolID, &scope,
		&p.Priority, &p.Enabled, &framework, &risk,
		&p.EffectiveFrom, &p.EffectiveUntil, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return policy.Policy{}, err
	}
	p.Type = policy.Type(ptype)
	p.ToolScope = policy.ToolScope(scope)
	p.RiskLevel = policy.RiskLevel(risk)
	if toolID != nil {
		p.ToolID = *toolID
	}
	if framework != nil {
		p.ComplianceFramework = *framework
	}
	return p, nil
}

// Compile-time interface verification.
var _ policy.Store = (*PolicyStore)(nil)
