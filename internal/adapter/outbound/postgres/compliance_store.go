package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
)

// ComplianceStore implements compliance.RuleStore and
// compliance.AssessmentStore using PostgreSQL.
type ComplianceStore struct {
	pool *pgxpool.Pool
}

// NewComplianceStore creates a new ComplianceStore backed by the given pool.
func NewComplianceStore(pool *pgxpool.Pool) *ComplianceStore {
	return &ComplianceStore{pool: pool}
}

const complianceRuleColumns = `id, framework, control_id, requirement_text, assessment_method,
	assessment_frequency, risk_level, applicable_tools, check_expression, score_expression,
	created_at, updated_at`

// GetAllRules returns every compliance rule ordered by ID.
func (s *ComplianceStore) GetAllRules(ctx context.Context) ([]compliance.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+complianceRuleColumns+` FROM compliance_rules ORDER BY id`)
	if err != nil {
		return nil, storeErr("list compliance rules", err)
	}
	defer rows.Close()

	var rules []compliance.Rule
	for rows.Next() {
		r, err := scanComplianceRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns a rule by ID, or compliance.ErrRuleNotFound.
func (s *ComplianceStore) GetRule(ctx context.Context, id string) (*compliance.Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+complianceRuleColumns+` FROM compliance_rules WHERE id = $1`, id)

	r, err := scanComplianceRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, compliance.ErrRuleNotFound
		}
		return nil, storeErr("get compliance rule", err)
	}
	return &r, nil
}

// SaveRule creates or updates a rule.
func (s *ComplianceStore) SaveRule(ctx context.Context, r *compliance.Rule) error {
	tools, err := json.Marshal(r.ApplicableTools)
	if err != nil {
		return fmt.Errorf("marshal applicable tools: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO compliance_rules (id, framework, control_id, requirement_text, assessment_method,
		                               assessment_frequency, risk_level, applicable_tools, check_expression,
		                               score_expression, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   framework = EXCLUDED.framework, control_id = EXCLUDED.control_id,
		   requirement_text = EXCLUDED.requirement_text, assessment_method = EXCLUDED.assessment_method,
		   assessment_frequency = EXCLUDED.assessment_frequency, risk_level = EXCLUDED.risk_level,
		   applicable_tools = EXCLUDED.applicable_tools, check_expression = EXCLUDED.check_expression,
		   score_expression = EXCLUDED.score_expression, updated_at = EXCLUDED.updated_at`,
		r.ID, r.Framework, r.ControlID, r.RequirementText, string(r.AssessmentMethod),
		string(r.AssessmentFrequency), string(r.RiskLevel), tools, r.CheckExpression,
		r.ScoreExpression, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return storeErr("save compliance rule", err)
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (s *ComplianceStore) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM compliance_rules WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete compliance rule", err)
	}
	if tag.RowsAffected() == 0 {
		return compliance.ErrRuleNotFound
	}
	return nil
}

// AppendAssessment records a new assessment. Assessments are append-only.
func (s *ComplianceStore) AppendAssessment(ctx context.Context, a *compliance.Assessment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO compliance_assessments (rule_id, framework, tool_slug, status, score, detail, assessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.RuleID, a.Framework, a.ToolSlug, string(a.Status), a.Score, a.Detail, a.AssessedAt)
	if err != nil {
		return storeErr("append assessment", err)
	}
	return nil
}

// LatestAssessments returns the newest assessment per rule/tool pair.
func (s *ComplianceStore) LatestAssessments(ctx context.Context, framework string) ([]compliance.Assessment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (rule_id, tool_slug)
		        rule_id, framework, tool_slug, status, score, detail, assessed_at
		 FROM compliance_assessments
		 WHERE ($1 = '' OR framework = $1)
		 ORDER BY rule_id, tool_slug, assessed_at DESC`,
		framework)
	if err != nil {
		return nil, storeErr("latest assessments", err)
	}
	defer rows.Close()

	var out []compliance.Assessment
	for rows.Next() {
		var a compliance.Assessment
		var status string
		if err := rows.Scan(&a.RuleID, &a.Framework, &a.ToolSlug, &status, &a.Score, &a.Detail, &a.AssessedAt); err != nil {
			return nil, storeErr("scan assessment", err)
		}
		a.Status = compliance.Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanComplianceRule scans one compliance rule row.
func scanComplianceRule(row pgx.Row) (compliance.Rule, error) {
	var (
		r         compliance.Rule
		method    string
		frequency string
		risk      string
		tools     []byte
	)
	err := row.Scan(&r.ID, &r.Framework, &r.ControlID, &r.RequirementText, &method,
		&frequency, &risk, &tools, &r.CheckExpression, &r.ScoreExpression,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return compliance.Rule{}, err
	}
	r.AssessmentMethod = compliance.AssessmentMethod(method)
	r.AssessmentFrequency = compliance.AssessmentFrequency(frequency)
	r.RiskLevel = policy.RiskLevel(risk)
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &r.ApplicableTools); err != nil {
			return compliance.Rule{}, fmt.Errorf("decode applicable tools for rule %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// Compile-time interface verification.
var (
	_ compliance.RuleStore       = (*ComplianceStore)(nil)
	_ compliance.AssessmentStore = (*ComplianceStore)(nil)
)
