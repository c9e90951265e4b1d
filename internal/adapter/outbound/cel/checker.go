// Package cel provides the CEL evaluator for automated compliance
// check expressions. Expressions run against an activation built from
// enforcement-history statistics, never against request payloads;
// request-time rule conditions use the typed ConditionSet instead.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/toolgate/toolgate/internal/domain/compliance"
)

// maxExpressionLength is the maximum allowed length for check expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// Checker compiles and evaluates compliance check expressions.
type Checker struct {
	env *cel.Env
}

// NewCheckerEnvironment creates a CEL environment exposing the
// enforcement-history statistics automated rules assess against.
func NewCheckerEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("decisions_total", cel.IntType),
		cel.Variable("allowed_total", cel.IntType),
		cel.Variable("denied_total", cel.IntType),
		cel.Variable("audited_total", cel.IntType),
		cel.Variable("alerted_total", cel.IntType),
		cel.Variable("approvals_held", cel.IntType),
		cel.Variable("logged_total", cel.IntType),
		cel.Variable("audit_ack_rate", cel.DoubleType),
		cel.Variable("deny_rate", cel.DoubleType),
		cel.Variable("allow_rate", cel.DoubleType),
	)
}

// NewChecker creates a new compliance expression checker.
func NewChecker() (*Checker, error) {
	env, err := NewCheckerEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create checker environment: %w", err)
	}
	return &Checker{env: env}, nil
}

// Compile parses and type-checks an expression, returning a compiled program.
func (c *Checker) Compile(expression string) (cel.Program, error) {
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// ValidateExpression checks that an expression is syntactically valid
// and within safety limits. Called before a compliance rule is persisted
// so an invalid expression cannot poison the assessor.
func (c *Checker) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if _, err := c.Compile(expr); err != nil {
		return fmt.Errorf("invalid check expression: %w", err)
	}
	return nil
}

// Check compiles and evaluates a boolean check expression against the stats.
func (c *Checker) Check(expr string, stats compliance.DecisionStats) (bool, error) {
	prg, err := c.Compile(expr)
	if err != nil {
		return false, err
	}
	return c.EvaluateCheck(prg, stats)
}

// Score compiles and evaluates a numeric score expression against the stats.
func (c *Checker) Score(expr string, stats compliance.DecisionStats) (float64, error) {
	prg, err := c.Compile(expr)
	if err != nil {
		return 0, err
	}
	return c.EvaluateScore(prg, stats)
}

// activation maps DecisionStats onto the environment's variables.
func activation(stats compliance.DecisionStats) map[string]any {
	allowRate := 0.0
	if stats.Total > 0 {
		allowRate = float64(stats.Allowed) / float64(stats.Total) * 100
	}
	return map[string]any{
		"tool":            stats.ToolSlug,
		"decisions_total": stats.Total,
		"allowed_total":   stats.Allowed,
		"denied_total":    stats.Denied,
		"audited_total":   stats.Audited,
		"alerted_total":   stats.Alerted,
		"approvals_held":  stats.ApprovalsHeld,
		"logged_total":    stats.Logged,
		"audit_ack_rate":  stats.AuditAckRate,
		"deny_rate":       stats.DenyRate(),
		"allow_rate":      allowRate,
	}
}

// EvaluateCheck runs a compiled check expression against the stats.
// The expression must yield a boolean.
func (c *Checker) EvaluateCheck(prg cel.Program, stats compliance.DecisionStats) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation(stats))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("check expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// EvaluateScore runs a compiled score expression against the stats.
// The expression must yield a number, clamped to [0,100].
func (c *Checker) EvaluateScore(prg cel.Program, stats compliance.DecisionStats) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation(stats))
	if err != nil {
		return 0, fmt.Errorf("evaluation failed: %w", err)
	}

	var score float64
	switch v := result.Value().(type) {
	case float64:
		score = v
	case int64:
		score = float64(v)
	default:
		return 0, fmt.Errorf("score expression did not return a number, got %T", result.Value())
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}
