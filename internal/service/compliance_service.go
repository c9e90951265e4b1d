package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/compliance"
)

// ComplianceChecker evaluates compliance expressions against
// enforcement-history statistics.
type ComplianceChecker interface {
	Check(expr string, stats compliance.DecisionStats) (bool, error)
	Score(expr string, stats compliance.DecisionStats) (float64, error)
}

// ComplianceService is the compliance assessor. It maps enforcement
// history onto framework compliance state: periodic rules run on a
// schedule, continuous rules re-run when qualifying decisions arrive.
type ComplianceService struct {
	rules       compliance.RuleStore
	assessments compliance.AssessmentStore
	history     compliance.HistoryStore
	checker     ComplianceChecker
	ackRate     func() float64
	logger      *slog.Logger

	window   time.Duration
	interval time.Duration
	now      func() time.Time

	wg sync.WaitGroup

	// Debounces continuous assessment per tool.
	mu      sync.Mutex
	lastRun map[string]time.Time
	minGap  time.Duration
}

// ComplianceOption configures ComplianceService.
type ComplianceOption func(*ComplianceService)

// WithAssessmentWindow sets the history window automated rules inspect.
func WithAssessmentWindow(w time.Duration) ComplianceOption {
	return func(s *ComplianceService) {
		if w > 0 {
			s.window = w
		}
	}
}

// WithAssessmentInterval sets the periodic assessment cadence.
func WithAssessmentInterval(i time.Duration) ComplianceOption {
	return func(s *ComplianceService) {
		if i > 0 {
			s.interval = i
		}
	}
}

// WithContinuousGap sets the minimum gap between continuous
// re-assessments of the same tool.
func WithContinuousGap(g time.Duration) ComplianceOption {
	return func(s *ComplianceService) {
		if g >= 0 {
			s.minGap = g
		}
	}
}

// WithComplianceClock overrides the time source, for tests.
func WithComplianceClock(now func() time.Time) ComplianceOption {
	return func(s *ComplianceService) {
		s.now = now
	}
}

// NewComplianceService creates the assessor. ackRate reports the audit
// emitter's acknowledged-write rate for the current period; rules like
// "all access must be logged" are satisfied only when it is 100.
func NewComplianceService(
	rules compliance.RuleStore,
	assessments compliance.AssessmentStore,
	history compliance.HistoryStore,
	checker ComplianceChecker,
	ackRate func() float64,
	logger *slog.Logger,
	opts ...ComplianceOption,
) *ComplianceService {
	s := &ComplianceService{
		rules:       rules,
		assessments: assessments,
		history:     history,
		checker:     checker,
		ackRate:     ackRate,
		logger:      logger,
		window:      24 * time.Hour,
		interval:    time.Hour,
		now:         time.Now,
		lastRun:     make(map[string]time.Time),
		minGap:      time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic assessment loop. It stops when ctx is
// cancelled; Stop waits for the loop to exit.
func (s *ComplianceService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.runScheduled(ctx); err != nil {
					s.logger.Error("periodic compliance assessment failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop waits for the assessment loop to finish.
func (s *ComplianceService) Stop() {
	s.wg.Wait()
}

// runScheduled assesses every periodic rule.
func (s *ComplianceService) runScheduled(ctx context.Context) error {
	rules, err := s.rules.GetAllRules(ctx)
	if err != nil {
		return fmt.Errorf("load compliance rules: %w", err)
	}
	for i := range rules {
		if rules[i].AssessmentFrequency != compliance.FrequencyPeriodic {
			continue
		}
		if _, err := s.RunAssessment(ctx, &rules[i]); err != nil {
			s.logger.Error("assessment failed",
				"rule_id", rules[i].ID,
				"framework", rules[i].Framework,
				"error", err,
			)
		}
	}
	return nil
}

// RunAll assesses every rule regardless of frequency. Used by the
// on-demand assessment command and API.
func (s *ComplianceService) RunAll(ctx context.Context) ([]compliance.Assessment, error) {
	rules, err := s.rules.GetAllRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load compliance rules: %w", err)
	}
	var out []compliance.Assessment
	for i := range rules {
		results, err := s.RunAssessment(ctx, &rules[i])
		if err != nil {
			s.logger.Error("assessment failed", "rule_id", rules[i].ID, "error", err)
			continue
		}
		out = append(out, results...)
	}
	return out, nil
}

// OnDecision triggers continuous re-assessment for the tool a decision
// just landed on, debounced per tool. Failures are logged; the
// enforcement path never observes them.
func (s *ComplianceService) OnDecision(ctx context.Context, toolSlug string) {
	if !s.claimRun(toolSlug) {
		return
	}

	rules, err := s.rules.GetAllRules(ctx)
	if err != nil {
		s.logger.Warn("continuous assessment skipped", "tool", toolSlug, "error", err)
		return
	}
	for i := range rules {
		r := &rules[i]
		if r.AssessmentFrequency != compliance.FrequencyContinuous || !r.AppliesToTool(toolSlug) {
			continue
		}
		if _, err := s.assessTool(ctx, r, toolSlug); err != nil {
			s.logger.Warn("continuous assessment failed",
				"rule_id", r.ID,
				"tool", toolSlug,
				"error", err,
			)
		}
	}
}

// claimRun reports whether a continuous run for the tool is due.
func (s *ComplianceService) claimRun(toolSlug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.lastRun[toolSlug]; ok && now.Sub(last) < s.minGap {
		return false
	}
	s.lastRun[toolSlug] = now
	return true
}

// RunAssessment assesses one rule, producing one assessment per
// applicable tool (or a single all-tools aggregate when the rule is
// unscoped).
func (s *ComplianceService) RunAssessment(ctx context.Context, r *compliance.Rule) ([]compliance.Assessment, error) {
	tools := r.ApplicableTools
	if len(tools) == 0 {
		tools = []string{""}
	}

	var out []compliance.Assessment
	for _, tool := range tools {
		a, err := s.assessTool(ctx, r, tool)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// assessTool produces and persists one assessment of one rule for one
// tool ("" = all tools).
func (s *ComplianceService) assessTool(ctx context.Context, r *compliance.Rule, toolSlug string) (*compliance.Assessment, error) {
	now := s.now().UTC()
	a := compliance.Assessment{
		RuleID:     r.ID,
		Framework:  r.Framework,
		ToolSlug:   toolSlug,
		AssessedAt: now,
	}

	if r.AssessmentMethod == compliance.MethodManual {
		// Manual controls cannot be scored from history; record a
		// placeholder so the framework report shows the review gap.
		a.Status = compliance.StatusPartiallyCompliant
		a.Detail = "manual review required"
	} else {
		stats, err := s.history.Stats(ctx, toolSlug, now.Add(-s.window), now)
		if err != nil {
			return nil, fmt.Errorf("load decision stats: %w", err)
		}
		if s.ackRate != nil {
			stats.AuditAckRate = s.ackRate()
		}

		ok, err := s.checker.Check(r.CheckExpression, stats)
		if err != nil {
			return nil, fmt.Errorf("evaluate check for rule %s: %w", r.ID, err)
		}

		score := 0.0
		if ok {
			score = 100.0
		}
		if r.ScoreExpression != "" {
			score, err = s.checker.Score(r.ScoreExpression, stats)
			if err != nil {
				return nil, fmt.Errorf("evaluate score for rule %s: %w", r.ID, err)
			}
		}

		a.Score = score
		a.Status = statusFor(ok, score)
		a.Detail = fmt.Sprintf("window %s, %d decisions", s.window, stats.Total)
	}

	if err := s.assessments.AppendAssessment(ctx, &a); err != nil {
		return nil, fmt.Errorf("append assessment: %w", err)
	}

	s.logger.Debug("compliance assessed",
		"rule_id", r.ID,
		"framework", r.Framework,
		"tool", toolSlug,
		"status", a.Status,
		"score", a.Score,
	)
	return &a, nil
}

// statusFor maps a check outcome and score onto a compliance status.
// A failed check is at best partially compliant regardless of score.
func statusFor(checkPassed bool, score float64) compliance.Status {
	switch {
	case checkPassed && score >= 90:
		return compliance.StatusCompliant
	case score >= 50:
		return compliance.StatusPartiallyCompliant
	default:
		return compliance.StatusNonCompliant
	}
}

// Report aggregates the latest assessments for one framework.
func (s *ComplianceService) Report(ctx context.Context, framework string) (*compliance.FrameworkReport, error) {
	latest, err := s.assessments.LatestAssessments(ctx, framework)
	if err != nil {
		return nil, fmt.Errorf("load assessments: %w", err)
	}

	report := &compliance.FrameworkReport{Framework: framework}
	for _, a := range latest {
		report.TotalAssessments++
		switch a.Status {
		case compliance.StatusCompliant:
			report.Compliant++
		case compliance.StatusNonCompliant:
			report.NonCompliant++
		case compliance.StatusPartiallyCompliant:
			report.PartiallyCompliant++
		}
	}
	if report.TotalAssessments > 0 {
		report.ComplianceRate = float64(report.Compliant) / float64(report.TotalAssessments)
	}
	return report, nil
}

// Latest returns the newest assessment per rule/tool pair, optionally
// filtered by framework.
func (s *ComplianceService) Latest(ctx context.Context, framework string) ([]compliance.Assessment, error) {
	return s.assessments.LatestAssessments(ctx, framework)
}
