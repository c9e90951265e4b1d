package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/cache"
	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/provider"
)

// EnforcementService is the policy engine core. It answers Enforce
// calls through the decision cache, the policy-set cache, context
// enrichment, and deny-overrides combination, and emits every decision
// for audit. The service is stateless per request; all shared state
// lives in the external cache and store.
type EnforcementService struct {
	store      policy.Store
	policySets *cache.PolicySets
	decisions  *cache.Decisions
	providers  *provider.Registry
	emitter    *AuditEmitter
	history    compliance.HistoryStore
	regexes    policy.RegexCache
	logger     *slog.Logger
	tracer     trace.Tracer

	evalLimit  int
	now        func() time.Time
	onDecision func(toolSlug string)
}

// EnforcementOption configures EnforcementService.
type EnforcementOption func(*EnforcementService)

// WithEvaluationLimit caps concurrent per-request policy evaluations.
func WithEvaluationLimit(n int) EnforcementOption {
	return func(s *EnforcementService) {
		if n > 0 {
			s.evalLimit = n
		}
	}
}

// WithDecisionHook installs a callback invoked after every fresh
// decision, used to trigger continuous compliance assessment. The hook
// runs on its own goroutine and can never fail the enforcement call.
func WithDecisionHook(hook func(toolSlug string)) EnforcementOption {
	return func(s *EnforcementService) {
		s.onDecision = hook
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EnforcementOption {
	return func(s *EnforcementService) {
		s.now = now
	}
}

// NewEnforcementService creates the policy engine.
func NewEnforcementService(
	store policy.Store,
	policySets *cache.PolicySets,
	decisions *cache.Decisions,
	providers *provider.Registry,
	emitter *AuditEmitter,
	history compliance.HistoryStore,
	regexes policy.RegexCache,
	logger *slog.Logger,
	opts ...EnforcementOption,
) *EnforcementService {
	s := &EnforcementService{
		store:      store,
		policySets: policySets,
		decisions:  decisions,
		providers:  providers,
		emitter:    emitter,
		history:    history,
		regexes:    regexes,
		logger:     logger,
		tracer:     otel.Tracer("toolgate/enforcement"),
		evalLimit:  8,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enforce evaluates one access-control request and returns an
// auditable decision. Malformed or unmatched requests degrade to deny;
// only policy-store unavailability is an error.
func (s *EnforcementService) Enforce(ctx context.Context, req policy.EnforcementRequest) (policy.EnforcementDecision, error) {
	ctx, span := s.tracer.Start(ctx, "enforcement.Enforce")
	defer span.End()

	start := time.Now()
	req.Normalize(s.now().UTC())

	span.SetAttributes(
		attribute.String("tool", req.ToolSlug),
		attribute.String("action", req.Action),
		attribute.String("resource_type", req.Resource.Type),
	)

	if reason := req.Invalid(); reason != "" {
		dec := s.invalidDecision(reason)
		s.record(ctx, &req, &dec, start, false)
		return dec, nil
	}

	if cached, ok := s.decisions.Get(ctx, &req); ok {
		cached.FromCache = true
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.emitDecision(&req, cached, start)
		return *cached, nil
	}

	policies, err := s.candidatePolicies(ctx, &req)
	if err != nil {
		return policy.EnforcementDecision{}, err
	}

	degraded := s.enrich(ctx, &req)

	matched, policiesMatched := s.evaluate(&req, policies)
	sortMatched(matched)
	res := combine(matched)

	dec := policy.EnforcementDecision{
		Decision:        res.Decision,
		Reason:          res.Reason,
		ConfidenceScore: res.Confidence,
		EvaluationID:    uuid.New().String(),
		Timestamp:       s.now().UTC(),
		PrimaryPolicy:   res.Primary.PolicyID,
		MatchedRules:    matched,
		Summary: policy.EvaluationSummary{
			PoliciesEvaluated:  len(policies),
			PoliciesMatched:    policiesMatched,
			RulesMatched:       len(matched),
			DecisionBasis:      res.Basis,
			EnrichmentDegraded: degraded,
		},
	}

	s.decisions.Put(ctx, &req, &dec)
	s.record(ctx, &req, &dec, start, true)

	span.SetAttributes(attribute.String("decision", string(dec.Decision)))
	s.logger.Debug("enforcement decision",
		"evaluation_id", dec.EvaluationID,
		"tool", req.ToolSlug,
		"action", req.Action,
		"decision", dec.Decision,
		"basis", dec.Summary.DecisionBasis,
		"latency", time.Since(start),
	)

	return dec, nil
}

// candidatePolicies resolves the policy set for the request scope,
// cache first. The cached set is re-filtered against the current time
// so an effective window lapsing inside the TTL is still honored.
func (s *EnforcementService) candidatePolicies(ctx context.Context, req *policy.EnforcementRequest) ([]policy.Policy, error) {
	if cached, ok := s.policySets.Get(ctx, req.ToolSlug, req.Resource.Type); ok {
		out := cached[:0:0]
		for _, p := range cached {
			if p.AppliesTo(req.ToolSlug, req.Resource.Type, req.Timestamp) {
				out = append(out, p)
			}
		}
		return out, nil
	}

	policies, err := s.store.GetCandidatePolicies(ctx, req.ToolSlug, req.Resource.Type, req.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("load candidate policies: %w", err)
	}
	s.policySets.Put(ctx, req.ToolSlug, req.Resource.Type, policies)
	return policies, nil
}

// enrich merges provider context into the request. Request-supplied
// keys win over enriched ones. Returns true when enrichment was
// attempted and failed; no registered provider is not degradation.
func (s *EnforcementService) enrich(ctx context.Context, req *policy.EnforcementRequest) bool {
	if s.providers == nil || !s.providers.Has(req.ToolSlug) {
		return false
	}
	enriched, err := s.providers.GetContext(ctx, req.ToolSlug, req.Resource.Type, req.Resource.ID)
	if err != nil {
		return true
	}
	if len(enriched) == 0 {
		return false
	}
	if req.Context == nil {
		req.Context = make(map[string]any, len(enriched))
	}
	for k, v := range enriched {
		if _, exists := req.Context[k]; !exists {
			req.Context[k] = v
		}
	}
	return false
}

// evaluate fans rule matching out over the candidate policies with a
// bounded worker pool. Per-policy results land in fixed slots so the
// outcome is independent of completion order.
func (s *EnforcementService) evaluate(req *policy.EnforcementRequest, policies []policy.Policy) ([]policy.RuleRef, int) {
	results := make([][]policy.RuleRef, len(policies))

	var g errgroup.Group
	g.SetLimit(s.evalLimit)
	for i := range policies {
		g.Go(func() error {
			results[i] = matchPolicy(&policies[i], req, s.regexes)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	var matched []policy.RuleRef
	var policiesMatched int
	for _, refs := range results {
		if len(refs) > 0 {
			policiesMatched++
			matched = append(matched, refs...)
		}
	}
	return matched, policiesMatched
}

// matchPolicy evaluates one policy's rules, priority ascending, and
// returns a RuleRef per matched rule.
func matchPolicy(p *policy.Policy, req *policy.EnforcementRequest, rc policy.RegexCache) []policy.RuleRef {
	rules := make([]policy.Rule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var refs []policy.RuleRef
	for i := range rules {
		if !rules[i].Matches(req, rc) {
			continue
		}
		refs = append(refs, policy.RuleRef{
			PolicyID:       p.ID,
			PolicyName:     p.Name,
			RuleID:         rules[i].ID,
			RuleName:       rules[i].Name,
			Action:         rules[i].Action,
			Priority:       rules[i].Priority,
			PolicyPriority: p.Priority,
		})
	}
	return refs
}

// invalidDecision builds the degraded deny for malformed requests.
func (s *EnforcementService) invalidDecision(reason string) policy.EnforcementDecision {
	return policy.EnforcementDecision{
		Decision:        policy.ActionDeny,
		Reason:          fmt.Sprintf("%s: %s", policy.ReasonInvalidRequest, reason),
		ConfidenceScore: 1.0,
		EvaluationID:    uuid.New().String(),
		Timestamp:       s.now().UTC(),
		Summary: policy.EvaluationSummary{
			DecisionBasis: policy.BasisInvalid,
		},
	}
}

// record emits the decision for audit and, for fresh evaluations,
// appends it to the enforcement history the compliance assessor reads.
// Neither path may fail the enforcement call.
func (s *EnforcementService) record(ctx context.Context, req *policy.EnforcementRequest, dec *policy.EnforcementDecision, start time.Time, fresh bool) {
	s.emitDecision(req, dec, start)

	if !fresh {
		return
	}
	if s.onDecision != nil {
		go s.onDecision(req.ToolSlug)
	}
	if s.history == nil {
		return
	}
	if err := s.history.AppendDecision(ctx, req, dec); err != nil {
		s.logger.Warn("enforcement history append failed",
			"evaluation_id", dec.EvaluationID,
			"error", err,
		)
	}
}

func (s *EnforcementService) emitDecision(req *policy.EnforcementRequest, dec *policy.EnforcementDecision, start time.Time) {
	if s.emitter == nil {
		return
	}
	s.emitter.EmitDecision(audit.DecisionEvent{
		PrincipalID:   req.Principal.ID,
		Roles:         req.Principal.Roles,
		ToolSlug:      req.ToolSlug,
		Action:        req.Action,
		ResourceType:  req.Resource.Type,
		ResourceID:    req.Resource.ID,
		Context:       req.Context,
		Outcome:       *dec,
		LatencyMicros: time.Since(start).Microseconds(),
	}, dec.EvaluationID)
}

var _ policy.Engine = (*EnforcementService)(nil)
