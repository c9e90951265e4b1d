package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/toolgate/toolgate/internal/domain/compliance"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Enforcer   policy.Engine
	Policies   *service.PolicyAdminService
	Compliance *service.ComplianceAdminService
	Assessor   *service.ComplianceService
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Routes builds the API router. Every route under /api/v1 requires the
// trusted gateway's identity headers.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestIDMiddleware(h.Logger))
	if h.Metrics != nil {
		r.Use(MetricsMiddleware(h.Metrics))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Post("/enforce", h.handleEnforce)

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.handleListPolicies)
			r.Post("/", h.handleCreatePolicy)
			r.Get("/{policyID}", h.handleGetPolicy)
			r.Put("/{policyID}", h.handleUpdatePolicy)
			r.Delete("/{policyID}", h.handleDeletePolicy)
		})

		r.Route("/compliance", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.handleListComplianceRules)
				r.Post("/", h.handleCreateComplianceRule)
				r.Get("/{ruleID}", h.handleGetComplianceRule)
				r.Put("/{ruleID}", h.handleUpdateComplianceRule)
				r.Delete("/{ruleID}", h.handleDeleteComplianceRule)
			})
			r.Get("/assessments", h.handleListAssessments)
			r.Post("/assessments/run", h.handleRunAssessments)
			r.Get("/reports/{framework}", h.handleFrameworkReport)
		})
	})

	return r
}

// enforceRequest is the enforcement API request body. Principal
// identity arrives out-of-band in the trusted gateway headers.
type enforceRequest struct {
	ToolSlug     string         `json:"tool_slug"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ResourceName string         `json:"resource_name,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// handleEnforce answers one access-control question. Deny decisions
// are 200 responses; only store unavailability is an HTTP error.
func (h *Handlers) handleEnforce(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[enforceRequest](w, r)
	if !ok {
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal identity")
		return
	}

	req := policy.EnforcementRequest{
		Principal: principal,
		ToolSlug:  body.ToolSlug,
		Action:    body.Action,
		Resource: policy.Resource{
			Type: body.ResourceType,
			ID:   body.ResourceID,
			Name: body.ResourceName,
		},
		Context: body.Context,
	}

	dec, err := h.Enforcer.Enforce(r.Context(), req)
	if err != nil {
		if errors.Is(err, policy.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "policy store unavailable")
			return
		}
		LoggerFromContext(r.Context()).Error("enforcement failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if h.Metrics != nil {
		h.Metrics.Enforcements.WithLabelValues(string(dec.Decision)).Inc()
		if dec.FromCache {
			h.Metrics.DecisionCacheHits.Inc()
		}
		if dec.Summary.EnrichmentDegraded {
			h.Metrics.EnrichmentDegraded.Inc()
		}
	}

	writeJSON(w, http.StatusOK, dec)
}

func (h *Handlers) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Policies.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "policies unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *Handlers) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Get(r.Context(), urlParam(r, "policyID"))
	if err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[policy.Policy](w, r)
	if !ok {
		return
	}
	created, err := h.Policies.Create(r.Context(), h.actor(r), &body)
	if err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[policy.Policy](w, r)
	if !ok {
		return
	}
	updated, err := h.Policies.Update(r.Context(), h.actor(r), urlParam(r, "policyID"), &body)
	if err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Policies.Delete(r.Context(), h.actor(r), urlParam(r, "policyID")); err != nil {
		writeDomainError(w, err, "policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListComplianceRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Compliance.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "compliance rules unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handlers) handleGetComplianceRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Compliance.Get(r.Context(), urlParam(r, "ruleID"))
	if err != nil {
		writeDomainError(w, err, "compliance rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) handleCreateComplianceRule(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[compliance.Rule](w, r)
	if !ok {
		return
	}
	created, err := h.Compliance.Create(r.Context(), h.actor(r), &body)
	if err != nil {
		writeDomainError(w, err, "compliance rule not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) handleUpdateComplianceRule(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[compliance.Rule](w, r)
	if !ok {
		return
	}
	updated, err := h.Compliance.Update(r.Context(), h.actor(r), urlParam(r, "ruleID"), &body)
	if err != nil {
		writeDomainError(w, err, "compliance rule not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDeleteComplianceRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Compliance.Delete(r.Context(), h.actor(r), urlParam(r, "ruleID")); err != nil {
		writeDomainError(w, err, "compliance rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListAssessments(w http.ResponseWriter, r *http.Request) {
	latest, err := h.Assessor.Latest(r.Context(), r.URL.Query().Get("framework"))
	if err != nil {
		writeDomainError(w, err, "assessments unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": latest})
}

func (h *Handlers) handleRunAssessments(w http.ResponseWriter, r *http.Request) {
	results, err := h.Assessor.RunAll(r.Context())
	if err != nil {
		writeDomainError(w, err, "assessment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assessments": results})
}

func (h *Handlers) handleFrameworkReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Assessor.Report(r.Context(), urlParam(r, "framework"))
	if err != nil {
		writeDomainError(w, err, "report unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// actor returns the mutation actor ID from the request identity.
func (h *Handlers) actor(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p.ID
	}
	return ""
}
