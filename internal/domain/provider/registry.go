// Package provider contains the context-provider registry used to
// enrich enforcement requests with live data from integrated tools.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrNoProvider is returned when no adapter is registered for a tool.
var ErrNoProvider = errors.New("no context provider registered")

// ContextProvider fetches enrichment context for one resource in one
// integrated tool. Implementations must honor ctx cancellation.
type ContextProvider interface {
	GetContext(ctx context.Context, resourceType, resourceID string) (map[string]any, error)
}

// Registry holds one ContextProvider per tool slug and bounds both the
// per-call deadline and the process-wide number of in-flight
// enrichment calls, so a burst of evaluations cannot overwhelm a
// single integrated tool's API.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ContextProvider

	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewRegistry creates a registry with the given per-call timeout and
// process-wide concurrency limit.
func NewRegistry(timeout time.Duration, maxInFlight int64, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &Registry{
		providers: make(map[string]ContextProvider),
		timeout:   timeout,
		sem:       semaphore.NewWeighted(maxInFlight),
		logger:    logger,
	}
}

// Register installs the provider for a tool slug, replacing any
// previous one.
func (r *Registry) Register(toolSlug string, p ContextProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[toolSlug] = p
}

// Has reports whether a provider is registered for the tool.
func (r *Registry) Has(toolSlug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[toolSlug]
	return ok
}

// GetContext fetches enrichment context for the resource via the
// tool's provider. The call is bounded by the registry timeout and the
// process-wide limiter, and is cancelled when ctx is cancelled so no
// in-flight calls leak to downstream tool APIs. Returns ErrNoProvider
// when the tool has no adapter.
func (r *Registry) GetContext(ctx context.Context, toolSlug, resourceType, resourceID string) (map[string]any, error) {
	r.mu.RLock()
	p, ok := r.providers[toolSlug]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoProvider
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sem.Acquire(callCtx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	enriched, err := p.GetContext(callCtx, resourceType, resourceID)
	if err != nil {
		r.logger.Warn("context enrichment failed",
			"tool", toolSlug,
			"resource_type", resourceType,
			"resource_id", resourceID,
			"error", err,
		)
		return nil, err
	}
	return enriched, nil
}
