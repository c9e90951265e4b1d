// Package provider contains outbound context-provider adapters.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/toolgate/toolgate/internal/domain/provider"
)

// maxContextBody caps a provider response body to keep a misbehaving
// tool API from ballooning request memory.
const maxContextBody = 1 << 20

// HTTPProvider fetches enrichment context from a tool's context
// endpoint: GET {base}/context?resource_type=…&resource_id=….
// The response body must be a JSON object.
type HTTPProvider struct {
	base   string
	client *http.Client
}

// NewHTTPProvider creates an adapter for the given tool base URL.
// The per-call deadline comes from the registry's context; the
// client timeout is a backstop.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

// GetContext fetches enrichment context for one resource.
func (p *HTTPProvider) GetContext(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("resource_type", resourceType)
	q.Set("resource_id", resourceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/context?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build context request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("context request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("context endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContextBody))
	if err != nil {
		return nil, fmt.Errorf("read context response: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode context response: %w", err)
	}
	return out, nil
}

// Compile-time interface verification.
var _ provider.ContextProvider = (*HTTPProvider)(nil)
