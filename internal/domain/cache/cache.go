// Package cache defines the shared cache port and the typed policy-set
// and decision caches built on it.
//
// The cache holds derived, disposable copies only; the policy store
// remains the source of truth. Every read failure degrades to a cache
// miss and every write failure is logged and dropped, so cache
// availability affects latency, never correctness.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Cache is the port for an externally shared, concurrency-safe
// key/value store with TTL and explicit invalidation. Implementations
// must be safe for use by many engine instances.
type Cache interface {
	// Get returns the value for key, reporting presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes one key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Key segment prefixes. Tool and principal stay in the key as plain
// segments so invalidation can target them by prefix; free-form parts
// are hashed.
const (
	policySetPrefix = "ps."
	decisionPrefix  = "dec."
)

// sanitizeSegment makes a key segment safe for external KV stores.
// Slugs pass through; anything with unexpected characters is hashed.
func sanitizeSegment(s string) string {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return fmt.Sprintf("%016x", xxhash.Sum64String(s))
	}
	if s == "" {
		return "_"
	}
	return s
}

// PolicySetKey builds the cache key for a resolved policy set.
func PolicySetKey(toolSlug, resourceType string) string {
	return policySetPrefix + sanitizeSegment(toolSlug) + "." + sanitizeSegment(resourceType)
}

// policySetToolPrefix is the prefix covering every policy set for a tool.
func policySetToolPrefix(toolSlug string) string {
	return policySetPrefix + sanitizeSegment(toolSlug) + "."
}

// DecisionKey builds the cache key for a resolved decision. Tool and
// principal are kept as discrete segments so invalidation by tool or
// principal stays a prefix/segment scan; the remaining coordinates are
// collapsed into one hash.
func DecisionKey(principalID, toolSlug, action, resourceType, resourceID string) string {
	h := xxhash.New()
	_, _ = h.WriteString(action)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(resourceType)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(resourceID)
	return decisionPrefix + sanitizeSegment(toolSlug) + "." + sanitizeSegment(principalID) + "." + fmt.Sprintf("%016x", h.Sum64())
}

// decisionToolPrefix is the prefix covering every decision for a tool.
func decisionToolPrefix(toolSlug string) string {
	return decisionPrefix + sanitizeSegment(toolSlug) + "."
}

// decisionPrincipalSegment returns the principal segment of a decision
// key, or "" when the key is not a decision key.
func decisionPrincipalSegment(key string) string {
	if !strings.HasPrefix(key, decisionPrefix) {
		return ""
	}
	parts := strings.Split(key, ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}
