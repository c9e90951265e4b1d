// Package ristretto provides an in-process compiled-regex cache backed
// by dgraph-io/ristretto. Entries are keyed by the pattern text itself,
// so the cache needs no invalidation when policies change.
package ristretto

import (
	"regexp"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// RegexCache caches compiled regex programs across rule evaluations.
type RegexCache struct {
	c *ristretto.Cache[string, *regexp.Regexp]
}

// NewRegexCache creates a regex cache holding up to maxPatterns
// compiled programs.
func NewRegexCache(maxPatterns int64) (*RegexCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *regexp.Regexp]{
		NumCounters: maxPatterns * 10,
		MaxCost:     maxPatterns,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RegexCache{c: c}, nil
}

// Compile returns the compiled program for pattern, from cache when
// possible. Compilation errors are returned uncached; invalid patterns
// are rejected on the admin write path so this is cold-path only.
func (rc *RegexCache) Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := rc.c.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.c.Set(pattern, re, 1)
	return re, nil
}

// Close releases the cache's resources.
func (rc *RegexCache) Close() {
	rc.c.Close()
}

// Compile-time interface verification.
var _ policy.RegexCache = (*RegexCache)(nil)
