// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoizes successful resolutions for a bounded time. Misses are
// never cached, so an agent that registers after a failed lookup is
// found on the next attempt.
//
// Entries hold the full candidate set reported by next (see Source),
// and every Resolve samples up to maxEndpoints from it, so traffic
// keeps spreading across all endpoints while an entry is live.
type Cache struct {
	next         Resolver
	maxEndpoints int
	entries      *expirable.LRU[string, cachedResult]
}

type cachedResult struct {
	address    string
	candidates []Candidate
}

// NewCache wraps next with an LRU of size entries, each kept for ttl.
// maxEndpoints caps each answer; zero means DefaultMaxEndpoints.
func NewCache(next Resolver, size int, ttl time.Duration, maxEndpoints int) *Cache {
	if size <= 0 {
		size = 1024
	}
	if maxEndpoints <= 0 {
		maxEndpoints = DefaultMaxEndpoints
	}
	return &Cache{
		next:         next,
		maxEndpoints: maxEndpoints,
		entries:      expirable.NewLRU[string, cachedResult](size, nil, ttl),
	}
}

// Resolve implements Resolver.
func (c *Cache) Resolve(ctx context.Context, destination string) (string, []string) {
	address, candidates := c.Candidates(ctx, destination)
	if len(candidates) == 0 {
		return "", nil
	}
	return address, sampleCandidates(candidates, c.maxEndpoints)
}

// Candidates implements Source.
func (c *Cache) Candidates(ctx context.Context, destination string) (string, []Candidate) {
	if cached, ok := c.entries.Get(destination); ok {
		return cached.address, append([]Candidate(nil), cached.candidates...)
	}
	address, candidates := candidatesOf(ctx, c.next, destination)
	if len(candidates) == 0 {
		return "", nil
	}
	c.entries.Add(destination, cachedResult{address: address, candidates: append([]Candidate(nil), candidates...)})
	return address, candidates
}

// Purge drops every cached entry.
func (c *Cache) Purge() { c.entries.Purge() }
