// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"sync"
)

// Limit describes the budget for one resource class.
type Limit struct {
	// Capacity is the maximum number of tokens the class can accumulate.
	Capacity float64
	// RefillRate is how many tokens per second the class regains.
	RefillRate float64
}

// DefaultLimit is applied to resource classes with no configured limit.
var DefaultLimit = Limit{Capacity: 10, RefillRate: 5}

// Registry maps resource-class keys to buckets so unrelated call sites
// share one budget per class. Registries are explicitly constructed and
// injected; there is no package-level singleton, which keeps tests able
// to build isolated instances.
type Registry struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*Bucket
}

// NewRegistry creates a registry with per-class limits. Classes absent
// from limits fall back to DefaultLimit on first use.
func NewRegistry(limits map[string]Limit) *Registry {
	if limits == nil {
		limits = make(map[string]Limit)
	}
	return &Registry{
		limits:  limits,
		buckets: make(map[string]*Bucket),
	}
}

// Bucket returns the bucket for a resource class, creating it on first use.
func (r *Registry) Bucket(class string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[class]; ok {
		return b
	}
	limit, ok := r.limits[class]
	if !ok {
		limit = DefaultLimit
	}
	b := NewBucket(limit.Capacity, limit.RefillRate)
	r.buckets[class] = b
	return b
}

// Acquire debits n tokens from the class bucket, suspending until the
// budget allows it.
func (r *Registry) Acquire(ctx context.Context, class string, n float64) error {
	return r.Bucket(class).Acquire(ctx, n)
}
