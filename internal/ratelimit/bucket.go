// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ratelimit implements token-bucket rate limiting for the
// orchestration core. Each resource class (vision calls, backend tokens,
// cluster fan-out) owns one bucket; unrelated call sites acquiring through
// the same registry share that class budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Bucket is a token bucket replenished at a fixed rate up to a fixed
// capacity. All mutation happens under one mutex so concurrent acquirers
// never double-spend. Tokens are never negative and never exceed capacity.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a bucket that starts full.
func NewBucket(capacity, refillRate float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	return &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// Acquire suspends the caller until n tokens are available, then debits
// them atomically. Waiting is done off-lock so unrelated acquirers on
// other buckets are never blocked. The wait for the next attempt is the
// exact deficit divided by the refill rate, not a fixed poll interval.
func (b *Bucket) Acquire(ctx context.Context, n float64) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("ratelimit: requested %.1f tokens exceeds bucket capacity %.1f", n, b.capacity)
	}

	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}
		deficit := n - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / b.refillRate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire debits n tokens if immediately available and reports whether
// the debit happened.
func (b *Bucket) TryAcquire(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens returns the current token count after replenishment. Diagnostic
// only; the value may be stale by the time the caller looks at it.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}

// refillLocked replenishes tokens by elapsed time since the last refill,
// capped at capacity. Caller must hold b.mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
