// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_StartsFull(t *testing.T) {
	b := NewBucket(10, 5)
	assert.InDelta(t, 10.0, b.Tokens(), 0.01)
	assert.Equal(t, 10.0, b.Capacity())
}

func TestBucket_AcquireDebitsExactly(t *testing.T) {
	b := NewBucket(10, 0.001) // effectively no refill during the test

	require.NoError(t, b.Acquire(context.Background(), 4))
	assert.InDelta(t, 6.0, b.Tokens(), 0.1)

	require.NoError(t, b.Acquire(context.Background(), 6))
	assert.InDelta(t, 0.0, b.Tokens(), 0.1)
}

func TestBucket_AcquireRejectsOversizedRequest(t *testing.T) {
	b := NewBucket(5, 1)
	err := b.Acquire(context.Background(), 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds bucket capacity")
}

func TestBucket_AcquireSuspendsUntilRefill(t *testing.T) {
	b := NewBucket(2, 20) // refills fast enough for the test to stay quick

	require.NoError(t, b.Acquire(context.Background(), 2))

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background(), 2))
	elapsed := time.Since(start)

	// 2 tokens at 20/s is 100ms of refill.
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestBucket_AcquireHonorsContextCancellation(t *testing.T) {
	b := NewBucket(1, 0.01) // would take ~100s to refill

	require.NoError(t, b.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestBucket_ConcurrentAcquireNeverDoubleSpends hammers one bucket from
// many goroutines and verifies the total debit matches the number of
// successful acquisitions.
func TestBucket_ConcurrentAcquireNeverDoubleSpends(t *testing.T) {
	const goroutines = 50
	b := NewBucket(goroutines, 1000) // enough refill that every acquire succeeds quickly

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(ctx, 1); err != nil {
				t.Errorf("acquire failed: %v", err)
			}
		}()
	}
	wg.Wait()

	tokens := b.Tokens()
	assert.GreaterOrEqual(t, tokens, 0.0, "tokens must never go negative")
	assert.LessOrEqual(t, tokens, b.Capacity(), "tokens must never exceed capacity")
}

// TestProperty_BucketInvariant checks that for any sequence of TryAcquire
// calls the observable token count stays within [0, capacity].
func TestProperty_BucketInvariant(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("tokens stay within [0, capacity]", prop.ForAll(
		func(capacity float64, requests []float64) bool {
			b := NewBucket(capacity, 50)
			for _, n := range requests {
				b.TryAcquire(n)
				tokens := b.Tokens()
				if tokens < 0 || tokens > b.Capacity()+0.0001 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(1, 100),
		gen.SliceOf(gen.Float64Range(0, 120)),
	))

	properties.TestingRun(t)
}

func TestRegistry_SharesBucketPerClass(t *testing.T) {
	r := NewRegistry(map[string]Limit{
		"vision": {Capacity: 3, RefillRate: 1},
	})

	b1 := r.Bucket("vision")
	b2 := r.Bucket("vision")
	assert.Same(t, b1, b2, "same class must share one bucket")

	other := r.Bucket("backend-tokens")
	assert.NotSame(t, b1, other)
	assert.Equal(t, DefaultLimit.Capacity, other.Capacity())
}

func TestRegistry_AcquireDebitsClassBudget(t *testing.T) {
	r := NewRegistry(map[string]Limit{
		"vision": {Capacity: 2, RefillRate: 0.001},
	})

	require.NoError(t, r.Acquire(context.Background(), "vision", 2))
	assert.False(t, r.Bucket("vision").TryAcquire(1), "budget should be spent")
}
