// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_StartStopIdempotent(t *testing.T) {
	n := NewNode("node-test", Platform)
	assert.False(t, n.IsActive())

	assert.True(t, n.Start(), "first start flips the flag")
	assert.False(t, n.Start(), "second start is a no-op")
	assert.True(t, n.IsActive())

	assert.True(t, n.Stop())
	assert.False(t, n.Stop())
	assert.False(t, n.IsActive())
}

func TestNode_ConcurrentStartFlipsOnce(t *testing.T) {
	n := NewNode("node-race", Research)

	const goroutines = 32
	var wg sync.WaitGroup
	flips := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flips <- n.Start()
		}()
	}
	wg.Wait()
	close(flips)

	flipped := 0
	for changed := range flips {
		if changed {
			flipped++
		}
	}
	assert.Equal(t, 1, flipped, "exactly one caller observes the transition")
}

func TestSet_DefaultsToAllClusters(t *testing.T) {
	s := NewSet()
	for _, id := range All() {
		n := s.Get(id)
		require.NotNil(t, n, "cluster %s must have a node", id)
		assert.Equal(t, "node-"+string(id), n.ID())
		assert.Equal(t, id, n.Cluster())
	}
	assert.Len(t, s.Nodes(), len(All()))
}

func TestSet_StartAllStopAll(t *testing.T) {
	s := NewSet(Platform, Creative)

	s.StartAll()
	for _, n := range s.Nodes() {
		assert.True(t, n.IsActive())
	}

	s.StopAll()
	for _, n := range s.Nodes() {
		assert.False(t, n.IsActive())
	}
}

func TestSet_GetUnknownClusterIsNil(t *testing.T) {
	s := NewSet(Platform)
	assert.Nil(t, s.Get(Analysis))
}
