// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cluster defines the downstream agent clusters and their node
// registry. Node active flags are mutated both by request flows and by the
// health monitor; readers tolerate the flag changing between check and
// use, so activation is a compare-and-swap rather than check-then-act.
package cluster

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ID identifies an agent cluster.
type ID string

const (
	// Platform handles system, infrastructure, and operational requests.
	Platform ID = "PLATFORM"
	// Research handles explanatory and investigative requests.
	Research ID = "RESEARCH"
	// Creative handles generative writing and design requests.
	Creative ID = "CREATIVE"
	// Analysis handles data and metrics requests.
	Analysis ID = "ANALYSIS"
)

// All returns every known cluster. Routing fails open to this set.
func All() []ID {
	return []ID{Platform, Research, Creative, Analysis}
}

// Node is one long-lived pipeline node serving a cluster.
type Node struct {
	id      string
	cluster ID
	active  atomic.Bool
}

// NewNode creates an inactive node; Start activates it.
func NewNode(id string, c ID) *Node {
	return &Node{id: id, cluster: c}
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Cluster returns the cluster tag.
func (n *Node) Cluster() ID { return n.cluster }

// IsActive reports the current active flag.
func (n *Node) IsActive() bool { return n.active.Load() }

// Start activates the node. Returns true only when the flag actually
// flipped, which makes monitor restarts idempotent: reactivating an
// already-active node is a no-op.
func (n *Node) Start() bool {
	changed := n.active.CompareAndSwap(false, true)
	if changed {
		log.WithFields(log.Fields{"node": n.id, "cluster": n.cluster}).Info("Node activated")
	}
	return changed
}

// Stop deactivates the node. Returns true when the flag actually flipped.
func (n *Node) Stop() bool {
	return n.active.CompareAndSwap(true, false)
}

// Set is the process-wide registry of pipeline nodes.
type Set struct {
	mu    sync.RWMutex
	nodes map[ID]*Node
}

// NewSet builds a registry with one node per given cluster.
func NewSet(clusters ...ID) *Set {
	if len(clusters) == 0 {
		clusters = All()
	}
	s := &Set{nodes: make(map[ID]*Node, len(clusters))}
	for _, c := range clusters {
		s.nodes[c] = NewNode("node-"+string(c), c)
	}
	return s
}

// Get returns the node serving a cluster, or nil when none exists.
func (s *Set) Get(c ID) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[c]
}

// Nodes returns a snapshot of every node.
func (s *Set) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// StartAll activates every node. Used by the platform lifecycle.
func (s *Set) StartAll() {
	for _, n := range s.Nodes() {
		n.Start()
	}
}

// StopAll deactivates every node.
func (s *Set) StopAll() {
	for _, n := range s.Nodes() {
		n.Stop()
	}
}
