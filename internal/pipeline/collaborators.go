// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"

	"github.com/synaptiq/synaptiq/internal/backend"
	"github.com/synaptiq/synaptiq/internal/cluster"
	"github.com/synaptiq/synaptiq/internal/safety"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// Executor schedules pipeline steps on the hybrid worker pool. An
// admission rejection (resource exhaustion) is fatal to the request; it
// is the one hard gate in the flow.
type Executor interface {
	SubmitTask(ctx context.Context, fn func(), priority workerpool.Priority) error
}

// SafetyGate screens requests before any downstream work happens.
type SafetyGate interface {
	Sanitize(text string) string
	IsDangerous(text string) bool
	Interrogate(text string) (safety.Assessment, error)
}

// AIBackend produces completions from an ordered chat transcript.
type AIBackend interface {
	Generate(ctx context.Context, msgs []backend.Message) (string, error)
}

// MemoryService recalls a synthesized summary of long-term context.
type MemoryService interface {
	Recall(ctx context.Context, query string) (string, error)
}

// RoutingService decides which clusters are relevant for a request.
type RoutingService interface {
	RouteRequest(ctx context.Context, text string, hasImage bool) ([]cluster.ID, error)
}

// PluginRegistry resolves persona and workflow texts by name.
type PluginRegistry interface {
	GetAgent(name string) (string, bool)
	GetWorkflow(name string) (string, bool)
}

// VisionAnalyzer describes an image in the context of an instruction.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imageRef, instruction string) (string, error)
}

// RecallObserver is notified of recall outcomes so the memory layer can
// learn from them. Called asynchronously-safe and never on the hot path.
type RecallObserver func(requestID, query, summary string, durationMs int64, success bool)
