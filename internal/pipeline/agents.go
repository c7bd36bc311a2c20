// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/synaptiq/synaptiq/internal/backend"
	"github.com/synaptiq/synaptiq/internal/cluster"
)

// agentEnv carries the request context every cluster agent responds to.
type agentEnv struct {
	Instruction   string
	VisionContext string
	RecallContext string
}

// clusterAgent is one typed downstream agent. Each cluster gets its own
// implementing type, selected through a lookup table at routing time; the
// agent's behavior is fixed at construction, never mutated per request.
type clusterAgent interface {
	Cluster() cluster.ID
	Respond(ctx context.Context, env agentEnv) (string, error)
}

// agentCore is the shared mechanics behind every cluster agent: resolve
// the persona, assemble the transcript, call the backend.
type agentCore struct {
	cluster     cluster.ID
	personaName string
	fallback    string
	backend     AIBackend
	registry    PluginRegistry
}

func (a agentCore) Cluster() cluster.ID { return a.cluster }

func (a agentCore) Respond(ctx context.Context, env agentEnv) (string, error) {
	persona := a.fallback
	if a.registry != nil {
		if text, ok := a.registry.GetAgent(a.personaName); ok {
			persona = text
		}
	}

	var user strings.Builder
	user.WriteString(env.Instruction)
	if env.VisionContext != "" {
		fmt.Fprintf(&user, "\n\nImage analysis:\n%s", env.VisionContext)
	}
	if env.RecallContext != "" {
		fmt.Fprintf(&user, "\n\nRecalled context:\n%s", env.RecallContext)
	}

	return a.backend.Generate(ctx, []backend.Message{
		{Role: "system", Content: persona},
		{Role: "user", Content: user.String()},
	})
}

// The typed variants. Keeping one type per cluster (rather than a string
// field on a generic node) keeps dispatch a static lookup.
type (
	platformAgent struct{ agentCore }
	researchAgent struct{ agentCore }
	creativeAgent struct{ agentCore }
	analysisAgent struct{ agentCore }
)

// buildAgentTable constructs the routing lookup table.
func buildAgentTable(be AIBackend, reg PluginRegistry) map[cluster.ID]clusterAgent {
	core := func(c cluster.ID, persona, fallback string) agentCore {
		return agentCore{
			cluster:     c,
			personaName: persona,
			fallback:    fallback,
			backend:     be,
			registry:    reg,
		}
	}
	return map[cluster.ID]clusterAgent{
		cluster.Platform: platformAgent{core(cluster.Platform, "platform",
			"You are the platform agent. Answer operational and system questions.")},
		cluster.Research: researchAgent{core(cluster.Research, "research",
			"You are the research agent. Investigate and explain.")},
		cluster.Creative: creativeAgent{core(cluster.Creative, "creative",
			"You are the creative agent. Draft and compose.")},
		cluster.Analysis: analysisAgent{core(cluster.Analysis, "analysis",
			"You are the analysis agent. Reason from data.")},
	}
}
