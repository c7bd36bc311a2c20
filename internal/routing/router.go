// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package routing decides which agent clusters are relevant for a request.
// Rules are expressions compiled once at construction and evaluated
// against lightweight request features. The pipeline treats an error or an
// empty decision as "route to all clusters" — under-routing is worse than
// over-processing here, so the router never needs to fail closed.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/cluster"
)

// Env is the evaluation environment one rule sees.
type Env struct {
	Text      string `expr:"text"`
	HasImage  bool   `expr:"has_image"`
	WordCount int    `expr:"word_count"`
}

// Contains reports whether the request text contains s, case-insensitively.
func (e Env) Contains(s string) bool {
	return strings.Contains(strings.ToLower(e.Text), strings.ToLower(s))
}

// ContainsAny reports whether the text contains any of the given words.
func (e Env) ContainsAny(words ...string) bool {
	for _, w := range words {
		if e.Contains(w) {
			return true
		}
	}
	return false
}

// Rule binds a cluster to a match expression.
type Rule struct {
	Cluster    cluster.ID
	Expression string
}

// DefaultRules cover the built-in clusters with keyword heuristics.
func DefaultRules() []Rule {
	return []Rule{
		{cluster.Platform, `ContainsAny("system", "health", "deploy", "server", "infrastructure", "status")`},
		{cluster.Research, `ContainsAny("research", "explain", "why", "how does", "investigate", "compare")`},
		{cluster.Creative, `ContainsAny("write", "story", "design", "draft", "compose", "imagine")`},
		{cluster.Analysis, `ContainsAny("analyze", "data", "metrics", "chart", "trend", "summarize") or has_image`},
	}
}

type compiledRule struct {
	cluster cluster.ID
	program *vm.Program
	source  string
}

// Router is an expression-rule routing service.
type Router struct {
	rules []compiledRule
}

// New compiles the rule set. A rule that fails to compile is a
// construction error so misconfiguration surfaces at startup.
func New(rules []Rule) (*Router, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("routing: compile rule for %s: %w", r.Cluster, err)
		}
		compiled = append(compiled, compiledRule{cluster: r.Cluster, program: program, source: r.Expression})
	}
	return &Router{rules: compiled}, nil
}

// Route evaluates every rule and returns the matched clusters in rule
// order. An empty result is valid; the caller decides the fallback.
func (r *Router) Route(ctx context.Context, text string) ([]cluster.ID, error) {
	return r.RouteRequest(ctx, text, false)
}

// RouteRequest is Route with the image flag exposed to the rules.
func (r *Router) RouteRequest(ctx context.Context, text string, hasImage bool) ([]cluster.ID, error) {
	env := Env{
		Text:      text,
		HasImage:  hasImage,
		WordCount: len(strings.Fields(text)),
	}

	var matched []cluster.ID
	seen := make(map[cluster.ID]bool)
	for _, cr := range r.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := expr.Run(cr.program, env)
		if err != nil {
			return nil, fmt.Errorf("routing: evaluate rule %q: %w", cr.source, err)
		}
		if ok, _ := out.(bool); ok && !seen[cr.cluster] {
			matched = append(matched, cr.cluster)
			seen[cr.cluster] = true
		}
	}

	log.WithFields(log.Fields{"clusters": matched}).Debug("Routing decision")
	return matched, nil
}
