// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package safety ships the default safety gate: sanitization,
// dangerous-pattern detection, and a lightweight interrogation that scores
// risk and decides between passing, asking for clarification, and
// blocking. The pipeline accepts any gate implementation; this is the one
// the server wires by default.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
)

// GateStatus is the outcome of an interrogation.
type GateStatus string

const (
	// StatusPassed clears the request for downstream processing.
	StatusPassed GateStatus = "passed"
	// StatusClarificationNeeded asks the user for more input. Not an error.
	StatusClarificationNeeded GateStatus = "clarification_needed"
	// StatusBlocked terminates the request with no downstream calls.
	StatusBlocked GateStatus = "blocked"
)

// Assessment is the gate's verdict on one request.
type Assessment struct {
	Status      GateStatus `json:"status"`
	RefinedText string     `json:"refined_text"`
	RiskScore   float64    `json:"risk_score"`
	ImagePath   string     `json:"image_path,omitempty"`
}

// defaultBlockPatterns match input that is never forwarded downstream.
var defaultBlockPatterns = []string{
	`rm\s+-[rf]{1,2}\s`,
	`rm\s+-[rf]{1,2}\s*/`,
	`mkfs\.`,
	`dd\s+if=.*of=/dev/`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`DROP\s+TABLE`,
	`DELETE\s+FROM\s+\w+\s*;?\s*$`,
	`shutdown\s+(-h|now)`,
	`chmod\s+777\s+/`,
}

// riskKeywords raise the risk score without blocking outright.
var riskKeywords = map[string]float64{
	"delete":     0.2,
	"remove":     0.15,
	"password":   0.25,
	"credential": 0.25,
	"secret":     0.2,
	"sudo":       0.3,
	"root":       0.2,
	"wipe":       0.3,
	"destroy":    0.3,
	"bypass":     0.35,
	"disable":    0.2,
}

// Config tunes the gate thresholds.
type Config struct {
	// BlockPatterns override the built-in dangerous patterns when set.
	BlockPatterns []string
	// ExtraPatterns are appended to the effective pattern set.
	ExtraPatterns []string
	// BlockThreshold is the risk score at or above which the gate blocks.
	BlockThreshold float64
	// ClarifyThreshold is the score at or above which the gate asks for
	// clarification instead of passing.
	ClarifyThreshold float64
	// MinWords below which the gate asks for clarification.
	MinWords int
}

func (c Config) withDefaults() Config {
	if len(c.BlockPatterns) == 0 {
		c.BlockPatterns = defaultBlockPatterns
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = 0.8
	}
	if c.ClarifyThreshold <= 0 {
		c.ClarifyThreshold = 0.5
	}
	if c.MinWords <= 0 {
		c.MinWords = 2
	}
	return c
}

// Gate is the default safety gate.
type Gate struct {
	cfg      Config
	patterns []*regexp.Regexp
}

// New compiles the gate's pattern set. Invalid patterns are an error, not
// a silent skip: a gate with holes is worse than a failed startup.
func New(cfg Config) (*Gate, error) {
	cfg = cfg.withDefaults()
	all := append(append([]string(nil), cfg.BlockPatterns...), cfg.ExtraPatterns...)
	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("safety: invalid block pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Gate{cfg: cfg, patterns: patterns}, nil
}

// Sanitize normalizes raw input: trims whitespace and strips control
// characters that could smuggle instructions past pattern matching.
func (g *Gate) Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// IsDangerous reports whether text matches any block pattern.
func (g *Gate) IsDangerous(text string) bool {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			log.WithField("pattern", re.String()).Warn("Dangerous pattern matched")
			return true
		}
	}
	return false
}

// Interrogate assesses sanitized text and produces the verdict that
// drives pipeline branching.
func (g *Gate) Interrogate(text string) (Assessment, error) {
	refined := g.Sanitize(text)

	if g.IsDangerous(refined) {
		return Assessment{
			Status:      StatusBlocked,
			RefinedText: refined,
			RiskScore:   1.0,
		}, nil
	}

	score := g.scoreRisk(refined)
	switch {
	case score >= g.cfg.BlockThreshold:
		return Assessment{Status: StatusBlocked, RefinedText: refined, RiskScore: score}, nil
	case score >= g.cfg.ClarifyThreshold:
		return Assessment{Status: StatusClarificationNeeded, RefinedText: refined, RiskScore: score}, nil
	}

	if len(strings.Fields(refined)) < g.cfg.MinWords {
		return Assessment{
			Status:      StatusClarificationNeeded,
			RefinedText: refined,
			RiskScore:   score,
		}, nil
	}

	return Assessment{Status: StatusPassed, RefinedText: refined, RiskScore: score}, nil
}

// scoreRisk accumulates keyword weights, capped at 1.0.
func (g *Gate) scoreRisk(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for keyword, weight := range riskKeywords {
		if strings.Contains(lower, keyword) {
			score += weight
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
