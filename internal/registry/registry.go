// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry loads agent personas and workflows from markdown files
// with YAML front matter. Built-in personas cover the default clusters so
// the server runs without any persona directory configured.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// frontMatter is the YAML header of a persona file.
type frontMatter struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"` // "agent" or "workflow"
	Description string `yaml:"description"`
}

// builtinAgents seed the registry so every default cluster has a persona.
var builtinAgents = map[string]string{
	"platform":    "You are the platform agent. You handle system, infrastructure, and operational questions precisely and conservatively.",
	"research":    "You are the research agent. You investigate, explain, and compare, citing the reasoning behind each conclusion.",
	"creative":    "You are the creative agent. You draft, compose, and design with originality while staying on brief.",
	"analysis":    "You are the analysis agent. You work from data and metrics, quantifying claims wherever possible.",
	"synthesizer": "You are the synthesizer. Combine the instruction, vision context, recalled memory, consensus opinion, and cluster results into one coherent, direct answer.",
	"consensus":   "You are a reviewing agent. Give a brief independent second opinion on how the request should be answered.",
}

// Registry holds named persona and workflow texts.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]string
	workflows map[string]string
}

// New creates a registry seeded with the built-in personas.
func New() *Registry {
	agents := make(map[string]string, len(builtinAgents))
	for name, text := range builtinAgents {
		agents[name] = text
	}
	return &Registry{
		agents:    agents,
		workflows: make(map[string]string),
	}
}

// LoadDir reads every .md file in dir into the registry. Files with
// invalid front matter are skipped with a warning; a missing directory is
// not an error so the built-ins alone can serve.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("dir", dir).Debug("Persona directory absent, using built-ins")
			return nil
		}
		return fmt.Errorf("registry: read persona directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadFile(path); err != nil {
			log.Warnf("Skipping persona file %s: %v", entry.Name(), err)
			continue
		}
		loaded++
	}
	log.WithFields(log.Fields{"dir": dir, "loaded": loaded}).Info("Persona registry loaded")
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fm, body, err := splitFrontMatter(string(data))
	if err != nil {
		return err
	}

	var meta frontMatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return fmt.Errorf("parse front matter: %w", err)
	}
	if meta.Name == "" {
		return fmt.Errorf("front matter missing name")
	}
	name := strings.ToLower(meta.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch meta.Kind {
	case "workflow":
		r.workflows[name] = body
	case "", "agent":
		r.agents[name] = body
	default:
		return fmt.Errorf("unknown kind %q", meta.Kind)
	}
	return nil
}

// splitFrontMatter separates the YAML header from the markdown body.
func splitFrontMatter(content string) (fm, body string, err error) {
	content = strings.TrimLeft(content, "\ufeff")
	if !strings.HasPrefix(content, "---\n") {
		return "", "", fmt.Errorf("missing front matter delimiter")
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated front matter")
	}
	fm = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, strings.TrimSpace(body), nil
}

// GetAgent returns the persona text for name.
func (r *Registry) GetAgent(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	text, ok := r.agents[strings.ToLower(name)]
	return text, ok
}

// GetWorkflow returns the workflow text for name.
func (r *Registry) GetWorkflow(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	text, ok := r.workflows[strings.ToLower(name)]
	return text, ok
}
