// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package platform is the composition root: it builds every orchestration
// component from configuration, wires them together, and owns the startup
// and shutdown order.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/audit"
	"github.com/synaptiq/synaptiq/internal/backend"
	"github.com/synaptiq/synaptiq/internal/cluster"
	"github.com/synaptiq/synaptiq/internal/config"
	"github.com/synaptiq/synaptiq/internal/memory"
	"github.com/synaptiq/synaptiq/internal/monitor"
	"github.com/synaptiq/synaptiq/internal/pipeline"
	"github.com/synaptiq/synaptiq/internal/ratelimit"
	"github.com/synaptiq/synaptiq/internal/registry"
	"github.com/synaptiq/synaptiq/internal/routing"
	"github.com/synaptiq/synaptiq/internal/safety"
	"github.com/synaptiq/synaptiq/internal/taskqueue"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// Platform owns every long-lived component of the orchestration core.
type Platform struct {
	cfg *config.Config

	Limiter  *ratelimit.Registry
	Queue    *taskqueue.Queue
	Pool     *workerpool.Pool
	Nodes    *cluster.Set
	Monitor  *monitor.Monitor
	Pipeline *pipeline.Pipeline

	auditStore *audit.Store
	recorder   *memory.Recorder
}

// auditSink bridges monitor records into the sqlite audit trail.
type auditSink struct {
	store *audit.Store
}

func (s auditSink) Append(rec monitor.Record) error {
	return s.store.Append(audit.Record{
		Timestamp: rec.Timestamp,
		Target:    rec.Target,
		Action:    rec.Action,
		Outcome:   rec.Outcome,
	})
}

// New builds the full component graph from configuration. Nothing runs
// yet; Startup starts the loops in order.
func New(cfg *config.Config) (*Platform, error) {
	p := &Platform{cfg: cfg}

	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for class, rl := range cfg.RateLimits {
		limits[class] = ratelimit.Limit{Capacity: rl.Capacity, RefillRate: rl.RefillPerSecond}
	}
	p.Limiter = ratelimit.NewRegistry(limits)

	p.Queue = taskqueue.New(cfg.Queue.Workers, cfg.Queue.Capacity, p.Limiter)
	p.Pool = workerpool.New(workerpool.Config{
		HighPriorityWorkers: cfg.Pool.HighWorkers,
		StandardWorkers:     cfg.Pool.StandardWorkers,
		CPUWorkers:          cfg.Pool.CPUWorkers,
		MemoryLimitBytes:    uint64(cfg.Pool.MemoryLimitMB) * 1024 * 1024,
		GoroutineBudget:     cfg.Pool.GoroutineBudget,
	})
	p.Nodes = cluster.NewSet()

	var sink monitor.Sink
	if cfg.Audit.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("platform: create audit directory: %w", err)
		}
		store, err := audit.NewStore(cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("platform: open audit store: %w", err)
		}
		p.auditStore = store
		sink = auditSink{store: store}
	}

	p.Monitor = monitor.New(monitor.Config{
		Interval:           cfg.MonitorInterval(),
		CPUThrottlePercent: cfg.Monitor.CPUThrottlePercent,
		MaxRecords:         cfg.Monitor.MaxRecords,
	}, p.Pool, p.Nodes, sink)

	gate, err := buildGate(cfg)
	if err != nil {
		return nil, fmt.Errorf("platform: build safety gate: %w", err)
	}

	router, err := routing.New(routingRules(cfg))
	if err != nil {
		return nil, fmt.Errorf("platform: build router: %w", err)
	}

	reg := registry.New()
	if err := reg.LoadDir(cfg.Registry.PersonaDir); err != nil {
		return nil, fmt.Errorf("platform: load personas: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Model:   cfg.Backend.Model,
		Timeout: cfg.Backend.Timeout(),
	}, p.Limiter, backend.WithCPUExecutor(p.Pool))
	if err != nil {
		return nil, fmt.Errorf("platform: build backend client: %w", err)
	}

	memSvc, err := p.buildMemory(client)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{}
	if memSvc != nil {
		opts = append(opts, pipeline.WithRecallObserver(func(requestID, query, summary string, durationMs int64, success bool) {
			memSvc.Observe(requestID, query, summary, time.Duration(durationMs)*time.Millisecond, success)
		}))
	}
	if cfg.Consensus.Enabled() {
		consensus, err := backend.NewClient(backend.Config{
			BaseURL: cfg.Consensus.BaseURL,
			APIKey:  cfg.Consensus.APIKey,
			Model:   cfg.Consensus.Model,
			Timeout: cfg.Consensus.Timeout(),
		}, p.Limiter, backend.WithCPUExecutor(p.Pool))
		if err != nil {
			return nil, fmt.Errorf("platform: build consensus client: %w", err)
		}
		opts = append(opts, pipeline.WithConsensusBackend(consensus))
	}

	// A nil *Service must stay a nil interface for the pipeline's check.
	var recall pipeline.MemoryService
	if memSvc != nil {
		recall = memSvc
	}
	pipe, err := pipeline.New(pipeline.Config{VisionTimeout: cfg.VisionTimeout()},
		gate, client, recall, router, reg, p.Pool, p.Queue, p.Nodes, opts...)
	if err != nil {
		return nil, fmt.Errorf("platform: build pipeline: %w", err)
	}
	p.Pipeline = pipe

	return p, nil
}

// buildGate constructs the safety gate from configuration.
func buildGate(cfg *config.Config) (*safety.Gate, error) {
	return safety.New(safety.Config{
		ExtraPatterns:    cfg.Safety.ExtraBlockPatterns,
		BlockThreshold:   cfg.Safety.BlockThreshold,
		ClarifyThreshold: cfg.Safety.ClarifyThreshold,
	})
}

// routingRules converts configured rules into routing rules. An empty
// list means the router's built-in defaults.
func routingRules(cfg *config.Config) []routing.Rule {
	if len(cfg.Routing.Rules) == 0 {
		return nil
	}
	rules := make([]routing.Rule, 0, len(cfg.Routing.Rules))
	for _, r := range cfg.Routing.Rules {
		rules = append(rules, routing.Rule{
			Cluster:    cluster.ID(r.Cluster),
			Expression: r.Expression,
		})
	}
	return rules
}

// ApplyConfig rebuilds the hot-swappable collaborators (safety patterns,
// routing rules) from next and swaps them into the pipeline. A rule set
// that fails to compile leaves the previous collaborators in place.
// Structural settings still require a restart.
func (p *Platform) ApplyConfig(next *config.Config) error {
	gate, err := buildGate(next)
	if err != nil {
		return fmt.Errorf("platform: rebuild safety gate: %w", err)
	}
	router, err := routing.New(routingRules(next))
	if err != nil {
		return fmt.Errorf("platform: rebuild router: %w", err)
	}
	return p.Pipeline.Rewire(gate, router)
}

// buildMemory constructs the journal recorder and recall service. Memory
// is optional; an empty journal path disables it.
func (p *Platform) buildMemory(client *backend.Client) (*memory.Service, error) {
	path := p.cfg.Memory.JournalPath
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("platform: create memory directory: %w", err)
	}
	recorder, err := memory.NewRecorder(path)
	if err != nil {
		return nil, fmt.Errorf("platform: open memory journal: %w", err)
	}
	p.recorder = recorder

	synthesize := func(ctx context.Context, prompt string) (string, error) {
		return client.Generate(ctx, []backend.Message{
			{Role: "system", Content: "Summarize the following interaction history into context relevant to the new request. Be brief."},
			{Role: "user", Content: prompt},
		})
	}
	return memory.NewService(recorder, synthesize, p.cfg.Memory.RecallWindow), nil
}

// Startup brings the platform online: queue workers, cluster nodes, then
// the self-healing loop.
func (p *Platform) Startup(ctx context.Context) error {
	if err := p.Queue.Start(); err != nil {
		return fmt.Errorf("platform: start queue: %w", err)
	}
	p.Nodes.StartAll()
	if err := p.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("platform: start monitor: %w", err)
	}
	log.Info("Platform started")
	return nil
}

// Shutdown stops components in the reverse dependency order: monitor
// first so no remediation fires mid-teardown, then the queue drain, then
// the pool, then storage.
func (p *Platform) Shutdown(ctx context.Context) error {
	p.Monitor.Stop()

	var firstErr error
	if err := p.Queue.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.Pool.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	p.Nodes.StopAll()

	if p.recorder != nil {
		if err := p.recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.auditStore != nil {
		if err := p.auditStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info("Platform stopped")
	return firstErr
}
