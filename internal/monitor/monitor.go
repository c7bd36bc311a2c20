// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitor implements the self-healing loop. On a fixed interval it
// audits worker-pool health and node liveness and applies local
// remediation: force a memory reclamation when the pool is critical,
// reactivate dead nodes, and record a throttling warning when scheduler
// load is high. Every remediation is idempotent, so overlapping cycles
// cannot corrupt state, and a failed cycle never stops the loop.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/cluster"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// PoolHealth is the slice of the worker pool the monitor depends on.
type PoolHealth interface {
	CheckSystemHealth() workerpool.Health
	Reclaim()
}

// Sink receives remediation records for persistence. Optional; the
// monitor also keeps an in-memory trail.
type Sink interface {
	Append(rec Record) error
}

// Record is one remediation trail entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
}

// Remediation actions recorded by the monitor.
const (
	ActionForceReclaim    = "force_reclaim"
	ActionReactivateNode  = "reactivate_node"
	ActionThrottleWarning = "throttle_warning"
)

// Stats summarizes monitor activity.
type Stats struct {
	Running      bool      `json:"running"`
	StartedAt    time.Time `json:"started_at"`
	Cycles       int64     `json:"cycles"`
	CycleErrors  int64     `json:"cycle_errors"`
	Remediations int64     `json:"remediations"`
	LastCycleAt  time.Time `json:"last_cycle_at"`
}

// Config tunes the monitor loop.
type Config struct {
	// Interval is the audit period.
	Interval time.Duration
	// CPUThrottlePercent is the scheduler-load level above which a
	// throttling warning is recorded. Observability only.
	CPUThrottlePercent float64
	// MaxRecords bounds the in-memory trail; older entries are dropped
	// from memory (the sink keeps the full history).
	MaxRecords int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.CPUThrottlePercent <= 0 {
		c.CPUThrottlePercent = 85
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 200
	}
	return c
}

// Monitor is the self-healing loop.
type Monitor struct {
	cfg   Config
	pool  PoolHealth
	nodes *cluster.Set
	sink  Sink

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}

	stats   Stats
	records []Record
}

// New creates a monitor. sink may be nil.
func New(cfg Config, pool PoolHealth, nodes *cluster.Set, sink Sink) *Monitor {
	return &Monitor{
		cfg:   cfg.withDefaults(),
		pool:  pool,
		nodes: nodes,
		sink:  sink,
	}
}

// Start begins the audit loop. Starting a running monitor is an error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor: already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ticker = time.NewTicker(m.cfg.Interval)
	m.done = make(chan struct{})
	m.running = true
	m.stats.Running = true
	m.stats.StartedAt = time.Now()

	go m.loop()

	log.WithField("interval", m.cfg.Interval.String()).Info("Health monitor started")
	return nil
}

// Stop terminates the loop and waits for the in-flight cycle to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stats.Running = false
	m.cancel()
	m.ticker.Stop()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Health monitor stop timed out waiting for cycle")
	}
	log.Info("Health monitor stopped")
}

func (m *Monitor) loop() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.ticker.C:
			m.RunCycle()
		}
	}
}

// RunCycle performs one audit pass. Exported so tests and diagnostics can
// drive cycles without waiting out the interval. Any error or panic inside
// the cycle is recovered and counted; the loop proceeds regardless.
func (m *Monitor) RunCycle() {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Health monitor cycle panicked; continuing")
			m.mu.Lock()
			m.stats.CycleErrors++
			m.mu.Unlock()
		}
	}()

	m.auditPool()
	m.auditNodes()

	m.mu.Lock()
	m.stats.Cycles++
	m.stats.LastCycleAt = time.Now()
	m.mu.Unlock()
}

// auditPool queries pool health, reclaims on critical pressure, and
// records a throttle warning on high scheduler load.
func (m *Monitor) auditPool() {
	if m.pool == nil {
		return
	}
	health := m.pool.CheckSystemHealth()

	if health.Status == workerpool.StatusCritical {
		m.pool.Reclaim()
		m.record(Record{
			Target:  "worker_pool",
			Action:  ActionForceReclaim,
			Outcome: fmt.Sprintf("memory at %.1f%%", health.MemoryPercent),
		})
	}

	if health.CPUUsage > m.cfg.CPUThrottlePercent {
		log.WithField("cpu_usage", health.CPUUsage).Warn("Scheduler load above throttle threshold")
		m.record(Record{
			Target:  "worker_pool",
			Action:  ActionThrottleWarning,
			Outcome: fmt.Sprintf("load at %.1f%%", health.CPUUsage),
		})
	}
}

// auditNodes restarts every inactive node. Node.Start only reports a
// change when the flag actually flipped, so reapplying a restart to an
// already-active node appends nothing.
func (m *Monitor) auditNodes() {
	if m.nodes == nil {
		return
	}
	for _, n := range m.nodes.Nodes() {
		if n.IsActive() {
			continue
		}
		if n.Start() {
			m.record(Record{
				Target:  n.ID(),
				Action:  ActionReactivateNode,
				Outcome: "success",
			})
		}
	}
}

func (m *Monitor) record(rec Record) {
	rec.Timestamp = time.Now()

	m.mu.Lock()
	m.records = append(m.records, rec)
	if len(m.records) > m.cfg.MaxRecords {
		m.records = m.records[len(m.records)-m.cfg.MaxRecords:]
	}
	m.stats.Remediations++
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"target":  rec.Target,
		"action":  rec.Action,
		"outcome": rec.Outcome,
	}).Info("Remediation recorded")

	if m.sink != nil {
		if err := m.sink.Append(rec); err != nil {
			// Trail persistence failing must not fail the cycle.
			log.Warnf("Remediation sink append failed: %v", err)
		}
	}
}

// Records returns a copy of the in-memory remediation trail.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// GetStats returns a snapshot of monitor statistics.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
