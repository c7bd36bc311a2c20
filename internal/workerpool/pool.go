// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package workerpool provides the hybrid execution substrate: two thread
// tiers (high-priority and standard) plus a CPU tier for compute-bound
// work, all behind one memory-pressure admission gate. The high-priority
// tier lets latency-sensitive steps bypass background bookkeeping without
// a full priority scheduler.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrResourceExhausted is returned when memory pressure is critical.
// Submissions fail fast instead of being queued; this is the system's only
// hard admission-control gate.
var ErrResourceExhausted = errors.New("workerpool: resource exhausted")

// ErrPoolClosed is returned from submissions after Shutdown.
var ErrPoolClosed = errors.New("workerpool: pool is closed")

// Priority selects the thread tier for SubmitTask.
type Priority string

const (
	// PriorityHigh is for latency-sensitive steps such as the safety gate.
	PriorityHigh Priority = "high"
	// PriorityStandard is for background bookkeeping.
	PriorityStandard Priority = "standard"
)

// Config sizes the tiers and sets the admission thresholds. Zero values
// are filled from detected hardware parallelism.
type Config struct {
	HighPriorityWorkers int
	StandardWorkers     int
	CPUWorkers          int

	// MemoryLimitBytes is the heap budget health is measured against.
	MemoryLimitBytes uint64
	// MemoryWarningPercent triggers a reclamation pass (Reclaiming).
	MemoryWarningPercent float64
	// MemoryCriticalPercent rejects submissions (Critical).
	MemoryCriticalPercent float64
	// GoroutineBudget is the denominator for the scheduler-load reading.
	GoroutineBudget int
}

func (c Config) withDefaults() Config {
	cpus := runtime.NumCPU()
	if c.HighPriorityWorkers <= 0 {
		c.HighPriorityWorkers = max(2, cpus/2)
	}
	if c.StandardWorkers <= 0 {
		c.StandardWorkers = cpus * 2
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = cpus
	}
	if c.MemoryLimitBytes == 0 {
		c.MemoryLimitBytes = 1 << 30 // 1 GiB heap budget
	}
	if c.MemoryWarningPercent <= 0 {
		c.MemoryWarningPercent = 75
	}
	if c.MemoryCriticalPercent <= 0 {
		c.MemoryCriticalPercent = 90
	}
	if c.GoroutineBudget <= 0 {
		c.GoroutineBudget = 10000
	}
	return c
}

// Pool is the hybrid worker pool.
type Pool struct {
	cfg   Config
	probe Probe

	highCh chan func()
	stdCh  chan func()
	cpuCh  chan func()

	highWG sync.WaitGroup
	stdWG  sync.WaitGroup
	cpuWG  sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	reclaimMu sync.Mutex
}

// Option customizes pool construction.
type Option func(*Pool)

// WithProbe replaces the runtime health probe.
func WithProbe(p Probe) Option {
	return func(pool *Pool) { pool.probe = p }
}

// New creates and starts a pool sized by cfg.
func New(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		highCh: make(chan func(), cfg.HighPriorityWorkers*2),
		stdCh:  make(chan func(), cfg.StandardWorkers*2),
		cpuCh:  make(chan func(), cfg.CPUWorkers*2),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.probe == nil {
		p.probe = runtimeProbe(cfg.MemoryLimitBytes, cfg.GoroutineBudget)
	}

	p.startTier(&p.highWG, p.highCh, cfg.HighPriorityWorkers)
	p.startTier(&p.stdWG, p.stdCh, cfg.StandardWorkers)
	p.startTier(&p.cpuWG, p.cpuCh, cfg.CPUWorkers)

	log.WithFields(log.Fields{
		"high":     cfg.HighPriorityWorkers,
		"standard": cfg.StandardWorkers,
		"cpu":      cfg.CPUWorkers,
	}).Debug("Hybrid worker pool started")
	return p
}

func (p *Pool) startTier(wg *sync.WaitGroup, ch chan func(), n int) {
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fn := range ch {
				runSafe(fn)
			}
		}()
	}
}

func runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Worker pool task panicked")
		}
	}()
	fn()
}

// CheckSystemHealth recomputes resource pressure from the probe. Never
// cached: every submission and every monitor cycle sees a fresh reading.
func (p *Pool) CheckSystemHealth() Health {
	cpu, mem, available := p.probe()
	return Health{
		CPUUsage:        cpu,
		MemoryPercent:   mem,
		MemoryAvailable: available,
		Status:          classify(mem, p.cfg.MemoryWarningPercent, p.cfg.MemoryCriticalPercent),
		CheckedAt:       time.Now(),
	}
}

// SubmitTask places fn on the selected thread tier after passing the
// admission gate. A Reclaiming reading triggers an immediate best-effort
// reclamation pass before enqueueing; a Critical reading fails fast with
// ErrResourceExhausted.
func (p *Pool) SubmitTask(ctx context.Context, fn func(), priority Priority) error {
	ch := p.stdCh
	if priority == PriorityHigh {
		ch = p.highCh
	}
	return p.admit(ctx, ch, fn)
}

// SubmitCPUTask places fn on the CPU tier after passing the admission gate.
func (p *Pool) SubmitCPUTask(ctx context.Context, fn func()) error {
	return p.admit(ctx, p.cpuCh, fn)
}

func (p *Pool) admit(ctx context.Context, ch chan func(), fn func()) error {
	// Registering in-flight under the lock pairs with Shutdown, which
	// flips closed and then waits out in-flight admissions before closing
	// the tier channels. The send below can never hit a closed channel.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	health := p.CheckSystemHealth()
	switch health.Status {
	case StatusCritical:
		return fmt.Errorf("%w: memory at %.1f%% (limit %.1f%%)",
			ErrResourceExhausted, health.MemoryPercent, p.cfg.MemoryCriticalPercent)
	case StatusReclaiming:
		p.Reclaim()
	}

	select {
	case ch <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reclaim runs a best-effort memory reclamation pass. Serialized so
// overlapping triggers do not stack GC cycles.
func (p *Pool) Reclaim() {
	p.reclaimMu.Lock()
	defer p.reclaimMu.Unlock()

	log.Debug("Worker pool forcing memory reclamation")
	runtime.GC()
	debug.FreeOSMemory()
}

// Shutdown drains and closes the tiers in fixed order (high, standard,
// CPU) so no caller observes a half-closed pool. Blocks until every tier
// finished or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Admissions that passed the closed check finish their sends first;
	// workers are still draining, so those sends cannot block forever.
	p.inflight.Wait()

	close(p.highCh)
	close(p.stdCh)
	close(p.cpuCh)

	done := make(chan struct{})
	go func() {
		p.highWG.Wait()
		p.stdWG.Wait()
		p.cpuWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("Hybrid worker pool shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workerpool: shutdown aborted: %w", ctx.Err())
	}
}
