// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package workerpool

import (
	"runtime"
	"time"
)

// HealthStatus classifies current resource pressure.
type HealthStatus string

const (
	// StatusHealthy means memory usage is below the warning threshold.
	StatusHealthy HealthStatus = "healthy"
	// StatusReclaiming means usage crossed the warning threshold and a
	// best-effort reclamation pass should run before continuing.
	StatusReclaiming HealthStatus = "reclaiming"
	// StatusCritical means usage crossed the hard ceiling; submissions
	// are rejected until pressure drops.
	StatusCritical HealthStatus = "critical"
)

// Health is a point-in-time resource snapshot. It is recomputed on every
// submission and on every monitor cycle, never cached.
type Health struct {
	// CPUUsage approximates scheduler load as the ratio of live
	// goroutines to the configured goroutine budget, in percent.
	CPUUsage float64 `json:"cpu_usage"`
	// MemoryPercent is heap usage relative to the configured memory limit.
	MemoryPercent float64 `json:"memory_percent"`
	// MemoryAvailable is the remaining headroom under the limit, in bytes.
	MemoryAvailable uint64 `json:"memory_available"`
	// Status classifies the snapshot against the configured thresholds.
	Status HealthStatus `json:"status"`
	// CheckedAt is when the snapshot was taken.
	CheckedAt time.Time `json:"checked_at"`
}

// Probe produces raw resource readings. Swappable so tests can drive the
// admission gate deterministically.
type Probe func() (cpuPercent, memPercent float64, memAvailable uint64)

// runtimeProbe reads the Go runtime. Heap usage is measured against the
// configured memory limit; goroutine count against the goroutine budget.
func runtimeProbe(memLimitBytes uint64, goroutineBudget int) Probe {
	return func() (float64, float64, uint64) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		memPercent := float64(ms.HeapAlloc) / float64(memLimitBytes) * 100
		var available uint64
		if ms.HeapAlloc < memLimitBytes {
			available = memLimitBytes - ms.HeapAlloc
		}

		cpuPercent := float64(runtime.NumGoroutine()) / float64(goroutineBudget) * 100
		return cpuPercent, memPercent, available
	}
}

// classify maps a memory reading onto a health status.
func classify(memPercent, warningPercent, criticalPercent float64) HealthStatus {
	switch {
	case memPercent >= criticalPercent:
		return StatusCritical
	case memPercent >= warningPercent:
		return StatusReclaiming
	default:
		return StatusHealthy
	}
}
