// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the orchestration core over HTTP: request submission,
// health and queue introspection, the remediation trail, and a websocket
// stream of live diagnostics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/monitor"
	"github.com/synaptiq/synaptiq/internal/pipeline"
	"github.com/synaptiq/synaptiq/internal/taskqueue"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// RequestProcessor runs one request through the pipeline.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, text, imageRef string) (*pipeline.Result, error)
}

// HealthSource reports current system health.
type HealthSource interface {
	CheckSystemHealth() workerpool.Health
}

// QueueStats exposes task queue counters.
type QueueStats interface {
	GetStats() taskqueue.Stats
}

// MonitorStats exposes self-healing loop state.
type MonitorStats interface {
	GetStats() monitor.Stats
	Records() []monitor.Record
}

// Server wires the HTTP surface over the orchestration components.
type Server struct {
	processor RequestProcessor
	health    HealthSource
	queue     QueueStats
	monitor   MonitorStats

	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the gin engine and routes. Any of health, queue, and
// mon may be nil; their endpoints then report unavailable.
func NewServer(processor RequestProcessor, health HealthSource, queue QueueStats, mon MonitorStats, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		processor: processor,
		health:    health,
		queue:     queue,
		monitor:   mon,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/v1")
	{
		v1.POST("/requests", s.handleRequest)
		v1.GET("/health", s.handleHealth)
		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/monitor/records", s.handleMonitorRecords)
		v1.GET("/diagnostics/stream", s.handleDiagnosticsStream)
	}

	s.engine = engine
	return s
}

// Engine returns the underlying gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("addr", addr).Info("API server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
