// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// diagnosticsInterval is how often the stream pushes a snapshot.
const diagnosticsInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Diagnostics are localhost operator tooling; origin checks add
	// nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// diagnosticsSnapshot is one frame of the diagnostics stream.
type diagnosticsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Health    any       `json:"health,omitempty"`
	Queue     any       `json:"queue,omitempty"`
	Monitor   any       `json:"monitor,omitempty"`
}

// handleDiagnosticsStream upgrades to websocket and pushes periodic
// health, queue, and monitor snapshots until the client disconnects.
func (s *Server) handleDiagnosticsStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("Diagnostics stream upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(diagnosticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := s.snapshot()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshot() diagnosticsSnapshot {
	snap := diagnosticsSnapshot{Timestamp: time.Now()}
	if s.health != nil {
		snap.Health = s.health.CheckSystemHealth()
	}
	if s.queue != nil {
		snap.Queue = s.queue.GetStats()
	}
	if s.monitor != nil {
		snap.Monitor = s.monitor.GetStats()
	}
	return snap
}
