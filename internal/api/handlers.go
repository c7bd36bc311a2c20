// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/pipeline"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// submitRequest is the POST /v1/requests body.
type submitRequest struct {
	Text     string `json:"text" binding:"required"`
	ImageRef string `json:"image_ref"`
}

func (s *Server) handleRequest(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	result, err := s.processor.ProcessRequest(c.Request.Context(), req.Text, req.ImageRef)
	if err != nil {
		if errors.Is(err, workerpool.ErrResourceExhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "system under memory pressure, try again later"})
			return
		}
		log.Errorf("Request processing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request processing failed"})
		return
	}

	status := http.StatusOK
	if result.Status == pipeline.StatusBlocked {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health source not initialized"})
		return
	}
	h := s.health.CheckSystemHealth()

	status := http.StatusOK
	if h.Status == workerpool.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue not initialized"})
		return
	}
	c.JSON(http.StatusOK, s.queue.GetStats())
}

func (s *Server) handleMonitorRecords(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitor not initialized"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records := s.monitor.Records()
	if len(records) > limit {
		records = records[:limit]
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":   s.monitor.GetStats(),
		"records": records,
	})
}
