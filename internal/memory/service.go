// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Synthesizer produces a summary from a prompt. Satisfied by a thin
// adapter over the AI backend so this package stays decoupled from the
// backend client.
type Synthesizer func(ctx context.Context, prompt string) (string, error)

// Service is the default recall service: it pulls recent recall entries
// from the recorder and asks the synthesizer for a summary relevant to
// the query.
type Service struct {
	recorder   *Recorder
	synthesize Synthesizer
	window     int
}

// NewService creates a recall service reading the last window entries.
func NewService(recorder *Recorder, synthesize Synthesizer, window int) *Service {
	if window <= 0 {
		window = 20
	}
	return &Service{recorder: recorder, synthesize: synthesize, window: window}
}

// Recall returns a synthesized summary of stored context relevant to the
// query. An empty history yields an empty summary without a backend call.
func (s *Service) Recall(ctx context.Context, query string) (string, error) {
	entries, err := s.recorder.Recent(s.window)
	if err != nil {
		return "", fmt.Errorf("memory: load recall history: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Summarize the stored context below as it relates to the query.\n")
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\nStored context:\n")
	for _, e := range entries {
		if e.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Query, e.Summary)
	}

	summary, err := s.synthesize(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("memory: synthesize recall: %w", err)
	}
	return summary, nil
}

// Observe records the outcome of a recall so future queries can build on
// it. Non-blocking.
func (s *Service) Observe(requestID, query, summary string, duration time.Duration, success bool) {
	s.recorder.Record(RecallEntry{
		RequestID:  requestID,
		Query:      query,
		Summary:    summary,
		DurationMs: duration.Milliseconds(),
		Success:    success,
	})
}
