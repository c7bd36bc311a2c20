// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(filepath.Join(t.TempDir(), "recall.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorder_RecordAndRecent(t *testing.T) {
	r := newRecorder(t)

	r.Record(RecallEntry{RequestID: "r1", Query: "first", Summary: "alpha", Success: true})
	r.Record(RecallEntry{RequestID: "r2", Query: "second", Summary: "beta", Success: true})

	require.Eventually(t, func() bool {
		entries, err := r.Recent(10)
		return err == nil && len(entries) == 2
	}, time.Second, 10*time.Millisecond)

	entries, err := r.Recent(10)
	require.NoError(t, err)
	assert.Equal(t, "first", entries[0].Query)
	assert.Equal(t, "beta", entries[1].Summary)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestRecorder_RecentLimitsToNewest(t *testing.T) {
	r := newRecorder(t)

	for i := 0; i < 5; i++ {
		r.Record(RecallEntry{RequestID: "r", Query: "q", Summary: "s"})
	}
	require.Eventually(t, func() bool {
		entries, _ := r.Recent(100)
		return len(entries) == 5
	}, time.Second, 10*time.Millisecond)

	entries, err := r.Recent(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecorder_CloseDrainsQueue(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "recall.jsonl"))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		r.Record(RecallEntry{RequestID: "r", Query: "q", Summary: "s"})
	}
	require.NoError(t, r.Close())

	entries, err := r.Recent(100)
	require.NoError(t, err)
	assert.Len(t, entries, 50, "queued entries must be flushed on close")
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "recall.jsonl"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestService_RecallEmptyHistorySkipsBackend(t *testing.T) {
	r := newRecorder(t)

	called := false
	svc := NewService(r, func(ctx context.Context, prompt string) (string, error) {
		called = true
		return "summary", nil
	}, 10)

	out, err := svc.Recall(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, called, "no backend call without stored context")
}

func TestService_RecallSynthesizesFromHistory(t *testing.T) {
	r := newRecorder(t)
	r.Record(RecallEntry{RequestID: "r1", Query: "deploy", Summary: "deployed v2 yesterday", Success: true})
	require.Eventually(t, func() bool {
		entries, _ := r.Recent(10)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	var gotPrompt string
	svc := NewService(r, func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "v2 went out yesterday", nil
	}, 10)

	out, err := svc.Recall(context.Background(), "what changed recently?")
	require.NoError(t, err)
	assert.Equal(t, "v2 went out yesterday", out)
	assert.Contains(t, gotPrompt, "deployed v2 yesterday")
	assert.Contains(t, gotPrompt, "what changed recently?")
}

func TestService_RecallPropagatesSynthesizerError(t *testing.T) {
	r := newRecorder(t)
	r.Record(RecallEntry{Query: "q", Summary: "s"})
	require.Eventually(t, func() bool {
		entries, _ := r.Recent(10)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	svc := NewService(r, func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("backend down")
	}, 10)

	_, err := svc.Recall(context.Background(), "q")
	require.Error(t, err)
}
