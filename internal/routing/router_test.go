// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synaptiq/internal/cluster"
)

func TestRouter_DefaultRules(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want []cluster.ID
	}{
		{"platform keywords", "Check system health", []cluster.ID{cluster.Platform}},
		{"research keywords", "explain why the sky is blue", []cluster.ID{cluster.Research}},
		{"creative keywords", "write a short story", []cluster.ID{cluster.Creative}},
		{"analysis keywords", "analyze the metrics from last week", []cluster.ID{cluster.Analysis}},
		{"multiple clusters", "analyze the system data", []cluster.ID{cluster.Platform, cluster.Analysis}},
		{"no match", "good morning", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Route(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouter_ImageRoutesToAnalysis(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	got, err := r.RouteRequest(context.Background(), "what is in this picture", true)
	require.NoError(t, err)
	assert.Contains(t, got, cluster.Analysis)
}

func TestRouter_CustomRules(t *testing.T) {
	r, err := New([]Rule{
		{cluster.Creative, `word_count > 10`},
		{cluster.Platform, `Contains("ops")`},
	})
	require.NoError(t, err)

	got, err := r.Route(context.Background(), "ops question")
	require.NoError(t, err)
	assert.Equal(t, []cluster.ID{cluster.Platform}, got)
}

func TestRouter_InvalidExpressionFailsAtConstruction(t *testing.T) {
	_, err := New([]Rule{{cluster.Platform, `Contains(`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile rule")
}

func TestRouter_DuplicateClusterReportedOnce(t *testing.T) {
	r, err := New([]Rule{
		{cluster.Platform, `Contains("a")`},
		{cluster.Platform, `Contains("b")`},
	})
	require.NoError(t, err)

	got, err := r.Route(context.Background(), "a and b")
	require.NoError(t, err)
	assert.Equal(t, []cluster.ID{cluster.Platform}, got)
}
