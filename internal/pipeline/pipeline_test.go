// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synaptiq/internal/backend"
	"github.com/synaptiq/synaptiq/internal/cluster"
	"github.com/synaptiq/synaptiq/internal/safety"
	"github.com/synaptiq/synaptiq/internal/taskqueue"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// --- stubs -----------------------------------------------------------------

type stubGate struct {
	dangerous  bool
	assessment safety.Assessment
	calls      atomic.Int64
}

func (s *stubGate) Sanitize(text string) string { return strings.TrimSpace(text) }
func (s *stubGate) IsDangerous(string) bool     { return s.dangerous }
func (s *stubGate) Interrogate(text string) (safety.Assessment, error) {
	s.calls.Add(1)
	a := s.assessment
	if a.RefinedText == "" {
		a.RefinedText = text
	}
	return a, nil
}

func passingGate() *stubGate {
	return &stubGate{assessment: safety.Assessment{Status: safety.StatusPassed}}
}

type stubBackend struct {
	reply string
	err   error
	calls atomic.Int64

	mu          sync.Mutex
	transcripts [][]backend.Message
}

func (s *stubBackend) Generate(_ context.Context, msgs []backend.Message) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.transcripts = append(s.transcripts, msgs)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubMemory struct {
	summary string
	err     error
	calls   atomic.Int64
}

func (s *stubMemory) Recall(context.Context, string) (string, error) {
	s.calls.Add(1)
	return s.summary, s.err
}

type stubRouter struct {
	clusters []cluster.ID
	err      error
	calls    atomic.Int64
}

func (s *stubRouter) RouteRequest(context.Context, string, bool) ([]cluster.ID, error) {
	s.calls.Add(1)
	return s.clusters, s.err
}

type stubVision struct {
	reply string
	block chan struct{} // non-nil: Analyze parks until closed or ctx done
	calls atomic.Int64
}

func (s *stubVision) Analyze(ctx context.Context, _, _ string) (string, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, nil
}

func newTestQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	q := taskqueue.New(4, 64, nil)
	require.NoError(t, q.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func activeNodes() *cluster.Set {
	set := cluster.NewSet()
	set.StartAll()
	return set
}

func newTestPool(t *testing.T, probe workerpool.Probe) *workerpool.Pool {
	t.Helper()
	p := workerpool.New(workerpool.Config{
		HighPriorityWorkers: 2,
		StandardWorkers:     4,
		CPUWorkers:          2,
	}, workerpool.WithProbe(probe))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func healthyProbe() workerpool.Probe {
	return func() (float64, float64, uint64) { return 10, 20, 1 << 30 }
}

func criticalProbe() workerpool.Probe {
	return func() (float64, float64, uint64) { return 10, 95, 0 }
}

func newTestPipeline(t *testing.T, gate SafetyGate, be *stubBackend, router *stubRouter, opts ...Option) (*Pipeline, *cluster.Set) {
	t.Helper()
	nodes := activeNodes()
	p, err := New(Config{VisionTimeout: 200 * time.Millisecond},
		gate, be, &stubMemory{}, router, nil, newTestPool(t, healthyProbe()), newTestQueue(t), nodes, opts...)
	require.NoError(t, err)
	return p, nodes
}

// --- tests -----------------------------------------------------------------

func TestProcessRequest_DangerousInputBlockedWithNoDownstreamCalls(t *testing.T) {
	gate := &stubGate{dangerous: true}
	be := &stubBackend{reply: "unused"}
	router := &stubRouter{clusters: cluster.All()}
	mem := &stubMemory{summary: "unused"}

	nodes := activeNodes()
	p, err := New(Config{}, gate, be, mem, router, nil, newTestPool(t, healthyProbe()), newTestQueue(t), nodes)
	require.NoError(t, err)

	res, err := p.ProcessRequest(context.Background(), "rm -rf /", "")
	require.NoError(t, err, "a blocked verdict is a result, not an error")

	assert.Equal(t, StatusBlocked, res.Status)
	assert.Zero(t, gate.calls.Load(), "interrogation skipped after hard block")
	assert.Zero(t, be.calls.Load(), "no backend call after block")
	assert.Zero(t, mem.calls.Load(), "no recall after block")
	assert.Zero(t, router.calls.Load(), "no routing after block")
}

func TestProcessRequest_RoutedOnlyToPlatformCluster(t *testing.T) {
	be := &stubBackend{reply: "all systems nominal"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Platform}}
	p, _ := newTestPipeline(t, passingGate(), be, router)

	res, err := p.ProcessRequest(context.Background(), "Check system health", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.Response)
	require.Len(t, res.ClusterResults, 1)
	assert.Contains(t, res.ClusterResults, cluster.Platform)
	// One platform agent call plus the synthesis call.
	assert.EqualValues(t, 2, be.calls.Load())
}

func TestProcessRequest_FiftyConcurrentRequestsAllSucceed(t *testing.T) {
	be := &stubBackend{reply: "done"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Research}}
	p, _ := newTestPipeline(t, passingGate(), be, router)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	ids := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.ProcessRequest(context.Background(), fmt.Sprintf("question %d", i), "")
			if err != nil {
				errs <- err
				return
			}
			if res.Status != StatusSuccess {
				errs <- fmt.Errorf("request %d: status %s", i, res.Status)
				return
			}
			ids <- res.RequestID
		}(i)
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Error(err)
	}
	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "request IDs must be unique")
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestProcessRequest_VisionTimeoutDegrades(t *testing.T) {
	be := &stubBackend{reply: "answered without the image"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Analysis}}
	vision := &stubVision{block: make(chan struct{})}
	defer close(vision.block)

	p, _ := newTestPipeline(t, passingGate(), be, router, WithVisionAnalyzer(vision))

	start := time.Now()
	res, err := p.ProcessRequest(context.Background(), "what is in this chart", "chart.png")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status, "vision timeout must not fail the request")
	assert.Equal(t, VisionTimedOutMarker, res.VisionContext)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must bound the wait")
}

func TestProcessRequest_VisionResultFlowsToAgents(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Analysis}}
	vision := &stubVision{reply: "a bar chart trending upward"}

	p, _ := newTestPipeline(t, passingGate(), be, router, WithVisionAnalyzer(vision))

	res, err := p.ProcessRequest(context.Background(), "what is in this chart", "chart.png")
	require.NoError(t, err)
	assert.Equal(t, "a bar chart trending upward", res.VisionContext)

	be.mu.Lock()
	defer be.mu.Unlock()
	found := false
	for _, msgs := range be.transcripts {
		for _, m := range msgs {
			if strings.Contains(m.Content, "a bar chart trending upward") {
				found = true
			}
		}
	}
	assert.True(t, found, "vision context must reach downstream prompts")
}

func TestProcessRequest_ClarificationShortCircuits(t *testing.T) {
	gate := &stubGate{assessment: safety.Assessment{
		Status:      safety.StatusClarificationNeeded,
		RefinedText: "fix it",
		RiskScore:   0.3,
	}}
	be := &stubBackend{reply: "unused"}
	router := &stubRouter{clusters: cluster.All()}
	p, _ := newTestPipeline(t, gate, be, router)

	res, err := p.ProcessRequest(context.Background(), "fix it", "")
	require.NoError(t, err)

	assert.Equal(t, StatusClarificationNeeded, res.Status)
	assert.Zero(t, be.calls.Load())
	assert.Zero(t, router.calls.Load())
}

func TestProcessRequest_RoutingFailureFansOutToAllClusters(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	router := &stubRouter{err: fmt.Errorf("routing backend unreachable")}
	p, _ := newTestPipeline(t, passingGate(), be, router)

	res, err := p.ProcessRequest(context.Background(), "hello there", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.ClusterResults, len(cluster.All()), "routing error fails open to every cluster")
}

func TestProcessRequest_RecallFailureContinuesEmpty(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Creative}}
	mem := &stubMemory{err: fmt.Errorf("journal corrupted")}

	var observed struct {
		sync.Mutex
		success bool
		called  bool
	}
	p, err := New(Config{}, passingGate(), be, mem, router, nil, newTestPool(t, healthyProbe()), newTestQueue(t), activeNodes(),
		WithRecallObserver(func(_, _, _ string, _ int64, success bool) {
			observed.Lock()
			observed.called = true
			observed.success = success
			observed.Unlock()
		}))
	require.NoError(t, err)

	res, err := p.ProcessRequest(context.Background(), "write a poem", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.RecallContext)
	observed.Lock()
	assert.True(t, observed.called)
	assert.False(t, observed.success)
	observed.Unlock()
}

func TestProcessRequest_SynthesisFailureReturnsDegradedAnswer(t *testing.T) {
	// The backend fails every call, so cluster results are empty too; the
	// degraded fallback must still yield a non-empty response.
	be := &stubBackend{err: fmt.Errorf("backend down")}
	router := &stubRouter{clusters: []cluster.ID{cluster.Platform}}
	p, _ := newTestPipeline(t, passingGate(), be, router)

	res, err := p.ProcessRequest(context.Background(), "status report", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status, "degradation is not failure")
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Response)
}

func TestProcessRequest_InactiveNodeSkipped(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Platform, cluster.Research}}
	p, nodes := newTestPipeline(t, passingGate(), be, router)

	require.True(t, nodes.Get(cluster.Research).Stop())

	res, err := p.ProcessRequest(context.Background(), "check status and investigate", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "ok", res.ClusterResults[cluster.Platform])
	assert.Empty(t, res.ClusterResults[cluster.Research], "inactive node yields empty result")
}

func TestProcessRequest_ConsensusFailureIgnored(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	consensus := &stubBackend{err: fmt.Errorf("peer unavailable")}
	router := &stubRouter{clusters: []cluster.ID{cluster.Analysis}}
	p, _ := newTestPipeline(t, passingGate(), be, router, WithConsensusBackend(consensus))

	res, err := p.ProcessRequest(context.Background(), "compare the quarterly numbers", "")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Consensus)
	assert.Positive(t, consensus.calls.Load())
}

func TestProcessRequest_ResourceExhaustionFailsFast(t *testing.T) {
	be := &stubBackend{reply: "unused"}
	router := &stubRouter{clusters: cluster.All()}
	gate := passingGate()

	p, err := New(Config{}, gate, be, &stubMemory{}, router, nil,
		newTestPool(t, criticalProbe()), newTestQueue(t), activeNodes())
	require.NoError(t, err)

	_, err = p.ProcessRequest(context.Background(), "summarize the logs", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrResourceExhausted)
	assert.Zero(t, be.calls.Load(), "no backend call after admission rejection")
	assert.Zero(t, router.calls.Load(), "no routing after admission rejection")
}

func TestProcessRequest_ExhaustionDuringFanOutIsFatal(t *testing.T) {
	// Pressure rises after the gate admission: the first reading passes,
	// every later one is critical. The fan-out rejection must surface.
	var readings atomic.Int64
	probe := func() (float64, float64, uint64) {
		if readings.Add(1) == 1 {
			return 10, 20, 1 << 30
		}
		return 10, 95, 0
	}

	be := &stubBackend{reply: "unused"}
	router := &stubRouter{clusters: []cluster.ID{cluster.Platform}}
	p, err := New(Config{}, passingGate(), be, &stubMemory{}, router, nil,
		newTestPool(t, probe), newTestQueue(t), activeNodes())
	require.NoError(t, err)

	_, err = p.ProcessRequest(context.Background(), "check system status", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrResourceExhausted)
}

func TestRewire_SwapsGateAndRouting(t *testing.T) {
	be := &stubBackend{reply: "ok"}
	routerA := &stubRouter{clusters: []cluster.ID{cluster.Platform}}
	p, _ := newTestPipeline(t, passingGate(), be, routerA)

	res, err := p.ProcessRequest(context.Background(), "check system status", "")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, res.ClusterResults, cluster.Platform)

	// Swap in a router that targets a different cluster.
	routerB := &stubRouter{clusters: []cluster.ID{cluster.Creative}}
	require.NoError(t, p.Rewire(passingGate(), routerB))

	res, err = p.ProcessRequest(context.Background(), "check system status", "")
	require.NoError(t, err)
	require.Len(t, res.ClusterResults, 1)
	assert.Contains(t, res.ClusterResults, cluster.Creative)

	// Swap in a gate that blocks everything.
	require.NoError(t, p.Rewire(&stubGate{dangerous: true}, routerB))
	res, err = p.ProcessRequest(context.Background(), "check system status", "")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, res.Status)

	assert.Error(t, p.Rewire(nil, routerB))
	assert.Error(t, p.Rewire(passingGate(), nil))
}

func TestNew_RequiredCollaborators(t *testing.T) {
	q := newTestQueue(t)
	pool := newTestPool(t, healthyProbe())
	nodes := activeNodes()
	be := &stubBackend{}
	router := &stubRouter{}

	_, err := New(Config{}, nil, be, nil, router, nil, pool, q, nodes)
	assert.Error(t, err)
	_, err = New(Config{}, passingGate(), nil, nil, router, nil, pool, q, nodes)
	assert.Error(t, err)
	_, err = New(Config{}, passingGate(), be, nil, nil, nil, pool, q, nodes)
	assert.Error(t, err)
	_, err = New(Config{}, passingGate(), be, nil, router, nil, nil, q, nodes)
	assert.Error(t, err)
	_, err = New(Config{}, passingGate(), be, nil, router, nil, pool, nil, nodes)
	assert.Error(t, err)
	_, err = New(Config{}, passingGate(), be, nil, router, nil, pool, q, nil)
	assert.Error(t, err)
}
