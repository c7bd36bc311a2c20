// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pipeline composes the request flow of the orchestration core:
// safety gate, optional vision analysis through the bounded task queue,
// routing, recall, consensus, concurrent cluster fan-out, and final
// synthesis. Only a blocked verdict and resource exhaustion are fatal to a
// request; every other collaborator failure degrades gracefully so one
// flaky dependency cannot sink an otherwise-successful request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/backend"
	"github.com/synaptiq/synaptiq/internal/cluster"
	"github.com/synaptiq/synaptiq/internal/safety"
	"github.com/synaptiq/synaptiq/internal/taskqueue"
	"github.com/synaptiq/synaptiq/internal/workerpool"
)

// ErrValidationBlocked marks input rejected by the safety gate. Terminal
// for the request; never retried.
var ErrValidationBlocked = errors.New("pipeline: input blocked by safety gate")

// RateClassVision is the resource class vision analysis tasks debit.
const RateClassVision = "vision"

// VisionTimedOutMarker replaces the vision context when analysis does not
// finish within the configured timeout.
const VisionTimedOutMarker = "[vision analysis timed out]"

// Result statuses surfaced to callers. Degraded answers remain success:
// graceful degradation is part of the contract.
const (
	StatusSuccess             = "success"
	StatusBlocked             = "blocked"
	StatusClarificationNeeded = "clarification_needed"
)

// Result is the composed outcome of one request.
type Result struct {
	RequestID      string                `json:"request_id"`
	Status         string                `json:"status"`
	RefinedText    string                `json:"refined_text"`
	RiskScore      float64               `json:"risk_score"`
	VisionContext  string                `json:"vision_context,omitempty"`
	RecallContext  string                `json:"recall_context,omitempty"`
	Consensus      string                `json:"consensus,omitempty"`
	ClusterResults map[cluster.ID]string `json:"cluster_results,omitempty"`
	Response       string                `json:"response"`
	Degraded       bool                  `json:"degraded"`
	ElapsedMs      int64                 `json:"elapsed_ms"`
}

// Config tunes pipeline behavior.
type Config struct {
	// VisionTimeout bounds the wait for the vision-analysis future. The
	// only explicit timeout at this layer; collaborators enforce their own.
	VisionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.VisionTimeout <= 0 {
		c.VisionTimeout = 15 * time.Second
	}
	return c
}

// hotSet holds the collaborators config hot reload may replace. Swapped
// as one unit so a request never mixes an old gate with a new router.
type hotSet struct {
	gate   SafetyGate
	router RoutingService
}

// Pipeline orchestrates one request end to end. All collaborators are
// injected at construction from the composition root.
type Pipeline struct {
	cfg Config

	hot       atomic.Pointer[hotSet]
	backend   AIBackend
	consensus AIBackend // nil disables the second opinion
	memory    MemoryService
	registry  PluginRegistry
	vision    VisionAnalyzer // nil disables vision dispatch
	exec      Executor
	queue     *taskqueue.Queue
	nodes     *cluster.Set
	agents    map[cluster.ID]clusterAgent

	onRecall RecallObserver
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithConsensusBackend enables the peer-review second opinion.
func WithConsensusBackend(be AIBackend) Option {
	return func(p *Pipeline) { p.consensus = be }
}

// WithVisionAnalyzer enables image analysis dispatch.
func WithVisionAnalyzer(v VisionAnalyzer) Option {
	return func(p *Pipeline) { p.vision = v }
}

// WithRecallObserver registers a recall-outcome observer.
func WithRecallObserver(o RecallObserver) Option {
	return func(p *Pipeline) { p.onRecall = o }
}

// New constructs a pipeline. gate, be, router, exec, queue, and nodes
// are required.
func New(cfg Config, gate SafetyGate, be AIBackend, memory MemoryService,
	router RoutingService, reg PluginRegistry, exec Executor,
	queue *taskqueue.Queue, nodes *cluster.Set, opts ...Option) (*Pipeline, error) {

	switch {
	case gate == nil:
		return nil, fmt.Errorf("pipeline: safety gate is required")
	case be == nil:
		return nil, fmt.Errorf("pipeline: backend is required")
	case router == nil:
		return nil, fmt.Errorf("pipeline: routing service is required")
	case exec == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	case queue == nil:
		return nil, fmt.Errorf("pipeline: task queue is required")
	case nodes == nil:
		return nil, fmt.Errorf("pipeline: node set is required")
	}

	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		backend:  be,
		memory:   memory,
		registry: reg,
		exec:     exec,
		queue:    queue,
		nodes:    nodes,
		agents:   buildAgentTable(be, reg),
	}
	p.hot.Store(&hotSet{gate: gate, router: router})
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Rewire atomically replaces the safety gate and routing service, for
// configuration hot reload. In-flight requests keep the pair they
// started with.
func (p *Pipeline) Rewire(gate SafetyGate, router RoutingService) error {
	if gate == nil {
		return fmt.Errorf("pipeline: safety gate is required")
	}
	if router == nil {
		return fmt.Errorf("pipeline: routing service is required")
	}
	p.hot.Store(&hotSet{gate: gate, router: router})
	log.Info("Pipeline safety gate and routing rules rewired")
	return nil
}

// ProcessRequest runs one request through the full flow. Each request's
// state lives on its own call stack; concurrent requests interleave
// freely with no shared mutable state beyond the injected components.
func (p *Pipeline) ProcessRequest(ctx context.Context, userText, imageRef string) (*Result, error) {
	start := time.Now()
	requestID := uuid.New().String()[:8]
	logger := log.WithField("request_id", requestID)

	result := &Result{RequestID: requestID}
	defer func() { result.ElapsedMs = time.Since(start).Milliseconds() }()

	// One hot set per request: a config reload mid-flight never mixes an
	// old gate with a new router.
	hs := p.hot.Load()

	// Sanitize and hard-block before anything else runs. A dangerous
	// pattern short-circuits with zero downstream calls.
	sanitized := hs.gate.Sanitize(userText)
	if hs.gate.IsDangerous(sanitized) {
		logger.Warn("Request blocked by dangerous-pattern filter")
		result.Status = StatusBlocked
		result.RefinedText = sanitized
		result.Response = "This request was blocked by the safety gate."
		return result, nil
	}

	assessment, err := p.interrogate(ctx, hs.gate, sanitized)
	if err != nil {
		if errors.Is(err, workerpool.ErrResourceExhausted) {
			logger.Warn("Request rejected at admission: resource exhaustion")
		}
		return nil, err
	}
	result.RefinedText = assessment.RefinedText
	result.RiskScore = assessment.RiskScore

	switch assessment.Status {
	case safety.StatusBlocked:
		logger.WithField("risk", assessment.RiskScore).Warn("Request blocked by gate assessment")
		result.Status = StatusBlocked
		result.Response = "This request was blocked by the safety gate."
		return result, nil
	case safety.StatusClarificationNeeded:
		result.Status = StatusClarificationNeeded
		result.Response = "Could you clarify what you need? The request is too ambiguous to act on safely."
		return result, nil
	}

	refined := assessment.RefinedText
	if imageRef == "" {
		imageRef = assessment.ImagePath
	}

	// Vision runs through the bounded queue so a slow analyzer cannot
	// stall the cooperative flow; timing out degrades, never fails.
	if imageRef != "" && p.vision != nil {
		result.VisionContext = p.analyzeVision(ctx, logger, imageRef, refined)
	}

	clusters := p.route(ctx, logger, hs.router, refined, imageRef != "")
	result.RecallContext = p.recall(ctx, logger, requestID, refined)
	result.Consensus = p.secondOpinion(ctx, logger, refined)
	result.ClusterResults, err = p.fanOut(ctx, logger, clusters, agentEnv{
		Instruction:   refined,
		VisionContext: result.VisionContext,
		RecallContext: result.RecallContext,
	})
	if err != nil {
		logger.Warnf("Cluster fan-out rejected: %v", err)
		return nil, err
	}

	result.Response, result.Degraded = p.synthesize(ctx, logger, result)
	result.Status = StatusSuccess
	logger.WithFields(log.Fields{
		"clusters": clusters,
		"degraded": result.Degraded,
		"elapsed":  time.Since(start).String(),
	}).Info("Request completed")
	return result, nil
}

// analyzeVision submits the analysis closure to the task queue and awaits
// it with the configured timeout.
func (p *Pipeline) analyzeVision(ctx context.Context, logger *log.Entry, imageRef, instruction string) string {
	task, err := p.queue.Submit(RateClassVision, func(taskCtx context.Context) (any, error) {
		return p.vision.Analyze(taskCtx, imageRef, instruction)
	})
	if err != nil {
		logger.Warnf("Vision dispatch failed: %v", err)
		return ""
	}

	value, err := task.WaitTimeout(p.cfg.VisionTimeout)
	if err != nil {
		if errors.Is(err, taskqueue.ErrTimeoutExceeded) {
			logger.Warn("Vision analysis timed out, continuing without it")
			task.Cancel()
			return VisionTimedOutMarker
		}
		logger.Warnf("Vision analysis failed: %v", err)
		return ""
	}
	text, _ := value.(string)
	return text
}

// interrogate runs the gate assessment on the pool's high-priority tier.
// The submission doubles as the request's admission check: a critical
// resource reading rejects the request here, before any downstream work.
func (p *Pipeline) interrogate(ctx context.Context, gate SafetyGate, text string) (safety.Assessment, error) {
	var (
		assessment safety.Assessment
		gateErr    error
	)
	done := make(chan struct{})
	if err := p.exec.SubmitTask(ctx, func() {
		defer close(done)
		assessment, gateErr = gate.Interrogate(text)
	}, workerpool.PriorityHigh); err != nil {
		return safety.Assessment{}, fmt.Errorf("pipeline: gate admission: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return safety.Assessment{}, ctx.Err()
	}
	if gateErr != nil {
		return safety.Assessment{}, fmt.Errorf("pipeline: gate interrogation: %w", gateErr)
	}
	return assessment, nil
}

// route asks the routing service for relevant clusters. Errors and empty
// decisions fail open to all clusters: under-routing is worse than
// over-processing here.
func (p *Pipeline) route(ctx context.Context, logger *log.Entry, router RoutingService, text string, hasImage bool) []cluster.ID {
	clusters, err := router.RouteRequest(ctx, text, hasImage)
	if err != nil {
		logger.Warnf("Routing failed, defaulting to all clusters: %v", err)
		return cluster.All()
	}
	if len(clusters) == 0 {
		logger.Debug("Routing matched nothing, defaulting to all clusters")
		return cluster.All()
	}
	return clusters
}

// recall fetches the memory summary, failing open to empty context.
func (p *Pipeline) recall(ctx context.Context, logger *log.Entry, requestID, query string) string {
	if p.memory == nil {
		return ""
	}
	start := time.Now()
	summary, err := p.memory.Recall(ctx, query)
	if p.onRecall != nil {
		p.onRecall(requestID, query, summary, time.Since(start).Milliseconds(), err == nil)
	}
	if err != nil {
		logger.Warnf("Recall failed, continuing without memory context: %v", err)
		return ""
	}
	return summary
}

// secondOpinion asks the consensus backend when configured, failing open.
func (p *Pipeline) secondOpinion(ctx context.Context, logger *log.Entry, text string) string {
	if p.consensus == nil {
		return ""
	}
	persona := "You are a reviewing agent. Give a brief independent second opinion."
	if p.registry != nil {
		if t, ok := p.registry.GetAgent("consensus"); ok {
			persona = t
		}
	}
	opinion, err := p.consensus.Generate(ctx, []backend.Message{
		{Role: "system", Content: persona},
		{Role: "user", Content: text},
	})
	if err != nil {
		logger.Warnf("Consensus failed, continuing without it: %v", err)
		return ""
	}
	return opinion
}

// fanOut invokes every routed cluster's node concurrently on the pool's
// standard tier. Each call is independently fault-isolated: one node's
// failure is recorded without cancelling the others. A pool admission
// rejection is fatal to the request.
func (p *Pipeline) fanOut(ctx context.Context, logger *log.Entry, clusters []cluster.ID, env agentEnv) (map[cluster.ID]string, error) {
	results := make(map[cluster.ID]string, len(clusters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	var admitErr error
	for _, id := range clusters {
		agent, ok := p.agents[id]
		if !ok {
			logger.Warnf("No agent registered for cluster %s", id)
			continue
		}
		node := p.nodes.Get(id)
		if node == nil || !node.IsActive() {
			// The monitor will restart the node; this request degrades.
			mu.Lock()
			results[id] = ""
			mu.Unlock()
			logger.WithField("cluster", id).Warn("Cluster node inactive, skipping")
			continue
		}

		wg.Add(1)
		err := p.exec.SubmitTask(ctx, func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(log.Fields{"cluster": id, "panic": r}).Error("Cluster agent panicked")
					mu.Lock()
					results[id] = ""
					mu.Unlock()
				}
			}()

			resp, err := agent.Respond(ctx, env)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WithField("cluster", id).Warnf("Cluster call failed: %v", err)
				results[id] = ""
				return
			}
			results[id] = resp
		}, workerpool.PriorityStandard)
		if err != nil {
			wg.Done()
			admitErr = fmt.Errorf("pipeline: fan-out admission for %s: %w", id, err)
			break
		}
	}

	wg.Wait()
	if admitErr != nil {
		return nil, admitErr
	}
	return results, nil
}

// synthesize combines everything into the final answer. A failed
// synthesis call produces a degraded concatenation instead of an error.
func (p *Pipeline) synthesize(ctx context.Context, logger *log.Entry, r *Result) (response string, degraded bool) {
	persona := "Combine the inputs into one coherent answer."
	if p.registry != nil {
		if t, ok := p.registry.GetAgent("synthesizer"); ok {
			persona = t
		}
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Instruction:\n%s\n", r.RefinedText)
	if r.VisionContext != "" {
		fmt.Fprintf(&user, "\nVision context:\n%s\n", r.VisionContext)
	}
	if r.RecallContext != "" {
		fmt.Fprintf(&user, "\nRecalled memory:\n%s\n", r.RecallContext)
	}
	if r.Consensus != "" {
		fmt.Fprintf(&user, "\nSecond opinion:\n%s\n", r.Consensus)
	}
	for id, text := range r.ClusterResults {
		if text == "" {
			continue
		}
		fmt.Fprintf(&user, "\n%s cluster says:\n%s\n", id, text)
	}

	answer, err := p.backend.Generate(ctx, []backend.Message{
		{Role: "system", Content: persona},
		{Role: "user", Content: user.String()},
	})
	if err != nil {
		logger.Warnf("Synthesis failed, returning degraded answer: %v", err)
		return p.degradedAnswer(r), true
	}
	if answer == "" {
		return p.degradedAnswer(r), true
	}
	return answer, false
}

// degradedAnswer assembles the best available fallback from partial
// results.
func (p *Pipeline) degradedAnswer(r *Result) string {
	var parts []string
	for id, text := range r.ClusterResults {
		if text != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", id, text))
		}
	}
	if r.Consensus != "" {
		parts = append(parts, fmt.Sprintf("[review] %s", r.Consensus))
	}
	if len(parts) == 0 {
		return "The assistant could not compose a full answer for this request. Please try again."
	}
	return strings.Join(parts, "\n\n")
}
