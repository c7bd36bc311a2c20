// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskqueue provides a bounded FIFO task queue backed by a fixed
// worker pool. Submission returns a future immediately so ingestion never
// blocks on downstream slowness; workers acquire rate-limit tokens for the
// task's resource class before executing.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/synaptiq/synaptiq/internal/ratelimit"
)

var (
	// ErrQueueClosed is returned from Submit after Stop has been called.
	ErrQueueClosed = errors.New("taskqueue: queue is closed")
	// ErrQueueFull is returned from Submit when the bounded queue is at
	// capacity. Backpressure surfaces here instead of blocking the caller.
	ErrQueueFull = errors.New("taskqueue: queue is full")
	// ErrNotStarted is returned from Submit before Start.
	ErrNotStarted = errors.New("taskqueue: queue not started")
)

// workerFaultBackoff is how long a worker sleeps after an unrelated fault
// before resuming its loop.
const workerFaultBackoff = 100 * time.Millisecond

// Stats is a snapshot of queue counters. After a drain,
// Processed+Failed equals Submitted.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// Queue is a bounded FIFO task queue with W fixed workers.
type Queue struct {
	workers  int
	capacity int
	limiter  *ratelimit.Registry

	tasks chan *Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a queue with the given worker count and queue capacity.
// limiter may be nil, in which case no rate limiting is applied.
func New(workers, capacity int, limiter *ratelimit.Registry) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		workers:  workers,
		capacity: capacity,
		limiter:  limiter,
		tasks:    make(chan *Task, capacity),
	}
}

// Start spins up the fixed worker set. Calling Start twice is an error.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("taskqueue: already started")
	}
	if q.stopped {
		return ErrQueueClosed
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(i)
	}

	log.WithFields(log.Fields{"workers": q.workers, "capacity": q.capacity}).
		Debug("Task queue started")
	return nil
}

// Submit enqueues work under a rate-limit resource class and immediately
// returns its future. Returns ErrQueueFull instead of blocking when the
// bounded queue is at capacity.
func (q *Queue) Submit(class string, work Work) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueClosed
	}
	if !q.started {
		return nil, ErrNotStarted
	}

	// The enqueue happens under the same lock Stop closes the channel
	// under; the send is non-blocking, so holding the lock here cannot
	// stall other submitters on a full queue.
	t := newTask(class, work)
	select {
	case q.tasks <- t:
		q.submitted.Add(1)
		return t, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stop stops accepting work, drains everything already queued, then
// cancels the worker loops. Blocks until the drain completes or ctx is
// done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		q.cancel()
		<-drained
		return fmt.Errorf("taskqueue: drain aborted: %w", ctx.Err())
	}

	q.cancel()
	log.Debug("Task queue stopped")
	return nil
}

// GetStats returns a snapshot of the queue counters.
func (q *Queue) GetStats() Stats {
	return Stats{
		Workers:    q.workers,
		QueueDepth: len(q.tasks),
		Submitted:  q.submitted.Load(),
		Processed:  q.processed.Load(),
		Failed:     q.failed.Load(),
	}
}

// runWorker loops dequeue → rate-limit acquire → execute → fulfill. A fault
// outside task execution backs off briefly and resumes rather than
// terminating the pool.
func (q *Queue) runWorker(id int) {
	defer q.wg.Done()

	for {
		exited := q.workerLoop(id)
		if exited {
			return
		}
		// Unrelated fault; back off and resume.
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(workerFaultBackoff):
		}
	}
}

// workerLoop serves tasks until the channel closes. Returns true when the
// loop exited cleanly, false when it recovered from an unrelated fault.
func (q *Queue) workerLoop(id int) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"worker": id, "panic": r}).
				Error("Task queue worker fault, backing off")
			clean = false
		}
	}()

	for t := range q.tasks {
		q.serve(t)
	}
	return true
}

// serve executes one task. An error or panic during execution is captured
// on the task's future, never raised into the worker loop.
func (q *Queue) serve(t *Task) {
	if q.limiter != nil {
		if err := q.limiter.Acquire(q.ctx, t.class, 1); err != nil {
			t.fulfill(nil, fmt.Errorf("taskqueue: rate limit acquire: %w", err))
			q.failed.Add(1)
			return
		}
	}

	result, err := q.execute(t)
	t.fulfill(result, err)
	if err != nil {
		q.failed.Add(1)
	} else {
		q.processed.Add(1)
	}
}

func (q *Queue) execute(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskqueue: task panicked: %v", r)
		}
	}()
	return t.work(q.ctx)
}
