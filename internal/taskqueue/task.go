// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Work is a unit of queued work. The context is the queue's run context,
// not the submitter's: cancelling the submitter only affects delivery of
// the result, never in-flight execution.
type Work func(ctx context.Context) (any, error)

// ErrTaskCancelled is returned from Wait after the future was cancelled.
var ErrTaskCancelled = errors.New("taskqueue: task cancelled")

// ErrTimeoutExceeded is returned from WaitTimeout when the bounded wait
// elapses before the task completes.
var ErrTimeoutExceeded = errors.New("taskqueue: wait timed out")

// Task pairs a work item with its result slot. The slot is fulfilled
// exactly once by the worker that consumed the task.
type Task struct {
	id        string
	class     string
	work      Work
	submitted time.Time

	done chan struct{}

	mu        sync.Mutex
	fulfilled bool
	cancelled bool
	result    any
	err       error
}

func newTask(class string, work Work) *Task {
	return &Task{
		id:        uuid.New().String(),
		class:     class,
		work:      work,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Class returns the rate-limit resource class the task was submitted under.
func (t *Task) Class() string { return t.class }

// fulfill records the outcome and releases waiters. Later calls are no-ops
// so a worker recovering from a panic cannot fulfill twice.
func (t *Task) fulfill(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fulfilled {
		return
	}
	t.fulfilled = true
	t.result = result
	t.err = err
	close(t.done)
}

// Cancel discards the eventual result. The worker still executes and marks
// the task done; only delivery to waiters is affected.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

// Wait suspends until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
	}
	return t.outcome()
}

// WaitTimeout suspends for at most d, returning ErrTimeoutExceeded if the
// task has not completed by then.
func (t *Task) WaitTimeout(d time.Duration) (any, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil, ErrTimeoutExceeded
	case <-t.done:
	}
	return t.outcome()
}

func (t *Task) outcome() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return nil, ErrTaskCancelled
	}
	return t.result, t.err
}
