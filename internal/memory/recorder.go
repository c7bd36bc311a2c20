// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package memory provides long-term-memory support for the pipeline: a
// supervised background recorder that appends recall outcomes as JSONL,
// and the default recall service that synthesizes a summary from recent
// entries. Recording is asynchronous so the request path never blocks on
// disk, but the writer is an explicitly spawned, supervised task: its
// failures are logged and counted instead of silently swallowed.
package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	writeQueueSize = 512
	filePermission = 0o644
)

// RecallEntry is one recorded recall outcome.
type RecallEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Query      string    `json:"query"`
	Summary    string    `json:"summary"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
}

// Recorder appends recall entries to a JSONL file through an async queue.
type Recorder struct {
	filePath string
	queue    chan RecallEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	file   *os.File
	closed bool

	dropped     atomic.Int64
	writeErrors atomic.Int64
}

// NewRecorder opens (creating if needed) the JSONL file and starts the
// supervised background writer.
func NewRecorder(filePath string) (*Recorder, error) {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create recall log directory: %w", err)
		}
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermission)
	if err != nil {
		return nil, fmt.Errorf("memory: open recall log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		filePath: filePath,
		queue:    make(chan RecallEntry, writeQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		file:     file,
	}

	r.wg.Add(1)
	go r.supervise()

	return r, nil
}

// Record queues one entry without blocking. A full queue drops the entry
// and counts the drop; losing an audit line beats stalling a request.
func (r *Recorder) Record(entry RecallEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		log.Warn("Recall recorder queue full, entry dropped")
	}
}

// supervise keeps the writer running, restarting it after a panic until
// the recorder is closed.
func (r *Recorder) supervise() {
	defer r.wg.Done()

	for {
		exited := r.runWriter()
		if exited {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
			log.Warn("Recall writer restarted after fault")
		}
	}
}

// runWriter drains the queue to disk. Returns true on clean exit.
func (r *Recorder) runWriter() (clean bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Recall writer panicked")
			clean = false
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case entry := <-r.queue:
					r.writeEntry(entry)
				default:
					return true
				}
			}
		case entry := <-r.queue:
			r.writeEntry(entry)
		}
	}
}

func (r *Recorder) writeEntry(entry RecallEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		r.writeErrors.Add(1)
		log.Warnf("Recall entry marshal failed: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		r.writeErrors.Add(1)
		log.Warnf("Recall entry write failed: %v", err)
	}
}

// Recent reads up to n of the newest entries from the log.
func (r *Recorder) Recent(n int) ([]RecallEntry, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: open recall log: %w", err)
	}
	defer file.Close()

	var entries []RecallEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry RecallEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A corrupt line is skipped, not fatal.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: scan recall log: %w", err)
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Dropped returns how many entries were discarded due to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops the writer, draining queued entries first.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.file.Close()
	r.file = nil
	return err
}
