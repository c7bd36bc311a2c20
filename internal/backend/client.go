// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backend implements the OpenAI-compatible AI backend client the
// server wires by default. The pipeline only sees the AIBackend interface;
// any compatible local or remote endpoint works.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/synaptiq/synaptiq/internal/ratelimit"
)

// RateClassTokens is the resource class backend calls debit, sized by the
// estimated token count of the outgoing messages.
const RateClassTokens = "backend-tokens"

// Message is one entry of an ordered chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one lazily produced completion fragment.
type StreamChunk struct {
	Content string
	Err     error
}

// Config locates and shapes the backend endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// CPUExecutor offloads compute-bound work to a dedicated tier.
type CPUExecutor interface {
	SubmitCPUTask(ctx context.Context, fn func()) error
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *ratelimit.Registry
	estimator *Estimator
	cpuExec   CPUExecutor
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithCPUExecutor routes token estimation through the CPU tier. BPE
// encoding of a long transcript is the one compute-bound step this
// client performs.
func WithCPUExecutor(exec CPUExecutor) ClientOption {
	return func(c *Client) { c.cpuExec = exec }
}

// NewClient creates a backend client. limiter may be nil to skip
// token-budget admission.
func NewClient(cfg Config, limiter *ratelimit.Registry, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: base URL cannot be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend: model cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	c := &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		estimator: NewEstimator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Generate performs one blocking completion call and returns the text.
func (c *Client) Generate(ctx context.Context, msgs []Message) (string, error) {
	body, err := c.buildPayload(msgs, false)
	if err != nil {
		return "", err
	}
	if err := c.acquireBudget(ctx, msgs); err != nil {
		return "", err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("backend: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend: %s returned %d: %s",
			c.cfg.Model, resp.StatusCode, gjson.GetBytes(data, "error.message").String())
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("backend: response missing completion content")
	}
	return content.String(), nil
}

// GenerateStream performs a streaming completion call. Fragments arrive on
// the returned channel; a terminal error is delivered as the last chunk.
func (c *Client) GenerateStream(ctx context.Context, msgs []Message) (<-chan StreamChunk, error) {
	body, err := c.buildPayload(msgs, true)
	if err != nil {
		return nil, err
	}
	if err := c.acquireBudget(ctx, msgs); err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("backend: %s returned %d: %s",
			c.cfg.Model, resp.StatusCode, gjson.GetBytes(data, "error.message").String())
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			delta := gjson.Get(payload, "choices.0.delta.content")
			if !delta.Exists() {
				continue
			}
			select {
			case out <- StreamChunk{Content: delta.String()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: fmt.Errorf("backend: stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// buildPayload assembles the chat-completions request body.
func (c *Client) buildPayload(msgs []Message, stream bool) ([]byte, error) {
	rawMsgs, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal messages: %w", err)
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", c.cfg.Model)
	body, _ = sjson.SetRawBytes(body, "messages", rawMsgs)
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}
	return body, nil
}

// acquireBudget debits the token rate class by the estimated size of the
// outgoing transcript.
func (c *Client) acquireBudget(ctx context.Context, msgs []Message) error {
	if c.limiter == nil {
		return nil
	}
	tokens := c.countTokens(ctx, msgs)
	bucket := c.limiter.Bucket(RateClassTokens)
	n := float64(tokens)
	if n > bucket.Capacity() {
		// One oversized transcript may still proceed once a full bucket
		// of budget has been paid.
		n = bucket.Capacity()
	}
	log.WithFields(log.Fields{"tokens": tokens}).Debug("Acquiring backend token budget")
	return bucket.Acquire(ctx, n)
}

// countTokens estimates the transcript size, offloading the encoder to
// the CPU tier when one is wired. A rejected or abandoned offload falls
// back to counting inline: admission control belongs to the request
// entry point, not to budget bookkeeping.
func (c *Client) countTokens(ctx context.Context, msgs []Message) int {
	if c.cpuExec == nil {
		return c.estimator.CountMessages(msgs)
	}

	counted := make(chan int, 1)
	if err := c.cpuExec.SubmitCPUTask(ctx, func() {
		counted <- c.estimator.CountMessages(msgs)
	}); err != nil {
		return c.estimator.CountMessages(msgs)
	}

	select {
	case n := <-counted:
		return n
	case <-ctx.Done():
		return c.estimator.CountMessages(msgs)
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: call %s: %w", c.cfg.Model, err)
	}
	return resp, nil
}
