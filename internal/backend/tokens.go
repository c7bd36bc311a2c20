// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens for rate-limit budgeting. It uses the cl100k
// BPE vocabulary and falls back to a bytes/4 heuristic when the codec is
// unavailable.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewEstimator creates a lazy estimator; the codec loads on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("Tokenizer unavailable, falling back to heuristic: %v", err)
			return
		}
		e.codec = codec
	})

	if e.codec != nil {
		if ids, _, err := e.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	// Rough heuristic: one token per four bytes.
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// CountMessages sums the token estimate across a message list, with a
// small per-message envelope overhead.
func (e *Estimator) CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Count(m.Content) + 4
	}
	return total
}
