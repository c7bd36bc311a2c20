// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit persists the append-only remediation trail produced by the
// health monitor. Records survive restarts so operators can reconstruct
// what the self-healing loop did and when.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// Record is one remediation trail entry. The trail is append-only; rows
// are never updated or deleted by the application.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
}

const schema = `
CREATE TABLE IF NOT EXISTS remediations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME NOT NULL,
	target TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remediations_ts ON remediations(ts);
`

// Store writes remediation records to SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("audit: database path cannot be empty")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing database handle. Used by tests.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append adds one record to the trail.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO remediations (ts, target, action, outcome) VALUES (?, ?, ?, ?)",
		rec.Timestamp, rec.Target, rec.Action, rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}
	return nil
}

// Recent returns the newest n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, ts, target, action, outcome FROM remediations ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Target, &rec.Action, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		log.Warnf("Audit store close failed: %v", err)
	}
	return err
}
