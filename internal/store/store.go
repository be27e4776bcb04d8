// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package store provides append-oriented persistence for messages, events,
// clusters, and the authority ledger on an embedded DuckDB database.
//
// Crash contract: every write is committed before the call returns, and a
// multi-statement write runs inside a transaction so a partial batch never
// becomes visible. In-memory state held by the pipeline and correlation
// engine is a cache reconstructible from here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/tomtom215/trendwire/internal/logging"
)

// Config holds the embedded database settings.
type Config struct {
	Path         string
	MaxMemory    string
	Threads      int           // 0 = runtime.NumCPU()
	WriteTimeout time.Duration // per-write deadline, default 5s
}

// Store wraps the DuckDB connection.
type Store struct {
	conn         *sql.DB
	writeTimeout time.Duration
}

// New opens (creating if necessary) the database at cfg.Path and bootstraps
// the schema.
func New(cfg Config) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMem := cfg.MaxMemory
	if maxMem == "" {
		maxMem = "1GB"
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, maxMem)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn, writeTimeout: writeTimeout}
	if err := s.createTables(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("Database initialized")
	return s, nil
}

// Close closes the database connection. Call last during shutdown.
func (s *Store) Close() error {
	return s.conn.Close()
}

// writeCtx returns a context bounded by the configured write timeout.
func (s *Store) writeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.writeTimeout)
}

// createTables bootstraps the schema. All columns are declared up front;
// there is no migration layer yet.
func (s *Store) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			source_id  TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			arrived_at TIMESTAMP NOT NULL,
			hash       TEXT NOT NULL,
			text_norm  TEXT NOT NULL,
			PRIMARY KEY (source_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(hash)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			cluster_id      TEXT,
			source_id       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			location        TEXT,
			entities_json   TEXT,
			time_hint       TIMESTAMP,
			summary         TEXT,
			confidence_self DOUBLE,
			created_at      TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS clusters (
			cluster_id   TEXT PRIMARY KEY,
			state        TEXT NOT NULL,
			first_seen   TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS authority (
			source_id      TEXT PRIMARY KEY,
			score          DOUBLE NOT NULL,
			corroborations BIGINT NOT NULL DEFAULT 0,
			contradictions BIGINT NOT NULL DEFAULT 0,
			last_update    TIMESTAMP NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", q, err)
		}
	}
	return nil
}

// IsCorruption classifies an error as structural database damage, which is
// fatal (process exits non-zero) rather than retriable.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"corrupt", "malformed", "not a valid duckdb database"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
