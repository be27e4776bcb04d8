// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/trendwire/internal/models"
)

// PutResult is the outcome of PutMessage.
type PutResult int

const (
	// PutNew means the message was stored for the first time.
	PutNew PutResult = iota
	// PutDup means the message was already stored, or an equivalent text
	// (same hash) was seen within the dedup window.
	PutDup
)

// PutMessage stores a normalized message. Idempotent on
// (source_id, message_id); also returns PutDup when the content hash was
// seen within dedupWindow. The existence check and insert run in one
// transaction so concurrent replays cannot double-store.
func (s *Store) PutMessage(ctx context.Context, msg models.NormalizedMessage, dedupWindow time.Duration) (PutResult, error) {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return PutDup, fmt.Errorf("begin put_message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE source_id = ? AND message_id = ?`,
		msg.Raw.SourceID, msg.Raw.MessageID).Scan(&exists)
	if err != nil {
		return PutDup, fmt.Errorf("put_message id check: %w", err)
	}
	if exists > 0 {
		return PutDup, nil
	}

	cutoff := msg.Raw.ArrivedAt.Add(-dedupWindow)
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE hash = ? AND arrived_at >= ?`,
		msg.Hash, cutoff).Scan(&exists)
	if err != nil {
		return PutDup, fmt.Errorf("put_message hash check: %w", err)
	}
	if exists > 0 {
		return PutDup, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (source_id, message_id, arrived_at, hash, text_norm)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.Raw.SourceID, msg.Raw.MessageID, msg.Raw.ArrivedAt.UTC(), msg.Hash, msg.TextNorm)
	if err != nil {
		return PutDup, fmt.Errorf("put_message insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PutDup, fmt.Errorf("put_message commit: %w", err)
	}
	return PutNew, nil
}

// CleanupMessages removes message rows older than maxAge. Dedup only needs
// rows inside the dedup window; everything older is audit history.
func (s *Store) CleanupMessages(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE arrived_at < ?`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
