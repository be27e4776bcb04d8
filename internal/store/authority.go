// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomtom215/trendwire/internal/models"
)

// ReadAuthority returns the authority record for a source. A source never
// seen before gets the default record (score 50) without creating a row.
func (s *Store) ReadAuthority(ctx context.Context, sourceID string) (models.SourceAuthority, error) {
	var a models.SourceAuthority
	err := s.conn.QueryRowContext(ctx,
		`SELECT source_id, score, corroborations, contradictions, last_update
		 FROM authority WHERE source_id = ?`, sourceID).
		Scan(&a.SourceID, &a.Score, &a.Corroborations, &a.Contradictions, &a.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SourceAuthority{
			SourceID: sourceID,
			Score:    models.DefaultAuthorityScore,
		}, nil
	}
	if err != nil {
		return a, fmt.Errorf("read_authority: %w", err)
	}
	return a, nil
}

// UpsertAuthority persists a full authority record.
func (s *Store) UpsertAuthority(ctx context.Context, a models.SourceAuthority) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO authority
		 (source_id, score, corroborations, contradictions, last_update)
		 VALUES (?, ?, ?, ?, ?)`,
		a.SourceID, a.Score, a.Corroborations, a.Contradictions, a.LastUpdate.UTC())
	if err != nil {
		return fmt.Errorf("upsert_authority: %w", err)
	}
	return nil
}

// AllAuthorities loads the full ledger, used to warm the tracker snapshot
// on startup.
func (s *Store) AllAuthorities(ctx context.Context) ([]models.SourceAuthority, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT source_id, score, corroborations, contradictions, last_update FROM authority`)
	if err != nil {
		return nil, fmt.Errorf("all_authorities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SourceAuthority
	for rows.Next() {
		var a models.SourceAuthority
		if err := rows.Scan(&a.SourceID, &a.Score, &a.Corroborations,
			&a.Contradictions, &a.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan authority: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
