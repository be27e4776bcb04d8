// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tomtom215/trendwire/internal/models"
)

// PutEvent stores an extracted event. The cluster back-index may be empty
// while the event is unassigned; correlation rewrites it on merge.
func (s *Store) PutEvent(ctx context.Context, ev models.Event) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	entities, err := json.Marshal(ev.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	var timeHint any
	if ev.TimeHint != nil {
		timeHint = ev.TimeHint.UTC()
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO events
		 (event_id, cluster_id, source_id, kind, location, entities_json,
		  time_hint, summary, confidence_self, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.ClusterID, ev.SourceID, string(ev.Kind), ev.Location,
		string(entities), timeHint, ev.Summary, ev.ConfidenceSelf, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put_event: %w", err)
	}
	return nil
}

// GetEventsSince returns events created at or after t, oldest first.
func (s *Store) GetEventsSince(ctx context.Context, t time.Time) ([]models.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT event_id, cluster_id, source_id, kind, location, entities_json,
		        time_hint, summary, confidence_self, created_at
		 FROM events WHERE created_at >= ? ORDER BY created_at`, t.UTC())
	if err != nil {
		return nil, fmt.Errorf("get_events_since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Event
	for rows.Next() {
		var (
			ev       models.Event
			kind     string
			entities sql.NullString
			location sql.NullString
			summary  sql.NullString
			timeHint sql.NullTime
		)
		if err := rows.Scan(&ev.EventID, &ev.ClusterID, &ev.SourceID, &kind,
			&location, &entities, &timeHint, &summary, &ev.ConfidenceSelf,
			&ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Location = location.String
		ev.Summary = summary.String
		if timeHint.Valid {
			t := timeHint.Time
			ev.TimeHint = &t
		}
		if entities.Valid && entities.String != "" {
			if err := json.Unmarshal([]byte(entities.String), &ev.Entities); err != nil {
				return nil, fmt.Errorf("unmarshal entities for %s: %w", ev.EventID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PutCluster upserts a cluster row and rewrites its members' back-index in
// a single transaction.
func (s *Store) PutCluster(ctx context.Context, c *models.TrendCluster) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put_cluster: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO clusters (cluster_id, state, first_seen, last_updated)
		 VALUES (?, ?, ?, ?)`,
		c.ClusterID, string(c.State), c.FirstSeen.UTC(), c.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("put_cluster upsert: %w", err)
	}

	for _, ev := range c.Members {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET cluster_id = ? WHERE event_id = ?`,
			c.ClusterID, ev.EventID); err != nil {
			return fmt.Errorf("put_cluster member %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put_cluster commit: %w", err)
	}
	return nil
}

// UpdateClusterState transitions a stored cluster's state.
func (s *Store) UpdateClusterState(ctx context.Context, clusterID string, state models.ClusterState) error {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	_, err := s.conn.ExecContext(ctx,
		`UPDATE clusters SET state = ?, last_updated = ? WHERE cluster_id = ?`,
		string(state), time.Now().UTC(), clusterID)
	if err != nil {
		return fmt.Errorf("update_cluster_state: %w", err)
	}
	return nil
}
