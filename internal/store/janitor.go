// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package store

import (
	"context"
	"time"

	"github.com/tomtom215/trendwire/internal/logging"
)

// Janitor prunes aged message rows. Dedup only needs rows inside the
// dedup window; retention keeps a few days beyond that for audit, then
// lets the table stay bounded.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
}

// NewJanitor creates a Janitor. retention <= 0 defaults to 7 days.
func NewJanitor(st *Store, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Janitor{
		store:     st,
		retention: retention,
		interval:  time.Hour,
	}
}

// Serve implements suture.Service: run one cleanup per interval.
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := j.store.CleanupMessages(ctx, j.retention)
			if err != nil {
				logging.Error().Err(err).Msg("Message cleanup failed")
				continue
			}
			if n > 0 {
				logging.Info().Int64("rows", n).Msg("Aged messages pruned")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (j *Janitor) String() string {
	return "store-janitor"
}
