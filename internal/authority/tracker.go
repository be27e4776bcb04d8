// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package authority maintains the per-source credibility ledger.
//
// The ledger is the only cross-task mutable structure in the engine. All
// writes flow through a single goroutine (Serve) that consumes Update
// messages from the correlation engine; readers get a lock-free snapshot
// published after every change.
package authority

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/models"
)

// UpdateKind describes the cluster transition that triggered an update.
type UpdateKind int

const (
	// ClusterEmitted boosts every contributing source.
	ClusterEmitted UpdateKind = iota
	// ClusterSuperseded penalizes every contributing source.
	ClusterSuperseded
)

// Update is one authority adjustment, sent by correlation on a cluster
// state transition.
type Update struct {
	Kind    UpdateKind
	Sources []string
}

// Config holds the scoring parameters.
type Config struct {
	Alpha         float64       // corroboration boost factor (default 3)
	Beta          float64       // supersession penalty factor (default 2)
	DecayPerDay   float64       // idle regression toward 50 (default 0.5/day)
	DecayInterval time.Duration // decay tick (default 15m)
}

// Persister stores authority records durably.
type Persister interface {
	UpsertAuthority(ctx context.Context, a models.SourceAuthority) error
	AllAuthorities(ctx context.Context) ([]models.SourceAuthority, error)
}

// Tracker owns the authority ledger.
type Tracker struct {
	cfg      Config
	store    Persister
	updates  chan Update
	ledger   map[string]models.SourceAuthority // owned by the Serve goroutine
	snapshot atomic.Pointer[map[string]models.SourceAuthority]
	name     string
}

// New creates a Tracker. Call Warm before starting Serve.
func New(cfg Config, store Persister) *Tracker {
	if cfg.Alpha == 0 {
		cfg.Alpha = 3
	}
	if cfg.Beta == 0 {
		cfg.Beta = 2
	}
	if cfg.DecayPerDay == 0 {
		cfg.DecayPerDay = 0.5
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = 15 * time.Minute
	}
	t := &Tracker{
		cfg:     cfg,
		store:   store,
		updates: make(chan Update, 64),
		ledger:  make(map[string]models.SourceAuthority),
		name:    "authority-tracker",
	}
	t.publish()
	return t
}

// Warm loads persisted records into the ledger. Run before Serve starts.
func (t *Tracker) Warm(ctx context.Context) error {
	records, err := t.store.AllAuthorities(ctx)
	if err != nil {
		return err
	}
	for _, a := range records {
		t.ledger[a.SourceID] = a
	}
	t.publish()
	if len(records) > 0 {
		logging.Info().Int("sources", len(records)).Msg("Authority ledger restored")
	}
	return nil
}

// Updates returns the write channel for the correlation engine.
func (t *Tracker) Updates() chan<- Update {
	return t.updates
}

// Score returns the current score for a source from the latest snapshot.
// Unknown sources report the default 50.
func (t *Tracker) Score(sourceID string) float64 {
	snap := *t.snapshot.Load()
	if a, ok := snap[sourceID]; ok {
		return a.Score
	}
	return models.DefaultAuthorityScore
}

// Top returns up to n records ordered by descending score.
func (t *Tracker) Top(n int) []models.SourceAuthority {
	snap := *t.snapshot.Load()
	out := make([]models.SourceAuthority, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Serve implements suture.Service: the single-writer loop plus the decay
// ticker.
func (t *Tracker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-t.updates:
			t.apply(ctx, u)
		case <-ticker.C:
			t.decay(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (t *Tracker) String() string {
	return t.name
}

// apply executes one update against the ledger and persists the changed
// rows.
func (t *Tracker) apply(ctx context.Context, u Update) {
	now := time.Now().UTC()
	switch u.Kind {
	case ClusterEmitted:
		// score += alpha * (|S|-1)/|S| for each contributing source.
		n := float64(len(u.Sources))
		if n == 0 {
			return
		}
		delta := t.cfg.Alpha * (n - 1) / n
		for _, src := range u.Sources {
			a := t.record(src)
			a.Score = clip(a.Score + delta)
			if len(u.Sources) > 1 {
				a.Corroborations++
			}
			a.LastUpdate = now
			t.ledger[src] = a
			t.persist(ctx, a)
		}
	case ClusterSuperseded:
		// score -= beta * score/50 for each contributing source.
		for _, src := range u.Sources {
			a := t.record(src)
			a.Score = clip(a.Score - t.cfg.Beta*a.Score/50)
			a.Contradictions++
			a.LastUpdate = now
			t.ledger[src] = a
			t.persist(ctx, a)
		}
	}
	t.publish()
}

// decay regresses idle sources toward the neutral 50 by DecayPerDay,
// prorated to the tick interval.
func (t *Tracker) decay(ctx context.Context) {
	step := t.cfg.DecayPerDay * t.cfg.DecayInterval.Hours() / 24
	if step <= 0 {
		return
	}
	now := time.Now().UTC()
	changed := 0
	for src, a := range t.ledger {
		// Sources active since the last tick decay on their next idle tick.
		if now.Sub(a.LastUpdate) < t.cfg.DecayInterval {
			continue
		}
		diff := a.Score - models.DefaultAuthorityScore
		if diff == 0 {
			continue
		}
		move := math.Copysign(math.Min(step, math.Abs(diff)), diff)
		a.Score = clip(a.Score - move)
		t.ledger[src] = a
		t.persist(ctx, a)
		changed++
	}
	if changed > 0 {
		t.publish()
		logging.Debug().Int("sources", changed).Msg("Authority decay applied")
	}
}

// record fetches a ledger entry, creating the default for new sources.
func (t *Tracker) record(sourceID string) models.SourceAuthority {
	if a, ok := t.ledger[sourceID]; ok {
		return a
	}
	return models.SourceAuthority{
		SourceID: sourceID,
		Score:    models.DefaultAuthorityScore,
	}
}

func (t *Tracker) persist(ctx context.Context, a models.SourceAuthority) {
	if err := t.store.UpsertAuthority(ctx, a); err != nil {
		logging.Error().Err(err).Str("source", a.SourceID).Msg("Failed to persist authority")
	}
}

// publish installs a fresh snapshot for lock-free readers.
func (t *Tracker) publish() {
	snap := make(map[string]models.SourceAuthority, len(t.ledger))
	for k, v := range t.ledger {
		snap[k] = v
	}
	t.snapshot.Store(&snap)
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
