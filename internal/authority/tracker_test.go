// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package authority

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tomtom215/trendwire/internal/models"
)

// memPersister keeps authority rows in memory for tracker tests.
type memPersister struct {
	rows map[string]models.SourceAuthority
}

func newMemPersister() *memPersister {
	return &memPersister{rows: make(map[string]models.SourceAuthority)}
}

func (m *memPersister) UpsertAuthority(_ context.Context, a models.SourceAuthority) error {
	m.rows[a.SourceID] = a
	return nil
}

func (m *memPersister) AllAuthorities(_ context.Context) ([]models.SourceAuthority, error) {
	out := make([]models.SourceAuthority, 0, len(m.rows))
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore_UnknownSourceDefaults(t *testing.T) {
	tr := New(Config{}, newMemPersister())
	if got := tr.Score("never_seen"); got != models.DefaultAuthorityScore {
		t.Errorf("Score(unknown) = %v, want %v", got, models.DefaultAuthorityScore)
	}
}

func TestApply_EmittedBoost(t *testing.T) {
	tr := New(Config{Alpha: 3}, newMemPersister())
	ctx := context.Background()

	// Three corroborating sources: each gains alpha*(n-1)/n = 2.
	tr.apply(ctx, Update{Kind: ClusterEmitted, Sources: []string{"a", "b", "c"}})

	for _, src := range []string{"a", "b", "c"} {
		if got := tr.Score(src); !almostEqual(got, 52) {
			t.Errorf("Score(%s) = %v, want 52", src, got)
		}
		if tr.ledger[src].Corroborations != 1 {
			t.Errorf("Corroborations(%s) = %d, want 1", src, tr.ledger[src].Corroborations)
		}
	}
}

// A single-source (fast-track) emission gives no boost: alpha*(1-1)/1 = 0.
// Emitting alone must not be a way to farm authority.
func TestApply_SingleSourceEmissionNoBoost(t *testing.T) {
	tr := New(Config{Alpha: 3}, newMemPersister())
	tr.apply(context.Background(), Update{Kind: ClusterEmitted, Sources: []string{"lone"}})

	if got := tr.Score("lone"); !almostEqual(got, 50) {
		t.Errorf("Score(lone) = %v, want 50", got)
	}
	if tr.ledger["lone"].Corroborations != 0 {
		t.Errorf("Corroborations = %d, want 0 for single-source emission", tr.ledger["lone"].Corroborations)
	}
}

func TestApply_SupersededPenalty(t *testing.T) {
	tr := New(Config{Beta: 2}, newMemPersister())
	ctx := context.Background()

	// At the default 50: penalty is beta*50/50 = 2.
	tr.apply(ctx, Update{Kind: ClusterSuperseded, Sources: []string{"x"}})
	if got := tr.Score("x"); !almostEqual(got, 48) {
		t.Errorf("Score(x) = %v, want 48", got)
	}
	if tr.ledger["x"].Contradictions != 1 {
		t.Errorf("Contradictions = %d, want 1", tr.ledger["x"].Contradictions)
	}

	// The penalty scales with the current score, so high scores fall harder.
	a := tr.record("high")
	a.Score = 100
	tr.ledger["high"] = a
	tr.apply(ctx, Update{Kind: ClusterSuperseded, Sources: []string{"high"}})
	if got := tr.Score("high"); !almostEqual(got, 96) {
		t.Errorf("Score(high) = %v, want 96", got)
	}
}

func TestApply_ScoreClipped(t *testing.T) {
	p := newMemPersister()
	tr := New(Config{Alpha: 3, Beta: 2}, p)
	ctx := context.Background()

	a := tr.record("top")
	a.Score = 99.5
	tr.ledger["top"] = a
	tr.apply(ctx, Update{Kind: ClusterEmitted, Sources: []string{"top", "other"}})
	if got := tr.Score("top"); got > 100 {
		t.Errorf("Score(top) = %v, exceeds 100", got)
	}

	b := tr.record("bottom")
	b.Score = 0.5
	tr.ledger["bottom"] = b
	for i := 0; i < 5; i++ {
		tr.apply(ctx, Update{Kind: ClusterSuperseded, Sources: []string{"bottom"}})
	}
	if got := tr.Score("bottom"); got < 0 {
		t.Errorf("Score(bottom) = %v, below 0", got)
	}
}

func TestDecay_RegressesTowardNeutral(t *testing.T) {
	tr := New(Config{DecayPerDay: 0.5, DecayInterval: 6 * time.Hour}, newMemPersister())
	ctx := context.Background()

	stale := time.Now().UTC().Add(-24 * time.Hour)
	tr.ledger["high"] = models.SourceAuthority{SourceID: "high", Score: 80, LastUpdate: stale}
	tr.ledger["low"] = models.SourceAuthority{SourceID: "low", Score: 20, LastUpdate: stale}
	tr.ledger["neutral"] = models.SourceAuthority{SourceID: "neutral", Score: 50, LastUpdate: stale}
	tr.publish()

	// 0.5/day prorated to a 6h tick = 0.125.
	tr.decay(ctx)

	if got := tr.Score("high"); !almostEqual(got, 79.875) {
		t.Errorf("Score(high) = %v, want 79.875", got)
	}
	if got := tr.Score("low"); !almostEqual(got, 20.125) {
		t.Errorf("Score(low) = %v, want 20.125", got)
	}
	if got := tr.Score("neutral"); !almostEqual(got, 50) {
		t.Errorf("Score(neutral) = %v, want 50 (no drift at neutral)", got)
	}
}

func TestDecay_SkipsRecentlyActive(t *testing.T) {
	tr := New(Config{DecayPerDay: 0.5, DecayInterval: 15 * time.Minute}, newMemPersister())

	tr.ledger["active"] = models.SourceAuthority{
		SourceID: "active", Score: 80, LastUpdate: time.Now().UTC(),
	}
	tr.publish()
	tr.decay(context.Background())

	if got := tr.Score("active"); !almostEqual(got, 80) {
		t.Errorf("Score(active) = %v, want 80 (active sources do not decay)", got)
	}
}

func TestDecay_NeverOvershootsNeutral(t *testing.T) {
	tr := New(Config{DecayPerDay: 100, DecayInterval: 24 * time.Hour}, newMemPersister())

	tr.ledger["near"] = models.SourceAuthority{
		SourceID: "near", Score: 50.01, LastUpdate: time.Now().UTC().Add(-48 * time.Hour),
	}
	tr.publish()
	tr.decay(context.Background())

	if got := tr.Score("near"); !almostEqual(got, 50) {
		t.Errorf("Score(near) = %v, want exactly 50 (no overshoot)", got)
	}
}

func TestWarm_RestoresLedger(t *testing.T) {
	p := newMemPersister()
	p.rows["a"] = models.SourceAuthority{SourceID: "a", Score: 73}
	p.rows["b"] = models.SourceAuthority{SourceID: "b", Score: 31}

	tr := New(Config{}, p)
	if err := tr.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	if got := tr.Score("a"); got != 73 {
		t.Errorf("Score(a) = %v, want 73", got)
	}
	if got := tr.Score("b"); got != 31 {
		t.Errorf("Score(b) = %v, want 31", got)
	}
}

func TestTop_OrderedByScore(t *testing.T) {
	tr := New(Config{}, newMemPersister())
	tr.ledger["low"] = models.SourceAuthority{SourceID: "low", Score: 10}
	tr.ledger["mid"] = models.SourceAuthority{SourceID: "mid", Score: 50}
	tr.ledger["high"] = models.SourceAuthority{SourceID: "high", Score: 90}
	tr.publish()

	top := tr.Top(2)
	if len(top) != 2 {
		t.Fatalf("Top(2) returned %d records", len(top))
	}
	if top[0].SourceID != "high" || top[1].SourceID != "mid" {
		t.Errorf("Top(2) = [%s, %s], want [high, mid]", top[0].SourceID, top[1].SourceID)
	}
}

func TestApply_PersistsRows(t *testing.T) {
	p := newMemPersister()
	tr := New(Config{Alpha: 3}, p)
	tr.apply(context.Background(), Update{Kind: ClusterEmitted, Sources: []string{"a", "b"}})

	if len(p.rows) != 2 {
		t.Fatalf("persisted %d rows, want 2", len(p.rows))
	}
	if !almostEqual(p.rows["a"].Score, 51.5) {
		t.Errorf("persisted Score(a) = %v, want 51.5", p.rows["a"].Score)
	}
}
