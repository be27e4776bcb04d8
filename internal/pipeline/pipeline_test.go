// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/trendwire/internal/extractor"
	"github.com/tomtom215/trendwire/internal/models"
	"github.com/tomtom215/trendwire/internal/normalizer"
	"github.com/tomtom215/trendwire/internal/store"
)

// memStore fakes the message/event persistence surface.
type memStore struct {
	hashes map[string]struct{}
	events []models.Event
}

func newMemStore() *memStore {
	return &memStore{hashes: make(map[string]struct{})}
}

func (m *memStore) PutMessage(_ context.Context, msg models.NormalizedMessage, _ time.Duration) (store.PutResult, error) {
	if _, dup := m.hashes[msg.Hash]; dup {
		return store.PutDup, nil
	}
	m.hashes[msg.Hash] = struct{}{}
	return store.PutNew, nil
}

func (m *memStore) PutEvent(_ context.Context, ev models.Event) error {
	m.events = append(m.events, ev)
	return nil
}

// scriptedExtractor returns queued outcomes per call and records batches.
type scriptedExtractor struct {
	batches [][]models.NormalizedMessage
	errs    []error
	events  [][]models.Event
}

func (s *scriptedExtractor) Extract(_ context.Context, batch []models.NormalizedMessage) ([]models.Event, error) {
	call := len(s.batches)
	s.batches = append(s.batches, append([]models.NormalizedMessage(nil), batch...))
	var err error
	if call < len(s.errs) {
		err = s.errs[call]
	}
	var events []models.Event
	if call < len(s.events) {
		events = s.events[call]
	}
	return events, err
}

func testPipeline(cfg Config, ex Extractor) (*Pipeline, chan models.Event, *memStore) {
	out := make(chan models.Event, 64)
	st := newMemStore()
	p := New(cfg, normalizer.New(nil), st, ex, out)
	return p, out, st
}

func raw(source string, class models.SourceClass, id int64, text string, at time.Time) models.RawMessage {
	return models.RawMessage{
		SourceID:    source,
		SourceClass: class,
		MessageID:   id,
		ArrivedAt:   at,
		Text:        text,
	}
}

func TestIngest_DropsEmptyAndDuplicates(t *testing.T) {
	p, _, _ := testPipeline(Config{BatchSize: 10}, &scriptedExtractor{})
	ctx := context.Background()
	now := time.Now().UTC()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "   ", now))
	if got := len(p.queue(models.ClassArab).pending); got != 0 {
		t.Fatalf("empty message queued, pending = %d", got)
	}

	p.ingest(ctx, raw("src_a", models.ClassArab, 2, "عاجل: قصف", now))
	p.ingest(ctx, raw("src_b", models.ClassArab, 7, "عاجل:  قصف", now)) // same content, different source
	if got := len(p.queue(models.ClassArab).pending); got != 1 {
		t.Fatalf("duplicate content queued, pending = %d", got)
	}
}

func TestIngest_ClassQueuesIndependent(t *testing.T) {
	p, _, _ := testPipeline(Config{BatchSize: 10}, &scriptedExtractor{})
	ctx := context.Background()
	now := time.Now().UTC()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "arab report", now))
	p.ingest(ctx, raw("src_s", models.ClassSmart, 1, "smart report", now))

	if got := len(p.queue(models.ClassArab).pending); got != 1 {
		t.Errorf("arab pending = %d, want 1", got)
	}
	if got := len(p.queue(models.ClassSmart).pending); got != 1 {
		t.Errorf("smart pending = %d, want 1", got)
	}
}

// Queue overflow drops the oldest message, never the newest.
func TestIngest_OverflowDropsOldest(t *testing.T) {
	p, _, _ := testPipeline(Config{BatchSize: 100, QueueCapacity: 3}, &scriptedExtractor{})
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		p.ingest(ctx, raw("src_a", models.ClassArab, int64(i), fmt.Sprintf("report number %d", i), now))
	}

	q := p.queue(models.ClassArab)
	if len(q.pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(q.pending))
	}
	if q.pending[0].Raw.MessageID != 3 || q.pending[2].Raw.MessageID != 5 {
		ids := []int64{q.pending[0].Raw.MessageID, q.pending[1].Raw.MessageID, q.pending[2].Raw.MessageID}
		t.Errorf("pending ids = %v, want [3 4 5]", ids)
	}
}

func TestDispatch_SizeTrigger(t *testing.T) {
	ex := &scriptedExtractor{}
	p, _, _ := testPipeline(Config{BatchSize: 3, MaxBatchAge: time.Hour}, ex)
	ctx := context.Background()
	now := time.Now().UTC()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "report one", now))
	p.ingest(ctx, raw("src_a", models.ClassArab, 2, "report two", now))
	if p.dispatch(ctx, false) {
		t.Fatal("dispatched below batch size before age trigger")
	}

	p.ingest(ctx, raw("src_a", models.ClassArab, 3, "report three", now))
	if !p.dispatch(ctx, false) {
		t.Fatal("full batch not dispatched")
	}
	if len(ex.batches) != 1 || len(ex.batches[0]) != 3 {
		t.Fatalf("extractor saw %v batches", len(ex.batches))
	}
	if got := len(p.queue(models.ClassArab).pending); got != 0 {
		t.Errorf("pending after success = %d, want 0", got)
	}
}

func TestDispatch_AgeTrigger(t *testing.T) {
	ex := &scriptedExtractor{}
	p, _, _ := testPipeline(Config{BatchSize: 100, MaxBatchAge: 5 * time.Minute}, ex)
	ctx := context.Background()

	old := time.Now().UTC().Add(-6 * time.Minute)
	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "aging report", old))

	if !p.dispatch(ctx, false) {
		t.Fatal("aged partial batch not dispatched")
	}
	if len(ex.batches) != 1 || len(ex.batches[0]) != 1 {
		t.Fatalf("extractor saw %d batches", len(ex.batches))
	}
}

func TestDispatch_EventsForwarded(t *testing.T) {
	ev := models.Event{EventID: "ev1", Kind: models.KindStrike, SourceID: "src_a"}
	ex := &scriptedExtractor{events: [][]models.Event{{ev}}}
	p, out, st := testPipeline(Config{BatchSize: 1}, ex)
	ctx := context.Background()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "strike report", time.Now().UTC()))
	p.dispatch(ctx, false)

	select {
	case got := <-out:
		if got.EventID != "ev1" {
			t.Errorf("forwarded event = %s", got.EventID)
		}
	default:
		t.Fatal("no event forwarded to correlation")
	}
	if len(st.events) != 1 {
		t.Errorf("persisted %d events, want 1", len(st.events))
	}
}

// A budget-exhausted batch stays at the head of its queue and the queue
// holds until the retry hint elapses. Nothing is lost, order preserved.
func TestDispatch_BudgetDeferralKeepsBatch(t *testing.T) {
	ex := &scriptedExtractor{errs: []error{
		&extractor.BudgetExhaustedError{RetryAfter: time.Minute},
		nil,
	}}
	p, _, _ := testPipeline(Config{BatchSize: 2}, ex)
	ctx := context.Background()
	base := time.Now().UTC()
	p.now = func() time.Time { return base }

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "report one", base))
	p.ingest(ctx, raw("src_a", models.ClassArab, 2, "report two", base))

	p.dispatch(ctx, false)
	q := p.queue(models.ClassArab)
	if len(q.pending) != 2 {
		t.Fatalf("pending after deferral = %d, want 2 (batch retained)", len(q.pending))
	}

	// Still held before the hint elapses.
	if p.dispatch(ctx, false) {
		t.Fatal("dispatched during hold")
	}

	// After the hold, the same batch goes out in original order.
	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !p.dispatch(ctx, false) {
		t.Fatal("held batch not released after hint")
	}
	if len(ex.batches) != 2 {
		t.Fatalf("extractor calls = %d, want 2", len(ex.batches))
	}
	if ex.batches[1][0].Raw.MessageID != 1 {
		t.Errorf("released batch starts at message %d, want 1 (FIFO)", ex.batches[1][0].Raw.MessageID)
	}
}

// Persistent extraction failure releases the batch after bounded retries.
func TestDispatch_ExtractFailedReleases(t *testing.T) {
	schemaErr := fmt.Errorf("give up: %w", extractor.ErrSchemaInvalid)
	ex := &scriptedExtractor{errs: []error{schemaErr, schemaErr, schemaErr}}
	p, _, _ := testPipeline(Config{BatchSize: 1}, ex)
	ctx := context.Background()
	base := time.Now().UTC()
	clock := base
	p.now = func() time.Time { return clock }

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "poison message", base))

	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		if !p.dispatch(ctx, true) {
			t.Fatalf("attempt %d not dispatched", attempt)
		}
		clock = clock.Add(time.Hour) // leap past any backoff hold
	}

	q := p.queue(models.ClassArab)
	if len(q.pending) != 0 {
		t.Fatalf("pending = %d, want 0 after final failure", len(q.pending))
	}
	if q.attempts != 0 {
		t.Errorf("attempts not reset after release")
	}
	if len(ex.batches) != maxBatchAttempts {
		t.Errorf("extractor calls = %d, want %d", len(ex.batches), maxBatchAttempts)
	}
}

// A breaking-news marker fires its batch immediately, without waiting
// for the size or age trigger.
func TestDispatch_UrgentBypassesTriggers(t *testing.T) {
	ex := &scriptedExtractor{}
	p, _, _ := testPipeline(Config{BatchSize: 100, MaxBatchAge: time.Hour}, ex)
	ctx := context.Background()
	now := time.Now().UTC()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "قصف متبادل على الحدود", now))
	if p.dispatch(ctx, false) {
		t.Fatal("routine report dispatched below both triggers")
	}

	p.ingest(ctx, raw("src_a", models.ClassArab, 2, "عاجل: انفجار في المدينة", now))
	if !p.dispatch(ctx, false) {
		t.Fatal("urgent message did not fire the batch")
	}
	if len(ex.batches) != 1 || len(ex.batches[0]) != 2 {
		t.Fatalf("extractor saw %d batches", len(ex.batches))
	}
	if p.queue(models.ClassArab).urgent {
		t.Error("urgent flag not cleared after the batch left")
	}
}

// Urgent messages bypass the batching triggers, never the budget hold.
func TestDispatch_UrgentRespectsHold(t *testing.T) {
	ex := &scriptedExtractor{errs: []error{
		&extractor.BudgetExhaustedError{RetryAfter: time.Hour},
	}}
	p, _, _ := testPipeline(Config{BatchSize: 100, MaxBatchAge: time.Hour}, ex)
	ctx := context.Background()
	base := time.Now().UTC()
	p.now = func() time.Time { return base }

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "عاجل: حريق كبير", base))
	if !p.dispatch(ctx, false) {
		t.Fatal("urgent batch not attempted")
	}
	p.ingest(ctx, raw("src_a", models.ClassArab, 2, "عاجل: انفجار", base))
	if p.dispatch(ctx, false) {
		t.Fatal("urgent message bypassed the budget hold")
	}
}

func TestLooksUrgent(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"عاجل: قصف على المدينة", true},
		{"أنباء عن انفجار قرب الميناء", true},
		{"דחוף: אירוע ביטחוני בצפון", true},
		{"🚨 تطورات ميدانية", true},
		{"تقرير يومي عن حركة المرور", false},
		{"routine evening wrap-up", false},
	}
	for _, tt := range tests {
		if got := looksUrgent(tt.in); got != tt.want {
			t.Errorf("looksUrgent(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDispatch_OneBatchPerCall(t *testing.T) {
	ex := &scriptedExtractor{}
	p, _, _ := testPipeline(Config{BatchSize: 1}, ex)
	ctx := context.Background()
	now := time.Now().UTC()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "arab report", now))
	p.ingest(ctx, raw("src_s", models.ClassSmart, 1, "smart report", now))

	p.dispatch(ctx, false)
	if len(ex.batches) != 1 {
		t.Fatalf("extractor calls after one dispatch = %d, want 1", len(ex.batches))
	}
	p.dispatch(ctx, false)
	if len(ex.batches) != 2 {
		t.Fatalf("extractor calls after two dispatches = %d, want 2", len(ex.batches))
	}
}

func TestFlush_DrainsPending(t *testing.T) {
	ex := &scriptedExtractor{}
	p, _, _ := testPipeline(Config{BatchSize: 100, MaxBatchAge: time.Hour, FlushTimeout: time.Second}, ex)
	ctx := context.Background()
	now := time.Now().UTC()

	// Below both triggers: only flush moves these.
	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "report one", now))
	p.ingest(ctx, raw("src_s", models.ClassSmart, 1, "report two", now))

	p.flush(ctx)
	if len(ex.batches) != 2 {
		t.Fatalf("flush ran %d batches, want 2", len(ex.batches))
	}
	if got := len(p.queue(models.ClassArab).pending) + len(p.queue(models.ClassSmart).pending); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}
}

func TestFlush_StopsWhenEverythingHeld(t *testing.T) {
	ex := &scriptedExtractor{errs: []error{
		&extractor.BudgetExhaustedError{RetryAfter: time.Hour},
	}}
	p, _, _ := testPipeline(Config{BatchSize: 1, FlushTimeout: 100 * time.Millisecond}, ex)
	ctx := context.Background()

	p.ingest(ctx, raw("src_a", models.ClassArab, 1, "report", time.Now().UTC()))

	start := time.Now()
	p.flush(ctx)
	if time.Since(start) > 5*time.Second {
		t.Fatal("flush spun instead of bailing out on a held queue")
	}
	if len(ex.batches) != 1 {
		t.Fatalf("extractor calls = %d, want 1 (no retry during hold)", len(ex.batches))
	}
	if got := len(p.queue(models.ClassArab).pending); got != 1 {
		t.Errorf("held batch lost during flush, pending = %d", got)
	}
}
