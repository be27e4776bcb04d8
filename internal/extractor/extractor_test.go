// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/trendwire/internal/budget"
	"github.com/tomtom215/trendwire/internal/models"
)

// fakeLLM replays scripted responses in order.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var out string
	if i < len(f.responses) {
		out = f.responses[i]
	}
	return out, err
}

func testBatch(n int) []models.NormalizedMessage {
	batch := make([]models.NormalizedMessage, n)
	for i := range batch {
		batch[i] = models.NormalizedMessage{
			Raw: models.RawMessage{
				SourceID:    "src_a",
				SourceClass: models.ClassArab,
				MessageID:   int64(i + 1),
			},
			TextNorm: "عاجل قصف",
			Hash:     string(rune('a' + i)),
		}
	}
	return batch
}

const validResponse = `[
  {
    "kind": "strike",
    "location": "Gaza",
    "entities": ["IDF"],
    "time_hint": "",
    "summary": "A strike was reported in Gaza.",
    "confidence_self": 0.8,
    "source_msg_indices": [0]
  }
]`

func TestExtract_Valid(t *testing.T) {
	llm := &fakeLLM{responses: []string{validResponse}}
	x := New(llm, budget.NewLedger(10, 10))

	events, err := x.Extract(context.Background(), testBatch(2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Kind != models.KindStrike {
		t.Errorf("Kind = %s, want strike", ev.Kind)
	}
	if ev.SourceID != "src_a" || ev.SourceClass != models.ClassArab {
		t.Errorf("source attribution = %s/%s", ev.SourceID, ev.SourceClass)
	}
	if len(ev.MessageRefs) != 1 || ev.MessageRefs[0] != "a" {
		t.Errorf("MessageRefs = %v, want [a]", ev.MessageRefs)
	}
	if ev.EventID == "" {
		t.Error("EventID not assigned")
	}
}

func TestExtract_EmptyBatch(t *testing.T) {
	llm := &fakeLLM{}
	x := New(llm, budget.NewLedger(10, 10))

	events, err := x.Extract(context.Background(), nil)
	if err != nil || events != nil {
		t.Errorf("Extract(nil) = (%v, %v), want (nil, nil)", events, err)
	}
	if llm.calls != 0 {
		t.Errorf("LLM called %d times for empty batch", llm.calls)
	}
}

func TestExtract_RepairAfterSchemaInvalid(t *testing.T) {
	llm := &fakeLLM{responses: []string{"I could not find any events, sorry!", validResponse}}
	x := New(llm, budget.NewLedger(10, 10))

	events, err := x.Extract(context.Background(), testBatch(1))
	if err != nil {
		t.Fatalf("Extract after repair: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if llm.calls != 2 {
		t.Errorf("LLM calls = %d, want 2 (original + repair)", llm.calls)
	}
}

func TestExtract_RepairFailsTwice(t *testing.T) {
	llm := &fakeLLM{responses: []string{"garbage", "more garbage"}}
	x := New(llm, budget.NewLedger(10, 10))

	_, err := x.Extract(context.Background(), testBatch(1))
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("err = %v, want ErrSchemaInvalid", err)
	}
	if llm.calls != 2 {
		t.Errorf("LLM calls = %d, want exactly 2 (one repair, no loop)", llm.calls)
	}
}

func TestExtract_BudgetExhausted(t *testing.T) {
	ledger := budget.NewLedger(1, 1)
	ledger.Admit() // consume the only slot

	llm := &fakeLLM{responses: []string{validResponse}}
	x := New(llm, ledger)

	_, err := x.Extract(context.Background(), testBatch(1))
	var exhausted *BudgetExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want BudgetExhaustedError", err)
	}
	if exhausted.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive hint", exhausted.RetryAfter)
	}
	if llm.calls != 0 {
		t.Errorf("LLM called %d times without admission", llm.calls)
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	llm := &fakeLLM{
		errs:      []error{ErrProviderUnavailable, ErrTimeout, nil},
		responses: []string{"", "", validResponse},
	}
	x := New(llm, budget.NewLedger(10, 10))
	x.retries = 3
	x.retryBase = time.Millisecond

	events, err := x.Extract(context.Background(), testBatch(1))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if llm.calls != 3 {
		t.Errorf("LLM calls = %d, want 3", llm.calls)
	}
}

func TestGenerate_NoRetryOnFatalError(t *testing.T) {
	fatal := errors.New("invalid api key")
	llm := &fakeLLM{errs: []error{fatal}}
	x := New(llm, budget.NewLedger(10, 10))

	_, err := x.Extract(context.Background(), testBatch(1))
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the fatal error surfaced", err)
	}
	if llm.calls != 1 {
		t.Errorf("LLM calls = %d, want 1 (no retry on fatal)", llm.calls)
	}
}

func TestBackoff_FirstAttemptStartsAtBase(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Backoff(1)
		if d < 24*time.Second || d > 36*time.Second {
			t.Fatalf("Backoff(1) = %v, want 30s with ±20%% jitter", d)
		}
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt)
		if d <= 0 {
			t.Fatalf("Backoff(%d) = %v, want positive", attempt, d)
		}
		if d > 36*time.Minute { // 30m cap plus jitter headroom
			t.Fatalf("Backoff(%d) = %v, exceeds cap", attempt, d)
		}
		if attempt <= 4 && d < prev/4 {
			t.Errorf("Backoff(%d) = %v collapsed below earlier %v", attempt, d, prev)
		}
		prev = d
	}
}
