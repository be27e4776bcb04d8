// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package extractor is the LLM gateway: it turns batches of normalized
// messages into structured events under the budget ledger's admission
// control. The pipeline is its only caller and serializes batches, so the
// ledger stays single-writer.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tomtom215/trendwire/internal/budget"
	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/metrics"
	"github.com/tomtom215/trendwire/internal/models"
)

const extractPrompt = `Extract structured event records from the numbered messages below.
Messages may be in Arabic, Hebrew, or English; handle all three.
Normalize location names to their most common form.
An input may yield zero, one, or several events. Merge inputs into one
event when they describe the same occurrence.
Return ONLY a valid JSON array (no markdown fences, no extra text), one
element per event:
[
  {
    "kind": "one of: strike, movement, casualty, claim, statement, other",
    "location": "place name, or empty string",
    "entities": ["named actors, groups, or forces"],
    "time_hint": "reported time as RFC 3339, or empty string",
    "summary": "one short neutral sentence",
    "confidence_self": 0.0,
    "source_msg_indices": [0]
  }
]
source_msg_indices are the zero-based numbers of the messages an event was
extracted from, in input order. Messages that carry no event are simply
omitted. Return [] if nothing qualifies.

Messages:
`

const repairPrompt = `Your previous reply was not valid against the required schema.
Reply again with ONLY the JSON array described before: no fences, no prose,
every element carrying kind, location, entities, time_hint, summary,
confidence_self, and source_msg_indices.

Messages:
`

// Extractor gates a batch through the budget ledger, calls the LLM, and
// validates the result.
type Extractor struct {
	client    LLMClient
	ledger    *budget.Ledger
	retries   int           // automatic retries for ProviderUnavailable/Timeout
	retryBase time.Duration // linear backoff unit between retries
}

// New creates an Extractor.
func New(client LLMClient, ledger *budget.Ledger) *Extractor {
	return &Extractor{client: client, ledger: ledger, retries: 5, retryBase: 2 * time.Second}
}

// Extract converts a batch into events, order-preserving with respect to
// source_msg_indices.
//
// Failure behavior:
//   - budget windows full: *BudgetExhaustedError with a retry hint, no
//     call is made
//   - ErrProviderUnavailable / ErrTimeout: retried here (bounded)
//   - ErrSchemaInvalid: one repair attempt, then surfaced to the pipeline
//     which releases the batch with backoff
func (x *Extractor) Extract(ctx context.Context, batch []models.NormalizedMessage) ([]models.Event, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	prompt := buildPrompt(extractPrompt, batch)
	raw, err := x.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	events, err := decodeEvents(raw, batch)
	if errors.Is(err, ErrSchemaInvalid) {
		logging.Warn().Err(err).Int("batch", len(batch)).Msg("Schema-invalid extraction, attempting repair")
		metrics.LLMSchemaRepairs.Inc()
		raw, rerr := x.generate(ctx, buildPrompt(repairPrompt, batch))
		if rerr != nil {
			return nil, rerr
		}
		events, err = decodeEvents(raw, batch)
	}
	if err != nil {
		return nil, err
	}

	for i := range events {
		events[i].EventID = uuid.NewString()
	}
	metrics.ExtractedEvents.Add(float64(len(events)))
	return events, nil
}

// generate performs one admitted LLM call, retrying transient provider
// failures with a short linear backoff.
func (x *Extractor) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= x.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * x.retryBase):
			}
		}

		ok, wait := x.ledger.Admit()
		if !ok {
			metrics.LLMDeferred.Inc()
			return "", &BudgetExhaustedError{RetryAfter: wait}
		}

		metrics.LLMCalls.Inc()
		start := time.Now()
		out, err := x.client.Generate(ctx, prompt)
		metrics.LLMCallDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, ErrTimeout) {
			return "", err
		}
		metrics.LLMFailures.Inc()
		logging.Warn().Err(err).Int("attempt", attempt+1).Msg("LLM call failed")
	}
	return "", fmt.Errorf("llm call exhausted retries: %w", lastErr)
}

// buildPrompt renders the numbered message block appended to a prompt
// preamble. Texts are truncated so a pathological message cannot blow the
// token budget.
func buildPrompt(preamble string, batch []models.NormalizedMessage) string {
	type promptMsg struct {
		Index  int    `json:"index"`
		Source string `json:"source"`
		Lang   string `json:"lang"`
		Text   string `json:"text"`
	}
	msgs := make([]promptMsg, 0, len(batch))
	for i, m := range batch {
		text := m.TextNorm
		if len(text) > 1500 {
			text = text[:1500]
		}
		msgs = append(msgs, promptMsg{Index: i, Source: m.Raw.SourceID, Lang: m.LangGuess, Text: text})
	}
	blob, _ := json.Marshal(msgs)

	var b strings.Builder
	b.Grow(len(preamble) + len(blob))
	b.WriteString(preamble)
	b.Write(blob)
	return b.String()
}
