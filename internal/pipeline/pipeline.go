// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package pipeline connects the listener to the extractor: it normalizes
// and deduplicates incoming messages, accumulates them into per-class
// batches, and feeds batches through the extractor one at a time. A
// message carrying a breaking-news marker fires its batch immediately
// instead of waiting for the size or age trigger.
//
// Everything runs on the Serve goroutine. Extraction is synchronous in
// the loop, so at most one LLM call is ever in flight and the budget
// ledger stays single-caller. Per-class queues are bounded; overflow
// drops the oldest pending message, never the newest.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/trendwire/internal/extractor"
	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/metrics"
	"github.com/tomtom215/trendwire/internal/models"
	"github.com/tomtom215/trendwire/internal/normalizer"
	"github.com/tomtom215/trendwire/internal/store"
)

// Config holds the batching parameters.
type Config struct {
	BatchSize     int           // messages per extraction batch (default 24)
	MaxBatchAge   time.Duration // oldest pending message before a partial batch fires (default 300s)
	QueueCapacity int           // per-class pending cap, drop-oldest beyond (default 512)
	DedupWindow   time.Duration // content-hash dedup horizon (default 6h)
	FlushTimeout  time.Duration // shutdown budget for draining pending batches (default 60s)
	TickInterval  time.Duration // age/hold check cadence (default 1s)
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 24
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 300 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 512
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 6 * time.Hour
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
}

// Extractor is the batch-to-events surface the pipeline drives.
type Extractor interface {
	Extract(ctx context.Context, batch []models.NormalizedMessage) ([]models.Event, error)
}

// MessageStore is the store surface the pipeline needs.
type MessageStore interface {
	PutMessage(ctx context.Context, msg models.NormalizedMessage, dedupWindow time.Duration) (store.PutResult, error)
	PutEvent(ctx context.Context, ev models.Event) error
}

// maxBatchAttempts bounds schema-failure retries before a batch is
// released as extract_failed.
const maxBatchAttempts = 3

// classQueue is the pending buffer for one source class.
type classQueue struct {
	class    models.SourceClass
	pending  []models.NormalizedMessage
	attempts int       // failed extraction attempts for the head batch
	holdTill time.Time // backoff / budget deferral gate
	urgent   bool      // pending contains a breaking-news marker
}

// rescanUrgent recomputes the urgent flag after the head batch leaves.
func (q *classQueue) rescanUrgent() {
	q.urgent = false
	for _, m := range q.pending {
		if looksUrgent(m.TextNorm) {
			q.urgent = true
			return
		}
	}
}

// Pipeline is the ingest-to-extract stage.
type Pipeline struct {
	cfg     Config
	norm    *normalizer.Normalizer
	store   MessageStore
	extract Extractor
	ingress chan models.RawMessage
	out     chan<- models.Event

	queues []*classQueue // arab first: deferred work resumes oldest-class-first
	now    func() time.Time
}

// New creates a Pipeline that delivers events to out (the correlation
// engine's input channel).
func New(cfg Config, norm *normalizer.Normalizer, st MessageStore, ex Extractor, out chan<- models.Event) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:     cfg,
		norm:    norm,
		store:   st,
		extract: ex,
		ingress: make(chan models.RawMessage, 256),
		out:     out,
		queues: []*classQueue{
			{class: models.ClassArab},
			{class: models.ClassSmart},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ingress returns the channel the listener feeds raw messages into.
func (p *Pipeline) Ingress() chan<- models.RawMessage {
	return p.ingress
}

// Serve implements suture.Service. On cancellation the pipeline flushes
// pending batches within FlushTimeout before returning.
func (p *Pipeline) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case raw := <-p.ingress:
			p.ingest(ctx, raw)
			p.dispatch(ctx, false)
		case <-ticker.C:
			p.dispatch(ctx, false)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *Pipeline) String() string {
	return "pipeline"
}

// ingest normalizes one raw message, drops empties and duplicates, and
// enqueues the survivor on its class queue.
func (p *Pipeline) ingest(ctx context.Context, raw models.RawMessage) {
	metrics.IngestedMessages.WithLabelValues(string(raw.SourceClass)).Inc()

	msg := p.norm.Normalize(raw)
	if msg.Empty {
		metrics.EmptyDrops.Inc()
		return
	}

	res, err := p.store.PutMessage(ctx, msg, p.cfg.DedupWindow)
	if err != nil {
		// Storage trouble must not lose the message; it proceeds without
		// dedup protection and the store layer reports the fault.
		logging.Error().Err(err).
			Str("source", raw.SourceID).
			Int64("message_id", raw.MessageID).
			Msg("Failed to persist message")
	} else if res == store.PutDup {
		metrics.DedupSkips.Inc()
		logging.Debug().
			Str("source", raw.SourceID).
			Str("hash", msg.Hash).
			Msg("Duplicate message skipped")
		return
	}

	q := p.queue(raw.SourceClass)
	if len(q.pending) >= p.cfg.QueueCapacity {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		metrics.DroppedIngress.Inc()
		logging.Warn().
			Str("class", string(q.class)).
			Str("source", dropped.Raw.SourceID).
			Int64("message_id", dropped.Raw.MessageID).
			Msg("Pending queue full, dropping oldest message")
	}
	q.pending = append(q.pending, msg)
	if looksUrgent(msg.TextNorm) {
		q.urgent = true
	}
}

func (p *Pipeline) queue(class models.SourceClass) *classQueue {
	for _, q := range p.queues {
		if q.class == class {
			return q
		}
	}
	return p.queues[len(p.queues)-1]
}

// dispatch runs at most one extraction per call: the first class queue
// with a ready batch wins. force ignores the batch triggers (shutdown
// flush), as does a pending urgent message; hold gates from budget
// deferrals and backoff always apply. Reports whether a batch was
// attempted.
func (p *Pipeline) dispatch(ctx context.Context, force bool) bool {
	now := p.now()
	for _, q := range p.queues {
		if len(q.pending) == 0 {
			continue
		}
		if now.Before(q.holdTill) {
			continue
		}
		if !force && !q.urgent {
			age := now.Sub(q.pending[0].Raw.ArrivedAt)
			if len(q.pending) < p.cfg.BatchSize && age < p.cfg.MaxBatchAge {
				continue
			}
		}
		if q.urgent && !force {
			metrics.UrgentDispatches.Inc()
			logging.Debug().Str("class", string(q.class)).Msg("Urgent marker, dispatching early")
		}
		p.runBatch(ctx, q)
		return true
	}
	return false
}

// runBatch extracts the head batch of a queue and routes the outcome.
// The batch leaves the queue only on success or final failure, so a
// deferral preserves FIFO order.
func (p *Pipeline) runBatch(ctx context.Context, q *classQueue) {
	n := min(len(q.pending), p.cfg.BatchSize)
	batch := q.pending[:n]

	events, err := p.extract.Extract(ctx, batch)
	if err != nil {
		var exhausted *extractor.BudgetExhaustedError
		if errors.As(err, &exhausted) {
			q.holdTill = p.now().Add(exhausted.RetryAfter)
			logging.Info().
				Str("class", string(q.class)).
				Dur("retry_after", exhausted.RetryAfter).
				Msg("Extraction deferred, budget exhausted")
			return
		}

		q.attempts++
		if q.attempts < maxBatchAttempts {
			q.holdTill = p.now().Add(extractor.Backoff(q.attempts))
			logging.Warn().Err(err).
				Str("class", string(q.class)).
				Int("attempt", q.attempts).
				Msg("Extraction failed, batch held for retry")
			return
		}

		q.pending = q.pending[n:]
		q.attempts = 0
		q.rescanUrgent()
		metrics.ExtractFailedBatches.Inc()
		logging.Error().Err(err).
			Str("class", string(q.class)).
			Int("batch", n).
			Msg("Batch released as extract_failed")
		return
	}

	q.pending = q.pending[n:]
	q.attempts = 0
	q.holdTill = time.Time{}
	q.rescanUrgent()

	for _, ev := range events {
		if err := p.store.PutEvent(ctx, ev); err != nil {
			logging.Error().Err(err).Str("event", ev.EventID).Msg("Failed to persist event")
		}
		select {
		case p.out <- ev:
		case <-ctx.Done():
			return
		}
	}
	logging.Debug().
		Str("class", string(q.class)).
		Int("batch", n).
		Int("events", len(events)).
		Msg("Batch extracted")
}

// flush drains pending batches within the shutdown budget. Batches that
// cannot be extracted in time stay persisted in the store; only the
// in-memory queue is abandoned.
func (p *Pipeline) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()

	remaining := 0
	for _, q := range p.queues {
		remaining += len(q.pending)
	}
	if remaining == 0 {
		return
	}
	logging.Info().Int("pending", remaining).Msg("Flushing pipeline before shutdown")

	for ctx.Err() == nil {
		busy := false
		for _, q := range p.queues {
			if len(q.pending) > 0 {
				busy = true
			}
		}
		if !busy {
			return
		}
		if !p.dispatch(ctx, true) {
			// Every non-empty queue is hold-gated (budget or backoff);
			// waiting out the gates would blow the shutdown budget.
			break
		}
	}
	logging.Warn().Msg("Pipeline flush incomplete, pending messages remain persisted")
}
