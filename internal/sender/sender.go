// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package sender formats emitted clusters into credibility-badged
// summaries and delivers them to the output channel behind a rate gate.
//
// Ordering is oldest-first. Retractions bypass the gate: a correction
// must never wait behind fresh summaries.
package sender

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/trendwire/internal/correlation"
	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/metrics"
	"github.com/tomtom215/trendwire/internal/models"
)

// Config holds the delivery parameters.
type Config struct {
	Target        string        // output channel identifier
	MinInterval   time.Duration // minimum gap between summaries (default 300s)
	SendTimeout   time.Duration // per-attempt deadline (default 15s)
	DrainTimeout  time.Duration // shutdown budget for queued emissions (default 30s)
	HighBadgeAvg  float64       // green badge floor (default 70)
	HighBadgeSrcs int           // green badge source floor (default 3)
	LowBadgeAvg   float64       // red badge ceiling (default 40)
	SummaryMaxLen int           // lead summary truncation (default 280)
}

func (c *Config) defaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 300 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HighBadgeAvg <= 0 {
		c.HighBadgeAvg = 70
	}
	if c.HighBadgeSrcs <= 0 {
		c.HighBadgeSrcs = 3
	}
	if c.LowBadgeAvg <= 0 {
		c.LowBadgeAvg = 40
	}
	if c.SummaryMaxLen <= 0 {
		c.SummaryMaxLen = 280
	}
}

// Transport delivers one formatted message to the output channel.
// Implemented by the chat-network listener client.
type Transport interface {
	Send(ctx context.Context, target, text string) error
}

// Scores exposes the authority snapshot used for badges.
type Scores interface {
	Score(sourceID string) float64
}

// sendRetries bounds delivery attempts per message.
const sendRetries = 5

// sentCacheCap bounds the duplicate-output cache.
const sentCacheCap = 512

// Sender consumes correlation emissions and publishes summaries.
type Sender struct {
	cfg       Config
	transport Transport
	scores    Scores
	emissions <-chan correlation.Emission
	limiter   *rate.Limiter

	sent      map[string]struct{} // digests of delivered texts
	sentOrder []string            // FIFO for cache eviction
	retryUnit time.Duration       // linear backoff unit between send attempts

	emittedLog *emissionLog
}

// New creates a Sender consuming the correlation engine's emissions.
func New(cfg Config, transport Transport, scores Scores, emissions <-chan correlation.Emission) *Sender {
	cfg.defaults()
	return &Sender{
		cfg:        cfg,
		transport:  transport,
		scores:     scores,
		emissions:  emissions,
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		sent:       make(map[string]struct{}),
		retryUnit:  2 * time.Second,
		emittedLog: newEmissionLog(),
	}
}

// Serve implements suture.Service. On cancellation the queued emissions
// are drained within DrainTimeout.
func (s *Sender) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case em := <-s.emissions:
			s.publish(ctx, em)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sender) String() string {
	return "sender"
}

// SentLastHour reports deliveries in the trailing hour, for the control
// surface.
func (s *Sender) SentLastHour() int {
	return s.emittedLog.countSince(time.Now().Add(-time.Hour))
}

// publish formats and delivers one emission. Summaries wait on the rate
// gate; retractions do not.
func (s *Sender) publish(ctx context.Context, em correlation.Emission) {
	var text string
	if em.Retraction {
		text = s.formatRetraction(em.Cluster)
	} else {
		text = s.formatSummary(em.Cluster)
	}

	digest := textDigest(text)
	if _, dup := s.sent[digest]; dup {
		logging.Debug().Str("cluster", em.Cluster.ClusterID).Msg("Duplicate output suppressed")
		return
	}

	if !em.Retraction {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := s.send(ctx, text); err != nil {
		metrics.SendFailures.Inc()
		logging.Error().Err(err).
			Str("cluster", em.Cluster.ClusterID).
			Bool("retraction", em.Retraction).
			Msg("Delivery failed after retries")
		return
	}

	s.remember(digest)
	s.emittedLog.record(time.Now())
	if em.Retraction {
		metrics.RetractionsSent.Inc()
	} else {
		metrics.EmissionsSent.Inc()
	}
	logging.Info().
		Str("cluster", em.Cluster.ClusterID).
		Bool("retraction", em.Retraction).
		Msg("Emission delivered")
}

// send performs bounded retries with linear backoff.
func (s *Sender) send(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryUnit):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.transport.Send(callCtx, s.cfg.Target, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		logging.Warn().Err(err).Int("attempt", attempt+1).Msg("Send attempt failed")
	}
	return lastErr
}

// drainIdleGrace is how long drain waits on an empty queue before
// concluding the upstream flush has finished. The correlation engine
// flushes concurrently during shutdown, so a momentarily empty channel
// does not mean the queue is done.
const drainIdleGrace = 2 * time.Second

// drain delivers queued emissions during shutdown, skipping the rate
// gate so corroborated trends are not lost to a restart. It keeps
// draining until the queue stays idle or DrainTimeout expires.
func (s *Sender) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	idle := time.NewTimer(drainIdleGrace)
	defer idle.Stop()

	for {
		select {
		case em := <-s.emissions:
			text := s.formatSummary(em.Cluster)
			if em.Retraction {
				text = s.formatRetraction(em.Cluster)
			}
			digest := textDigest(text)
			if _, dup := s.sent[digest]; !dup {
				if err := s.send(ctx, text); err != nil {
					metrics.SendFailures.Inc()
					logging.Error().Err(err).Str("cluster", em.Cluster.ClusterID).Msg("Drain delivery failed")
					return
				}
				s.remember(digest)
			}
			idle.Reset(drainIdleGrace)
		case <-idle.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// formatSummary renders the published summary block:
//
//	<badge> <KIND> — <location>
//	<lead summary>
//	Sources (3): src_a, src_b, src_c
//	Authority: 42–81 (avg 63)
//	First seen: 2026-08-24T10:15:00Z
//	⚡ cross-class corroboration
func (s *Sender) formatSummary(c models.TrendCluster) string {
	minScore, maxScore, avg := s.scoreSpread(c)

	var b strings.Builder
	b.WriteString(s.badge(avg, len(c.Sources)))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(string(leadKind(c))))
	b.WriteString(" — ")
	b.WriteString(leadLocation(c))
	b.WriteByte('\n')
	b.WriteString(truncate(leadSummary(c), s.cfg.SummaryMaxLen))
	b.WriteByte('\n')

	sources := c.SourceIDs()
	fmt.Fprintf(&b, "Sources (%d): %s\n", len(sources), strings.Join(sources, ", "))
	fmt.Fprintf(&b, "Authority: %.0f–%.0f (avg %.0f)\n", minScore, maxScore, avg)
	fmt.Fprintf(&b, "First seen: %s", c.FirstSeen.UTC().Format(time.RFC3339))
	if c.CrossClass() {
		b.WriteString("\n⚡ cross-class corroboration")
	}
	return b.String()
}

// formatRetraction renders the correction referencing the original
// cluster.
func (s *Sender) formatRetraction(c models.TrendCluster) string {
	return fmt.Sprintf("⚠️ RETRACTION ref:%s\nThe earlier report (%s) has been contradicted by a follow-up and is withdrawn.",
		c.ClusterID, truncate(leadSummary(c), s.cfg.SummaryMaxLen))
}

// badge maps the authority spread to a credibility marker.
func (s *Sender) badge(avg float64, sources int) string {
	switch {
	case avg >= s.cfg.HighBadgeAvg && sources >= s.cfg.HighBadgeSrcs:
		return "🟢"
	case avg < s.cfg.LowBadgeAvg:
		return "🔴"
	default:
		return "🟡"
	}
}

// scoreSpread computes min, max, and mean source authority.
func (s *Sender) scoreSpread(c models.TrendCluster) (minScore, maxScore, avg float64) {
	if len(c.Sources) == 0 {
		return models.DefaultAuthorityScore, models.DefaultAuthorityScore, models.DefaultAuthorityScore
	}
	first := true
	var sum float64
	for src := range c.Sources {
		score := s.scores.Score(src)
		sum += score
		if first {
			minScore, maxScore, first = score, score, false
			continue
		}
		if score < minScore {
			minScore = score
		}
		if score > maxScore {
			maxScore = score
		}
	}
	return minScore, maxScore, sum / float64(len(c.Sources))
}

// leadMember is the member with the highest self-confidence; earliest
// wins ties.
func leadMember(c models.TrendCluster) models.Event {
	lead := c.Members[0]
	for _, m := range c.Members[1:] {
		if m.ConfidenceSelf > lead.ConfidenceSelf {
			lead = m
		}
	}
	return lead
}

func leadSummary(c models.TrendCluster) string {
	if len(c.Members) == 0 {
		return ""
	}
	return leadMember(c).Summary
}

// leadLocation is the location on the headline: the lead member's,
// falling back to the first member that carries one.
func leadLocation(c models.TrendCluster) string {
	if len(c.Members) == 0 {
		return ""
	}
	if loc := leadMember(c).Location; loc != "" {
		return loc
	}
	for _, m := range c.Members {
		if m.Location != "" {
			return m.Location
		}
	}
	return ""
}

// leadKind prefers the specific kind carried by the most members; a
// cluster of only claims reports claim.
func leadKind(c models.TrendCluster) models.EventKind {
	counts := make(map[models.EventKind]int)
	for _, m := range c.Members {
		counts[m.Kind]++
	}
	var best models.EventKind
	bestN := -1
	for k, n := range counts {
		// Specific kinds outrank claim/statement regardless of count.
		if best != "" && k.Specific() != best.Specific() {
			if k.Specific() {
				best, bestN = k, n
			}
			continue
		}
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// truncate cuts s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// remember records a delivered text digest, evicting oldest-first.
func (s *Sender) remember(digest string) {
	if _, ok := s.sent[digest]; ok {
		return
	}
	s.sent[digest] = struct{}{}
	s.sentOrder = append(s.sentOrder, digest)
	if len(s.sentOrder) > sentCacheCap {
		delete(s.sent, s.sentOrder[0])
		s.sentOrder = s.sentOrder[1:]
	}
}

func textDigest(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// emissionLog tracks delivery timestamps for the stats endpoint. The
// control surface reads it from another goroutine.
type emissionLog struct {
	mu    sync.Mutex
	times []time.Time
}

func newEmissionLog() *emissionLog {
	return &emissionLog{}
}

func (l *emissionLog) record(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, t)
	// Prune everything older than an hour on each write.
	cut := t.Add(-time.Hour)
	i := 0
	for ; i < len(l.times); i++ {
		if l.times[i].After(cut) {
			break
		}
	}
	l.times = l.times[i:]
}

func (l *emissionLog) countSince(t time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ts := range l.times {
		if ts.After(t) {
			n++
		}
	}
	return n
}
