// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package listener is the chat-network boundary. The network client
// itself is an external collaborator behind the Client interface; this
// package owns source-list handling, the ingestion service that feeds
// the pipeline, and auth-revocation recovery.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/models"
)

// ErrAuthRevoked is returned by Client.Run when the network session is no
// longer valid. The service enters recovery mode instead of retrying.
var ErrAuthRevoked = errors.New("listener: authentication revoked")

// Client is the chat-network transport. Run connects and pumps messages
// until failure; Messages is the delivery channel; Send publishes to a
// chat.
type Client interface {
	Run(ctx context.Context) error
	Messages() <-chan models.RawMessage
	Send(ctx context.Context, chatID, text string) error
}

// SourceSet maps channel usernames to their editorial class.
type SourceSet map[string]models.SourceClass

// LoadSources reads a plain-text source list: one username per line,
// blank lines and #-comments skipped. Returns the usernames in file
// order.
func LoadSources(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "@")
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read source list: %w", err)
	}
	return out, nil
}

// BuildSourceSet loads both class lists into one lookup. A username in
// both files keeps its first (arab) class.
func BuildSourceSet(arabPath, smartPath string) (SourceSet, error) {
	set := make(SourceSet)
	arab, err := LoadSources(arabPath)
	if err != nil {
		return nil, err
	}
	for _, s := range arab {
		set[s] = models.ClassArab
	}
	smart, err := LoadSources(smartPath)
	if err != nil {
		return nil, err
	}
	for _, s := range smart {
		if _, dup := set[s]; !dup {
			set[s] = models.ClassSmart
		}
	}
	return set, nil
}

// Service runs the client and forwards its messages to the pipeline.
// One goroutine consumes Messages, so per-source arrival order is
// preserved end to end.
type Service struct {
	client  Client
	sources SourceSet
	ingress chan<- models.RawMessage
	alert   func(ctx context.Context, text string) // recovery notification, may be nil

	recovering atomic.Bool
}

// NewService creates the ingestion service.
func NewService(client Client, sources SourceSet, ingress chan<- models.RawMessage, alert func(ctx context.Context, text string)) *Service {
	return &Service{
		client:  client,
		sources: sources,
		ingress: ingress,
		alert:   alert,
	}
}

// Recovering reports whether intake is paused on a revoked session.
// Surfaced by the control endpoint.
func (s *Service) Recovering() bool {
	return s.recovering.Load()
}

// Serve implements suture.Service: run the client with unbounded jittered
// retry, forwarding messages until the context ends. Auth revocation
// pauses intake but keeps the rest of the engine draining.
func (s *Service) Serve(ctx context.Context) error {
	go s.forward(ctx)

	backoff := time.Second
	for {
		err := s.client.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRevoked) {
			s.enterRecovery(ctx)
			// Recovery holds until an operator renews the session and the
			// supervisor restarts us; back off hard rather than hammering
			// a dead session.
			backoff = 5 * time.Minute
		} else {
			logging.Warn().Err(err).Dur("backoff", backoff).Msg("Listener client stopped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = min(backoff*2, 5*time.Minute)
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Service) String() string {
	return "listener"
}

// forward moves client messages into the pipeline, classifying them
// against the source set. Unknown sources are ignored.
func (s *Service) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.client.Messages():
			if !ok {
				return
			}
			if s.recovering.Load() {
				continue
			}
			class, known := s.sources[raw.SourceID]
			if !known {
				logging.Debug().Str("source", raw.SourceID).Msg("Message from unlisted source ignored")
				continue
			}
			raw.SourceClass = class
			if raw.ArrivedAt.IsZero() {
				raw.ArrivedAt = time.Now().UTC()
			}
			select {
			case s.ingress <- raw:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Service) enterRecovery(ctx context.Context) {
	if s.recovering.Swap(true) {
		return
	}
	logging.Error().Msg("Session revoked, intake paused; renew authentication to resume")
	if s.alert != nil {
		s.alert(ctx, "⛔ Trendwire session revoked. Intake paused until re-authentication.")
	}
}

// jitter spreads a delay by ±25% so reconnecting listeners do not
// thundering-herd the network.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 4
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int63n(2*spread))
}
