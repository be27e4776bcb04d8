// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package main is the entry point for the Trendwire engine.
//
// Trendwire ingests messages from curated chat-network source channels,
// normalizes and deduplicates them, extracts structured events through a
// budget-limited LLM, correlates events into cross-source trend
// clusters, scores source authority over time, and publishes
// credibility-badged summaries through a rate gate.
//
// # Application Architecture
//
// The engine initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 (env > config.yaml > defaults)
//  2. Database: embedded DuckDB holding messages, events, clusters, and
//     the authority ledger
//  3. Authority tracker: warmed from the persisted ledger
//  4. Correlation engine, budget ledger, extractor, pipeline, sender
//  5. Listener: the chat-network bridge plus source lists
//  6. Control surface: localhost HTTP (/status, /stats, /metrics)
//  7. Supervisor tree: ingest, processing, and delivery layers
//
// # Transport boundary
//
// The engine never speaks the chat-network protocol itself. An external
// session client appends inbound messages to BRIDGE_IN (file or named
// pipe) and the companion bot relays the engine's BRIDGE_OUT appends.
// Session credentials (TELEGRAM_API_ID and friends) are validated here
// and handed to that client's deployment; a revoked session pauses
// intake until an operator renews it.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: intake stops, the
// pipeline flushes its pending batches (bounded), the correlation engine
// flushes eligible clusters, the sender drains its queue (bounded), and
// the database is closed last.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/trendwire/internal/authority"
	"github.com/tomtom215/trendwire/internal/budget"
	"github.com/tomtom215/trendwire/internal/config"
	"github.com/tomtom215/trendwire/internal/control"
	"github.com/tomtom215/trendwire/internal/correlation"
	"github.com/tomtom215/trendwire/internal/extractor"
	"github.com/tomtom215/trendwire/internal/listener"
	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/normalizer"
	"github.com/tomtom215/trendwire/internal/pipeline"
	"github.com/tomtom215/trendwire/internal/sender"
	"github.com/tomtom215/trendwire/internal/store"
	"github.com/tomtom215/trendwire/internal/supervisor"
)

// exitConfigInvalid is the documented exit code for configuration
// failures, distinct from runtime crashes.
const exitConfigInvalid = 2

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trendwire: invalid configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("model", cfg.LLM.Model).
		Int("budget_hourly", cfg.LLM.BudgetHourly).
		Msg("Starting Trendwire")

	st, err := store.New(store.Config{
		Path:         cfg.Database.Path,
		MaxMemory:    cfg.Database.MaxMemory,
		Threads:      cfg.Database.Threads,
		WriteTimeout: cfg.Database.WriteTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	// The store closes last: every layer above flushes into it on the way
	// down.
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := authority.New(authority.Config{
		Alpha:         cfg.Authority.Alpha,
		Beta:          cfg.Authority.Beta,
		DecayPerDay:   cfg.Authority.DecayPerDay,
		DecayInterval: cfg.Authority.DecayInterval,
	}, st)
	if err := tracker.Warm(ctx); err != nil {
		if store.IsCorruption(err) {
			logging.Fatal().Err(err).Msg("Database corruption detected")
		}
		logging.Fatal().Err(err).Msg("Failed to warm authority ledger")
	}

	engine := correlation.New(correlation.Config{
		MinSources:        cfg.Correlation.MinSources,
		ClusterIdleTTL:    cfg.Correlation.ClusterIdleTTL,
		FastTrackHold:     cfg.Correlation.FastTrackHold,
		RetractionWindow:  cfg.Correlation.RetractionWindow,
		HighThreshold:     cfg.Authority.HighThreshold,
		LocationSimilar:   cfg.Correlation.LocationSimilar,
		LocationIdentical: cfg.Correlation.LocationIdentical,
	}, tracker, st, tracker.Updates())

	ledger := budget.NewLedger(cfg.LLM.BudgetHourly, cfg.LLM.RPMLimit)
	gemini := extractor.NewGeminiClient(extractor.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	ext := extractor.New(gemini, ledger)

	pipe := pipeline.New(pipeline.Config{
		BatchSize:     cfg.Pipeline.BatchSize,
		MaxBatchAge:   cfg.Pipeline.MaxBatchAge,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		DedupWindow:   cfg.Pipeline.DedupWindow,
		FlushTimeout:  cfg.Pipeline.FlushTimeout,
	}, normalizer.New(cfg.Pipeline.TrailerPatterns), st, ext, engine.Events())

	sources, err := listener.BuildSourceSet(cfg.Telegram.ArabSourcesFile, cfg.Telegram.SmartSourcesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trendwire: invalid configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	logging.Info().Int("sources", len(sources)).Msg("Source lists loaded")

	client := listener.NewBridgeClient(cfg.Telegram.BridgeIn, cfg.Telegram.BridgeOut)

	summaryTarget := strconv.FormatInt(cfg.Telegram.ArabsSummaryOut, 10)
	alertTarget := summaryTarget
	if cfg.Telegram.SmartChat != 0 {
		alertTarget = strconv.FormatInt(cfg.Telegram.SmartChat, 10)
	}

	ingestSvc := listener.NewService(client, sources, pipe.Ingress(), func(ctx context.Context, text string) {
		if err := client.Send(ctx, alertTarget, text); err != nil {
			logging.Error().Err(err).Msg("Failed to deliver recovery alert")
		}
	})

	snd := sender.New(sender.Config{
		Target:       summaryTarget,
		MinInterval:  cfg.Sender.SummaryMinInterval,
		SendTimeout:  cfg.Sender.SendTimeout,
		DrainTimeout: cfg.Sender.DrainTimeout,
	}, client, tracker, engine.Emissions())

	ctl := control.New(control.Config{
		Addr:    cfg.Control.Addr,
		Timeout: cfg.Control.Timeout,
	}, tracker, control.EngineStatus{
		SentLastHour: snd.SentLastHour,
		Recovering:   ingestSvc.Recovering,
	})

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}
	tree.AddIngestService(ingestSvc)
	tree.AddProcessingService(tracker)
	tree.AddProcessingService(engine)
	tree.AddProcessingService(pipe)
	tree.AddProcessingService(store.NewJanitor(st, cfg.Database.Retention))
	tree.AddDeliveryService(snd)
	tree.AddDeliveryService(ctl)

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("Supervisor tree stopped with error")
			}
		case <-time.After(2 * time.Minute):
			if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
				for _, svc := range report {
					logging.Error().Str("service", svc.Name).Msg("Service failed to stop")
				}
			}
			logging.Error().Msg("Shutdown deadline exceeded")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Fatal().Err(err).Msg("Supervisor tree failed")
		}
	}

	logging.Info().Msg("Trendwire stopped")
}
