// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package control is the localhost operator surface: liveness, authority
// standings, and Prometheus metrics. The companion control bot fronts
// these endpoints; the engine itself never exposes them publicly.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/models"
)

// Config holds the control listener settings.
type Config struct {
	Addr    string        // default 127.0.0.1:3858
	Timeout time.Duration // request timeout, default 10s
}

// AuthorityReader exposes the ledger standings.
type AuthorityReader interface {
	Top(n int) []models.SourceAuthority
}

// EngineStatus aggregates the runtime signals /status reports.
type EngineStatus struct {
	SentLastHour func() int
	Recovering   func() bool
}

// Server is the control HTTP listener.
type Server struct {
	cfg       Config
	authority AuthorityReader
	status    EngineStatus
	started   time.Time
}

// New creates the control server.
func New(cfg Config, authority AuthorityReader, status EngineStatus) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:3858"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Server{
		cfg:       cfg,
		authority: authority,
		status:    status,
		started:   time.Now().UTC(),
	}
}

// Serve implements suture.Service: run the listener until the context
// ends, then shut down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Timeout))

	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           r,
		ReadTimeout:       s.cfg.Timeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.Timeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("Control surface listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "control-server"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status       string `json:"status"`
		UptimeSec    int64  `json:"uptime_seconds"`
		Recovering   bool   `json:"recovering"`
		SentLastHour int    `json:"sent_last_hour"`
	}{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if s.status.Recovering != nil {
		resp.Recovering = s.status.Recovering()
	}
	if s.status.SentLastHour != nil {
		resp.SentLastHour = s.status.SentLastHour()
	}
	if resp.Recovering {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type sourceStanding struct {
		SourceID       string  `json:"source_id"`
		Score          float64 `json:"score"`
		Corroborations int64   `json:"corroborations"`
		Contradictions int64   `json:"contradictions"`
	}

	top := s.authority.Top(10)
	standings := make([]sourceStanding, 0, len(top))
	for _, a := range top {
		standings = append(standings, sourceStanding{
			SourceID:       a.SourceID,
			Score:          a.Score,
			Corroborations: a.Corroborations,
			Contradictions: a.Contradictions,
		})
	}

	resp := struct {
		TopSources   []sourceStanding `json:"top_sources"`
		SentLastHour int              `json:"sent_last_hour"`
	}{TopSources: standings}
	if s.status.SentLastHour != nil {
		resp.SentLastHour = s.status.SentLastHour()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode control response")
	}
}
