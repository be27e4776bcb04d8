// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package config holds all application configuration, loaded with Koanf v2
// from layered sources (highest priority wins):
//
//  1. Environment variables (flat names, e.g. TELEGRAM_API_ID, BATCH_SIZE)
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Built-in defaults
//
// A config.env file in the working directory is loaded into the process
// environment first (godotenv), so deployments can keep credentials out of
// the unit file.
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the Trendwire engine.
type Config struct {
	Telegram    TelegramConfig    `koanf:"telegram"`
	LLM         LLMConfig         `koanf:"llm"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Authority   AuthorityConfig   `koanf:"authority"`
	Sender      SenderConfig      `koanf:"sender"`
	Database    DatabaseConfig    `koanf:"database"`
	Control     ControlConfig     `koanf:"control"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// TelegramConfig holds the chat-network session credentials and channel
// targets. The client itself is an external collaborator; the core only
// needs enough to hand to it and to address output.
type TelegramConfig struct {
	APIID            int    `koanf:"api_id"`            // TELEGRAM_API_ID (required)
	APIHash          string `koanf:"api_hash"`          // TELEGRAM_API_HASH (required)
	PhoneNumber      string `koanf:"phone_number"`      // PHONE_NUMBER (required)
	SessionString    string `koanf:"session_string"`    // TG_SESSION_STRING (required)
	ArabsSummaryOut  int64  `koanf:"arabs_summary_out"` // output channel ID (required)
	SmartChat        int64  `koanf:"smart_chat"`        // smart-class relay chat ID
	ArabSourcesFile  string `koanf:"arab_sources_file"`
	SmartSourcesFile string `koanf:"smart_sources_file"`
	// The session client is an external process; it appends inbound
	// messages to BridgeIn and relays whatever the engine appends to
	// BridgeOut. Named pipes work for both.
	BridgeIn  string `koanf:"bridge_in"`
	BridgeOut string `koanf:"bridge_out"`
}

// LLMConfig configures the Gemini extractor gateway and its budget.
type LLMConfig struct {
	APIKey       string        `koanf:"api_key"` // GEMINI_API_KEY (required)
	Model        string        `koanf:"model"`   // GEMINI_MODEL
	BudgetHourly int           `koanf:"budget_hourly"`
	RPMLimit     int           `koanf:"rpm_limit"`
	Timeout      time.Duration `koanf:"timeout"`
}

// PipelineConfig configures batching and admission.
type PipelineConfig struct {
	BatchSize     int           `koanf:"batch_size"`
	MaxBatchAge   time.Duration `koanf:"max_batch_age"`
	QueueCapacity int           `koanf:"queue_capacity"` // per source class
	DedupWindow   time.Duration `koanf:"dedup_window"`
	FlushTimeout  time.Duration `koanf:"flush_timeout"` // in-flight batch wait on shutdown
	// TrailerPatterns are channel-signature suffixes the normalizer strips
	// before hashing, e.g. "[قناة المصدر]". YAML-only; no flat env name.
	TrailerPatterns []string `koanf:"trailer_patterns"`
}

// CorrelationConfig configures cluster matching and aging.
type CorrelationConfig struct {
	MinSources        int           `koanf:"min_sources"`
	ClusterIdleTTL    time.Duration `koanf:"cluster_idle_ttl"`
	FastTrackHold     time.Duration `koanf:"fast_track_hold"`
	RetractionWindow  time.Duration `koanf:"retraction_window"`
	LocationSimilar   float64       `koanf:"location_similar"`   // Jaro-Winkler merge threshold
	LocationIdentical float64       `koanf:"location_identical"` // threshold that waives entity overlap
}

// AuthorityConfig configures credibility scoring.
type AuthorityConfig struct {
	HighThreshold float64       `koanf:"high_threshold"`
	Alpha         float64       `koanf:"alpha"` // corroboration boost factor
	Beta          float64       `koanf:"beta"`  // supersession penalty factor
	DecayPerDay   float64       `koanf:"decay_per_day"`
	DecayInterval time.Duration `koanf:"decay_interval"`
}

// SenderConfig configures output gating.
type SenderConfig struct {
	SummaryMinInterval time.Duration `koanf:"summary_min_interval"`
	SendTimeout        time.Duration `koanf:"send_timeout"`
	DrainTimeout       time.Duration `koanf:"drain_timeout"`
}

// DatabaseConfig holds the embedded DuckDB settings.
type DatabaseConfig struct {
	Path         string        `koanf:"path"` // DB_PATH
	MaxMemory    string        `koanf:"max_memory"`
	Threads      int           `koanf:"threads"` // 0 = runtime.NumCPU()
	WriteTimeout time.Duration `koanf:"write_timeout"`
	Retention    time.Duration `koanf:"retention"` // message-row retention before pruning
}

// ControlConfig holds the operator control surface settings.
type ControlConfig struct {
	Addr    string        `koanf:"addr"` // listen address for /status, /stats, /metrics
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks required fields and value ranges. Errors here are the
// ConfigInvalid class: main exits with code 2 and a descriptive message.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.APIID == 0 {
		missing = append(missing, "TELEGRAM_API_ID")
	}
	if c.Telegram.APIHash == "" {
		missing = append(missing, "TELEGRAM_API_HASH")
	}
	if c.Telegram.PhoneNumber == "" {
		missing = append(missing, "PHONE_NUMBER")
	}
	if c.Telegram.SessionString == "" {
		missing = append(missing, "TG_SESSION_STRING")
	}
	if c.Telegram.ArabsSummaryOut == 0 {
		missing = append(missing, "ARABS_SUMMARY_OUT")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.LLM.BudgetHourly <= 0 {
		return fmt.Errorf("LLM_BUDGET_HOURLY must be positive, got %d", c.LLM.BudgetHourly)
	}
	if c.LLM.RPMLimit <= 0 {
		return fmt.Errorf("LLM_RPM_LIMIT must be positive, got %d", c.LLM.RPMLimit)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.Pipeline.QueueCapacity)
	}
	if c.Correlation.MinSources < 1 {
		return fmt.Errorf("MIN_SOURCES must be at least 1, got %d", c.Correlation.MinSources)
	}
	if c.Authority.HighThreshold < 0 || c.Authority.HighThreshold > 100 {
		return fmt.Errorf("AUTHORITY_HIGH_THRESHOLD must be in [0,100], got %.1f", c.Authority.HighThreshold)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	return nil
}
