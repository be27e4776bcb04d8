// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trendwire/config.yaml",
	"/etc/trendwire/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DotenvFile is loaded into the process environment before the env layer.
const DotenvFile = "config.env"

// envKeyMap maps the flat, documented environment variable names onto koanf
// paths. Only listed variables participate; everything else in the
// environment is ignored.
var envKeyMap = map[string]string{
	"TELEGRAM_API_ID":          "telegram.api_id",
	"TELEGRAM_API_HASH":        "telegram.api_hash",
	"PHONE_NUMBER":             "telegram.phone_number",
	"TG_SESSION_STRING":        "telegram.session_string",
	"ARABS_SUMMARY_OUT":        "telegram.arabs_summary_out",
	"SMART_CHAT":               "telegram.smart_chat",
	"ARAB_SOURCES_FILE":        "telegram.arab_sources_file",
	"SMART_SOURCES_FILE":       "telegram.smart_sources_file",
	"BRIDGE_IN":                "telegram.bridge_in",
	"BRIDGE_OUT":               "telegram.bridge_out",
	"GEMINI_API_KEY":           "llm.api_key",
	"GEMINI_MODEL":             "llm.model",
	"LLM_BUDGET_HOURLY":        "llm.budget_hourly",
	"LLM_RPM_LIMIT":            "llm.rpm_limit",
	"LLM_TIMEOUT":              "llm.timeout",
	"BATCH_SIZE":               "pipeline.batch_size",
	"MAX_BATCH_AGE":            "pipeline.max_batch_age",
	"QUEUE_CAPACITY":           "pipeline.queue_capacity",
	"DEDUP_WINDOW":             "pipeline.dedup_window",
	"MIN_SOURCES":              "correlation.min_sources",
	"CLUSTER_IDLE_TTL":         "correlation.cluster_idle_ttl",
	"FAST_TRACK_HOLD":          "correlation.fast_track_hold",
	"RETRACTION_WINDOW":        "correlation.retraction_window",
	"AUTHORITY_HIGH_THRESHOLD": "authority.high_threshold",
	"AUTHORITY_ALPHA":          "authority.alpha",
	"AUTHORITY_BETA":           "authority.beta",
	"AUTHORITY_DECAY":          "authority.decay_per_day",
	"SUMMARY_MIN_INTERVAL":     "sender.summary_min_interval",
	"DB_PATH":                  "database.path",
	"DB_MAX_MEMORY":            "database.max_memory",
	"DB_THREADS":               "database.threads",
	"DB_RETENTION":             "database.retention",
	"CONTROL_ADDR":             "control.addr",
	"LOG_LEVEL":                "logging.level",
	"LOG_FORMAT":               "logging.format",
	"LOG_CALLER":               "logging.caller",
}

// defaultConfig returns a Config with every optional setting defaulted.
// The six credentials and the output target intentionally default to zero
// values so Validate() rejects an unconfigured install.
func defaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			ArabSourcesFile:  "arab_channels.txt",
			SmartSourcesFile: "smart_channels.txt",
			BridgeIn:         "/data/ingest.jsonl",
			BridgeOut:        "/data/outbox.jsonl",
		},
		LLM: LLMConfig{
			Model:        "gemini-2.0-flash",
			BudgetHourly: 90,
			RPMLimit:     14,
			Timeout:      45 * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchSize:     24,
			MaxBatchAge:   300 * time.Second,
			QueueCapacity: 512,
			DedupWindow:   6 * time.Hour,
			FlushTimeout:  60 * time.Second,
		},
		Correlation: CorrelationConfig{
			MinSources:        2,
			ClusterIdleTTL:    10 * time.Minute,
			FastTrackHold:     60 * time.Second,
			RetractionWindow:  10 * time.Minute,
			LocationSimilar:   0.88,
			LocationIdentical: 0.95,
		},
		Authority: AuthorityConfig{
			HighThreshold: 75,
			Alpha:         3,
			Beta:          2,
			DecayPerDay:   0.5,
			DecayInterval: 15 * time.Minute,
		},
		Sender: SenderConfig{
			SummaryMinInterval: 300 * time.Second,
			SendTimeout:        15 * time.Second,
			DrainTimeout:       30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:         "/data/trendwire.duckdb",
			MaxMemory:    "1GB",
			Threads:      0,
			WriteTimeout: 5 * time.Second,
			Retention:    7 * 24 * time.Hour,
		},
		Control: ControlConfig{
			Addr:    "127.0.0.1:3858",
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	// Best effort: a missing config.env is not an error.
	_ = godotenv.Load(DotenvFile)

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Env layer has the highest priority. Unmapped variables are dropped by
	// returning "" from the transform.
	envProvider := env.Provider("", ".", func(s string) string {
		return envKeyMap[s]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
