// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator's process configuration, resolved from
// environment variables only; no command-line flags are read.
type Config struct {
	Port string // PORT, default 8080

	DatabaseURL string // DATABASE_URL, required (sqlite DSN/file path)

	WebhookSecret   string // WEBHOOK_SECRET, required
	OrchestratorURL string // ORCHESTRATOR_URL, required

	DryRun          bool   // DRY_RUN
	WorkerRuntimeURL string // worker-runtime control-plane endpoint, required unless DryRun
	WorkerJobName   string // worker job name, default "prd-worker"

	PollInterval time.Duration // POLL_INTERVAL_MS, default 5s

	NotifierURL    string // NOTIFIER_URL
	NotifierBearer string // NOTIFIER_BEARER

	MaxConcurrentJobs     int           // MAX_CONCURRENT_JOBS, default 5
	RecoveryInterval      time.Duration // RECOVERY_INTERVAL_MS, default 5m
	StaleThresholdMinutes int           // STALE_THRESHOLD_MINUTES, default 30

	LogFormat string // LOG_FORMAT, default "text"
	LogLevel  string // LOG_LEVEL, default "info"

	MetadataEncryptionKey string // METADATA_ENCRYPTION_KEY, optional
	MetricsAddr           string // METRICS_ADDR, optional
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Port:                  "8080",
		WorkerJobName:         "prd-worker",
		PollInterval:          5 * time.Second,
		MaxConcurrentJobs:     5,
		RecoveryInterval:      5 * time.Minute,
		StaleThresholdMinutes: 30,
		LogFormat:             "text",
		LogLevel:              "info",
	}
}

// FromEnv loads a Config from environment variables, applying defaults
// for anything unset, then validates it.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.Port = getenv("PORT", cfg.Port)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.WebhookSecret = getenv("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.OrchestratorURL = getenv("ORCHESTRATOR_URL", cfg.OrchestratorURL)

	dryRun, err := getenvBool("DRY_RUN", false)
	if err != nil {
		return cfg, err
	}
	cfg.DryRun = dryRun

	cfg.WorkerRuntimeURL = getenv("WORKER_RUNTIME_URL", cfg.WorkerRuntimeURL)
	cfg.WorkerJobName = getenv("WORKER_JOB_NAME", cfg.WorkerJobName)

	pollMS, err := getenvInt("POLL_INTERVAL_MS", int(cfg.PollInterval/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	cfg.PollInterval = time.Duration(pollMS) * time.Millisecond

	cfg.NotifierURL = getenv("NOTIFIER_URL", cfg.NotifierURL)
	cfg.NotifierBearer = getenv("NOTIFIER_BEARER", cfg.NotifierBearer)

	maxConcurrent, err := getenvInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	if err != nil {
		return cfg, err
	}
	cfg.MaxConcurrentJobs = maxConcurrent

	recoveryMS, err := getenvInt("RECOVERY_INTERVAL_MS", int(cfg.RecoveryInterval/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	cfg.RecoveryInterval = time.Duration(recoveryMS) * time.Millisecond

	staleThreshold, err := getenvInt("STALE_THRESHOLD_MINUTES", cfg.StaleThresholdMinutes)
	if err != nil {
		return cfg, err
	}
	cfg.StaleThresholdMinutes = staleThreshold

	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetadataEncryptionKey = getenv("METADATA_ENCRYPTION_KEY", cfg.MetadataEncryptionKey)
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required fields given the configured mode.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.OrchestratorURL == "" {
		return fmt.Errorf("ORCHESTRATOR_URL is required")
	}
	if !c.DryRun && c.WorkerRuntimeURL == "" {
		return fmt.Errorf("WORKER_RUNTIME_URL is required unless DRY_RUN=true")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.StaleThresholdMinutes < 1 {
		return fmt.Errorf("STALE_THRESHOLD_MINUTES must be at least 1")
	}
	return nil
}

// RedactedSecret returns the secret masked for logging: first and last
// two characters, rest replaced with asterisks (secrets of four
// characters or fewer become "****").
func RedactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	masked := make([]byte, len(s)-4)
	for i := range masked {
		masked[i] = '*'
	}
	return s[:2] + string(masked) + s[len(s)-2:]
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return b, nil
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return n, nil
}
