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
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "DATABASE_URL", "WEBHOOK_SECRET", "ORCHESTRATOR_URL", "DRY_RUN",
		"WORKER_RUNTIME_URL", "WORKER_JOB_NAME", "POLL_INTERVAL_MS", "NOTIFIER_URL",
		"NOTIFIER_BEARER", "MAX_CONCURRENT_JOBS", "RECOVERY_INTERVAL_MS",
		"STALE_THRESHOLD_MINUTES", "LOG_FORMAT", "LOG_LEVEL",
		"METADATA_ENCRYPTION_KEY", "METRICS_ADDR",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnvAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "./jobs.db")
	t.Setenv("WEBHOOK_SECRET", "shh")
	t.Setenv("ORCHESTRATOR_URL", "https://orchestrator.example.com")
	t.Setenv("DRY_RUN", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.MaxConcurrentJobs != 5 {
		t.Fatalf("expected default max concurrent jobs 5, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %v", cfg.PollInterval)
	}
	if cfg.StaleThresholdMinutes != 30 {
		t.Fatalf("expected default stale threshold 30, got %d", cfg.StaleThresholdMinutes)
	}
}

func TestFromEnvRequiresWorkerRuntimeURLUnlessDryRun(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "./jobs.db")
	t.Setenv("WEBHOOK_SECRET", "shh")
	t.Setenv("ORCHESTRATOR_URL", "https://orchestrator.example.com")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when WORKER_RUNTIME_URL is unset and DRY_RUN is false")
	}

	t.Setenv("DRY_RUN", "true")
	if _, err := FromEnv(); err != nil {
		t.Fatalf("expected no error in dry-run mode, got %v", err)
	}
}

func TestFromEnvRejectsMissingRequiredFields(t *testing.T) {
	clearEnv(t)
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestFromEnvRejectsInvalidIntValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "./jobs.db")
	t.Setenv("WEBHOOK_SECRET", "shh")
	t.Setenv("ORCHESTRATOR_URL", "https://orchestrator.example.com")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MAX_CONCURRENT_JOBS", "not-a-number")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for invalid MAX_CONCURRENT_JOBS")
	}
}

func TestRedactedSecret(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"abcdef", "ab**ef"},
		{"supersecretvalue", "su************ue"},
	}
	for _, c := range cases {
		if got := RedactedSecret(c.in); got != c.want {
			t.Errorf("RedactedSecret(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
