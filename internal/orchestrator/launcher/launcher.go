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

// Package launcher hands a claimed job to the external worker runtime
// without waiting for the worker to finish.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"buildorchestrator/pkg/orchestrator"
)

// Launcher hands a job off to the external worker runtime and returns
// an opaque execution id, without waiting for the worker to complete.
type Launcher interface {
	Launch(ctx context.Context, job *orchestrator.Job) (string, error)
}

// WorkerEnv is the environment contract handed to the launched worker.
type WorkerEnv struct {
	JobID           string `json:"JOB_ID"`
	RepoURL         string `json:"REPO_URL"`
	Branch          string `json:"BRANCH"`
	PRDPath         string `json:"PRD_PATH"`
	Mode            string `json:"MODE"`
	OrchestratorURL string `json:"ORCHESTRATOR_URL"`
	WebhookSecret   string `json:"WEBHOOK_SECRET"`
}

func buildEnv(job *orchestrator.Job, orchestratorURL, webhookSecret string) WorkerEnv {
	return WorkerEnv{
		JobID:           job.ID,
		RepoURL:         job.RepoURL,
		Branch:          job.Branch,
		PRDPath:         job.PRDPath,
		Mode:            job.Mode.String(),
		OrchestratorURL: orchestratorURL,
		WebhookSecret:   webhookSecret,
	}
}

// DryRunLauncher never contacts any runtime. It logs the intent (via
// the caller-supplied logf) and returns a deterministic synthetic
// execution id of the form dry-run-<first-8-chars-of-job-id>.
type DryRunLauncher struct {
	Logf func(format string, args ...any)
}

// Launch implements Launcher.
func (d *DryRunLauncher) Launch(_ context.Context, job *orchestrator.Job) (string, error) {
	execID := "dry-run-" + shortID(job.ID)
	if d.Logf != nil {
		d.Logf("dry-run launch job=%s repo=%s branch=%s execution_id=%s", job.ID, job.RepoURL, job.Branch, execID)
	}
	return execID, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// HTTPLauncher posts a job-start request to a worker-runtime
// control-plane endpoint and treats a 2xx response whose JSON body
// carries a non-empty execution_id as acceptance; any other response
// is a LaunchError.
// Modeled on the narrow external-boundary interface + concrete client
// pattern used for the Redfish client in the base codebase, generalized
// from "mount virtual media on a BMC" to "submit a container job".
type HTTPLauncher struct {
	Client          *http.Client
	RuntimeURL      string
	OrchestratorURL string
	WebhookSecret   string
	JobName         string
}

type launchRequest struct {
	JobName string    `json:"job_name"`
	Env     WorkerEnv `json:"env"`
}

type launchResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Launch implements Launcher.
func (h *HTTPLauncher) Launch(ctx context.Context, job *orchestrator.Job) (string, error) {
	jobName := h.JobName
	if jobName == "" {
		jobName = "prd-worker"
	}
	body, err := json.Marshal(launchRequest{
		JobName: jobName,
		Env:     buildEnv(job, h.OrchestratorURL, h.WebhookSecret),
	})
	if err != nil {
		return "", orchestrator.NewLaunchError(fmt.Errorf("encode launch request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.RuntimeURL, bytes.NewReader(body))
	if err != nil {
		return "", orchestrator.NewLaunchError(fmt.Errorf("build launch request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", orchestrator.NewLaunchError(fmt.Errorf("call worker runtime: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", orchestrator.NewLaunchError(fmt.Errorf("worker runtime rejected launch: status %d", resp.StatusCode))
	}

	var out launchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", orchestrator.NewLaunchError(fmt.Errorf("decode launch response: %w", err))
	}
	if out.ExecutionID == "" {
		return "", orchestrator.NewLaunchError(fmt.Errorf("worker runtime returned empty execution id"))
	}
	return out.ExecutionID, nil
}
