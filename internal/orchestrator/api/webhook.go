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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

const (
	defaultBranch = "main"
	defaultPRDPath = "docs/PRD.md"
)

type webhookRequest struct {
	RepoURL     string          `json:"repo_url"`
	Branch      string          `json:"branch"`
	PRDPath     string          `json:"prd_path"`
	Mode        string          `json:"mode"`
	Metadata    json.RawMessage `json:"metadata"`
	CallbackURL string          `json:"callback_url"`
}

type webhookResponse struct {
	JobID        string                 `json:"job_id"`
	Status       orchestrator.JobStatus `json:"status"`
	Deduplicated bool                   `json:"deduplicated,omitempty"`
}

func (req webhookRequest) validate() (orchestrator.CreateJobParams, error) {
	params := orchestrator.CreateJobParams{
		RepoURL:     strings.TrimSpace(req.RepoURL),
		Branch:      strings.TrimSpace(req.Branch),
		PRDPath:     strings.TrimSpace(req.PRDPath),
		Mode:        orchestrator.JobMode(req.Mode),
		Metadata:    req.Metadata,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
	}

	if params.RepoURL == "" {
		return params, orchestrator.NewValidationError("repo_url", "is required")
	}
	if !isGitHubURL(params.RepoURL) {
		return params, orchestrator.NewValidationError("repo_url", "must be a GitHub URL")
	}

	if params.Branch == "" {
		params.Branch = defaultBranch
	}
	if params.PRDPath == "" {
		params.PRDPath = defaultPRDPath
	}

	if req.Mode == "" {
		params.Mode = orchestrator.JobModeFullBuild
	} else if !params.Mode.Valid() {
		return params, orchestrator.NewValidationError("mode", "must be one of full-build, deploy-only, auto")
	}

	if len(params.Metadata) == 0 || string(params.Metadata) == "null" {
		params.Metadata = nil
	}

	return params, nil
}

func isGitHubURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "www.github.com"
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireBearer(w, r, a.webhookSecret) {
		return
	}

	var body webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	params, err := body.validate()
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()

	existing, err := a.store.FindActiveJob(ctx, params.RepoURL, params.Branch)
	if err == nil {
		writeJSON(w, http.StatusOK, webhookResponse{
			JobID:        existing.ID,
			Status:       existing.Status,
			Deduplicated: true,
		})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("webhook: find active job failed", "error", orchestrator.NewStorageError("find_active_job", err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	job, err := a.store.CreateJob(ctx, params)
	if err != nil {
		a.logger.Error("webhook: create job failed", "error", orchestrator.NewStorageError("create_job", err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	a.notifier.Announce(ctx, job, orchestrator.BuildStatusQueued, "Build queued")

	writeJSON(w, http.StatusCreated, webhookResponse{JobID: job.ID, Status: job.Status})
}
