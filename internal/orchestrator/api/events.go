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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

type eventRequest struct {
	Event  string          `json:"event"`
	Detail json.RawMessage `json:"detail"`
}

type eventResponse struct {
	OK bool `json:"ok"`
}

type deployedDetail struct {
	LiveURL       string `json:"live_url"`
	NetlifySiteID string `json:"netlify_site_id"`
	NeonProjectID string `json:"neon_project_id"`
}

type prCreatedDetail struct {
	PRURL string `json:"pr_url"`
}

func (a *API) handleJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !requireBearer(w, r, a.webhookSecret) {
		return
	}

	var body eventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(body.Event) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "event is required")
		return
	}

	ctx := r.Context()

	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			translateError(w, orchestrator.NewNotFoundError("job", id))
			return
		}
		a.logger.Error("events: get job failed", "job_id", id, "error", orchestrator.NewStorageError("get_job", err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if err := a.store.AppendEvent(ctx, id, body.Event, body.Detail); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			translateError(w, orchestrator.NewNotFoundError("job", id))
			return
		}
		a.logger.Error("events: append event failed", "job_id", id, "error", orchestrator.NewStorageError("append_event", err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := a.store.BumpUpdatedAt(ctx, id); err != nil {
		a.logger.Error("events: bump updated_at failed", "job_id", id, "error", err)
	}

	a.applyEventFacts(ctx, id, body.Event, body.Detail)

	a.notifier.Forward(ctx, job, body.Event, body.Detail)
	a.notifier.ForwardCallback(ctx, job, body.Event, body.Detail)

	writeJSON(w, http.StatusCreated, eventResponse{OK: true})
}

// applyEventFacts extracts structured deployment facts and terminal
// status transitions from an event's free-form detail, per event name.
func (a *API) applyEventFacts(ctx context.Context, jobID, event string, detail json.RawMessage) {
	switch event {
	case "pr_created":
		var d prCreatedDetail
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &d)
		}
		if d.PRURL != "" {
			if err := a.store.SetPRURL(ctx, jobID, d.PRURL); err != nil {
				a.logger.Error("events: set pr_url failed", "job_id", jobID, "error", err)
			}
		}
	case "deployed":
		var d deployedDetail
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &d)
		}
		if d.LiveURL != "" {
			if err := a.store.SetDeploymentFacts(ctx, jobID, d.LiveURL, d.NetlifySiteID, d.NeonProjectID); err != nil {
				a.logger.Error("events: set deployment facts failed", "job_id", jobID, "error", err)
			}
		}
	case "failed", "build_failed":
		if err := a.store.SetStatus(ctx, jobID, orchestrator.JobStatusFailed); err != nil {
			a.logger.Error("events: set failed status failed", "job_id", jobID, "error", err)
		}
	case "completed", "build_complete":
		if err := a.store.SetStatus(ctx, jobID, orchestrator.JobStatusCompleted); err != nil {
			a.logger.Error("events: set completed status failed", "job_id", jobID, "error", err)
		}
	}
}
