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
	"net/http"

	"buildorchestrator/pkg/orchestrator"
)

// statusResponse is the full job view returned by GET /jobs/:id/status.
type statusResponse struct {
	JobID             string                   `json:"job_id"`
	RepoURL           string                   `json:"repo_url"`
	Branch            string                   `json:"branch"`
	PRDPath           string                   `json:"prd_path"`
	Mode              orchestrator.JobMode     `json:"mode"`
	Status            orchestrator.JobStatus   `json:"status"`
	BuildStatus       orchestrator.BuildStatus `json:"build_status"`
	BuildMessage      string                   `json:"build_message,omitempty"`
	Metadata          any                      `json:"metadata,omitempty"`
	CallbackURL       string                   `json:"callback_url,omitempty"`
	WorkerExecutionID *string                  `json:"worker_execution_id,omitempty"`
	PRURL             *string                  `json:"pr_url,omitempty"`
	LiveURL           *string                  `json:"live_url,omitempty"`
	DeploySiteID      *string                  `json:"deploy_site_id,omitempty"`
	DBProjectID       *string                  `json:"db_project_id,omitempty"`
	CreatedAt         string                   `json:"created_at"`
	UpdatedAt         string                   `json:"updated_at"`
	Events            []eventDTO               `json:"events"`
}

type eventDTO struct {
	ID        int64  `json:"id"`
	Event     string `json:"event"`
	Detail    any    `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()

	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		translateError(w, err)
		return
	}

	events, err := a.store.ListEvents(ctx, id)
	if err != nil {
		a.logger.Error("status: list events failed", "job_id", id, "error", orchestrator.NewStorageError("list_events", err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := statusResponse{
		JobID:             job.ID,
		RepoURL:           job.RepoURL,
		Branch:            job.Branch,
		PRDPath:           job.PRDPath,
		Mode:              job.Mode,
		Status:            job.Status,
		BuildStatus:       job.BuildStatus,
		BuildMessage:      job.BuildMessage,
		Metadata:          rawOrNil(job.Metadata),
		CallbackURL:       job.CallbackURL,
		WorkerExecutionID: job.WorkerExecutionID,
		PRURL:             job.PRURL,
		LiveURL:           job.LiveURL,
		DeploySiteID:      job.DeploySiteID,
		DBProjectID:       job.DBProjectID,
		CreatedAt:         job.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:         job.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Events:            toEventDTOs(events),
	}

	writeJSON(w, http.StatusOK, resp)
}

func toEventDTOs(events []orchestrator.JobEvent) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, eventDTO{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    rawOrNil(e.Detail),
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return out
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
