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
	"log/slog"
	"net/http"

	"buildorchestrator/internal/orchestrator/metrics"
	"buildorchestrator/pkg/orchestrator"
)

// Store is the persistence surface the HTTP ingress needs.
type Store interface {
	FindActiveJob(ctx context.Context, repoURL, branch string) (*orchestrator.Job, error)
	CreateJob(ctx context.Context, params orchestrator.CreateJobParams) (*orchestrator.Job, error)
	GetJob(ctx context.Context, id string) (*orchestrator.Job, error)
	AppendEvent(ctx context.Context, jobID, event string, detail []byte) error
	BumpUpdatedAt(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status orchestrator.JobStatus) error
	SetPRURL(ctx context.Context, id, prURL string) error
	SetDeploymentFacts(ctx context.Context, id string, liveURL, deploySiteID, dbProjectID string) error
	ListEvents(ctx context.Context, jobID string) ([]orchestrator.JobEvent, error)
	Ping(ctx context.Context) error
}

// Notifier is the fanout surface the HTTP ingress needs.
type Notifier interface {
	Announce(ctx context.Context, job *orchestrator.Job, status orchestrator.BuildStatus, message string)
	Forward(ctx context.Context, job *orchestrator.Job, event string, detail json.RawMessage)
	ForwardCallback(ctx context.Context, job *orchestrator.Job, event string, detail json.RawMessage)
}

// API is the HTTP ingress: webhook submission, worker event callbacks,
// status reads, health, and metrics.
type API struct {
	store         Store
	notifier      Notifier
	webhookSecret string
	logger        *slog.Logger
}

// New constructs an API with its required dependencies.
func New(st Store, n Notifier, webhookSecret string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{store: st, notifier: n, webhookSecret: webhookSecret, logger: logger}
}

// Register attaches every route to mux. All routes except /metrics are
// wrapped with security headers and access logging; /metrics is served
// by the bare Prometheus handler.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("/webhook", a.route("webhook", a.handleWebhook))
	mux.Handle("/jobs/", a.route("jobs", a.handleJobsSubresource))
	mux.Handle("/health", a.route("health", a.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
}

func (a *API) route(label string, fn http.HandlerFunc) http.Handler {
	return securityHeaders(accessLog(label, a.logger, fn))
}
