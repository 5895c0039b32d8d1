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

// Package notifier maps internal job events to normalized build-status
// payloads and fans them out to the downstream notifier endpoint and
// per-job callback URLs, fire-and-forget.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"buildorchestrator/internal/orchestrator/metrics"
	"buildorchestrator/pkg/orchestrator"
)

// mapping is the canonical event -> (build_status, default_message)
// table. Events absent from this table are ignored by the notifier
// (but still appended to the job's event log by Ingress).
var mapping = map[string]struct {
	buildStatus orchestrator.BuildStatus
	message     string
}{
	"worker_launched":       {orchestrator.BuildStatusQueued, "Worker launched"},
	"worker_started":        {orchestrator.BuildStatusQueued, "Build starting..."},
	"repo_cloned":           {orchestrator.BuildStatusCloning, "Repository cloned"},
	"prd_parsed":            {orchestrator.BuildStatusBuilding, "PRD parsed, planning build..."},
	"orchestrator_started":  {orchestrator.BuildStatusBuilding, "Building application..."},
	"orchestrator_complete": {orchestrator.BuildStatusBuilding, "Build complete, preparing for deployment..."},
	"deploy_started":        {orchestrator.BuildStatusDeploying, "Starting deployment..."},
	"readiness_check":       {orchestrator.BuildStatusDeploying, "Checking deployment readiness..."},
	"readiness_passed":      {orchestrator.BuildStatusDeploying, "Deployment readiness check passed"},
	"readiness_fixing":      {orchestrator.BuildStatusDeploying, "Fixing build issues before deployment..."},
	"readiness_failed":      {orchestrator.BuildStatusError, "Deployment readiness check failed"},
	"deploy_verifying":      {orchestrator.BuildStatusDeploying, "Verifying deployment..."},
	"deployed":              {orchestrator.BuildStatusDeployed, "Deployed successfully"},
	"completed":             {orchestrator.BuildStatusDeployed, "Build completed successfully"},
	"build_complete":        {orchestrator.BuildStatusDeployed, "Build completed successfully"},
	"pr_created":            {orchestrator.BuildStatusBuilding, "Pull request created"},
	"build_failed":          {orchestrator.BuildStatusFailed, "Build failed"},
	"failed":                {orchestrator.BuildStatusFailed, "Build failed"},
	"launch_failed":         {orchestrator.BuildStatusError, "Failed to launch build worker"},
}

// Store is the persistence surface the notifier needs.
type Store interface {
	SetBuildStatus(ctx context.Context, id string, buildStatus orchestrator.BuildStatus, message string) error
}

// buildEventPayload is the wire shape posted to the downstream notifier.
type buildEventPayload struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// callbackPayload is the wire shape posted to a job's callback_url.
type callbackPayload struct {
	JobID  string          `json:"job_id"`
	Event  string          `json:"event"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

const fanoutWorkers = 8

// Notifier forwards normalized build events downstream and to per-job
// callbacks through a small bounded worker pool, so a slow downstream
// cannot tie up the ingress goroutine that triggered the post.
type Notifier struct {
	store         Store
	client        *http.Client
	notifierURL   string
	notifierToken string
	logger        *slog.Logger

	jobs   chan func(context.Context)
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
}

// New constructs a Notifier and starts its fanout worker pool. Call
// Stop at shutdown to stop the pool.
func New(store Store, notifierURL, notifierToken string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		store:         store,
		client:        &http.Client{Timeout: 10 * time.Second},
		notifierURL:   notifierURL,
		notifierToken: notifierToken,
		logger:        logger,
		jobs:          make(chan func(context.Context), 256),
		stop:          make(chan struct{}),
	}
	for i := 0; i < fanoutWorkers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case fn := <-n.jobs:
			fn(context.Background())
		case <-n.stop:
			return
		}
	}
}

// Stop closes the fanout pool and waits for the posts the workers are
// already running to finish, each bounded by its own 10-second timeout.
// Posts still waiting in the queue may be dropped.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()
}

// Forward looks up event in the canonical mapping; if absent, it is a
// no-op. Otherwise it resolves the outbound message (detail.message
// when present and string-valued, else the default), writes
// build_status/build_message via the store, and posts to the
// downstream notifier fire-and-forget.
func (n *Notifier) Forward(ctx context.Context, job *orchestrator.Job, event string, detail json.RawMessage) {
	m, ok := mapping[event]
	if !ok {
		return
	}

	message := m.message
	if v, ok := extractDetailMessage(detail); ok {
		message = v
	}

	if err := n.store.SetBuildStatus(ctx, job.ID, m.buildStatus, message); err != nil {
		n.logger.Error("set build status failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if n.notifierURL == "" {
		return
	}

	payload := buildEventPayload{
		JobID:    job.ID,
		Status:   m.buildStatus.String(),
		Message:  message,
		Metadata: job.Metadata,
	}
	n.enqueue(func(ctx context.Context) {
		n.postBuildEvent(ctx, payload)
	})
}

// Announce posts a build-status payload to the downstream notifier
// without consulting the event mapping or touching the store, used by
// Ingress to report a freshly created job as queued.
func (n *Notifier) Announce(_ context.Context, job *orchestrator.Job, status orchestrator.BuildStatus, message string) {
	if n.notifierURL == "" {
		return
	}
	payload := buildEventPayload{
		JobID:    job.ID,
		Status:   status.String(),
		Message:  message,
		Metadata: job.Metadata,
	}
	n.enqueue(func(ctx context.Context) {
		n.postBuildEvent(ctx, payload)
	})
}

// ForwardCallback posts the raw event to the job's callback_url, if
// set, fire-and-forget.
func (n *Notifier) ForwardCallback(_ context.Context, job *orchestrator.Job, event string, detail json.RawMessage) {
	if job.CallbackURL == "" {
		return
	}
	payload := callbackPayload{JobID: job.ID, Event: event, Detail: detail}
	url := job.CallbackURL
	n.enqueue(func(ctx context.Context) {
		n.postJSON(ctx, "callback", url, "", payload)
	})
}

func (n *Notifier) enqueue(fn func(context.Context)) {
	select {
	case n.jobs <- fn:
	default:
		// Pool saturated; drop rather than block the ingress handler.
		n.logger.Warn("notifier fanout pool saturated, dropping post")
	}
}

func (n *Notifier) postBuildEvent(ctx context.Context, payload buildEventPayload) {
	url := n.notifierURL + "/api/webhook/build-event"
	n.postJSON(ctx, "downstream", url, n.notifierToken, payload)
}

func (n *Notifier) postJSON(ctx context.Context, target, url, bearer string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("notifier encode failed", slog.String("target", target), slog.Any("error", orchestrator.NewNotifyError(target, err)))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("notifier build request failed", slog.String("target", target), slog.Any("error", orchestrator.NewNotifyError(target, err)))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notifier post failed", slog.String("target", target), slog.Any("error", orchestrator.NewNotifyError(target, err)))
		metrics.ObserveNotifyFanout(target, "error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("notifier post non-2xx", slog.String("target", target), slog.Int("status", resp.StatusCode))
		metrics.ObserveNotifyFanout(target, "error")
		return
	}
	metrics.ObserveNotifyFanout(target, "success")
}

func extractDetailMessage(detail json.RawMessage) (string, bool) {
	if len(detail) == 0 {
		return "", false
	}
	var v struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(detail, &v); err != nil {
		return "", false
	}
	if v.Message == nil {
		return "", false
	}
	return *v.Message, true
}
