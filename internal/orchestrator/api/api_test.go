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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]*orchestrator.Job
	events    map[string][]orchestrator.JobEvent
	byRepo    map[string]string // repoURL|branch -> job id, only while active
	nextEvent int64
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   make(map[string]*orchestrator.Job),
		events: make(map[string][]orchestrator.JobEvent),
		byRepo: make(map[string]string),
	}
}

func repoKey(repoURL, branch string) string { return repoURL + "|" + branch }

func (f *fakeStore) FindActiveJob(_ context.Context, repoURL, branch string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRepo[repoKey(repoURL, branch)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.jobs[id], nil
}

func (f *fakeStore) CreateJob(_ context.Context, params orchestrator.CreateJobParams) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	id := "job-" + time.Now().Format("150405.000000000")
	job := &orchestrator.Job{
		ID:          id,
		RepoURL:     params.RepoURL,
		Branch:      params.Branch,
		PRDPath:     params.PRDPath,
		Mode:        params.Mode,
		Status:      orchestrator.JobStatusPending,
		BuildStatus: orchestrator.BuildStatusQueued,
		Metadata:    params.Metadata,
		CallbackURL: params.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.jobs[id] = job
	f.byRepo[repoKey(params.RepoURL, params.Branch)] = id
	return job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, jobID, event string, detail []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	f.nextEvent++
	f.events[jobID] = append(f.events[jobID], orchestrator.JobEvent{
		ID:        f.nextEvent,
		JobID:     jobID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *fakeStore) BumpUpdatedAt(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status orchestrator.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = status
		delete(f.byRepo, repoKey(job.RepoURL, job.Branch))
	}
	return nil
}

func (f *fakeStore) SetPRURL(_ context.Context, id, prURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.PRURL = &prURL
	}
	return nil
}

func (f *fakeStore) SetDeploymentFacts(_ context.Context, id string, liveURL, deploySiteID, dbProjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.LiveURL = &liveURL
		job.DeploySiteID = &deploySiteID
		job.DBProjectID = &dbProjectID
	}
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, jobID string) ([]orchestrator.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[jobID], nil
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakeNotifier struct {
	mu         sync.Mutex
	announced  []string
	forwarded  []string
	callbacked []string
}

func (n *fakeNotifier) Announce(_ context.Context, job *orchestrator.Job, _ orchestrator.BuildStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announced = append(n.announced, job.ID)
}

func (n *fakeNotifier) Forward(_ context.Context, job *orchestrator.Job, event string, _ json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwarded = append(n.forwarded, job.ID+":"+event)
}

func (n *fakeNotifier) ForwardCallback(_ context.Context, job *orchestrator.Job, event string, _ json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacked = append(n.callbacked, job.ID+":"+event)
}

func newTestAPI() (*API, *fakeStore, *fakeNotifier) {
	st := newFakeStore()
	n := &fakeNotifier{}
	a := New(st, n, "test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return a, st, n
}

func doRequest(mux *http.ServeMux, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookCreatesJob(t *testing.T) {
	a, _, notif := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doRequest(mux, http.MethodPost, "/webhook", "test-secret", map[string]string{
		"repo_url": "https://github.com/acme/widgets",
		"branch":   "main",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp webhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected non-empty job_id")
	}
	if len(notif.announced) != 1 {
		t.Fatalf("expected Announce called once, got %d", len(notif.announced))
	}
}

func TestWebhookDedupsActiveJob(t *testing.T) {
	a, _, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	body := map[string]string{"repo_url": "https://github.com/acme/widgets", "branch": "main"}
	first := doRequest(mux, http.MethodPost, "/webhook", "test-secret", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first call, got %d", first.Code)
	}
	var firstResp webhookResponse
	json.Unmarshal(first.Body.Bytes(), &firstResp)

	second := doRequest(mux, http.MethodPost, "/webhook", "test-secret", body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on dedup, got %d", second.Code)
	}
	var secondResp webhookResponse
	json.Unmarshal(second.Body.Bytes(), &secondResp)
	if !secondResp.Deduplicated || secondResp.JobID != firstResp.JobID {
		t.Fatalf("expected dedup to the same job id, got %+v", secondResp)
	}
}

func TestWebhookRejectsNonGitHubURL(t *testing.T) {
	a, _, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doRequest(mux, http.MethodPost, "/webhook", "test-secret", map[string]string{
		"repo_url": "https://gitlab.com/acme/widgets",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookRequiresBearer(t *testing.T) {
	a, _, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doRequest(mux, http.MethodPost, "/webhook", "wrong-secret", map[string]string{
		"repo_url": "https://github.com/acme/widgets",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJobEventsRequiresBearerAndAppends(t *testing.T) {
	a, st, notif := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	job, err := st.CreateJob(context.Background(), orchestrator.CreateJobParams{RepoURL: "https://github.com/acme/widgets", Branch: "main", Mode: orchestrator.JobModeFullBuild})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	unauth := doRequest(mux, http.MethodPost, "/jobs/"+job.ID+"/events", "wrong", map[string]string{"event": "repo_cloned"})
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", unauth.Code)
	}

	rec := doRequest(mux, http.MethodPost, "/jobs/"+job.ID+"/events", "test-secret", map[string]string{"event": "repo_cloned"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.events[job.ID]) != 1 {
		t.Fatalf("expected 1 event appended, got %d", len(st.events[job.ID]))
	}
	if len(notif.forwarded) != 1 {
		t.Fatalf("expected Forward called once, got %d", len(notif.forwarded))
	}
}

func TestJobEventsUnknownJobReturns404(t *testing.T) {
	a, _, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doRequest(mux, http.MethodPost, "/jobs/does-not-exist/events", "test-secret", map[string]string{"event": "repo_cloned"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobEventsExtractsDeployedFacts(t *testing.T) {
	a, st, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	job, _ := st.CreateJob(context.Background(), orchestrator.CreateJobParams{RepoURL: "https://github.com/acme/widgets", Branch: "main", Mode: orchestrator.JobModeFullBuild})

	rec := doRequest(mux, http.MethodPost, "/jobs/"+job.ID+"/events", "test-secret", map[string]any{
		"event": "deployed",
		"detail": map[string]string{
			"live_url":        "https://widgets.example.com",
			"netlify_site_id": "site-123",
			"neon_project_id": "proj-456",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	got := st.jobs[job.ID]
	if got.LiveURL == nil || *got.LiveURL != "https://widgets.example.com" {
		t.Fatalf("expected live_url set, got %+v", got.LiveURL)
	}
	if got.DeploySiteID == nil || *got.DeploySiteID != "site-123" {
		t.Fatalf("expected deploy_site_id set, got %+v", got.DeploySiteID)
	}
	if got.Status == orchestrator.JobStatusCompleted {
		t.Fatalf("deployed alone must not complete the job, got status %s", got.Status)
	}
}

func TestJobStatusReturnsJobAndEvents(t *testing.T) {
	a, st, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	job, _ := st.CreateJob(context.Background(), orchestrator.CreateJobParams{RepoURL: "https://github.com/acme/widgets", Branch: "main", Mode: orchestrator.JobModeFullBuild})
	_ = st.AppendEvent(context.Background(), job.ID, "repo_cloned", nil)

	rec := doRequest(mux, http.MethodGet, "/jobs/"+job.ID+"/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != job.ID {
		t.Fatalf("expected job_id %s, got %s", job.ID, resp.JobID)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
}

func TestJobStatusUnknownJobReturns404(t *testing.T) {
	a, _, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	rec := doRequest(mux, http.MethodGet, "/jobs/does-not-exist/status", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthReportsStoreStatus(t *testing.T) {
	a, st, _ := newTestAPI()
	mux := http.NewServeMux()
	a.Register(mux)

	ok := doRequest(mux, http.MethodGet, "/health", "", nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", ok.Code)
	}

	st.pingErr = context.DeadlineExceeded
	bad := doRequest(mux, http.MethodGet, "/health", "", nil)
	if bad.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", bad.Code)
	}
}
