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

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []*orchestrator.Job
	running   int
	execIDs   map[string]string
	statuses  map[string]orchestrator.JobStatus
	events    map[string][]string
	claimErr  error
}

func newFakeStore(pending int) *fakeStore {
	fs := &fakeStore{
		execIDs:  make(map[string]string),
		statuses: make(map[string]orchestrator.JobStatus),
		events:   make(map[string][]string),
	}
	for i := 0; i < pending; i++ {
		fs.pending = append(fs.pending, &orchestrator.Job{ID: time.Now().Format("150405.000000000") + "-" + itoa(i)})
	}
	return fs
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func (f *fakeStore) CountRunning(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeStore) ClaimNextPending(_ context.Context) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.pending) == 0 {
		return nil, store.ErrNotFound
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	f.running++
	return job, nil
}

func (f *fakeStore) SetExecutionID(_ context.Context, id, execID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execIDs[id] = execID
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status orchestrator.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, jobID, event string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[jobID] = append(f.events[jobID], event)
	return nil
}

type fakeLauncher struct {
	err    error
	launched []string
	mu     sync.Mutex
}

func (l *fakeLauncher) Launch(_ context.Context, job *orchestrator.Job) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, job.ID)
	if l.err != nil {
		return "", l.err
	}
	return "exec-" + job.ID, nil
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	fs := newFakeStore(3)
	fs.running = 5
	l := &fakeLauncher{}
	d := New(fs, l, Config{MaxConcurrent: 5}, nil)

	d.tick(context.Background())

	if len(l.launched) != 0 {
		t.Fatalf("expected no launch while at concurrency cap, got %d", len(l.launched))
	}
}

func TestTickClaimsAndLaunchesWhenUnderCap(t *testing.T) {
	fs := newFakeStore(1)
	l := &fakeLauncher{}
	d := New(fs, l, Config{MaxConcurrent: 5}, nil)

	d.tick(context.Background())

	if len(l.launched) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(l.launched))
	}
	jobID := l.launched[0]
	if fs.execIDs[jobID] != "exec-"+jobID {
		t.Fatalf("expected execution id recorded, got %q", fs.execIDs[jobID])
	}
	if got := fs.events[jobID]; len(got) != 1 || got[0] != "worker_launched" {
		t.Fatalf("expected worker_launched event, got %v", got)
	}
}

func TestTickMarksFailedOnLaunchError(t *testing.T) {
	fs := newFakeStore(1)
	l := &fakeLauncher{err: errors.New("runtime unreachable")}
	d := New(fs, l, Config{MaxConcurrent: 5}, nil)

	d.tick(context.Background())

	jobID := l.launched[0]
	if fs.statuses[jobID] != orchestrator.JobStatusFailed {
		t.Fatalf("expected job marked failed, got %s", fs.statuses[jobID])
	}
	if got := fs.events[jobID]; len(got) != 1 || got[0] != "launch_failed" {
		t.Fatalf("expected launch_failed event, got %v", got)
	}
}

func TestTickIdleWhenNoPendingJobs(t *testing.T) {
	fs := newFakeStore(0)
	l := &fakeLauncher{}
	d := New(fs, l, Config{MaxConcurrent: 5}, nil)

	d.tick(context.Background())

	if len(l.launched) != 0 {
		t.Fatalf("expected no launch with empty queue, got %d", len(l.launched))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fs := newFakeStore(0)
	l := &fakeLauncher{}
	d := New(fs, l, Config{Period: 5 * time.Millisecond, MaxConcurrent: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
