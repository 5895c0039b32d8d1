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

// Package dispatcher runs the periodic claim-and-launch loop: honor
// the concurrency cap, claim the oldest pending job, launch it, and
// record the outcome. Never blocks on worker completion.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"buildorchestrator/internal/orchestrator/launcher"
	"buildorchestrator/internal/orchestrator/metrics"
	"buildorchestrator/internal/orchestrator/store"
	"buildorchestrator/pkg/orchestrator"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	CountRunning(ctx context.Context) (int, error)
	ClaimNextPending(ctx context.Context) (*orchestrator.Job, error)
	SetExecutionID(ctx context.Context, id, execID string) error
	SetStatus(ctx context.Context, id string, status orchestrator.JobStatus) error
	AppendEvent(ctx context.Context, jobID, event string, detail []byte) error
}

// Config configures the dispatcher loop. Zero values are replaced by
// defaults in New.
type Config struct {
	// Period between ticks. Default 5s.
	Period time.Duration
	// MaxConcurrent is the global concurrency cap C. Default 5.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 5 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	return c
}

// Dispatcher runs the periodic tick loop described in the component
// design: one claim attempt per tick, gated by the concurrency cap.
type Dispatcher struct {
	store    Store
	launcher launcher.Launcher
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Dispatcher.
func New(st Store, l launcher.Launcher, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, launcher: l, cfg: cfg.withDefaults(), logger: logger}
}

// Run loops until ctx is cancelled. Modeled on the base codebase's
// worker poll loop: run one tick, then wait for the next ticker fire
// or cancellation, whether or not the tick launched a job, so at most
// one job is launched per period. A tick never overlaps itself within
// this goroutine, since the body runs synchronously between ticker fires.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	for {
		d.tick(ctx)

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	running, err := d.store.CountRunning(ctx)
	if err != nil {
		d.logger.Error("dispatcher: count running failed", slog.Any("error", err))
		return
	}
	metrics.SetRunningJobs(running)

	if running >= d.cfg.MaxConcurrent {
		metrics.ObserveDispatcherTick(metrics.TickGated)
		return
	}

	claimStart := time.Now()
	job, err := d.store.ClaimNextPending(ctx)
	metrics.ObserveClaimDuration(time.Since(claimStart))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("dispatcher: claim failed", slog.Any("error", err))
		}
		metrics.ObserveDispatcherTick(metrics.TickIdle)
		return
	}

	d.launch(ctx, job)
}

func (d *Dispatcher) launch(ctx context.Context, job *orchestrator.Job) {
	execID, err := d.launcher.Launch(ctx, job)
	if err != nil {
		d.logger.Warn("dispatcher: launch failed", slog.String("job_id", job.ID), slog.Any("error", err))
		if sErr := d.store.SetStatus(ctx, job.ID, orchestrator.JobStatusFailed); sErr != nil {
			d.logger.Error("dispatcher: set failed status failed", slog.String("job_id", job.ID), slog.Any("error", sErr))
		}
		detail, _ := json.Marshal(map[string]string{"error": err.Error()})
		if aErr := d.store.AppendEvent(ctx, job.ID, "launch_failed", detail); aErr != nil {
			d.logger.Error("dispatcher: append launch_failed event failed", slog.String("job_id", job.ID), slog.Any("error", aErr))
		}
		metrics.ObserveDispatcherTick(metrics.TickLaunchFailed)
		return
	}

	if sErr := d.store.SetExecutionID(ctx, job.ID, execID); sErr != nil {
		d.logger.Error("dispatcher: set execution id failed", slog.String("job_id", job.ID), slog.Any("error", sErr))
	}
	detail, _ := json.Marshal(map[string]string{"execution_id": execID})
	if aErr := d.store.AppendEvent(ctx, job.ID, "worker_launched", detail); aErr != nil {
		d.logger.Error("dispatcher: append worker_launched event failed", slog.String("job_id", job.ID), slog.Any("error", aErr))
	}
	metrics.ObserveDispatcherTick(metrics.TickLaunched)
}
