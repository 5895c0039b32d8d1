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

// Package orchestrator contains the shared data models for build jobs and
// their event log, used by the store, dispatcher, notifier, and ingress.
package orchestrator

import (
	"encoding/json"
	"time"
)

// JobStatus is the coarse orchestration lifecycle of a Job.
// Transitions form a DAG: pending -> running -> {completed, failed},
// plus pending -> failed on launch failure. No transition leaves a
// terminal state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// BuildStatus is the fine-grained, worker-facing state derived from
// events. It is advisory: the core never branches on it, only records it.
type BuildStatus string

const (
	BuildStatusQueued     BuildStatus = "queued"
	BuildStatusCloning    BuildStatus = "cloning"
	BuildStatusInstalling BuildStatus = "installing"
	BuildStatusBuilding   BuildStatus = "building"
	BuildStatusTesting    BuildStatus = "testing"
	BuildStatusDeploying  BuildStatus = "deploying"
	BuildStatusDeployed   BuildStatus = "deployed"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusError      BuildStatus = "error"
	BuildStatusFailed     BuildStatus = "failed"
	BuildStatusCancelled  BuildStatus = "cancelled"
)

// String returns the string value of the BuildStatus.
func (b BuildStatus) String() string { return string(b) }

// JobMode selects the worker's build strategy. The core persists it
// faithfully and the launcher forwards it to the worker, but no core
// component branches on its value.
type JobMode string

const (
	JobModeFullBuild  JobMode = "full-build"
	JobModeDeployOnly JobMode = "deploy-only"
	JobModeAuto       JobMode = "auto"
)

// Valid reports whether the mode is one of the allowed values.
func (m JobMode) Valid() bool {
	switch m {
	case JobModeFullBuild, JobModeDeployOnly, JobModeAuto:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobMode.
func (m JobMode) String() string { return string(m) }

// Job is the unit of work tracked end to end by the orchestrator.
type Job struct {
	ID                string          `json:"job_id" db:"id"`
	RepoURL           string          `json:"repo_url" db:"repo_url"`
	Branch            string          `json:"branch" db:"branch"`
	PRDPath           string          `json:"prd_path" db:"prd_path"`
	Mode              JobMode         `json:"mode" db:"mode"`
	Status            JobStatus       `json:"status" db:"status"`
	BuildStatus       BuildStatus     `json:"build_status" db:"build_status"`
	BuildMessage      string          `json:"build_message,omitempty" db:"build_message"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CallbackURL       string          `json:"callback_url,omitempty" db:"callback_url"`
	WorkerExecutionID *string         `json:"worker_execution_id,omitempty" db:"worker_execution_id"`
	PRURL             *string         `json:"pr_url,omitempty" db:"pr_url"`
	LiveURL           *string         `json:"live_url,omitempty" db:"live_url"`
	DeploySiteID      *string         `json:"deploy_site_id,omitempty" db:"deploy_site_id"`
	DBProjectID       *string         `json:"db_project_id,omitempty" db:"db_project_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// JobEvent is an append-only progress record reported by the worker (or
// synthesized by the orchestrator) about a job.
type JobEvent struct {
	ID        int64           `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Event     string          `json:"event" db:"event"`
	Detail    json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CreateJobParams carries the validated fields needed to create a Job.
// Defaults (branch, prd_path, mode) must already be applied by the
// caller (Ingress) before this reaches the store.
type CreateJobParams struct {
	RepoURL     string
	Branch      string
	PRDPath     string
	Mode        JobMode
	Metadata    json.RawMessage
	CallbackURL string
}
