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

// Package store provides the SQLite-backed persistence layer for the
// orchestrator: jobs, their append-only event log, the atomic claim
// used by the dispatcher, and the stale sweep used by recovery.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"buildorchestrator/pkg/orchestrator"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// MetadataCodec encrypts/decrypts the opaque metadata payload at rest.
// The zero value (nil Store.codec) stores metadata as plain JSON.
type MetadataCodec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Store wraps a SQLite database connection and provides typed accessors
// for the orchestrator's jobs and job_events tables.
type Store struct {
	db     *sql.DB
	codec  MetadataCodec
	logger *slog.Logger
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithMetadataCodec enables at-rest encryption of the Job.Metadata column.
func WithMetadataCodec(c MetadataCodec) Option {
	return func(s *Store) { s.codec = c }
}

// WithLogger attaches a logger used for non-fatal persistence warnings
// (e.g. a setStatus guarded no-op on a terminal job).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is reachable; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return pingContext(ctx, s.db)
}

// WithTx executes fn inside a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id                   TEXT PRIMARY KEY,
  repo_url             TEXT NOT NULL,
  branch               TEXT NOT NULL,
  prd_path             TEXT NOT NULL,
  mode                 TEXT NOT NULL CHECK (mode IN ('full-build','deploy-only','auto')),
  status               TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
  build_status         TEXT NOT NULL,
  build_message        TEXT NOT NULL DEFAULT '',
  metadata             BLOB NULL,
  callback_url         TEXT NOT NULL DEFAULT '',
  worker_execution_id  TEXT NULL,
  pr_url               TEXT NULL,
  live_url             TEXT NULL,
  deploy_site_id       TEXT NULL,
  db_project_id        TEXT NULL,
  created_at           TIMESTAMP NOT NULL,
  updated_at           TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_repo_branch ON jobs(repo_url, branch);`,

		`CREATE TABLE IF NOT EXISTS job_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  event      TEXT NOT NULL,
  detail     TEXT NULL,
  created_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_created ON job_events(job_id, created_at, id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob allocates an id and persists a new job in status=pending,
// build_status=queued.
func (s *Store) CreateJob(ctx context.Context, params orchestrator.CreateJobParams) (*orchestrator.Job, error) {
	now := time.Now().UTC()
	job := &orchestrator.Job{
		ID:           uuid.NewString(),
		RepoURL:      params.RepoURL,
		Branch:       params.Branch,
		PRDPath:      params.PRDPath,
		Mode:         params.Mode,
		Status:       orchestrator.JobStatusPending,
		BuildStatus:  orchestrator.BuildStatusQueued,
		Metadata:     params.Metadata,
		CallbackURL:  params.CallbackURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	metaCol, err := s.encodeMetadata(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	const ins = `
INSERT INTO jobs (id, repo_url, branch, prd_path, mode, status, build_status, build_message, metadata, callback_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?);`
	_, err = s.db.ExecContext(ctx, ins,
		job.ID, job.RepoURL, job.Branch, job.PRDPath, job.Mode.String(),
		job.Status.String(), job.BuildStatus.String(), metaCol, job.CallbackURL,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// FindActiveJob returns the most recently created job in {pending,
// running} for the (repo_url, branch) tuple, or ErrNotFound.
func (s *Store) FindActiveJob(ctx context.Context, repoURL, branch string) (*orchestrator.Job, error) {
	const q = jobSelectColumns + `
FROM jobs WHERE repo_url=? AND branch=? AND status IN ('pending','running') ORDER BY created_at DESC LIMIT 1`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, repoURL, branch))
}

// GetJob retrieves a job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*orchestrator.Job, error) {
	const q = jobSelectColumns + `FROM jobs WHERE id=?`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, id))
}

// ClaimNextPending atomically selects the oldest pending job and
// transitions it to running within one transaction, satisfying the
// race-free claim contract without a two-round-trip read-then-write.
func (s *Store) ClaimNextPending(ctx context.Context) (*orchestrator.Job, error) {
	var claimed *orchestrator.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE status='pending' ORDER BY created_at ASC LIMIT 1`
		var id string
		if err := tx.QueryRowContext(ctx, sel).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select pending job: %w", err)
		}

		now := time.Now().UTC()
		const upd = `UPDATE jobs SET status='running', updated_at=? WHERE id=? AND status='pending'`
		res, err := tx.ExecContext(ctx, upd, now, id)
		if err != nil {
			return fmt.Errorf("claim pending job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		job, err := s.scanJobRowTx(tx, id)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountRunning returns the number of jobs currently in status=running.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE status='running'`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// SetExecutionID records the launcher's execution id for a job.
// Idempotent: overwriting an already-set id never triggers a
// re-launch, since the dispatcher only calls this once per claim.
func (s *Store) SetExecutionID(ctx context.Context, id, execID string) error {
	const upd = `UPDATE jobs SET worker_execution_id=?, updated_at=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, execID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set execution id: %w", err)
	}
	return nil
}

// SetStatus writes status and bumps updated_at, guarding against
// overwriting a terminal state (completed/failed never transition
// further; see design notes open question #3).
func (s *Store) SetStatus(ctx context.Context, id string, status orchestrator.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	const upd = `UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status NOT IN ('completed','failed')`
	res, err := s.db.ExecContext(ctx, upd, status.String(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && s.logger != nil {
		s.logger.Warn("setStatus no-op: job already terminal", slog.String("job_id", id), slog.String("status", status.String()))
	}
	return nil
}

// BumpUpdatedAt touches updated_at without changing status. Called on
// every event ingest so Recovery can detect staleness.
func (s *Store) BumpUpdatedAt(ctx context.Context, id string) error {
	const upd = `UPDATE jobs SET updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bump updated_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBuildStatus records the worker-facing build status and message.
func (s *Store) SetBuildStatus(ctx context.Context, id string, buildStatus orchestrator.BuildStatus, message string) error {
	const upd = `UPDATE jobs SET build_status=?, build_message=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, buildStatus.String(), message, id)
	if err != nil {
		return fmt.Errorf("set build status: %w", err)
	}
	return nil
}

// SetPRURL records the pr_url fact extracted from a pr_created event.
func (s *Store) SetPRURL(ctx context.Context, id, prURL string) error {
	const upd = `UPDATE jobs SET pr_url=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, prURL, id)
	return err
}

// SetDeploymentFacts records the facts extracted from a deployed event.
func (s *Store) SetDeploymentFacts(ctx context.Context, id string, liveURL, deploySiteID, dbProjectID string) error {
	const upd = `UPDATE jobs SET live_url=?, deploy_site_id=?, db_project_id=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, nullIfEmpty(liveURL), nullIfEmpty(deploySiteID), nullIfEmpty(dbProjectID), id)
	return err
}

// SweepStale transitions every running job whose updated_at is older
// than thresholdMinutes to failed, and returns the count transitioned.
// It does not append a JobEvent nor notify (design notes open question
// #1): the sweep is a silent backstop, matching observed behavior.
func (s *Store) SweepStale(ctx context.Context, thresholdMinutes int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdMinutes) * time.Minute)
	const upd = `UPDATE jobs SET status='failed', updated_at=? WHERE status='running' AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, upd, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --------------- Job events ---------------

// AppendEvent inserts a new event row for a job. Returns a
// *orchestrator.NotFoundError equivalent via ErrNotFound if job_id does
// not reference an existing job.
func (s *Store) AppendEvent(ctx context.Context, jobID, event string, detail []byte) error {
	const ins = `INSERT INTO job_events(job_id, event, detail, created_at) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, jobID, event, nullBytes(detail), time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events ordered by created_at, ties broken
// by id.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]orchestrator.JobEvent, error) {
	const q = `SELECT id, job_id, event, detail, created_at FROM job_events WHERE job_id=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.JobEvent
	for rows.Next() {
		var (
			id        int64
			rowJobID  string
			event     string
			detail    sql.NullString
			createdAt time.Time
		)
		if err := rows.Scan(&id, &rowJobID, &event, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev := orchestrator.JobEvent{
			ID:        id,
			JobID:     rowJobID,
			Event:     event,
			CreatedAt: createdAt.UTC(),
		}
		if detail.Valid {
			ev.Detail = []byte(detail.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

const jobSelectColumns = `SELECT id, repo_url, branch, prd_path, mode, status, build_status, build_message, metadata, callback_url, worker_execution_id, pr_url, live_url, deploy_site_id, db_project_id, created_at, updated_at `

type jobScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJobRow(row *sql.Row) (*orchestrator.Job, error) {
	job, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *Store) scanJobRowTx(tx *sql.Tx, id string) (*orchestrator.Job, error) {
	const q = jobSelectColumns + `FROM jobs WHERE id=?`
	job, err := s.scanJob(tx.QueryRowContext(context.Background(), q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *Store) scanJob(row jobScanner) (*orchestrator.Job, error) {
	var (
		id, repoURL, branch, prdPath, mode, status, buildStatus, buildMessage, callbackURL string
		metadata                                                                           []byte
		execID, prURL, liveURL, deploySiteID, dbProjectID                                  sql.NullString
		createdAt, updatedAt                                                                time.Time
	)
	err := row.Scan(&id, &repoURL, &branch, &prdPath, &mode, &status, &buildStatus, &buildMessage,
		&metadata, &callbackURL, &execID, &prURL, &liveURL, &deploySiteID, &dbProjectID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	plain, err := s.decodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &orchestrator.Job{
		ID:                id,
		RepoURL:           repoURL,
		Branch:            branch,
		PRDPath:           prdPath,
		Mode:              orchestrator.JobMode(mode),
		Status:            orchestrator.JobStatus(status),
		BuildStatus:       orchestrator.BuildStatus(buildStatus),
		BuildMessage:      buildMessage,
		Metadata:          plain,
		CallbackURL:       callbackURL,
		WorkerExecutionID: fromNullStringPtr(execID),
		PRURL:             fromNullStringPtr(prURL),
		LiveURL:           fromNullStringPtr(liveURL),
		DeploySiteID:      fromNullStringPtr(deploySiteID),
		DBProjectID:       fromNullStringPtr(dbProjectID),
		CreatedAt:         createdAt.UTC(),
		UpdatedAt:         updatedAt.UTC(),
	}, nil
}

func (s *Store) encodeMetadata(plain []byte) ([]byte, error) {
	if s.codec == nil || len(plain) == 0 {
		return plain, nil
	}
	return s.codec.Encrypt(plain)
}

func (s *Store) decodeMetadata(stored []byte) ([]byte, error) {
	if s.codec == nil || len(stored) == 0 {
		return stored, nil
	}
	return s.codec.Decrypt(stored)
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	// modernc.org/sqlite reports FK violations as a generic *sqlite.Error
	// whose message contains "FOREIGN KEY constraint failed"; matching on
	// the message is what the driver itself recommends absent a typed
	// error value.
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
