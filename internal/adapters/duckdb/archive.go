// Package duckdb persists an advisory archive of terminal jobs. The
// archive is opt-in, write-mostly and never consulted for scheduling;
// losing it loses history, not jobs.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

// Archive records terminal jobs in a DuckDB file.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (or creates) the archive at path.
func NewArchive(path string) (*Archive, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          VARCHAR PRIMARY KEY,
			status      VARCHAR NOT NULL,
			job_type    VARCHAR NOT NULL,
			worker      INTEGER NOT NULL,
			incarnation VARCHAR NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL,
			error       VARCHAR
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &Archive{db: db}, nil
}

// Record upserts one terminal job. Re-recording an id (a job re-run after
// recovery under a new incarnation) keeps the latest outcome.
func (a *Archive) Record(ctx context.Context, rec domain.TraceRecord) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, job_type, worker, incarnation,
		                  started_at, finished_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			worker      = excluded.worker,
			incarnation = excluded.incarnation,
			started_at  = excluded.started_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			error       = excluded.error`,
		rec.ID.String(),
		rec.Status.String(),
		rec.JobType.String(),
		rec.Worker,
		rec.Incarnation,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Duration().Milliseconds(),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns the latest terminal jobs, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]domain.TraceRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, status, job_type, worker, incarnation, started_at, finished_at, error
		FROM jobs
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var records []domain.TraceRecord
	for rows.Next() {
		var rec domain.TraceRecord
		var id, status, jobType string
		var errText sql.NullString
		if err := rows.Scan(&id, &status, &jobType, &rec.Worker, &rec.Incarnation,
			&rec.StartedAt, &rec.FinishedAt, &errText); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		rec.ID = domain.JobID(id)
		rec.Status = parseStatus(status)
		rec.JobType = domain.ParseJobType(jobType)
		rec.Error = errText.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

func parseStatus(s string) domain.Status {
	switch s {
	case "done":
		return domain.StatusDone
	case "failed":
		return domain.StatusFailed
	case "running":
		return domain.StatusRunning
	case "queued":
		return domain.StatusQueued
	default:
		return domain.StatusMissing
	}
}
