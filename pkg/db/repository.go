package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lidarops/fwupgrade/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for upgrade history
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and creates the schema
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sessions record concurrently; serialize them on one connection
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateJob inserts a new job record
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	slog.Info("database_create_job", "job_id", job.ID, "status", job.Status)

	query := `
		INSERT INTO upgrade_jobs (id, firmware_source, firmware_sha256, family, device_count, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.FirmwareSource, job.FirmwareSHA256, job.Family,
		job.DeviceCount, job.Status, job.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

const jobColumns = `id, firmware_source, firmware_sha256, family, device_count, status, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var errorMessage sql.NullString
	err := row.Scan(
		&job.ID, &job.FirmwareSource, &job.FirmwareSHA256, &job.Family,
		&job.DeviceCount, &job.Status, &errorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.ErrorMessage = errorMessage.String
	return &job, nil
}

// GetJob retrieves a job by id. It returns nil when there is no such job.
func (r *Repository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM upgrade_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		slog.Info("database_job_not_found", "job_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// UpdateJobStatus sets the job status and error message
func (r *Repository) UpdateJobStatus(ctx context.Context, id, status, errorMessage string) error {
	slog.Info("database_update_status", "job_id", id, "status", status)

	query := `UPDATE upgrade_jobs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "job_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("job not found: id=%s", id)
	}
	return nil
}

// ListJobs retrieves the most recent jobs first. limit <= 0 means all.
func (r *Repository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM upgrade_jobs ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "job_count", len(jobs))
	return jobs, nil
}

// DeleteJob deletes a job and its device rows
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	slog.Info("database_delete_job", "job_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM upgrade_jobs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "job_id", id, "error", err)
		return errors.Wrap(err, "failed to delete job")
	}
	return nil
}

// RecordDevice inserts or replaces the state of one device within a job
func (r *Repository) RecordDevice(ctx context.Context, d *DeviceUpgrade) error {
	query := `
		INSERT INTO device_upgrades (job_id, device, state, phase, percent, retries, abandoned, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, device) DO UPDATE SET
		    state = excluded.state,
		    phase = excluded.phase,
		    percent = excluded.percent,
		    retries = excluded.retries,
		    abandoned = excluded.abandoned,
		    error_message = excluded.error_message,
		    updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query,
		d.JobID, d.Device, d.State, d.Phase, d.Percent, d.Retries, d.Abandoned, d.ErrorMessage)
	if err != nil {
		slog.Error("database_record_device_failed", "job_id", d.JobID, "device", d.Device, "error", err)
		return errors.Wrap(err, "failed to record device")
	}
	return nil
}

// ListDevices returns the device rows of a job ordered by device
func (r *Repository) ListDevices(ctx context.Context, jobID string) ([]*DeviceUpgrade, error) {
	query := `
		SELECT id, job_id, device, state, phase, percent, retries, abandoned, error_message, updated_at
		FROM device_upgrades WHERE job_id = ? ORDER BY device
	`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	defer rows.Close()

	var out []*DeviceUpgrade
	for rows.Next() {
		var d DeviceUpgrade
		var errorMessage sql.NullString
		if err := rows.Scan(&d.ID, &d.JobID, &d.Device, &d.State, &d.Phase,
			&d.Percent, &d.Retries, &d.Abandoned, &errorMessage, &d.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		d.ErrorMessage = errorMessage.String
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}
