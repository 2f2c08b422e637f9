package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"forge/internal/store"
)

const jobColumns = "id, repo, branch, head_commit, status, log_path, started_at, finished_at, exit_code"

func scanJob(row interface{ Scan(...any) error }) (*store.Job, error) {
	var (
		job        store.Job
		status     string
		startedAt  string
		finishedAt sql.NullString
		exitCode   sql.NullInt64
	)

	err := row.Scan(&job.ID, &job.Repo, &job.Branch, &job.HeadCommit,
		&status, &job.LogPath, &startedAt, &finishedAt, &exitCode)
	if err != nil {
		return nil, err
	}

	job.Status = store.JobStatus(status)

	job.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		job.FinishedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}

	return &job, nil
}

// InsertJob creates a job row and returns its assigned ID. The new job
// is broadcast to the event sink.
func (s *Store) InsertJob(ctx context.Context, job store.NewJob) (int64, error) {
	query := `
		INSERT INTO ci_jobs (repo, branch, head_commit, status, log_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		job.Repo, job.Branch, job.HeadCommit, string(job.Status), job.LogPath, formatTime(job.StartedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted job id: %w", err)
	}

	if inserted, err := s.GetJob(ctx, id); err == nil {
		s.notify(*inserted)
	}

	return id, nil
}

// GetJob returns a job by ID, or store.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM ci_jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, running jobs first, then newest
// start time first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]store.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM ci_jobs
		ORDER BY
			CASE WHEN status = 'running' THEN 0 ELSE 1 END,
			started_at DESC
		LIMIT ?
	`
	return s.queryJobs(ctx, query, limit)
}

// LatestJob returns the most recent job for the exact commit triple.
func (s *Store) LatestJob(ctx context.Context, repo, branch, headCommit string) (*store.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM ci_jobs
		WHERE repo = ? AND branch = ? AND head_commit = ?
		ORDER BY started_at DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, repo, branch, headCommit)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest job for %s/%s@%s: %w", repo, branch, headCommit, err)
	}
	return job, nil
}

// ListJobsByStatus returns all jobs with the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status store.JobStatus) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM ci_jobs WHERE status = ? ORDER BY id"
	return s.queryJobs(ctx, query, string(status))
}

// ActiveJobs returns all jobs in pending or running state.
func (s *Store) ActiveJobs(ctx context.Context) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM ci_jobs WHERE status IN ('pending', 'running') ORDER BY id"
	return s.queryJobs(ctx, query)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]store.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies a partial update to the job row and broadcasts the
// resulting state.
func (s *Store) UpdateJob(ctx context.Context, id int64, update store.JobUpdate) error {
	var (
		fields []string
		values []any
	)

	if update.Status != nil {
		fields = append(fields, "status = ?")
		values = append(values, string(*update.Status))
	}
	if update.FinishedAt != nil {
		fields = append(fields, "finished_at = ?")
		values = append(values, formatTime(*update.FinishedAt))
	}
	if update.ExitCode != nil {
		fields = append(fields, "exit_code = ?")
		values = append(values, *update.ExitCode)
	}

	if len(fields) > 0 {
		values = append(values, id)
		query := "UPDATE ci_jobs SET " + strings.Join(fields, ", ") + " WHERE id = ?"
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to update job %d: %w", id, err)
		}
	}

	if updated, err := s.GetJob(ctx, id); err == nil {
		s.notify(*updated)
	}

	return nil
}

// CancelPendingJobs flips every pending job for the branch to canceled,
// except exceptJobID (0 means no exception). Each canceled job is
// broadcast individually.
func (s *Store) CancelPendingJobs(ctx context.Context, repo, branch string, exceptJobID int64) (int, error) {
	where := "repo = ? AND branch = ? AND status = 'pending'"
	args := []any{repo, branch}
	if exceptJobID != 0 {
		where += " AND id != ?"
		args = append(args, exceptJobID)
	}

	pending, err := s.queryJobs(ctx, "SELECT "+jobColumns+" FROM ci_jobs WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE ci_jobs SET status = 'canceled' WHERE "+where, args...); err != nil {
		return 0, fmt.Errorf("failed to cancel pending jobs for %s/%s: %w", repo, branch, err)
	}

	for _, job := range pending {
		job.Status = store.StatusCanceled
		s.notify(job)
	}

	return len(pending), nil
}
