package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EventSink receives a notification for every job mutation. The
// persistence layer and the job event bus are updated together, never
// independently, so UI surfaces cannot drift from the database.
type EventSink interface {
	JobChanged(job Job)
}

// JobStore handles persistence of CI jobs.
type JobStore interface {
	// InsertJob creates a job row and returns its assigned ID.
	InsertJob(ctx context.Context, job NewJob) (int64, error)

	// GetJob returns a job by ID, or ErrNotFound.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// ListJobs returns up to limit jobs, running jobs first, then
	// newest start time first.
	ListJobs(ctx context.Context, limit int) ([]Job, error)

	// LatestJob returns the most recent job for the exact
	// (repo, branch, commit) triple, or ErrNotFound.
	LatestJob(ctx context.Context, repo, branch, headCommit string) (*Job, error)

	// ListJobsByStatus returns all jobs with the given status.
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error)

	// ActiveJobs returns all jobs in pending or running state.
	ActiveJobs(ctx context.Context) ([]Job, error)

	// UpdateJob applies a partial update to the job row.
	UpdateJob(ctx context.Context, id int64, update JobUpdate) error

	// CancelPendingJobs flips every pending job for the branch to
	// canceled, except the given job ID (0 means no exception), and
	// returns how many were canceled.
	CancelPendingJobs(ctx context.Context, repo, branch string, exceptJobID int64) (int, error)
}

// MergeHistoryStore handles the append-only merge audit log.
type MergeHistoryStore interface {
	// InsertMergeHistory appends one merge record.
	InsertMergeHistory(ctx context.Context, entry MergeHistoryEntry) error

	// ListMergeHistory returns up to limit entries for the repo,
	// newest first.
	ListMergeHistory(ctx context.Context, repo string, limit int) ([]MergeHistoryEntry, error)
}
