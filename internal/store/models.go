// Package store contains the database layer for forge.
package store

import "time"

// JobStatus is the lifecycle state of a CI job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRunning  JobStatus = "running"
	StatusPassed   JobStatus = "passed"
	StatusFailed   JobStatus = "failed"
	StatusTimeout  JobStatus = "timeout"
	StatusCanceled JobStatus = "canceled"
)

// Terminal reports whether the status is one a job can never leave.
// The only way out of a terminal state is an explicit restart, which
// creates a brand-new job row.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether the job still counts against the one-active-
// job-per-branch invariant.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Conventional exit codes recorded when a job is terminated rather than
// exiting on its own, mirroring shell conventions.
const (
	ExitCodeTimeout  = 124
	ExitCodeCanceled = 143
)

// Job is a single CI run for a (repo, branch, commit).
type Job struct {
	ID         int64
	Repo       string
	Branch     string
	HeadCommit string
	Status     JobStatus
	LogPath    string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int
}

// NewJob is the subset of fields set at creation time.
type NewJob struct {
	Repo       string
	Branch     string
	HeadCommit string
	Status     JobStatus
	LogPath    string
	StartedAt  time.Time
}

// JobUpdate is a partial update applied to a job row. Nil fields are
// left untouched.
type JobUpdate struct {
	Status     *JobStatus
	FinishedAt *time.Time
	ExitCode   *int
}

// MergeHistoryEntry is an append-only audit record of a merge.
type MergeHistoryEntry struct {
	ID          int64
	Repo        string
	Branch      string
	HeadCommit  string
	MergeCommit string
	MergedAt    time.Time
	CIStatus    string
	CILogPath   *string
}
