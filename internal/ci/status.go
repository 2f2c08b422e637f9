package ci

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"forge/internal/store"
)

// Status is the coarse CI verdict for a commit, as shown on branch
// listings. It folds the job lifecycle down to what a reviewer needs.
type Status string

const (
	StatusRunning       Status = "running"
	StatusPassed        Status = "passed"
	StatusFailed        Status = "failed"
	StatusUnknown       Status = "unknown"
	StatusNotConfigured Status = "not-configured"
)

// statusFile is the JSON sidecar written next to each job log. It
// survives database resets, so the resolver can fall back to it.
type statusFile struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt"`
	JobID      int64  `json:"jobId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func writeStatusFile(path string, data statusFile) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// ResolveStatus determines the CI status for a commit. The database is
// authoritative; the status sidecar on disk covers jobs that predate
// the current database. A commit with neither has no CI configured.
func ResolveStatus(ctx context.Context, jobs store.JobStore, logsPath, repo, branch, headCommit string) Status {
	if job, err := jobs.LatestJob(ctx, repo, branch, headCommit); err == nil {
		switch job.Status {
		case store.StatusPending, store.StatusRunning:
			return StatusRunning
		case store.StatusPassed:
			return StatusPassed
		case store.StatusFailed, store.StatusCanceled, store.StatusTimeout:
			return StatusFailed
		}
	}

	statusPath := filepath.Join(logsPath, repo, headCommit+".status")
	raw, err := os.ReadFile(statusPath)
	if err != nil {
		return StatusNotConfigured
	}

	var data statusFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return StatusUnknown
	}
	switch data.Status {
	case "passed":
		return StatusPassed
	case "failed", "canceled", "timeout":
		return StatusFailed
	case "running", "pending":
		return StatusRunning
	}
	return StatusUnknown
}

// LogPath returns the on-disk log path for a commit's pre-merge job,
// or "" when no log exists.
func LogPath(logsPath, repo, headCommit string) string {
	path := filepath.Join(logsPath, repo, headCommit+".log")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
