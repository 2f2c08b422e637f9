// Package api contains shared JSON request/response structs.
// This package is shared between the HTTP handlers and any API client.
package api

import "time"

// PostReceivePayload is the body sent by the git post-receive hook.
type PostReceivePayload struct {
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
	OldRev  string `json:"oldrev"`
	NewRev  string `json:"newrev"`
	Deleted bool   `json:"deleted,omitempty"`
}

// PostReceiveResponse is returned after a hook has been accepted.
type PostReceiveResponse struct {
	Status string `json:"status"`
	JobID  int64  `json:"job_id,omitempty"`
}

// JobResponse represents a CI job in API responses.
type JobResponse struct {
	ID         int64      `json:"id"`
	Repo       string     `json:"repo"`
	Branch     string     `json:"branch"`
	HeadCommit string     `json:"headCommit"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	ExitCode   *int       `json:"exitCode"`
	// CPUPercent is only set for jobs that are currently running and
	// for which the OS query succeeded.
	CPUPercent *float64 `json:"cpuPercent,omitempty"`
}

// JobListResponse is the response body for the job list endpoint.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// CancelJobResponse is the response body after canceling a job.
type CancelJobResponse struct {
	Success bool `json:"success"`
}

// RestartJobResponse is the response body after restarting a job.
type RestartJobResponse struct {
	Success  bool  `json:"success"`
	NewJobID int64 `json:"new_job_id,omitempty"`
}

// MergeHistoryResponse represents one merge record in API responses.
type MergeHistoryResponse struct {
	ID          int64     `json:"id"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	HeadCommit  string    `json:"headCommit"`
	MergeCommit string    `json:"mergeCommit"`
	MergedAt    time.Time `json:"mergedAt"`
	CIStatus    string    `json:"ciStatus"`
}

// MergeHistoryListResponse is the response body for the merge history endpoint.
type MergeHistoryListResponse struct {
	Merges []MergeHistoryResponse `json:"merges"`
}

// CIStatusResponse is the response body for the branch CI status endpoint.
type CIStatusResponse struct {
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	HeadCommit string `json:"headCommit"`
	Status     string `json:"status"`
}

// LogEventPayload is the data of an SSE "log" frame.
type LogEventPayload struct {
	HTML string `json:"html"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
