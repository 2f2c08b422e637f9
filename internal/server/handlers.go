package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"forge/internal/ci"
	"forge/internal/store"
	"forge/pkg/api"
)

// JobController is the slice of the supervisor the HTTP layer drives.
type JobController interface {
	RunPreMerge(ctx context.Context, jobID int64, repo, branch, commit string) error
	Cancel(ctx context.Context, jobID int64, reason store.JobStatus) bool
	Restart(ctx context.Context, jobID int64) (int64, error)
	CPUUsage(jobID int64) (float64, bool)
}

// GitInfo is the read-only git access the HTTP layer needs.
type GitInfo interface {
	BranchExists(repoPath, branch string) bool
	HeadCommit(repoPath, ref string) (string, error)
}

var repoNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// zeroRev is what git sends for a deleted ref.
var zeroRevRe = regexp.MustCompile(`^0+$`)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) httpError(w http.ResponseWriter, message string, code int) {
	s.respondJSON(w, code, api.ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

func jobResponse(job store.Job) api.JobResponse {
	return api.JobResponse{
		ID:         job.ID,
		Repo:       job.Repo,
		Branch:     job.Branch,
		HeadCommit: job.HeadCommit,
		Status:     string(job.Status),
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ExitCode:   job.ExitCode,
	}
}

// handlePostReceive is the git post-receive hook. Each push to a
// branch cancels the branch's queued jobs and starts a fresh one for
// the new head.
func (s *Server) handlePostReceive(w http.ResponseWriter, r *http.Request) {
	var payload api.PostReceivePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.httpError(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	if !repoNameRe.MatchString(payload.Repo) || strings.Contains(payload.Repo, "..") {
		s.httpError(w, "invalid repo name", http.StatusBadRequest)
		return
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	if branch == "" || strings.HasPrefix(payload.Ref, "refs/tags/") {
		s.httpError(w, "not a branch ref", http.StatusBadRequest)
		return
	}

	if _, err := os.Stat(s.cfg.RepoPath(payload.Repo)); err != nil {
		s.httpError(w, "unknown repo", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	deleted := payload.Deleted || zeroRevRe.MatchString(payload.NewRev)
	if deleted {
		n, err := s.jobs.CancelPendingJobs(ctx, payload.Repo, branch, 0)
		if err != nil {
			s.log.Error("failed to cancel jobs for deleted branch", "repo", payload.Repo, "branch", branch, "error", err)
			s.httpError(w, "failed to cancel jobs", http.StatusInternalServerError)
			return
		}
		s.log.Info("branch deleted", "repo", payload.Repo, "branch", branch, "canceled_jobs", n)
		s.respondJSON(w, http.StatusOK, api.PostReceiveResponse{Status: "ok"})
		return
	}

	if payload.NewRev == "" {
		s.httpError(w, "missing newrev", http.StatusBadRequest)
		return
	}

	logPath := filepath.Join(s.cfg.LogsPath(), payload.Repo, payload.NewRev+".log")
	jobID, err := s.jobs.InsertJob(ctx, store.NewJob{
		Repo:       payload.Repo,
		Branch:     branch,
		HeadCommit: payload.NewRev,
		Status:     store.StatusPending,
		LogPath:    logPath,
		StartedAt:  time.Now(),
	})
	if err != nil {
		s.log.Error("failed to insert job", "repo", payload.Repo, "branch", branch, "error", err)
		s.httpError(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	// Superseded queued jobs for the same branch die here. A job that
	// slips from pending to running between the insert and this sweep
	// is tolerated; its result is simply stale.
	if _, err := s.jobs.CancelPendingJobs(ctx, payload.Repo, branch, jobID); err != nil {
		s.log.Error("failed to cancel superseded jobs", "repo", payload.Repo, "branch", branch, "error", err)
	}

	repo, newRev := payload.Repo, payload.NewRev
	go func() {
		if err := s.ctl.RunPreMerge(context.Background(), jobID, repo, branch, newRev); err != nil {
			s.log.Error("job run failed", "job_id", jobID, "error", err)
		}
	}()

	s.respondJSON(w, http.StatusOK, api.PostReceiveResponse{Status: "queued", JobID: jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			s.httpError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	jobs, err := s.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list jobs", "error", err)
		s.httpError(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	resp := api.JobListResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		jr := jobResponse(job)
		if job.Status == store.StatusRunning {
			if cpu, ok := s.ctl.CPUUsage(job.ID); ok {
				jr.CPUPercent = &cpu
			}
		}
		resp.Jobs = append(resp.Jobs, jr)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) jobFromPath(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.httpError(w, "invalid job id", http.StatusBadRequest)
		return nil, false
	}
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.httpError(w, "job not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.log.Error("failed to get job", "job_id", id, "error", err)
		s.httpError(w, "failed to get job", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	jr := jobResponse(*job)
	if job.Status == store.StatusRunning {
		if cpu, ok := s.ctl.CPUUsage(job.ID); ok {
			jr.CPUPercent = &cpu
		}
	}
	s.respondJSON(w, http.StatusOK, jr)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		s.httpError(w, "job already finished", http.StatusConflict)
		return
	}
	success := s.ctl.Cancel(r.Context(), job.ID, store.StatusCanceled)
	s.respondJSON(w, http.StatusOK, api.CancelJobResponse{Success: success})
}

func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	newID, err := s.ctl.Restart(r.Context(), job.ID)
	if err != nil {
		s.httpError(w, err.Error(), http.StatusConflict)
		return
	}
	s.respondJSON(w, http.StatusOK, api.RestartJobResponse{Success: true, NewJobID: newID})
}

func (s *Server) handleListMerges(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if !repoNameRe.MatchString(repo) {
		s.httpError(w, "invalid repo name", http.StatusBadRequest)
		return
	}

	entries, err := s.history.ListMergeHistory(r.Context(), repo, 50)
	if err != nil {
		s.log.Error("failed to list merges", "repo", repo, "error", err)
		s.httpError(w, "failed to list merges", http.StatusInternalServerError)
		return
	}

	resp := api.MergeHistoryListResponse{Merges: make([]api.MergeHistoryResponse, 0, len(entries))}
	for _, entry := range entries {
		resp.Merges = append(resp.Merges, api.MergeHistoryResponse{
			ID:          entry.ID,
			Repo:        entry.Repo,
			Branch:      entry.Branch,
			HeadCommit:  entry.HeadCommit,
			MergeCommit: entry.MergeCommit,
			MergedAt:    entry.MergedAt,
			CIStatus:    entry.CIStatus,
		})
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBranchStatus(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	branch := chi.URLParam(r, "branch")
	if !repoNameRe.MatchString(repo) {
		s.httpError(w, "invalid repo name", http.StatusBadRequest)
		return
	}

	repoPath := s.cfg.RepoPath(repo)
	if _, err := os.Stat(repoPath); err != nil {
		s.httpError(w, "unknown repo", http.StatusNotFound)
		return
	}
	if !s.git.BranchExists(repoPath, branch) {
		s.httpError(w, "unknown branch", http.StatusNotFound)
		return
	}

	head, err := s.git.HeadCommit(repoPath, branch)
	if err != nil {
		s.log.Error("failed to resolve branch head", "repo", repo, "branch", branch, "error", err)
		s.httpError(w, "failed to resolve branch", http.StatusInternalServerError)
		return
	}

	status := ci.ResolveStatus(r.Context(), s.jobs, s.cfg.LogsPath(), repo, branch, head)
	s.respondJSON(w, http.StatusOK, api.CIStatusResponse{
		Repo:       repo,
		Branch:     branch,
		HeadCommit: head,
		Status:     string(status),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
