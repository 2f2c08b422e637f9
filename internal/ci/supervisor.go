// Package ci runs CI jobs and drives their lifecycle.
package ci

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	ciruntime "forge/internal/ci/runtime"
	"forge/internal/config"
	"forge/internal/git"
	"forge/internal/observability"
	"forge/internal/realtime"
	"forge/internal/store"
)

// Job kinds, used for logging and metrics labels.
const (
	KindPreMerge  = "pre-merge"
	KindPostMerge = "post-merge"
)

// Workspace is a provisioned checkout a job runs in.
type Workspace interface {
	Dir() string
	Env() map[string]string
	Teardown()
}

// WorkspaceProvisioner creates workspaces for jobs.
type WorkspaceProvisioner interface {
	Provision(jobID int64, repo, commit string) (Workspace, error)
}

// GitClient is the slice of git operations the supervisor needs for
// auto-merge.
type GitClient interface {
	HasAutoMergeTrailer(repoPath, commit string) bool
	BranchExists(repoPath, branch string) bool
	MergeMetadata(repoPath, branch, baseBranch string) (git.MergeMetadata, bool)
	ExecuteMerge(repoPath, branch, baseBranch string) (string, error)
}

// Supervisor owns job execution: it provisions workspaces, starts job
// commands through the configured runtime, streams their output,
// applies lifecycle transitions and triggers auto-merge.
type Supervisor struct {
	cfg     *config.Config
	log     *slog.Logger
	jobs    store.JobStore
	history store.MergeHistoryStore
	hub     *realtime.LogHub
	runtime ciruntime.Runtime
	prov    WorkspaceProvisioner
	git     GitClient
	metrics *observability.Metrics

	mu      sync.Mutex
	running map[int64]*runningJob
}

type runningJob struct {
	handle    ciruntime.Handle
	startedAt time.Time
	kind      string

	// Written by Cancel under Supervisor.mu before the process is
	// killed; read by the completion path after Wait returns. Carrying
	// the verdict in memory keeps the recorded outcome independent of
	// when the cancellation's row update lands.
	verdict     store.JobStatus
	verdictCode int
}

func NewSupervisor(
	cfg *config.Config,
	log *slog.Logger,
	jobs store.JobStore,
	history store.MergeHistoryStore,
	hub *realtime.LogHub,
	rt ciruntime.Runtime,
	prov WorkspaceProvisioner,
	gitClient GitClient,
	metrics *observability.Metrics,
) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		jobs:    jobs,
		history: history,
		hub:     hub,
		runtime: rt,
		prov:    prov,
		git:     gitClient,
		metrics: metrics,
		running: make(map[int64]*runningJob),
	}
}

// hubWriter feeds job output into the log broadcast hub.
type hubWriter struct {
	hub   *realtime.LogHub
	jobID int64
}

func (w *hubWriter) Write(p []byte) (int, error) {
	w.hub.Append(w.jobID, p)
	return len(p), nil
}

func (s *Supervisor) preMergeLogPaths(repo, commit string) (logDir, logPath, statusPath string) {
	logDir = filepath.Join(s.cfg.LogsPath(), repo)
	return logDir, filepath.Join(logDir, commit+".log"), filepath.Join(logDir, commit+".status")
}

func (s *Supervisor) postMergeLogPaths(repo, commit string) (logDir, logPath, statusPath string) {
	logDir = filepath.Join(s.cfg.LogsPath(), repo)
	return logDir,
		filepath.Join(logDir, commit+"-post-merge.log"),
		filepath.Join(logDir, commit+"-post-merge.status")
}

func jobEnv(jobID int64, repo, branch, commit string, ws Workspace) map[string]string {
	env := map[string]string{
		"FORGE_REPO":   repo,
		"FORGE_BRANCH": branch,
		"FORGE_COMMIT": commit,
		"FORGE_JOB_ID": strconv.FormatInt(jobID, 10),
	}
	for k, v := range ws.Env() {
		env[k] = v
	}
	return env
}

// RunPreMerge executes an already-inserted pending job to completion.
// It blocks until the job finishes; callers that want fire-and-forget
// run it in a goroutine.
func (s *Supervisor) RunPreMerge(ctx context.Context, jobID int64, repo, branch, commit string) error {
	log := s.log.With("job_id", jobID, "repo", repo, "branch", branch, "kind", KindPreMerge)
	log.Info("starting job", "commit", commit)

	logDir, logPath, statusPath := s.preMergeLogPaths(repo, commit)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		err = fmt.Errorf("failed to create log dir: %w", err)
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}

	// A push may have canceled this job while it sat in the queue.
	if job, err := s.jobs.GetJob(ctx, jobID); err == nil && job.Status.Terminal() {
		log.Info("job already terminal, skipping", "status", job.Status)
		return nil
	}

	ws, err := s.prov.Provision(jobID, repo, commit)
	if err != nil {
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}
	defer ws.Teardown()

	s.metrics.JobStarted(KindPreMerge)
	s.setStatus(ctx, jobID, store.StatusRunning)

	cmd := PreMergeCommand(ws.Dir())
	env := jobEnv(jobID, repo, branch, commit, ws)

	res, err := s.execute(ctx, jobID, KindPreMerge, ws, cmd, env, logPath)
	if err != nil {
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}

	final := s.finishJob(ctx, jobID, res, statusPath)
	log.Info("job completed", "status", final, "exit_code", res.exitCode)

	if final == store.StatusPassed {
		result := s.TryAutoMerge(ctx, repo, branch, commit, final)
		switch {
		case result.Success:
			log.Info("auto-merge succeeded", "merge_commit", result.MergeCommit)
		case result.Attempted:
			log.Warn("auto-merge failed", "reason", result.Reason)
		default:
			log.Info("auto-merge not attempted", "reason", result.Reason)
		}
	}
	return nil
}

// CreatePostMergeJob inserts a pending post-merge job row for a merge
// commit and returns its id.
func (s *Supervisor) CreatePostMergeJob(ctx context.Context, repo, mergeCommit string) (int64, error) {
	_, logPath, _ := s.postMergeLogPaths(repo, mergeCommit)
	return s.jobs.InsertJob(ctx, store.NewJob{
		Repo:       repo,
		Branch:     s.cfg.DefaultBranch,
		HeadCommit: mergeCommit,
		Status:     store.StatusPending,
		LogPath:    logPath,
		StartedAt:  time.Now(),
	})
}

// RunPostMerge creates and executes a post-merge job for a merge
// commit on the default branch.
func (s *Supervisor) RunPostMerge(ctx context.Context, repo, mergeCommit string) error {
	jobID, err := s.CreatePostMergeJob(ctx, repo, mergeCommit)
	if err != nil {
		return fmt.Errorf("failed to create post-merge job: %w", err)
	}
	return s.runPostMerge(ctx, jobID, repo, mergeCommit)
}

func (s *Supervisor) runPostMerge(ctx context.Context, jobID int64, repo, mergeCommit string) error {
	log := s.log.With("job_id", jobID, "repo", repo, "kind", KindPostMerge)
	log.Info("starting job", "commit", mergeCommit)

	logDir, logPath, statusPath := s.postMergeLogPaths(repo, mergeCommit)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		err = fmt.Errorf("failed to create log dir: %w", err)
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}

	if job, err := s.jobs.GetJob(ctx, jobID); err == nil && job.Status.Terminal() {
		log.Info("job already terminal, skipping", "status", job.Status)
		return nil
	}

	ws, err := s.prov.Provision(jobID, repo, mergeCommit)
	if err != nil {
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}
	defer ws.Teardown()

	s.metrics.JobStarted(KindPostMerge)
	s.setStatus(ctx, jobID, store.StatusRunning)

	cmd, ok := PostMergeCommand(ws.Dir())
	if !ok {
		// A repo without a post-merge step fails distinguishably
		// rather than silently passing.
		s.failMissingPostMerge(ctx, jobID, logPath, statusPath)
		log.Warn("post-merge command not found")
		return nil
	}

	env := jobEnv(jobID, repo, s.cfg.DefaultBranch, mergeCommit, ws)

	res, err := s.execute(ctx, jobID, KindPostMerge, ws, cmd, env, logPath)
	if err != nil {
		s.failJobSetup(ctx, jobID, logDir, logPath, statusPath, err)
		return err
	}

	final := s.finishJob(ctx, jobID, res, statusPath)
	log.Info("job completed", "status", final, "exit_code", res.exitCode)
	return nil
}

// execResult is what a finished job process left behind: its exit
// code, and any verdict Cancel or the timeout sweep recorded while it
// was being killed.
type execResult struct {
	exitCode    int
	startedAt   time.Time
	verdict     store.JobStatus
	verdictCode int
}

// execute starts the job command, streams its output to the log file
// and the broadcast hub, and waits for it to finish.
func (s *Supervisor) execute(ctx context.Context, jobID int64, kind string, ws Workspace, cmd Command, env map[string]string, logPath string) (execResult, error) {
	file, err := os.Create(logPath)
	if err != nil {
		return execResult{}, fmt.Errorf("failed to create log file: %w", err)
	}
	defer file.Close()

	s.hub.Seed(jobID, "")

	mode := "[direct]"
	if s.cfg.Container.Enabled {
		mode = "[container]"
	}
	header := fmt.Sprintf("Forge %s: running %s\n", mode, cmd.Label)
	if _, err := file.WriteString(header); err != nil {
		return execResult{}, fmt.Errorf("failed to write log header: %w", err)
	}
	s.hub.Append(jobID, []byte(header))

	out := io.MultiWriter(file, &hubWriter{hub: s.hub, jobID: jobID})
	startedAt := time.Now()

	handle, err := s.runtime.Start(ctx, ciruntime.StartOptions{
		JobID:   jobID,
		Dir:     ws.Dir(),
		Command: cmd.Argv(),
		Env:     env,
		Output:  out,
	})
	if err != nil {
		return execResult{startedAt: startedAt}, fmt.Errorf("failed to start job command: %w", err)
	}

	rj := &runningJob{handle: handle, startedAt: startedAt, kind: kind}
	s.track(jobID, rj)
	code := handle.Wait()
	verdict, verdictCode := s.finishTracking(jobID, rj)
	s.hub.Complete(jobID)

	return execResult{
		exitCode:    code,
		startedAt:   startedAt,
		verdict:     verdict,
		verdictCode: verdictCode,
	}, nil
}

// finishJob records the job's outcome. A verdict set by Cancel or the
// timeout sweep wins over the raw exit code: a signaled process's exit
// code reflects the terminating signal, not the outcome.
func (s *Supervisor) finishJob(ctx context.Context, jobID int64, res execResult, statusPath string) store.JobStatus {
	finishedAt := time.Now()

	final := store.StatusFailed
	if res.exitCode == 0 {
		final = store.StatusPassed
	}
	recordedExit := res.exitCode

	if res.verdict != "" {
		final = res.verdict
		recordedExit = res.verdictCode
	}

	if err := s.jobs.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:     &final,
		FinishedAt: &finishedAt,
		ExitCode:   &recordedExit,
	}); err != nil {
		s.log.Error("failed to record job outcome", "job_id", jobID, "error", err)
	}

	s.writeStatusFile(statusPath, statusFile{
		Status:     string(final),
		ExitCode:   recordedExit,
		StartedAt:  res.startedAt.UTC().Format(time.RFC3339),
		FinishedAt: finishedAt.UTC().Format(time.RFC3339),
		JobID:      jobID,
	})

	s.metrics.JobCompleted(string(final))
	return final
}

// failJobSetup handles errors before or while starting the job
// command: the job is marked failed and the error becomes the log so
// there is always something to show for the run.
func (s *Supervisor) failJobSetup(ctx context.Context, jobID int64, logDir, logPath, statusPath string, cause error) {
	s.log.Error("job setup failed", "job_id", jobID, "error", cause)

	now := time.Now()
	failed := store.StatusFailed
	exitCode := 1
	if err := s.jobs.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:     &failed,
		FinishedAt: &now,
		ExitCode:   &exitCode,
	}); err != nil {
		s.log.Error("failed to record job failure", "job_id", jobID, "error", err)
	}

	message := fmt.Sprintf("CI job failed: %v\n", cause)
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		if err := os.WriteFile(logPath, []byte(message), 0o644); err != nil {
			s.log.Error("failed to write log file", "path", logPath, "error", err)
		}
	}
	s.hub.Append(jobID, []byte(message))
	s.hub.Complete(jobID)

	s.writeStatusFile(statusPath, statusFile{
		Status:     string(store.StatusFailed),
		ExitCode:   1,
		StartedAt:  now.UTC().Format(time.RFC3339),
		FinishedAt: now.UTC().Format(time.RFC3339),
		JobID:      jobID,
		Error:      cause.Error(),
	})
	s.metrics.JobCompleted(string(store.StatusFailed))
}

func (s *Supervisor) failMissingPostMerge(ctx context.Context, jobID int64, logPath, statusPath string) {
	const message = "post-merge command not found; expected `just post-merge` or `nix run .#post-merge`.\n"

	if err := os.WriteFile(logPath, []byte(message), 0o644); err != nil {
		s.log.Error("failed to write log file", "path", logPath, "error", err)
	}
	s.hub.Seed(jobID, "")
	s.hub.Append(jobID, []byte(message))
	s.hub.Complete(jobID)

	now := time.Now()
	failed := store.StatusFailed
	exitCode := 1
	if err := s.jobs.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:     &failed,
		FinishedAt: &now,
		ExitCode:   &exitCode,
	}); err != nil {
		s.log.Error("failed to record job failure", "job_id", jobID, "error", err)
	}

	s.writeStatusFile(statusPath, statusFile{
		Status:     string(store.StatusFailed),
		ExitCode:   1,
		Reason:     "post-merge app missing",
		StartedAt:  now.UTC().Format(time.RFC3339),
		FinishedAt: now.UTC().Format(time.RFC3339),
		JobID:      jobID,
	})
	s.metrics.JobCompleted(string(store.StatusFailed))
}

func (s *Supervisor) setStatus(ctx context.Context, jobID int64, status store.JobStatus) {
	if err := s.jobs.UpdateJob(ctx, jobID, store.JobUpdate{Status: &status}); err != nil {
		s.log.Error("failed to update job status", "job_id", jobID, "status", status, "error", err)
	}
}

func (s *Supervisor) track(jobID int64, rj *runningJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[jobID] = rj
	s.metrics.SetActiveJobs(len(s.running))
}

// finishTracking removes the job from the registry and returns the
// verdict Cancel recorded for it, if any. Reading under the same lock
// Cancel writes under orders the two.
func (s *Supervisor) finishTracking(jobID int64, rj *runningJob) (store.JobStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
	s.metrics.SetActiveJobs(len(s.running))
	return rj.verdict, rj.verdictCode
}

// Cancel stops a job. The reason must be StatusCanceled or
// StatusTimeout; it becomes the job's final status with the matching
// conventional exit code. Jobs that are in the database as active but
// have no process (stuck after a crash, or still pending) are flipped
// directly. Returns false when there was nothing to cancel.
func (s *Supervisor) Cancel(ctx context.Context, jobID int64, reason store.JobStatus) bool {
	exitCode := store.ExitCodeCanceled
	if reason == store.StatusTimeout {
		exitCode = store.ExitCodeTimeout
	}

	s.mu.Lock()
	rj := s.running[jobID]
	if rj != nil {
		rj.verdict = reason
		rj.verdictCode = exitCode
	}
	delete(s.running, jobID)
	s.metrics.SetActiveJobs(len(s.running))
	s.mu.Unlock()

	if rj == nil {
		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil || !job.Status.Active() {
			return false
		}
		s.log.Info("canceling job without a process", "job_id", jobID, "reason", reason)
	}

	now := time.Now()
	if err := s.jobs.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:     &reason,
		FinishedAt: &now,
		ExitCode:   &exitCode,
	}); err != nil {
		s.log.Error("failed to record cancellation", "job_id", jobID, "error", err)
		if rj == nil {
			return false
		}
	}

	// The verdict is already pinned in the registry, so the completion
	// path records the right outcome even if the row update above is
	// lost or lands late.
	if rj != nil {
		if err := rj.handle.Kill(); err != nil {
			s.log.Warn("failed to kill job process", "job_id", jobID, "error", err)
		}
	}
	return true
}

// Restart creates a fresh job row for a finished job and runs it in
// the background. Post-merge jobs are recognized by running on the
// default branch.
func (s *Supervisor) Restart(ctx context.Context, jobID int64) (int64, error) {
	old, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if old.Status.Active() {
		return 0, fmt.Errorf("cannot restart a running or pending job")
	}

	if old.Branch == s.cfg.DefaultBranch {
		newID, err := s.CreatePostMergeJob(ctx, old.Repo, old.HeadCommit)
		if err != nil {
			return 0, err
		}
		go func() {
			if err := s.runPostMerge(context.Background(), newID, old.Repo, old.HeadCommit); err != nil {
				s.log.Error("restarted post-merge job failed", "job_id", newID, "error", err)
			}
		}()
		return newID, nil
	}

	_, logPath, _ := s.preMergeLogPaths(old.Repo, old.HeadCommit)
	newID, err := s.jobs.InsertJob(ctx, store.NewJob{
		Repo:       old.Repo,
		Branch:     old.Branch,
		HeadCommit: old.HeadCommit,
		Status:     store.StatusPending,
		LogPath:    logPath,
		StartedAt:  time.Now(),
	})
	if err != nil {
		return 0, err
	}
	go func() {
		if err := s.RunPreMerge(context.Background(), newID, old.Repo, old.Branch, old.HeadCommit); err != nil {
			s.log.Error("restarted job failed", "job_id", newID, "error", err)
		}
	}()
	return newID, nil
}

// StartTimeoutMonitor sweeps running jobs on an interval and times out
// any that exceed the configured ceiling. The sweep only sees jobs
// with live handles; stuck database rows are handled by Cancel and by
// orphan recovery at startup.
func (s *Supervisor) StartTimeoutMonitor(ctx context.Context) {
	s.log.Info("starting job timeout monitor",
		"timeout", s.cfg.JobTimeout, "interval", s.cfg.TimeoutCheckInterval)

	go func() {
		ticker := time.NewTicker(s.cfg.TimeoutCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepTimeouts(ctx)
			}
		}
	}()
}

func (s *Supervisor) sweepTimeouts(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var expired []int64
	for jobID, rj := range s.running {
		if now.Sub(rj.startedAt) > s.cfg.JobTimeout {
			expired = append(expired, jobID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range expired {
		s.log.Warn("job exceeded timeout", "job_id", jobID, "timeout", s.cfg.JobTimeout)
		s.Cancel(ctx, jobID, store.StatusTimeout)
	}
}

// CPUUsage samples the CPU percentage of a running job's supervising
// process via ps. Returns false for jobs without a live process.
func (s *Supervisor) CPUUsage(jobID int64) (float64, bool) {
	s.mu.Lock()
	rj := s.running[jobID]
	s.mu.Unlock()

	if rj == nil {
		return 0, false
	}
	pid := rj.handle.Pid()
	if pid <= 0 {
		return 0, false
	}

	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "%cpu").Output()
	if err != nil {
		return 0, false
	}
	lines := strings.Fields(string(out))
	if len(lines) == 0 {
		return 0, false
	}
	cpu, err := strconv.ParseFloat(lines[len(lines)-1], 64)
	if err != nil {
		return 0, false
	}
	return cpu, true
}

// IsRunning reports whether the supervisor holds a live handle for the
// job.
func (s *Supervisor) IsRunning(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobID] != nil
}

// RecoverOrphans marks jobs left active by a previous process as
// failed. Their processes did not survive the restart, so the rows can
// never transition on their own.
func (s *Supervisor) RecoverOrphans(ctx context.Context) error {
	orphans, err := s.jobs.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	for _, job := range orphans {
		now := time.Now()
		failed := store.StatusFailed
		exitCode := 1
		if err := s.jobs.UpdateJob(ctx, job.ID, store.JobUpdate{
			Status:     &failed,
			FinishedAt: &now,
			ExitCode:   &exitCode,
		}); err != nil {
			s.log.Error("failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}

		if job.LogPath != "" {
			if f, err := os.OpenFile(job.LogPath, os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				fmt.Fprintf(f, "\nForge: job interrupted by server restart\n")
				f.Close()
			}
		}
		s.log.Warn("recovered orphaned job", "job_id", job.ID, "repo", job.Repo, "branch", job.Branch)
	}

	if len(orphans) > 0 {
		s.log.Info("orphan recovery complete", "count", len(orphans))
	}
	return nil
}

func (s *Supervisor) writeStatusFile(path string, data statusFile) {
	if err := writeStatusFile(path, data); err != nil {
		s.log.Error("failed to write status file", "path", path, "error", err)
	}
}
