// Package workspace provisions and tears down per-job checkouts.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"forge/internal/git"
)

// Ephemeral per-job postgres instances get a port derived from the job
// id so concurrent jobs rarely collide.
const (
	pgPortBase  = 20000
	pgPortRange = 20000
)

// PGPort returns the postgres port assigned to a job.
func PGPort(jobID int64) int {
	return pgPortBase + int(jobID%pgPortRange)
}

// Provisioner creates job workspaces. Direct jobs get a git worktree,
// which is fast and shares objects with the bare repo. Container jobs
// get a local clone instead: worktrees reference the parent repository
// through paths that are not visible inside the container, while a
// clone is self-contained.
type Provisioner struct {
	git       *git.Client
	reposPath string
	workPath  string
	useClone  bool
	log       *slog.Logger
}

func NewProvisioner(gitClient *git.Client, reposPath, workPath string, useClone bool, log *slog.Logger) *Provisioner {
	return &Provisioner{
		git:       gitClient,
		reposPath: reposPath,
		workPath:  workPath,
		useClone:  useClone,
		log:       log,
	}
}

// Workspace is a provisioned checkout plus the state needed to tear it
// down again.
type Workspace struct {
	JobID    int64
	Path     string
	RepoPath string
	PGPort   int
	PGData   string

	clone bool
	git   *git.Client
	log   *slog.Logger
}

// Provision checks out the commit into a fresh directory for the job.
func (p *Provisioner) Provision(jobID int64, repo, commit string) (*Workspace, error) {
	repoPath := filepath.Join(p.reposPath, repo+".git")
	path := filepath.Join(p.workPath, repo, strconv.FormatInt(jobID, 10))

	if p.useClone {
		if _, err := p.git.Run(p.reposPath, "clone", "--local", "--no-checkout", repoPath, path); err != nil {
			return nil, fmt.Errorf("failed to clone repo: %w", err)
		}
		if _, err := p.git.Run(path, "checkout", "--detach", commit); err != nil {
			return nil, fmt.Errorf("failed to checkout commit: %w", err)
		}
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create worktree dir: %w", err)
		}
		if _, err := p.git.Run(repoPath, "worktree", "add", "--force", "--detach", path, commit); err != nil {
			return nil, fmt.Errorf("failed to create worktree: %w", err)
		}
	}

	return &Workspace{
		JobID:    jobID,
		Path:     path,
		RepoPath: repoPath,
		PGPort:   PGPort(jobID),
		PGData:   filepath.Join(path, ".pgdata"),
		clone:    p.useClone,
		git:      p.git,
		log:      p.log,
	}, nil
}

// Dir returns the checkout directory.
func (w *Workspace) Dir() string {
	return w.Path
}

// Env returns the postgres environment handed to job commands. Both
// PGPORT and PG_PORT are set because job scripts use either spelling.
func (w *Workspace) Env() map[string]string {
	return map[string]string{
		"PGPORT":    strconv.Itoa(w.PGPort),
		"PG_PORT":   strconv.Itoa(w.PGPort),
		"PGDATA":    w.PGData,
		"PGLOGFILE": filepath.Join(w.PGData, "postgres.log"),
	}
}

// Teardown removes everything the job left behind. It runs
// unconditionally after a job finishes, whatever the outcome, so every
// step tolerates the state it expects being absent already.
func (w *Workspace) Teardown() {
	w.stopPostgres()
	if err := os.RemoveAll(w.PGData); err != nil {
		w.log.Warn("failed to remove postgres data", "path", w.PGData, "error", err)
	}

	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		return
	}

	if w.clone {
		if err := os.RemoveAll(w.Path); err != nil {
			w.log.Warn("failed to remove clone", "path", w.Path, "error", err)
		}
		return
	}

	if _, err := w.git.Run(w.RepoPath, "worktree", "remove", w.Path); err != nil {
		w.log.Warn("failed to remove worktree", "path", w.Path, "error", err)
		if err := os.RemoveAll(w.Path); err != nil {
			w.log.Warn("failed to remove worktree dir", "path", w.Path, "error", err)
		}
	}
}

// stopPostgres shuts down the job's ephemeral postgres if one is
// running. pg_ctl may not be on PATH when jobs run under nix, so a nix
// shell fallback is tried, and as a last resort the postmaster pid is
// signalled directly.
func (w *Workspace) stopPostgres() {
	pidPath := filepath.Join(w.PGData, "postmaster.pid")
	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		return
	}

	ctlArgs := []string{"-D", w.PGData, "stop", "-m", "fast"}
	if exec.Command("pg_ctl", ctlArgs...).Run() == nil {
		return
	}

	nixArgs := append([]string{"shell", "nixpkgs#postgresql_17", "-c", "pg_ctl"}, ctlArgs...)
	_ = exec.Command("nix", nixArgs...).Run()

	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		return
	}

	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		w.log.Warn("failed to stop postgres", "pid", pid, "error", err)
	}
}
