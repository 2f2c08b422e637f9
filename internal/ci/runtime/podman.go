package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// PodmanOptions configures the container runner.
type PodmanOptions struct {
	Image       string
	Network     string
	TmpfsSize   string
	StorageRoot string
	RunRoot     string
}

// PodmanRuntime runs job commands inside rootless podman containers.
// The storage and run roots are passed explicitly so podman works
// without XDG_RUNTIME_DIR, which is absent when the forge runs as a
// daemon.
type PodmanRuntime struct {
	opts PodmanOptions
}

func NewPodmanRuntime(opts PodmanOptions) *PodmanRuntime {
	return &PodmanRuntime{opts: opts}
}

// ContainerName returns the deterministic container name for a job,
// which lets a restarted forge clean up containers it no longer has
// handles for.
func ContainerName(jobID int64) string {
	return fmt.Sprintf("forge-ci-%d", jobID)
}

func (r *PodmanRuntime) storageArgs() []string {
	return []string{
		"--root=" + r.opts.StorageRoot,
		"--runroot=" + r.opts.RunRoot,
	}
}

// Start implements Runtime. The workspace is bind-mounted at /work,
// the nix store is shared read-only, and /tmp and /root are tmpfs so
// nothing the job writes outside /work survives.
func (r *PodmanRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := ContainerName(opts.JobID)

	args := append(r.storageArgs(),
		"run",
		"--rm",
		"--name", name,
		"--network="+r.opts.Network,
		"--userns=keep-id",
		"-w", "/work",
		"--mount", "type=bind,source="+opts.Dir+",target=/work",
		"--mount", "type=bind,source=/nix,target=/nix,readonly",
		"--mount", "type=tmpfs,target=/tmp,tmpfs-size="+r.opts.TmpfsSize,
		"--mount", "type=tmpfs,target=/root,tmpfs-size="+r.opts.TmpfsSize,
		"--env", "HOME=/root",
	)

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+opts.Env[k])
	}

	args = append(args,
		r.opts.Image,
		"bash", "-lc",
		"cd /work && "+strings.Join(opts.Command, " "),
	)

	cmd := exec.Command("podman", args...)
	cmd.Stdout = opts.Output
	cmd.Stderr = opts.Output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start podman: %w", err)
	}

	return &containerHandle{
		cmd:         cmd,
		name:        name,
		storageArgs: r.storageArgs(),
	}, nil
}

type containerHandle struct {
	cmd         *exec.Cmd
	name        string
	storageArgs []string
}

// Wait returns the container's exit code, which podman run propagates
// as its own.
func (h *containerHandle) Wait() int {
	err := h.cmd.Wait()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

// Kill stops and removes the container. Both steps tolerate the
// container already being gone.
func (h *containerHandle) Kill() error {
	kill := exec.Command("podman", append(h.storageArgsCopy(), "kill", h.name)...)
	_ = kill.Run()

	rm := exec.Command("podman", append(h.storageArgsCopy(), "rm", "-f", h.name)...)
	_ = rm.Run()
	return nil
}

// storageArgsCopy returns a fresh slice so the appends above cannot
// alias each other's backing array.
func (h *containerHandle) storageArgsCopy() []string {
	return append([]string(nil), h.storageArgs...)
}

func (h *containerHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
