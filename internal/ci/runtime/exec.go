package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// DirectRuntime runs job commands as host processes. Each command gets
// its own process group so that Kill reaches the whole tree, not just
// the immediate child.
type DirectRuntime struct{}

func NewDirectRuntime() *DirectRuntime {
	return &DirectRuntime{}
}

// envList flattens the env map onto the host environment in a stable
// order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := os.Environ()
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Start implements Runtime.
func (r *DirectRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = envList(opts.Env)
	cmd.Stdout = opts.Output
	cmd.Stderr = opts.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	return &processHandle{cmd: cmd}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Wait() int {
	err := h.cmd.Wait()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	// Killed by signal or unwaitable: report a generic failure.
	return 1
}

// Kill signals the whole process group. If the group signal fails,
// for example because the child disabled it, fall back to the child
// alone.
func (h *processHandle) Kill() error {
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return h.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

func (h *processHandle) Pid() int {
	return h.cmd.Process.Pid
}
