// Package runtime provides the execution backends for CI jobs.
package runtime

import (
	"context"
	"io"
)

// StartOptions contains the parameters for starting a job's command.
type StartOptions struct {
	JobID   int64
	Dir     string
	Command []string
	Env     map[string]string
	Output  io.Writer
}

// Runtime starts CI job commands. Implementations are a direct
// process runner and a rootless podman runner.
type Runtime interface {
	// Start launches the command and returns a handle for it. The
	// context covers startup only; termination goes through the handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Handle represents a started job execution.
type Handle interface {
	// Wait blocks until the execution finishes and returns its exit
	// code. Executions that die without a usable code report 1.
	Wait() int

	// Kill terminates the execution. Wait still returns afterwards.
	Kill() error

	// Pid returns the supervising process id, used for resource
	// sampling. Zero when not applicable.
	Pid() int
}
