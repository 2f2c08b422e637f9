// Package git wraps the git plumbing commands the CI orchestrator
// depends on: branch lookups, merge metadata, commit trailers and the
// checkout-free merge sequence.
package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client runs git commands against bare repositories under a data
// directory. Repos under <dataDir>/repos are always trusted to avoid
// safe.directory failures when the server runs as a different user
// than the one that created the repo.
type Client struct {
	dataDir string
}

// NewClient creates a git client rooted at the given data directory.
func NewClient(dataDir string) *Client {
	return &Client{dataDir: dataDir}
}

// Error carries the stderr and exit code of a failed git command.
type Error struct {
	Args     []string
	Stderr   string
	ExitCode int
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s failed (exit %d)", strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Run executes git with the given arguments in dir and returns trimmed
// stdout. A non-zero exit returns an *Error.
func (c *Client) Run(dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-c", "safe.directory=" + filepath.Join(c.dataDir, "repos", "*")}, args...)

	cmd := exec.Command("git", fullArgs...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &Error{Args: args, Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}
		}
		return "", fmt.Errorf("failed to run git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
