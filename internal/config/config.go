// Package config handles configuration loading for the forge server.
//
// Values come from an optional YAML file plus FORGE_* environment
// variables, with the environment taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ContainerConfig controls the containerized CI execution mode.
type ContainerConfig struct {
	// Enabled switches job execution from direct host processes to
	// rootless podman containers. This is a configuration-time
	// decision, not per-job.
	Enabled bool

	// Image is the container image jobs run in.
	Image string

	// Network is passed to podman's --network flag.
	Network string

	// TmpfsSize sizes the /tmp and /root tmpfs mounts, e.g. "1g".
	TmpfsSize string

	// StorageRoot and RunRoot are podman's --root and --runroot.
	// Setting them explicitly lets rootless podman run without
	// XDG_RUNTIME_DIR.
	StorageRoot string
	RunRoot     string
}

// Config holds all configuration values for the forge server.
type Config struct {
	// DataDir is the root under which repos, logs, work and the
	// database live.
	DataDir string

	// ListenAddr is the HTTP listen address, e.g. ":3030".
	ListenAddr string

	// DefaultBranch is the branch merges land on and post-merge jobs
	// run against.
	DefaultBranch string

	// JobTimeout is the wall-clock ceiling for a single CI job.
	JobTimeout time.Duration

	// TimeoutCheckInterval is how often the timeout sweep runs.
	TimeoutCheckInterval time.Duration

	// WebhookRatePerSecond limits post-receive hook calls per remote.
	WebhookRatePerSecond float64

	Container ContainerConfig
}

// ReposPath returns the directory holding bare repositories.
func (c *Config) ReposPath() string { return filepath.Join(c.DataDir, "repos") }

// LogsPath returns the directory holding per-job log files.
func (c *Config) LogsPath() string { return filepath.Join(c.DataDir, "logs") }

// WorkPath returns the directory holding job checkouts.
func (c *Config) WorkPath() string { return filepath.Join(c.DataDir, "work") }

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "forge.db") }

// RepoPath returns the bare repository path for the given repo name.
func (c *Config) RepoPath(repo string) string {
	return filepath.Join(c.ReposPath(), repo+".git")
}

// Load reads configuration from the given file (optional) and the
// environment. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/forge")
	v.SetDefault("listen_addr", ":3030")
	v.SetDefault("default_branch", "master")
	v.SetDefault("job_timeout", "1h")
	v.SetDefault("timeout_check_interval", "30s")
	v.SetDefault("webhook_rate_per_second", 5.0)
	v.SetDefault("container.enabled", false)
	v.SetDefault("container.network", "none")
	v.SetDefault("container.tmpfs_size", "1g")

	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DataDir:              v.GetString("data_dir"),
		ListenAddr:           v.GetString("listen_addr"),
		DefaultBranch:        v.GetString("default_branch"),
		JobTimeout:           v.GetDuration("job_timeout"),
		TimeoutCheckInterval: v.GetDuration("timeout_check_interval"),
		WebhookRatePerSecond: v.GetFloat64("webhook_rate_per_second"),
		Container: ContainerConfig{
			Enabled:     v.GetBool("container.enabled"),
			Image:       v.GetString("container.image"),
			Network:     v.GetString("container.network"),
			TmpfsSize:   v.GetString("container.tmpfs_size"),
			StorageRoot: v.GetString("container.storage_root"),
			RunRoot:     v.GetString("container.run_root"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("timeout_check_interval must be positive, got %s", c.TimeoutCheckInterval)
	}
	if c.Container.Enabled {
		if c.Container.Image == "" {
			return fmt.Errorf("container.image is required when container mode is enabled")
		}
		if c.Container.StorageRoot == "" || c.Container.RunRoot == "" {
			return fmt.Errorf("container.storage_root and container.run_root are required when container mode is enabled")
		}
	}
	return nil
}

// EnsureDataDirectories creates the data directory layout if missing.
func EnsureDataDirectories(c *Config) error {
	for _, dir := range []string{c.DataDir, c.ReposPath(), c.LogsPath(), c.WorkPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
