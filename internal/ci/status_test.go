package ci

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forge/internal/store"
)

func TestResolveStatus_FromDatabase(t *testing.T) {
	tests := []struct {
		jobStatus store.JobStatus
		want      Status
	}{
		{store.StatusPending, StatusRunning},
		{store.StatusRunning, StatusRunning},
		{store.StatusPassed, StatusPassed},
		{store.StatusFailed, StatusFailed},
		{store.StatusCanceled, StatusFailed},
		{store.StatusTimeout, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobStatus), func(t *testing.T) {
			e := newTestEnv(t)
			id := e.insertJob(t, "demo", "feature-1", "abc123")
			if tt.jobStatus != store.StatusPending {
				status := tt.jobStatus
				if err := e.st.UpdateJob(context.Background(), id, store.JobUpdate{Status: &status}); err != nil {
					t.Fatal(err)
				}
			}

			got := ResolveStatus(context.Background(), e.st, e.cfg.LogsPath(), "demo", "feature-1", "abc123")
			if got != tt.want {
				t.Errorf("ResolveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveStatus_SidecarFallback(t *testing.T) {
	e := newTestEnv(t)

	logDir := filepath.Join(e.cfg.LogsPath(), "demo")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sidecar := `{"status": "passed", "exitCode": 0, "finishedAt": "2025-06-01T12:00:00Z", "jobId": 1}`
	if err := os.WriteFile(filepath.Join(logDir, "abc123.status"), []byte(sidecar), 0o644); err != nil {
		t.Fatal(err)
	}

	// No database row for the commit, but the sidecar survives.
	got := ResolveStatus(context.Background(), e.st, e.cfg.LogsPath(), "demo", "feature-1", "abc123")
	if got != StatusPassed {
		t.Errorf("ResolveStatus() = %s, want passed", got)
	}
}

func TestResolveStatus_CorruptSidecar(t *testing.T) {
	e := newTestEnv(t)

	logDir := filepath.Join(e.cfg.LogsPath(), "demo")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(logDir, "abc123.status"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := ResolveStatus(context.Background(), e.st, e.cfg.LogsPath(), "demo", "feature-1", "abc123")
	if got != StatusUnknown {
		t.Errorf("ResolveStatus() = %s, want unknown", got)
	}
}

func TestResolveStatus_NotConfigured(t *testing.T) {
	e := newTestEnv(t)

	got := ResolveStatus(context.Background(), e.st, e.cfg.LogsPath(), "demo", "feature-1", "abc123")
	if got != StatusNotConfigured {
		t.Errorf("ResolveStatus() = %s, want not-configured", got)
	}
}

func TestLogPath(t *testing.T) {
	logsPath := t.TempDir()
	if got := LogPath(logsPath, "demo", "abc123"); got != "" {
		t.Errorf("LogPath() = %q for missing log", got)
	}

	logDir := filepath.Join(logsPath, "demo")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(logDir, "abc123.log")
	if err := os.WriteFile(want, []byte("log\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := LogPath(logsPath, "demo", "abc123"); got != want {
		t.Errorf("LogPath() = %q, want %q", got, want)
	}
}
