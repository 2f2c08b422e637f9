package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forge/internal/store"
)

// recordingSink collects every job notification for assertions.
type recordingSink struct {
	mu   sync.Mutex
	jobs []store.Job
}

func (r *recordingSink) JobChanged(job store.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recordingSink) events() []store.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Job(nil), r.jobs...)
}

func newTestStore(t *testing.T, sink store.EventSink) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "forge.db"), sink)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := Migrate(s.DB()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func insertTestJob(t *testing.T, s *Store, repo, branch, commit string, status store.JobStatus) int64 {
	t.Helper()

	id, err := s.InsertJob(context.Background(), store.NewJob{
		Repo:       repo,
		Branch:     branch,
		HeadCommit: commit,
		Status:     status,
		LogPath:    "/tmp/" + commit + ".log",
		StartedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertJob() error = %v", err)
	}
	return id
}

func TestInsertAndGetJob(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStore(t, sink)

	id := insertTestJob(t, s, "myrepo", "feature-1", "abc123", store.StatusPending)
	if id == 0 {
		t.Fatal("InsertJob() returned zero ID")
	}

	job, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}

	if job.Repo != "myrepo" || job.Branch != "feature-1" || job.HeadCommit != "abc123" {
		t.Errorf("GetJob() = %+v, want myrepo/feature-1@abc123", job)
	}
	if job.Status != store.StatusPending {
		t.Errorf("Status = %s, want pending", job.Status)
	}
	if job.FinishedAt != nil || job.ExitCode != nil {
		t.Error("new job should have nil FinishedAt and ExitCode")
	}

	events := sink.events()
	if len(events) != 1 || events[0].ID != id {
		t.Errorf("insert should broadcast exactly one event for job %d, got %+v", id, events)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.GetJob(context.Background(), 9999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestJobIDsAreMonotonic(t *testing.T) {
	s := newTestStore(t, nil)

	first := insertTestJob(t, s, "r", "b", "c1", store.StatusPending)
	second := insertTestJob(t, s, "r", "b", "c2", store.StatusPending)

	if second <= first {
		t.Errorf("job IDs not monotonically increasing: %d then %d", first, second)
	}
}

func TestUpdateJob_TerminalTransition(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStore(t, sink)
	ctx := context.Background()

	id := insertTestJob(t, s, "myrepo", "feature-1", "abc123", store.StatusRunning)

	finished := time.Now()
	exitCode := 0
	passed := store.StatusPassed
	err := s.UpdateJob(ctx, id, store.JobUpdate{
		Status:     &passed,
		FinishedAt: &finished,
		ExitCode:   &exitCode,
	})
	if err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != store.StatusPassed {
		t.Errorf("Status = %s, want passed", job.Status)
	}
	if job.FinishedAt == nil {
		t.Fatal("FinishedAt not persisted")
	}
	if job.ExitCode == nil || *job.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", job.ExitCode)
	}

	// Insert + update = two broadcasts, last one terminal.
	events := sink.events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Status != store.StatusPassed {
		t.Errorf("last event status = %s, want passed", events[1].Status)
	}
}

func TestCancelPendingJobs_BranchExclusivity(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStore(t, sink)
	ctx := context.Background()

	// Two pushes in quick succession: the first pending job must be
	// canceled before the second one proceeds.
	first := insertTestJob(t, s, "myrepo", "feature-1", "aaa", store.StatusPending)

	n, err := s.CancelPendingJobs(ctx, "myrepo", "feature-1", 0)
	if err != nil {
		t.Fatalf("CancelPendingJobs() error = %v", err)
	}
	if n != 1 {
		t.Errorf("canceled %d jobs, want 1", n)
	}

	second := insertTestJob(t, s, "myrepo", "feature-1", "bbb", store.StatusPending)

	firstJob, _ := s.GetJob(ctx, first)
	if firstJob.Status != store.StatusCanceled {
		t.Errorf("first job status = %s, want canceled", firstJob.Status)
	}

	active, err := s.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != second {
		t.Errorf("active jobs = %+v, want only job %d", active, second)
	}
}

func TestCancelPendingJobs_ExceptAndScope(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	keep := insertTestJob(t, s, "myrepo", "feature-1", "aaa", store.StatusPending)
	insertTestJob(t, s, "myrepo", "feature-1", "bbb", store.StatusPending)
	other := insertTestJob(t, s, "myrepo", "feature-2", "ccc", store.StatusPending)
	running := insertTestJob(t, s, "myrepo", "feature-1", "ddd", store.StatusRunning)

	n, err := s.CancelPendingJobs(ctx, "myrepo", "feature-1", keep)
	if err != nil {
		t.Fatalf("CancelPendingJobs() error = %v", err)
	}
	if n != 1 {
		t.Errorf("canceled %d jobs, want 1", n)
	}

	for _, tc := range []struct {
		id   int64
		want store.JobStatus
	}{
		{keep, store.StatusPending},
		{other, store.StatusPending},
		{running, store.StatusRunning},
	} {
		job, _ := s.GetJob(ctx, tc.id)
		if job.Status != tc.want {
			t.Errorf("job %d status = %s, want %s", tc.id, job.Status, tc.want)
		}
	}
}

func TestListJobs_RunningFirst(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	insertTestJob(t, s, "r", "b1", "c1", store.StatusPassed)
	runningID := insertTestJob(t, s, "r", "b2", "c2", store.StatusRunning)
	insertTestJob(t, s, "r", "b3", "c3", store.StatusFailed)

	jobs, err := s.ListJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != runningID {
		t.Errorf("first listed job = %d, want running job %d", jobs[0].ID, runningID)
	}
}

func TestLatestJob(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.LatestJob(ctx, "r", "b", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LatestJob() on empty store error = %v, want ErrNotFound", err)
	}

	insertTestJob(t, s, "r", "b", "abc", store.StatusFailed)
	time.Sleep(2 * time.Millisecond) // keep started_at ordering unambiguous
	latest := insertTestJob(t, s, "r", "b", "abc", store.StatusPending)

	job, err := s.LatestJob(ctx, "r", "b", "abc")
	if err != nil {
		t.Fatalf("LatestJob() error = %v", err)
	}
	if job.ID != latest {
		t.Errorf("LatestJob() = %d, want %d", job.ID, latest)
	}
}

func TestListJobsByStatus(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	insertTestJob(t, s, "r", "b1", "c1", store.StatusRunning)
	insertTestJob(t, s, "r", "b2", "c2", store.StatusPassed)
	insertTestJob(t, s, "r", "b3", "c3", store.StatusRunning)

	running, err := s.ListJobsByStatus(ctx, store.StatusRunning)
	if err != nil {
		t.Fatalf("ListJobsByStatus() error = %v", err)
	}
	if len(running) != 2 {
		t.Errorf("got %d running jobs, want 2", len(running))
	}
}
