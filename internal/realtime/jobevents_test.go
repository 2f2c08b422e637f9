package realtime

import (
	"testing"
	"time"

	"forge/internal/store"
)

func testJob(id int64, status store.JobStatus) store.Job {
	return store.Job{
		ID:         id,
		Repo:       "demo",
		Branch:     "feature-1",
		HeadCommit: "abc123",
		Status:     status,
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventBus_BroadcastAndActiveSet(t *testing.T) {
	bus := NewEventBus()
	sub, snapshot := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	if len(snapshot) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", snapshot)
	}

	bus.JobChanged(testJob(1, store.StatusRunning))

	select {
	case ev := <-sub.Events():
		if ev.ID != 1 || ev.Status != "running" || ev.Repo != "demo" {
			t.Errorf("event = %+v", ev)
		}
		if ev.StartedAt != "2025-06-01T12:00:00Z" {
			t.Errorf("StartedAt = %q", ev.StartedAt)
		}
	default:
		t.Fatal("no event delivered")
	}

	// Running job is in the active snapshot for new subscribers.
	sub2, snapshot := bus.Subscribe()
	defer bus.Unsubscribe(sub2)
	if len(snapshot) != 1 || snapshot[0].ID != 1 {
		t.Fatalf("snapshot = %v, want job 1", snapshot)
	}

	// Terminal transition removes it from the active set.
	finished := testJob(1, store.StatusPassed)
	now := time.Now()
	code := 0
	finished.FinishedAt = &now
	finished.ExitCode = &code
	bus.JobChanged(finished)

	sub3, snapshot := bus.Subscribe()
	defer bus.Unsubscribe(sub3)
	if len(snapshot) != 0 {
		t.Errorf("snapshot after terminal transition = %v, want empty", snapshot)
	}
}

func TestEventBus_SnapshotOrderedByID(t *testing.T) {
	bus := NewEventBus()
	bus.JobChanged(testJob(3, store.StatusRunning))
	bus.JobChanged(testJob(1, store.StatusPending))
	bus.JobChanged(testJob(2, store.StatusRunning))

	sub, snapshot := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	if len(snapshot) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snapshot))
	}
	for i, want := range []int64{1, 2, 3} {
		if snapshot[i].ID != want {
			t.Errorf("snapshot[%d].ID = %d, want %d", i, snapshot[i].ID, want)
		}
	}
}

func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := NewEventBus()
	sub, _ := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Never read; overflow the buffer.
	for i := 0; i < eventBuffer+5; i++ {
		bus.JobChanged(testJob(int64(i+1), store.StatusRunning))
	}

	if bus.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", bus.Dropped())
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	sub, _ := bus.Subscribe()

	bus.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Error("channel not closed after Unsubscribe")
	}

	// Double unsubscribe must not panic.
	bus.Unsubscribe(sub)

	if n := bus.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestEventFromJob_FinishedFields(t *testing.T) {
	job := testJob(4, store.StatusFailed)
	finished := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	code := 2
	job.FinishedAt = &finished
	job.ExitCode = &code

	ev := EventFromJob(job)
	if ev.FinishedAt == nil || *ev.FinishedAt != "2025-06-01T12:05:00Z" {
		t.Errorf("FinishedAt = %v", ev.FinishedAt)
	}
	if ev.ExitCode == nil || *ev.ExitCode != 2 {
		t.Errorf("ExitCode = %v", ev.ExitCode)
	}
}
