package realtime

import (
	"sort"
	"sync"
	"time"

	"forge/internal/store"
)

// JobEvent is the wire form of a job state change pushed to event
// stream clients.
type JobEvent struct {
	ID         int64   `json:"id"`
	Repo       string  `json:"repo"`
	Branch     string  `json:"branch"`
	HeadCommit string  `json:"headCommit"`
	Status     string  `json:"status"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	StartedAt  string  `json:"startedAt"`
	FinishedAt *string `json:"finishedAt,omitempty"`
}

// EventFromJob converts a stored job into its event representation.
func EventFromJob(job store.Job) JobEvent {
	ev := JobEvent{
		ID:         job.ID,
		Repo:       job.Repo,
		Branch:     job.Branch,
		HeadCommit: job.HeadCommit,
		Status:     string(job.Status),
		ExitCode:   job.ExitCode,
		StartedAt:  job.StartedAt.UTC().Format(time.RFC3339),
	}
	if job.FinishedAt != nil {
		finished := job.FinishedAt.UTC().Format(time.RFC3339)
		ev.FinishedAt = &finished
	}
	return ev
}

// EventSubscriber receives job events. The channel is buffered; a
// subscriber that falls too far behind loses events rather than
// blocking the writers that feed the bus.
type EventSubscriber struct {
	ch chan JobEvent
}

func (s *EventSubscriber) Events() <-chan JobEvent {
	return s.ch
}

const eventBuffer = 16

// EventBus tracks the set of active jobs and fans out every job state
// change to subscribers. It is wired into the store as its event sink,
// so any mutation that goes through the store reaches the bus.
type EventBus struct {
	mu       sync.Mutex
	active   map[int64]store.Job
	subs     map[*EventSubscriber]struct{}
	dropped  uint64
	dropHook func()
}

// OnDrop installs a hook invoked once per dropped event. Set during
// wiring, before any subscriber exists.
func (b *EventBus) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropHook = fn
}

func NewEventBus() *EventBus {
	return &EventBus{
		active: make(map[int64]store.Job),
		subs:   make(map[*EventSubscriber]struct{}),
	}
}

// JobChanged implements store.EventSink. Active jobs enter the live
// set, terminal ones leave it, and the change is broadcast.
func (b *EventBus) JobChanged(job store.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job.Status.Active() {
		b.active[job.ID] = job
	} else {
		delete(b.active, job.ID)
	}

	ev := EventFromJob(job)
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			if b.dropHook != nil {
				b.dropHook()
			}
		}
	}
}

// Subscribe registers a subscriber and returns it together with a
// snapshot of the currently active jobs, ordered by job id.
func (b *EventBus) Subscribe() (*EventSubscriber, []JobEvent) {
	sub := &EventSubscriber{ch: make(chan JobEvent, eventBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]JobEvent, 0, len(b.active))
	for _, job := range b.active {
		snapshot = append(snapshot, EventFromJob(job))
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	b.subs[sub] = struct{}{}
	return sub, snapshot
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *EventBus) Unsubscribe(sub *EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscribers returns the current subscriber count.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded because a subscriber
// buffer was full.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
