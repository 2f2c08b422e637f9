package realtime

import (
	"os"
	"sync"

	terminal "github.com/buildkite/terminal-to-html/v3"
)

// emptyHTML keeps SSE frames non-empty so proxies and EventSource
// clients do not collapse them.
const emptyHTML = "&#8203;"

// SafeHTML returns html, or a zero-width space when it is empty.
func SafeHTML(html string) string {
	if html == "" {
		return emptyHTML
	}
	return html
}

// LogSubscriber receives rendered log snapshots for a single job. The
// channel carries the full buffer each time, so a slow reader that
// misses intermediate states still converges on the latest one.
type LogSubscriber struct {
	ch chan string
}

// HTML returns the snapshot channel. It is closed once the job's log
// is complete.
func (s *LogSubscriber) HTML() <-chan string {
	return s.ch
}

// push delivers a snapshot without blocking. A pending older snapshot
// is replaced, which is safe because every snapshot supersedes all
// earlier ones.
func (s *LogSubscriber) push(html string) {
	select {
	case s.ch <- html:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- html:
		default:
		}
	}
}

// LogHub fans out live CI log output to any number of subscribers.
// Raw chunks are rendered from ANSI to HTML as they arrive and
// appended to a per-job buffer; subscribers always receive the whole
// buffer, so late joiners see everything from the start.
type LogHub struct {
	mu      sync.Mutex
	buffers map[int64]string
	subs    map[int64]map[*LogSubscriber]struct{}
	done    map[int64]bool
}

func NewLogHub() *LogHub {
	return &LogHub{
		buffers: make(map[int64]string),
		subs:    make(map[int64]map[*LogSubscriber]struct{}),
		done:    make(map[int64]bool),
	}
}

// Seed installs an already-rendered buffer for a job, replacing any
// existing one, and broadcasts it to current subscribers. Used when
// replaying logs for jobs that produced output before the hub existed.
func (h *LogHub) Seed(jobID int64, html string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffers[jobID] = html
	snapshot := SafeHTML(html)
	for sub := range h.subs[jobID] {
		sub.push(snapshot)
	}
}

// EnsureFromFile seeds the job's buffer from a raw log file on disk
// if no buffer exists yet. Missing files are not an error; the buffer
// simply stays empty.
func (h *LogHub) EnsureFromFile(jobID int64, path string) {
	h.mu.Lock()
	_, ok := h.buffers[jobID]
	h.mu.Unlock()
	if ok {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	h.Seed(jobID, string(terminal.Render(raw)))
}

// Append renders a raw output chunk, extends the job's buffer and
// broadcasts the new full buffer to all subscribers. Chunks appended
// after Complete are ignored.
func (h *LogHub) Append(jobID int64, chunk []byte) {
	html := string(terminal.Render(chunk))

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done[jobID] {
		return
	}

	h.buffers[jobID] += html
	snapshot := SafeHTML(h.buffers[jobID])
	for sub := range h.subs[jobID] {
		sub.push(snapshot)
	}
}

// Complete marks the job's log as finished, delivers a final snapshot
// and closes every subscriber channel. Calling it again is a no-op.
func (h *LogHub) Complete(jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done[jobID] {
		return
	}
	h.done[jobID] = true

	snapshot := SafeHTML(h.buffers[jobID])
	for sub := range h.subs[jobID] {
		sub.push(snapshot)
		close(sub.ch)
	}
	delete(h.subs, jobID)
}

// Subscribe registers a new subscriber for the job and immediately
// queues the current buffer. For a completed job the channel is
// closed right after the snapshot, so the caller drains and exits.
func (h *LogHub) Subscribe(jobID int64) *LogSubscriber {
	sub := &LogSubscriber{ch: make(chan string, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub.push(SafeHTML(h.buffers[jobID]))

	if h.done[jobID] {
		close(sub.ch)
		return sub
	}

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*LogSubscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber. Safe to call after Complete.
func (h *LogHub) Unsubscribe(jobID int64, sub *LogSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[jobID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, jobID)
		}
	}
}

// Subscribers returns the current subscriber count for a job.
func (h *LogHub) Subscribers(jobID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
