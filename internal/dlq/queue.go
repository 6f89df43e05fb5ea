// Package dlq holds events that failed required processing so they can be
// inspected and retried.
package dlq

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/soarflow/internal/event"
	"github.com/gyaneshwarpardhi/soarflow/internal/metrics"
)

// DefaultMaxSize applies when New is given a non-positive size.
const DefaultMaxSize = 1000

// Entry is one dead-lettered event.
type Entry struct {
	ID            string       `json:"id"`
	Event         *event.Event `json:"event"`
	Error         string       `json:"error"`
	Attempts      int          `json:"attempts"`
	AddedAt       time.Time    `json:"added_at"`
	LastAttemptAt time.Time    `json:"last_attempt_at"`
}

func (e *Entry) clone() Entry {
	cp := *e
	if e.Event != nil {
		cp.Event = e.Event.Clone()
	}
	return cp
}

// Queue is a bounded FIFO; once full, adding drops the oldest entry.
// Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	entries []*Entry
}

// New creates a Queue holding at most maxSize entries.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{maxSize: maxSize}
}

// Add stores a copy of ev with the failure that sent it here. The first
// failed processing counts as attempt 1.
func (q *Queue) Add(ev *event.Event, cause error, now time.Time) Entry {
	e := &Entry{
		ID:            uuid.NewString(),
		Event:         ev.Clone(),
		Attempts:      1,
		AddedAt:       now,
		LastAttemptAt: now,
	}
	if cause != nil {
		e.Error = cause.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	if over := len(q.entries) - q.maxSize; over > 0 {
		clear(q.entries[:over])
		q.entries = q.entries[over:]
	}
	metrics.DLQSize.Set(float64(len(q.entries)))
	return e.clone()
}

func (q *Queue) find(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Get returns a copy of the entry with id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.find(id)
	if i < 0 {
		return Entry{}, false
	}
	return q.entries[i].clone(), true
}

// Remove deletes the entry with id and reports whether it existed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.find(id)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	metrics.DLQSize.Set(float64(len(q.entries)))
	return true
}

// List returns copies of all entries, oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.clone()
	}
	return out
}

// Retryable returns entries whose attempt count has not exceeded limit.
func (q *Queue) Retryable(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.Attempts <= limit {
			out = append(out, e.clone())
		}
	}
	return out
}

// IncrementAttempts records another failed attempt for id and returns the
// new count.
func (q *Queue) IncrementAttempts(id string, cause error, now time.Time) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.find(id)
	if i < 0 {
		return 0, false
	}
	e := q.entries[i]
	e.Attempts++
	e.LastAttemptAt = now
	if cause != nil {
		e.Error = cause.Error()
	}
	return e.Attempts, true
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Purge removes every entry and returns how many were dropped.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	metrics.DLQSize.Set(0)
	return n
}
