package calllog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of entries kept by a Recorder created with
// a non-positive capacity.
const DefaultCapacity = 10

// Direction identifies which side placed a call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Outcome describes how a call attempt ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeFailed    Outcome = "failed"
)

// Entry is a single row in the agent's recent call list.
type Entry struct {
	ID              string    `json:"id"`
	Direction       Direction `json:"direction"`
	CounterpartRef  string    `json:"counterpart_ref"`
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	Outcome         Outcome   `json:"outcome"`
}

// Recorder keeps the most recent call entries in memory, newest first.
// Nothing is persisted; the log is a display aid for the current session.
type Recorder struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewRecorder creates a recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Record prepends entry and drops the oldest entries beyond capacity.
// An empty ID is replaced with a random UUID. The stored entry is returned.
func (r *Recorder) Record(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.DurationSeconds < 0 {
		entry.DurationSeconds = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, Entry{})
	copy(r.entries[1:], r.entries)
	r.entries[0] = entry
	if len(r.entries) > r.capacity {
		r.entries = r.entries[:r.capacity]
	}
	return entry
}

// Entries returns a copy of the log, newest first.
func (r *Recorder) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of stored entries.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
