package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sidekick/internal/storage"
	"sidekick/internal/trigger"
)

// Job is the engine's view of one schedulable unit of work, handed to
// handlers when it fires and returned from listings.
type Job struct {
	ID          string
	OwnerID     int64
	HandlerKind string
	Spec        trigger.Spec
	Payload     json.RawMessage
	State       storage.JobState
	NextFireAt  time.Time // zero when disabled or firing
	CreatedAt   time.Time
}

// HandlerFunc executes one firing of a job. Errors are logged and surfaced to
// the owner; they never stop the job's next occurrence from being armed.
type HandlerFunc func(ctx context.Context, job Job) error

// Handlers maps symbolic handler kinds to live implementations. It is the
// process-startup registry that persisted records are re-bound against: a job
// reloaded from the store is callable again purely through its kind name.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{m: map[string]HandlerFunc{}}
}

// Register binds kind to fn. Later registrations for the same kind win, which
// lets tests stub out built-ins.
func (h *Handlers) Register(kind string, fn HandlerFunc) {
	h.mu.Lock()
	h.m[kind] = fn
	h.mu.Unlock()
}

func (h *Handlers) Resolve(kind string) (HandlerFunc, bool) {
	h.mu.RLock()
	fn, ok := h.m[kind]
	h.mu.RUnlock()
	return fn, ok
}

func (h *Handlers) Known(kind string) bool {
	_, ok := h.Resolve(kind)
	return ok
}

func (h *Handlers) Kinds() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.m))
	for k := range h.m {
		out = append(out, k)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CreateRequest describes a job to create. A same-ID create atomically
// replaces the existing job (idempotent upsert).
type CreateRequest struct {
	ID          string
	OwnerID     int64
	Spec        trigger.Spec
	HandlerKind string
	Payload     json.RawMessage

	// Meta, when set, is written to the schedule registry in the same step.
	Meta *storage.ScheduleMeta
}

// ScheduleInfo is a listing row: registry metadata cross-referenced with the
// live job for state and next fire time. The registry alone never answers
// scheduling questions.
type ScheduleInfo struct {
	Meta       storage.ScheduleMeta
	State      storage.JobState
	NextFireAt time.Time
	Live       bool
}

// Snapshot is a point-in-time operational view of the engine.
type Snapshot struct {
	Jobs     int
	Pending  int
	Firing   int
	Disabled int
	Timers   int
}
