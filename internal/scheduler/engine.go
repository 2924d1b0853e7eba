package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sidekick/internal/runtime/supervisor"
	"sidekick/internal/storage"
	"sidekick/internal/trigger"

	logx "sidekick/pkg/logx"
)

// NotifyFunc surfaces a handler failure to the owner's chat. Best effort:
// notification errors are logged and dropped.
type NotifyFunc func(ctx context.Context, chatID int64, text string) error

// Engine owns the in-memory timer wheel over the durable job store.
//
// One timer per Pending job. Firing moves the job through
// Pending -> Firing -> (Pending | Disabled); every transition is mirrored to
// the store before the next one starts. All mutation happens under one mutex;
// stale timer callbacks are fenced out by a per-job generation counter, so a
// replace or cancel can never race a fire into running the old job.
type Engine struct {
	store    *storage.Store
	handlers *Handlers
	log      logx.Logger
	notify   NotifyFunc
	now      func() time.Time

	mu      sync.Mutex
	started bool
	jobs    map[string]storage.JobRecord
	timers  map[string]*time.Timer
	gen     map[string]uint64

	sup *supervisor.Supervisor
}

type EngineOption func(*Engine)

// WithNotify installs the owner-facing failure channel.
func WithNotify(fn NotifyFunc) EngineOption {
	return func(e *Engine) { e.notify = fn }
}

// WithClock overrides the engine clock. Tests only.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func New(store *storage.Store, handlers *Handlers, log logx.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		handlers: handlers,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      time.Now,
		jobs:     map[string]storage.JobRecord{},
		timers:   map[string]*time.Timer{},
		gen:      map[string]uint64{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start restores persisted jobs and arms timers. Occurrences missed while the
// process was down are skipped: every surviving job gets a fresh next fire
// computed from now, never a burst of catch-up runs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))

	recs, err := e.store.LoadJobs(ctx, e.handlers.Known)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	now := e.now()
	var armed, dormant int
	for _, rec := range recs {
		e.gen[rec.ID]++
		if rec.State == storage.JobDisabled {
			rec.NextFireAt = nil
			e.jobs[rec.ID] = rec
			dormant++
			continue
		}
		// Pending and interrupted-Firing records alike resume from a clean
		// next occurrence.
		next, ok := rec.Spec.NextAfter(now)
		if ok {
			rec.State = storage.JobPending
			rec.NextFireAt = &next
		} else {
			rec.State = storage.JobDisabled
			rec.NextFireAt = nil
		}
		if err := e.store.PutJob(ctx, rec); err != nil {
			return fmt.Errorf("restore job %s: %w", rec.ID, err)
		}
		e.jobs[rec.ID] = rec
		if ok {
			e.armLocked(rec.ID, next)
			armed++
		} else {
			dormant++
		}
	}

	e.started = true
	e.log.Info("scheduler started",
		logx.Int("armed", armed),
		logx.Int("dormant", dormant),
		logx.Any("kinds", e.handlers.Kinds()))
	return nil
}

// Stop disarms all timers and waits for in-flight handlers to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	sup := e.sup
	e.mu.Unlock()
	return sup.Stop(ctx)
}

// Create persists and arms a job. Creating with an existing id atomically
// replaces the old job: the previous timer is disarmed and any fire already
// in flight cannot re-arm the old schedule.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Job, error) {
	if req.ID == "" {
		return Job{}, fmt.Errorf("scheduler: empty job id")
	}
	if !e.handlers.Known(req.HandlerKind) {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownHandler, req.HandlerKind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return Job{}, ErrNotStarted
	}

	now := e.now()
	rec := storage.JobRecord{
		ID:          req.ID,
		OwnerID:     req.OwnerID,
		HandlerKind: req.HandlerKind,
		Spec:        req.Spec,
		Payload:     req.Payload,
		State:       storage.JobPending,
		CreatedAt:   now,
	}

	next, ok := rec.Spec.NextAfter(now)
	if !ok && rec.Spec.Kind == trigger.KindAt && !rec.Spec.At.After(now) {
		// A fixed instant already in the past still gets its one run,
		// immediately, instead of being born dead.
		next, ok = now, true
	}
	if ok {
		rec.NextFireAt = &next
	} else {
		rec.State = storage.JobDisabled
	}

	if err := e.store.PutJob(ctx, rec); err != nil {
		return Job{}, fmt.Errorf("persist job %s: %w", rec.ID, err)
	}
	if req.Meta != nil {
		m := *req.Meta
		m.JobID = rec.ID
		m.OwnerID = rec.OwnerID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if err := e.store.PutScheduleMeta(ctx, m); err != nil {
			return Job{}, fmt.Errorf("persist schedule meta %s: %w", rec.ID, err)
		}
	}

	// Fence out the previous incarnation, then swap in the new one.
	e.gen[rec.ID]++
	if t := e.timers[rec.ID]; t != nil {
		t.Stop()
		delete(e.timers, rec.ID)
	}
	e.jobs[rec.ID] = rec
	if ok {
		e.armLocked(rec.ID, next)
	}

	e.log.Info("job scheduled",
		logx.String("job", rec.ID),
		logx.Int64("owner", rec.OwnerID),
		logx.String("kind", rec.HandlerKind),
		logx.String("spec", rec.Spec.String()),
		logx.Bool("armed", ok))
	return e.viewLocked(rec), nil
}

// Remove deletes a job and its registry entry. Idempotent: removing an
// unknown id reports false with no error.
func (e *Engine) Remove(ctx context.Context, jobID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, live := e.jobs[jobID]
	e.gen[jobID]++
	if t := e.timers[jobID]; t != nil {
		t.Stop()
		delete(e.timers, jobID)
	}
	delete(e.jobs, jobID)

	// Store writes stay inside the lock: a same-id Create serialized behind
	// us must never have its freshly persisted record erased by this delete.
	stored, err := e.store.RemoveJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", jobID, err)
	}
	if _, err := e.store.DeleteScheduleMeta(ctx, jobID); err != nil {
		return false, fmt.Errorf("remove schedule meta %s: %w", jobID, err)
	}
	if live || stored {
		e.log.Info("job removed", logx.String("job", jobID))
	}
	return live || stored, nil
}

// Cancel is the owner-facing remove: the job must exist and belong to the
// caller.
func (e *Engine) Cancel(ctx context.Context, jobID string, ownerID int64) error {
	e.mu.Lock()
	rec, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if rec.OwnerID != ownerID {
		return ErrNotOwner
	}
	_, err := e.Remove(ctx, jobID)
	return err
}

// Get returns the live view of one job.
func (e *Engine) Get(jobID string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return e.viewLocked(rec), true
}

// List returns the owner's schedules, oldest first, with live state and next
// fire time joined in from the engine.
func (e *Engine) List(ctx context.Context, ownerID int64) ([]ScheduleInfo, error) {
	metas, err := e.store.ListSchedulesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(metas))
	for _, m := range metas {
		info := ScheduleInfo{Meta: m}
		if rec, ok := e.jobs[m.JobID]; ok {
			info.Live = true
			info.State = rec.State
			if rec.NextFireAt != nil {
				info.NextFireAt = *rec.NextFireAt
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{Jobs: len(e.jobs), Timers: len(e.timers)}
	for _, rec := range e.jobs {
		switch rec.State {
		case storage.JobPending:
			s.Pending++
		case storage.JobFiring:
			s.Firing++
		case storage.JobDisabled:
			s.Disabled++
		}
	}
	return s
}

func (e *Engine) viewLocked(rec storage.JobRecord) Job {
	j := Job{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		HandlerKind: rec.HandlerKind,
		Spec:        rec.Spec,
		Payload:     rec.Payload,
		State:       rec.State,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.NextFireAt != nil {
		j.NextFireAt = *rec.NextFireAt
	}
	return j
}

func (e *Engine) armLocked(jobID string, at time.Time) {
	g := e.gen[jobID]
	d := at.Sub(e.now())
	if d < 0 {
		d = 0
	}
	e.timers[jobID] = time.AfterFunc(d, func() { e.fire(jobID, g, at) })
}

// fire is the timer callback. It claims the job under the generation fence,
// persists the Firing state, and dispatches the handler off the timer
// goroutine so a slow handler never delays other jobs.
func (e *Engine) fire(jobID string, g uint64, due time.Time) {
	e.mu.Lock()
	if !e.started || e.gen[jobID] != g {
		e.mu.Unlock()
		return
	}
	rec, ok := e.jobs[jobID]
	if !ok || rec.State != storage.JobPending {
		e.mu.Unlock()
		return
	}
	delete(e.timers, jobID)
	rec.State = storage.JobFiring
	rec.NextFireAt = nil
	e.jobs[jobID] = rec
	fn, _ := e.handlers.Resolve(rec.HandlerKind)
	sup := e.sup
	view := e.viewLocked(rec)

	// Persist before unlocking, like completed does. Written outside the
	// lock, a descheduled fire could land this stale record on top of one a
	// concurrent same-id Create just persisted.
	ctx := sup.Context()
	if err := e.store.PutJob(ctx, rec); err != nil {
		// The run still happens; the durable state is one transition behind
		// until completion rewrites it.
		e.log.Error("persist firing state", logx.String("job", jobID), logx.Err(err))
	}
	e.mu.Unlock()

	e.log.Debug("job firing", logx.String("job", jobID), logx.Time("due", due))

	sup.Go0("job."+jobID, func(ctx context.Context) {
		e.completed(ctx, jobID, g, due, runHandler(ctx, fn, view))
	})
}

func runHandler(ctx context.Context, fn HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, job.HandlerKind)
	}
	return fn(ctx, job)
}

// completed closes out one firing. The next occurrence is computed from the
// fire time, not the completion time, so long handler runs cannot drift the
// schedule. Handler errors are logged and reported to the owner but never
// stop the job from rearming.
func (e *Engine) completed(ctx context.Context, jobID string, g uint64, due time.Time, herr error) {
	if herr != nil {
		e.log.Error("job handler failed", logx.String("job", jobID), logx.Err(herr))
		e.reportFailure(ctx, jobID, herr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.gen[jobID] != g {
		// Replaced or cancelled while running; nothing left to rearm.
		return
	}
	rec, ok := e.jobs[jobID]
	if !ok {
		return
	}

	next, rearm := rec.Spec.NextAfter(due)
	if rearm {
		rec.State = storage.JobPending
		rec.NextFireAt = &next
	} else {
		rec.State = storage.JobDisabled
		rec.NextFireAt = nil
	}
	e.jobs[jobID] = rec
	if err := e.store.PutJob(ctx, rec); err != nil {
		e.log.Error("persist job after run", logx.String("job", jobID), logx.Err(err))
	}
	if rearm {
		e.armLocked(jobID, next)
		e.log.Debug("job rearmed", logx.String("job", jobID), logx.Time("next", next))
	} else {
		e.log.Info("job exhausted", logx.String("job", jobID))
	}
}

func (e *Engine) reportFailure(ctx context.Context, jobID string, herr error) {
	if e.notify == nil {
		return
	}
	meta, ok, err := e.store.GetScheduleMeta(ctx, jobID)
	if err != nil || !ok {
		return
	}
	text := fmt.Sprintf("⚠️ Scheduled task %s failed: %v", jobID, herr)
	if err := e.notify(ctx, meta.ChatID, text); err != nil {
		e.log.Warn("failure notification not delivered", logx.String("job", jobID), logx.Err(err))
	}
}
