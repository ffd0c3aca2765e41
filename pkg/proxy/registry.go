package proxy

import (
	"context"
	"sync"
	"time"
)

// Task is one in-flight dispatch registered under its fingerprint so that
// identical requests can coalesce onto it.
type Task struct {
	fp        uint64
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Wait blocks until the task completes, ctx is cancelled, or the timeout
// elapses; it reports whether the task actually finished.
func (t *Task) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Registry maps fingerprints to running dispatches. At most one task per
// fingerprint: later arrivals either coalesce onto the running one or, if
// registration loses a race, dispatch on their own anyway.
type Registry struct {
	mu     sync.Mutex
	tasks  map[uint64]*Task
	maxAge time.Duration
}

func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Registry{tasks: make(map[uint64]*Task), maxAge: maxAge}
}

// Begin registers a task for fp unless one is already running; it returns
// the registered (or pre-existing) task and whether this caller owns it.
func (r *Registry) Begin(fp uint64, cancel context.CancelFunc, now time.Time) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tasks[fp]; ok && !existing.Done() {
		return existing, false
	}
	t := &Task{fp: fp, startedAt: now, cancel: cancel, done: make(chan struct{})}
	r.tasks[fp] = t
	return t, true
}

// Lookup returns the running task for fp, if any.
func (r *Registry) Lookup(fp uint64) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[fp]
	if !ok || t.Done() {
		return nil, false
	}
	return t, true
}

// Finish marks the task complete and releases its slot.
func (r *Registry) Finish(t *Task) {
	if t == nil {
		return
	}
	close(t.done)
	r.mu.Lock()
	if cur, ok := r.tasks[t.fp]; ok && cur == t {
		delete(r.tasks, t.fp)
	}
	r.mu.Unlock()
}

// SweepCompleted drops slots whose tasks already finished.
func (r *Registry) SweepCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for fp, t := range r.tasks {
		if t.Done() {
			delete(r.tasks, fp)
			removed++
		}
	}
	return removed
}

// SweepLongRunning cancels and drops tasks older than the registry's max
// age. Abandoned detached dispatches die here.
func (r *Registry) SweepLongRunning(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := 0
	for fp, t := range r.tasks {
		if now.Sub(t.startedAt) <= r.maxAge {
			continue
		}
		if t.cancel != nil {
			t.cancel()
		}
		delete(r.tasks, fp)
		cancelled++
	}
	return cancelled
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
