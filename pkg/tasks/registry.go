package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/elara/pkg/errorsx"
)

// ErrNotFound is returned when no task is registered under a name.
var ErrNotFound = errors.New("task not found")

// Task is a cancellable unit of work. It must return promptly after its
// context is cancelled.
type Task func(ctx context.Context) error

// Outcome describes how a task run ended.
type Outcome struct {
	RunID     string
	Err       error
	Cancelled bool
}

type entry struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	result Outcome
}

// Registry tracks named background tasks. Starting a name that is already
// running cancels the old run and waits for it to finish before the new one
// starts, so at most one run per name is ever live.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*entry
	finished map[string]Outcome
	parent   context.Context
	log      *slog.Logger
	closed   bool
}

func NewRegistry(parent context.Context, log *slog.Logger) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		tasks:    make(map[string]*entry),
		finished: make(map[string]Outcome),
		parent:   parent,
		log:      log,
	}
}

// Start launches fn under name, replacing any previous run. The previous run
// is cancelled and fully finished before fn begins. Returns the run ID.
func (r *Registry) Start(name string, fn Task) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New("registry closed")
	}
	prev := r.tasks[name]
	ctx, cancel := context.WithCancel(r.parent)
	e := &entry{
		runID:  uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.tasks[name] = e
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go r.run(ctx, name, e, fn)
	return e.runID, nil
}

func (r *Registry) run(ctx context.Context, name string, e *entry, fn Task) {
	err := fn(ctx)
	cancelled := errors.Is(err, context.Canceled) || ctx.Err() != nil
	if cancelled && err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTaskCancelled)
	}
	e.result = Outcome{RunID: e.runID, Err: err, Cancelled: cancelled}

	r.mu.Lock()
	if cur := r.tasks[name]; cur == e {
		delete(r.tasks, name)
		r.finished[name] = e.result
	}
	r.mu.Unlock()
	close(e.done)

	if err != nil && !cancelled {
		r.log.Error("task failed", "task", name, "run_id", e.runID, "error", err)
	}
}

// Cancel stops the task registered under name and waits for it to finish.
func (r *Registry) Cancel(name string) error {
	r.mu.Lock()
	e := r.tasks[name]
	r.mu.Unlock()
	if e == nil {
		return ErrNotFound
	}
	e.cancel()
	<-e.done
	return nil
}

// CancelAll stops every registered task and returns once all have finished.
// Safe to call repeatedly.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// Await blocks until the latest run under name finishes and returns its
// outcome. The outcome is consumed; a second Await without a new Start
// returns ErrNotFound.
func (r *Registry) Await(name string) (Outcome, error) {
	r.mu.Lock()
	e := r.tasks[name]
	if e == nil {
		out, ok := r.finished[name]
		if ok {
			delete(r.finished, name)
		}
		r.mu.Unlock()
		if !ok {
			return Outcome{}, ErrNotFound
		}
		return out, nil
	}
	r.mu.Unlock()

	<-e.done
	r.mu.Lock()
	if out, ok := r.finished[name]; ok && out.RunID == e.runID {
		delete(r.finished, name)
	}
	r.mu.Unlock()
	return e.result, nil
}

// Running reports whether a task is currently live under name.
func (r *Registry) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[name] != nil
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Close cancels everything, rejects further starts and logs failures nobody
// awaited.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.CancelAll()

	r.mu.Lock()
	for name, out := range r.finished {
		if out.Err != nil && !out.Cancelled {
			r.log.Warn("unawaited task failure", "task", name, "run_id", out.RunID, "error", out.Err)
		}
	}
	r.finished = make(map[string]Outcome)
	r.mu.Unlock()
}
