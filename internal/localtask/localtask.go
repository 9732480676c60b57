// Package localtask is a process-local id->closure map allowing a queued
// message to reference in-memory work that cannot itself cross the queue
// backend (a callback, an open channel, a not-yet-serializable value).
package localtask

import (
	"sync"

	"github.com/google/uuid"
	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// Context is passed to a task closure on Take-and-invoke.
type Context struct {
	Done <-chan struct{}
	Emit func(event any)
}

// Task is a closure a local task reference resolves to. It may return a
// ProcessResult directly (short-circuiting normal processor dispatch) or
// nil to indicate normal processing should continue.
type Task func(ctx Context) (*envelope.ProcessResult, error)

// Registry is a single-writer-per-entry map guarded by a leaf mutex, the
// same discipline the dispatcher's abort-controller registry uses.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register stores task under a fresh random id and returns it.
func (r *Registry) Register(task Task) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.tasks[id] = task
	r.mu.Unlock()
	return id
}

// Take atomically removes and returns the task registered under id. The
// second return value is false if no task was registered (already taken,
// never registered, or removed).
func (r *Registry) Take(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	return task, ok
}

// Remove deletes the entry for id. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Clear empties the registry. Called on process shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]Task)
}

// Len reports the number of pending tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ResolveMissing builds the dead result mandated for a message carrying a
// taskId whose closure is missing at execution time.
func ResolveMissing(taskID string) envelope.ProcessResult {
	return envelope.Dead("Local task not found: " + taskID)
}
