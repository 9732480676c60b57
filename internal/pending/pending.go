// Package pending implements the synchronous rendezvous table: an id-keyed
// wait-for-completion-or-timeout primitive used by EnqueueAndWait callers,
// grounded on the teacher's internal/coordinator/waiter.go (bus-event-driven
// completion tracking), adapted here to a channel-based single-use signal
// per id instead of a shared event bus subscription.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// ErrAlreadyWaiting is returned by WaitFor when a second waiter registers on
// an id that already has one outstanding.
var ErrAlreadyWaiting = errors.New("pending: a waiter is already registered for this id")

// ErrTimeout is the error a waiter sees when its deadline elapses before the
// entry is resolved, rejected, or canceled.
var ErrTimeout = errors.New("pending: timed out waiting for result")

// Options configure a single WaitFor call.
type Options struct {
	// TimeoutMs, if positive, auto-rejects the wait with ErrTimeout after
	// that many milliseconds.
	TimeoutMs int64
	// OnEvent, if set, receives events Published against this id while the
	// wait is outstanding.
	OnEvent func(event any)
}

type entry struct {
	done    chan struct{}
	onEvent func(event any)
	result  envelope.ProcessResult
	err     error
	timer   *time.Timer
}

// Table is the id-keyed rendezvous table. Zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// WaitFor registers a waiter for id and blocks until Resolve, Reject, or
// Cancel is called for it, the context is canceled, or opts.TimeoutMs
// elapses. A second concurrent WaitFor on the same id returns
// ErrAlreadyWaiting without registering.
func (t *Table) WaitFor(ctx context.Context, id string, opts Options) (envelope.ProcessResult, error) {
	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		return envelope.ProcessResult{}, ErrAlreadyWaiting
	}
	e := &entry{done: make(chan struct{}), onEvent: opts.OnEvent}
	if opts.TimeoutMs > 0 {
		e.timer = time.AfterFunc(time.Duration(opts.TimeoutMs)*time.Millisecond, func() {
			t.finalize(id, envelope.ProcessResult{}, ErrTimeout)
		})
	}
	t.entries[id] = e
	t.mu.Unlock()

	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		t.finalize(id, envelope.ProcessResult{}, ctx.Err())
		<-e.done
		return e.result, e.err
	}
}

// Resolve finalizes the waiter for id with result and no error. A no-op if
// no waiter is registered for id.
func (t *Table) Resolve(id string, result envelope.ProcessResult) {
	t.finalize(id, result, nil)
}

// Reject finalizes the waiter for id with err. A no-op if no waiter is
// registered for id.
func (t *Table) Reject(id string, err error) {
	t.finalize(id, envelope.ProcessResult{}, err)
}

// Cancel finalizes the waiter for id with a terminal canceled result, for
// cross-instance stop commands that target a synchronous caller.
func (t *Table) Cancel(id string, reason string) {
	t.finalize(id, envelope.Canceled(reason), nil)
}

// Publish forwards event to the waiter's OnEvent callback, if one was given
// and a waiter is still registered for id. It never blocks the publisher.
func (t *Table) Publish(id string, event any) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok || e.onEvent == nil {
		return
	}
	e.onEvent(event)
}

// Len reports the number of outstanding waiters, for diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) finalize(id string, result envelope.ProcessResult, err error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.result = result
	e.err = err
	close(e.done)
}
