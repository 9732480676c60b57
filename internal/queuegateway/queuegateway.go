// Package queuegateway abstracts the durable multi-queue backend: enqueue,
// scan-by-state, and remove. Two implementations ship: an in-process
// MemoryGateway for tests and dry-run, and redisqueue.Gateway, a
// BullMQ-shaped adapter over Redis.
package queuegateway

import (
	"context"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// JobState mirrors BullMQ's job-state vocabulary; this is the backend's own
// terminology, not a concept native to this bus.
type JobState string

const (
	StateWaiting JobState = "waiting"
	StateDelayed JobState = "delayed"
	StatePaused  JobState = "paused"
	StateActive  JobState = "active"
)

// DefaultScanStates is the state set findJobs scans by default.
var DefaultScanStates = []JobState{StateWaiting, StateDelayed, StatePaused, StateActive}

// EnqueueOptions controls how a single enqueue call behaves.
type EnqueueOptions struct {
	DelayMs int64
}

// Job is a queued message plus the metadata needed to find and remove it
// again later.
type Job struct {
	QueueName string
	State     JobState
	Message   envelope.Message
}

// Predicate decides whether a scanned job matches a search (used by the
// Stop command to find jobs by message id or execution id).
type Predicate func(msg envelope.Message) bool

// Gateway is the abstract multi-queue backend contract.
type Gateway interface {
	// Enqueue appends a job tagged with the dispatch job name;
	// removeOnComplete=true, removeOnFail=false are implicit.
	Enqueue(ctx context.Context, queueName string, msg envelope.Message, opts EnqueueOptions) error

	// EnqueueMany enqueues items sequentially, preserving array order.
	EnqueueMany(ctx context.Context, items []QueueItem) error

	// FindJobs scans all queues in the given states (DefaultScanStates if
	// states is empty) and returns matches satisfying predicate.
	FindJobs(ctx context.Context, predicate Predicate, states []JobState) ([]Job, error)

	// RemoveJobs attempts to remove each given job. Failures per job are
	// logged and skipped, never aborting the batch; the return value lists
	// only the jobs successfully removed.
	RemoveJobs(ctx context.Context, jobs []Job) ([]Job, error)

	// Dequeue atomically claims one waiting job on queueName, transitioning
	// it to active, for a worker to process. ok is false if none is ready;
	// delayed jobs past their ready time are promoted to waiting first.
	Dequeue(ctx context.Context, queueName string) (job Job, ok bool, err error)

	// Complete removes the specific (messageID, attempt) instance a worker
	// just finished processing, mirroring the backend's
	// removeOnComplete/removeOnFail behavior. It must never remove a
	// different attempt of the same message id — a retry re-enqueued under
	// the same id before Complete runs (the deferred-cleanup ordering in the
	// queue processor) has to survive.
	Complete(ctx context.Context, queueName string, messageID string, attempt int) error
}

// QueueItem pairs a message with its target queue and delay for batched
// enqueue calls.
type QueueItem struct {
	QueueName string
	Message   envelope.Message
	Options   EnqueueOptions
}
