package queuegateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

var _ Gateway = (*MemoryGateway)(nil)

type memoryJob struct {
	id        string
	queueName string
	state     JobState
	message   envelope.Message
	readyAt   time.Time
}

// MemoryGateway is an in-process map-backed Gateway used by tests and by
// handoffbusctl's dry-run mode. Delayed jobs become waiting once their
// readyAt time has passed; Enqueue/FindJobs self-promote lazily rather than
// running a background timer, since there is no real network boundary to
// hide the latency behind.
type MemoryGateway struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob
	nextID int
	logger *slog.Logger
}

// NewMemoryGateway creates an empty MemoryGateway. logger may be nil.
func NewMemoryGateway(logger *slog.Logger) *MemoryGateway {
	return &MemoryGateway{jobs: make(map[string]*memoryJob), logger: logger}
}

func (g *MemoryGateway) Enqueue(ctx context.Context, queueName string, msg envelope.Message, opts EnqueueOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	job := &memoryJob{
		id:        fmt.Sprintf("mem-%d", g.nextID),
		queueName: queueName,
		message:   msg,
		state:     StateWaiting,
	}
	if opts.DelayMs > 0 {
		job.state = StateDelayed
		job.readyAt = time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond)
	}
	g.jobs[job.id] = job
	return nil
}

func (g *MemoryGateway) EnqueueMany(ctx context.Context, items []QueueItem) error {
	for _, item := range items {
		if err := g.Enqueue(ctx, item.QueueName, item.Message, item.Options); err != nil {
			return err
		}
	}
	return nil
}

func (g *MemoryGateway) FindJobs(ctx context.Context, predicate Predicate, states []JobState) ([]Job, error) {
	if len(states) == 0 {
		states = DefaultScanStates
	}
	wanted := make(map[JobState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.promoteDueLocked()

	var out []Job
	for _, job := range g.jobs {
		if !wanted[job.state] {
			continue
		}
		if predicate != nil && !predicate(job.message) {
			continue
		}
		out = append(out, Job{QueueName: job.queueName, State: job.state, Message: job.message})
	}
	return out, nil
}

func (g *MemoryGateway) RemoveJobs(ctx context.Context, jobs []Job) ([]Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []Job
	for _, target := range jobs {
		found := ""
		for id, job := range g.jobs {
			if job.message.ID == target.Message.ID && job.queueName == target.QueueName {
				found = id
				break
			}
		}
		if found == "" {
			if g.logger != nil {
				g.logger.Warn("remove job: not found", "message_id", target.Message.ID, "queue", target.QueueName)
			}
			continue
		}
		delete(g.jobs, found)
		removed = append(removed, target)
	}
	return removed, nil
}

func (g *MemoryGateway) Dequeue(ctx context.Context, queueName string) (Job, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.promoteDueLocked()

	for _, job := range g.jobs {
		if job.queueName == queueName && job.state == StateWaiting {
			job.state = StateActive
			return Job{QueueName: job.queueName, State: job.state, Message: job.message}, true, nil
		}
	}
	return Job{}, false, nil
}

// Complete removes only the claimed active instance matching (queueName,
// messageID, attempt). A retry re-enqueues the same message id into
// StateWaiting or StateDelayed before the finished attempt's Complete runs,
// so restricting the match to StateActive (and the exact attempt) keeps the
// retry's own map entry untouched.
func (g *MemoryGateway) Complete(ctx context.Context, queueName string, messageID string, attempt int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, job := range g.jobs {
		if job.queueName == queueName && job.message.ID == messageID && job.message.Attempt == attempt && job.state == StateActive {
			delete(g.jobs, id)
			return nil
		}
	}
	return nil
}

func (g *MemoryGateway) promoteDueLocked() {
	now := time.Now()
	for _, job := range g.jobs {
		if job.state == StateDelayed && !job.readyAt.After(now) {
			job.state = StateWaiting
		}
	}
}
