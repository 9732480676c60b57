// Package stopcmd implements the Stop Command: given a set of message or
// execution ids, find every matching job across every queue state, remove
// the ones still queued, abort the ones actively running, and release any
// local task closures and pending waiters along the way. Grounded on the
// teacher's internal/engine/engine.go AbortTask plus
// internal/agent/registry.go's find-then-abort pattern, generalized from a
// single in-memory task map to a durable multi-queue scan.
package stopcmd

import (
	"context"
	"log/slog"

	"github.com/xpert-ai/handoffbus/internal/cancel"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/localtask"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
)

// Summary reports the outcome of a Stop call.
type Summary struct {
	Requested []string
	Matched   []string
	Removed   []string
	Aborted   []string
	NotFound  []string
}

// Command stops in-flight or queued work by message id or execution id.
type Command struct {
	logger   *slog.Logger
	gateway  queuegateway.Gateway
	cancel   *cancel.Service
	pending  *pending.Table
	localTask *localtask.Registry
}

// New creates a Command. localTaskRegistry may be nil if this deployment
// never registers local task closures.
func New(logger *slog.Logger, gateway queuegateway.Gateway, cancelSvc *cancel.Service, pendingTable *pending.Table, localTaskRegistry *localtask.Registry) *Command {
	return &Command{logger: logger, gateway: gateway, cancel: cancelSvc, pending: pendingTable, localTask: localTaskRegistry}
}

// Stop locates every job whose message id or payload executionId is in ids,
// removes the ones still queued, and cancels the ones active. reason is
// passed through to the Cancel Service and stamped on every pending waiter.
func (c *Command) Stop(ctx context.Context, ids []string, reason string) (Summary, error) {
	requested := dedupe(ids)
	wanted := make(map[string]bool, len(requested))
	for _, id := range requested {
		wanted[id] = true
	}

	predicate := func(msg envelope.Message) bool {
		if wanted[msg.ID] {
			return true
		}
		if executionID, ok := msg.ExecutionID(); ok && wanted[executionID] {
			return true
		}
		return false
	}

	jobs, err := c.gateway.FindJobs(ctx, predicate, nil)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Requested: requested}
	matchedSet := make(map[string]bool)

	var queued []queuegateway.Job
	var active []queuegateway.Job
	for _, job := range jobs {
		matchedSet[job.Message.ID] = true
		if job.State == queuegateway.StateActive {
			active = append(active, job)
		} else {
			queued = append(queued, job)
		}
	}

	if len(queued) > 0 {
		removed, err := c.gateway.RemoveJobs(ctx, queued)
		if err != nil && c.logger != nil {
			c.logger.Error("stop: remove queued jobs failed", "error", err)
		}
		for _, job := range removed {
			summary.Removed = append(summary.Removed, job.Message.ID)
			c.releaseLocalTask(job.Message)
		}
	}

	if len(active) > 0 {
		activeIDs := make([]string, len(active))
		for i, job := range active {
			activeIDs[i] = job.Message.ID
			c.releaseLocalTask(job.Message)
		}
		summary.Aborted = c.cancel.CancelMessages(ctx, activeIDs, reason)
	}

	for id := range matchedSet {
		summary.Matched = append(summary.Matched, id)
		if c.pending != nil {
			c.pending.Cancel(id, reason)
		}
	}

	for _, id := range requested {
		if !matchedSet[id] {
			summary.NotFound = append(summary.NotFound, id)
		}
	}

	return summary, nil
}

func (c *Command) releaseLocalTask(msg envelope.Message) {
	if c.localTask == nil {
		return
	}
	if taskID, ok := msg.TaskID(); ok {
		c.localTask.Remove(taskID)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
