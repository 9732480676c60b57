// Package redisqueue is a BullMQ-shaped Gateway adapter over Redis. Each
// queue alias owns a key namespace holding a waiting list, a delayed
// sorted set keyed by ready-timestamp, an active set, and a job hash per
// id, mirroring the External Interfaces contract: add(jobName, payload,
// {delay, removeOnComplete, removeOnFail}), getJobs(states, 0, -1, true),
// job.remove().
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
)

const keyPrefix = "handoffbus"

var _ queuegateway.Gateway = (*Gateway)(nil)

// Gateway is the Redis-backed queuegateway.Gateway implementation. Each
// queue's calls are wrapped in their own circuit breaker so a failing Redis
// instance degrades to fast rejection instead of blocking producers.
type Gateway struct {
	client     *redis.Client
	logger     *slog.Logger
	queueNames []string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New wraps an existing Redis client, scoped to queueNames (the backend
// queue names FindJobs scans across). logger may be nil.
func New(client *redis.Client, queueNames []string, logger *slog.Logger) *Gateway {
	return &Gateway{client: client, logger: logger, queueNames: queueNames, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (g *Gateway) breaker(queueName string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[queueName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "handoffbus-queue-" + queueName,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	g.breakers[queueName] = b
	return b
}

func waitingKey(queueName string) string { return fmt.Sprintf("%s:%s:waiting", keyPrefix, queueName) }
func delayedKey(queueName string) string { return fmt.Sprintf("%s:%s:delayed", keyPrefix, queueName) }
func activeKey(queueName string) string  { return fmt.Sprintf("%s:%s:active", keyPrefix, queueName) }
func jobKey(queueName, instanceID string) string {
	return fmt.Sprintf("%s:%s:job:%s", keyPrefix, queueName, instanceID)
}

// instanceID identifies one attempt of a message. A retry keeps the same
// message id but carries a higher attempt, so folding the attempt into the
// list member and hash key keeps a re-enqueued retry from colliding with
// (and being destroyed by) the finished attempt's Complete call.
func instanceID(messageID string, attempt int) string {
	return fmt.Sprintf("%s:%d", messageID, attempt)
}

// Enqueue appends a job to queueName, landing it in the delayed sorted set
// if opts.DelayMs > 0, otherwise directly in the waiting list.
func (g *Gateway) Enqueue(ctx context.Context, queueName string, msg envelope.Message, opts queuegateway.EnqueueOptions) error {
	_, err := g.breaker(queueName).Execute(func() (any, error) {
		return nil, g.enqueue(ctx, queueName, msg, opts)
	})
	return err
}

func (g *Gateway) enqueue(ctx context.Context, queueName string, msg envelope.Message, opts queuegateway.EnqueueOptions) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	id := instanceID(msg.ID, msg.Attempt)
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, jobKey(queueName, id), payload, 0)
	if opts.DelayMs > 0 {
		readyAt := float64(time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond).UnixMilli())
		pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{Score: readyAt, Member: id})
	} else {
		pipe.LPush(ctx, waitingKey(queueName), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueueMany enqueues items sequentially, preserving order.
func (g *Gateway) EnqueueMany(ctx context.Context, items []queuegateway.QueueItem) error {
	for _, item := range items {
		if err := g.Enqueue(ctx, item.QueueName, item.Message, item.Options); err != nil {
			return err
		}
	}
	return nil
}

// PromoteDue moves delayed jobs whose ready-timestamp has passed into the
// waiting list for every queue this Gateway was constructed with. Intended
// to run periodically from a background goroutine started by the daemon.
func (g *Gateway) PromoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	for _, queueName := range g.queueNames {
		ids, err := g.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", now),
		}).Result()
		if err != nil {
			return fmt.Errorf("scan delayed jobs for %s: %w", queueName, err)
		}
		for _, id := range ids {
			pipe := g.client.TxPipeline()
			pipe.ZRem(ctx, delayedKey(queueName), id)
			pipe.LPush(ctx, waitingKey(queueName), id)
			if _, err := pipe.Exec(ctx); err != nil {
				if g.logger != nil {
					g.logger.Error("promote delayed job failed", "queue", queueName, "job_id", id, "error", err)
				}
			}
		}
	}
	return nil
}

// FindJobs scans every configured queue in the given states
// (DefaultScanStates if empty) and returns matches satisfying predicate.
func (g *Gateway) FindJobs(ctx context.Context, predicate queuegateway.Predicate, states []queuegateway.JobState) ([]queuegateway.Job, error) {
	if len(states) == 0 {
		states = queuegateway.DefaultScanStates
	}

	var out []queuegateway.Job
	for _, queueName := range g.queueNames {
		for _, state := range states {
			ids, err := g.idsForState(ctx, queueName, state)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				raw, err := g.client.Get(ctx, jobKey(queueName, id)).Bytes()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("load job %s: %w", id, err)
				}
				var msg envelope.Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					if g.logger != nil {
						g.logger.Warn("skipping malformed job payload", "queue", queueName, "job_id", id, "error", err)
					}
					continue
				}
				if predicate != nil && !predicate(msg) {
					continue
				}
				out = append(out, queuegateway.Job{QueueName: queueName, State: state, Message: msg})
			}
		}
	}
	return out, nil
}

func (g *Gateway) idsForState(ctx context.Context, queueName string, state queuegateway.JobState) ([]string, error) {
	switch state {
	case queuegateway.StateWaiting, queuegateway.StatePaused:
		return g.client.LRange(ctx, waitingKey(queueName), 0, -1).Result()
	case queuegateway.StateDelayed:
		return g.client.ZRange(ctx, delayedKey(queueName), 0, -1).Result()
	case queuegateway.StateActive:
		return g.client.LRange(ctx, activeKey(queueName), 0, -1).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
}

// Dequeue atomically moves one job id from the waiting list to the active
// list via RPopLPush and loads its payload. ok is false if the waiting list
// is empty.
func (g *Gateway) Dequeue(ctx context.Context, queueName string) (queuegateway.Job, bool, error) {
	id, err := g.client.RPopLPush(ctx, waitingKey(queueName), activeKey(queueName)).Result()
	if err == redis.Nil {
		return queuegateway.Job{}, false, nil
	}
	if err != nil {
		return queuegateway.Job{}, false, fmt.Errorf("dequeue from %s: %w", queueName, err)
	}

	raw, err := g.client.Get(ctx, jobKey(queueName, id)).Bytes()
	if err != nil {
		return queuegateway.Job{}, false, fmt.Errorf("load dequeued job %s: %w", id, err)
	}
	var msg envelope.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return queuegateway.Job{}, false, fmt.Errorf("unmarshal dequeued job %s: %w", id, err)
	}
	return queuegateway.Job{QueueName: queueName, State: queuegateway.StateActive, Message: msg}, true, nil
}

// Complete removes the finished attempt's hash and active-list membership.
// It targets only that attempt's instance key, so a retry already
// re-enqueued under the same message id (a fresh instance key, since its
// attempt differs) is untouched.
func (g *Gateway) Complete(ctx context.Context, queueName string, messageID string, attempt int) error {
	id := instanceID(messageID, attempt)
	pipe := g.client.TxPipeline()
	pipe.Del(ctx, jobKey(queueName, id))
	pipe.LRem(ctx, activeKey(queueName), 0, id)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveJobs deletes each job's hash and list/set membership. Failures per
// job are logged and skipped, never aborting the batch.
func (g *Gateway) RemoveJobs(ctx context.Context, jobs []queuegateway.Job) ([]queuegateway.Job, error) {
	var removed []queuegateway.Job
	for _, job := range jobs {
		if err := g.removeOne(ctx, job); err != nil {
			if g.logger != nil {
				g.logger.Warn("remove job failed", "queue", job.QueueName, "message_id", job.Message.ID, "error", err)
			}
			continue
		}
		removed = append(removed, job)
	}
	return removed, nil
}

func (g *Gateway) removeOne(ctx context.Context, job queuegateway.Job) error {
	id := instanceID(job.Message.ID, job.Message.Attempt)
	pipe := g.client.TxPipeline()
	pipe.Del(ctx, jobKey(job.QueueName, id))
	pipe.LRem(ctx, waitingKey(job.QueueName), 0, id)
	pipe.ZRem(ctx, delayedKey(job.QueueName), id)
	pipe.LRem(ctx, activeKey(job.QueueName), 0, id)
	_, err := pipe.Exec(ctx)
	return err
}
