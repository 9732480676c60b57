// Package triggers implements diff-based publish of declarative graph
// triggers and lock-guarded bootstrap recovery that replays them on
// startup. Grounded on the teacher's internal/cron/scheduler.go startup
// scan and per-item processing loop, generalized from a fixed cron table
// to a paginated external target store.
package triggers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/handoff"
	"github.com/xpert-ai/handoffbus/internal/lock"
	"github.com/xpert-ai/handoffbus/internal/policy"
)

// BootstrapMode is the per-provider directive bootstrap recovery follows.
type BootstrapMode string

const (
	ModeReplayPublish BootstrapMode = "replay_publish"
	ModeSkip          BootstrapMode = "skip"
)

// Trigger is one declarative trigger entry on a graph node.
type Trigger struct {
	Provider string
	From     string
	Config   map[string]any
	Bootstrap BootstrapDirective
}

// BootstrapDirective tunes how bootstrap recovery treats one provider.
type BootstrapDirective struct {
	Mode     BootstrapMode
	Critical bool
}

// Graph is the minimal shape triggers needs from a target's declarative
// graph: its set of trigger nodes.
type Graph struct {
	XpertID  string
	Triggers []Trigger
}

// Provider is an external trigger source a graph node can declare.
type Provider interface {
	Publish(ctx context.Context, config map[string]any, callback Callback) error
	Stop(ctx context.Context, config map[string]any) error
}

// CallbackPayload is either a direct handoff message or a re-dispatch
// request through an enqueue-trigger command.
type CallbackPayload struct {
	HandoffMessage *envelope.Message
	State          map[string]any
	From           string
	ExecutionID    string
}

// Callback is invoked by a provider when its external event fires.
type Callback func(ctx context.Context, payload CallbackPayload) error

// ProviderResolver looks up a registered Provider by name.
type ProviderResolver interface {
	Resolve(name string) (Provider, bool)
}

// TargetLister paginates the set of published targets bootstrap recovery
// replays triggers for. The web/UI's target store backing this is an
// external collaborator; only the contract lives here.
type TargetLister interface {
	// ListPublished returns up to pageSize targets starting at offset, plus
	// whether more pages remain.
	ListPublished(ctx context.Context, offset, pageSize int) (targets []Graph, hasMore bool, err error)
}

// configHash is a stable, key-sorted JSON serialization of config.
func configHash(config map[string]any) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, stableSerialize(config[k]))
	}
	raw, _ := json.Marshal(ordered)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// stableSerialize recursively sorts map keys so two semantically identical
// configs always hash the same regardless of field order.
func stableSerialize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, stableSerialize(val[k]))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stableSerialize(item)
		}
		return out
	default:
		return val
	}
}

type snapshotEntry struct {
	hash    string
	trigger Trigger
}

func snapshot(graph Graph) map[string]snapshotEntry {
	out := make(map[string]snapshotEntry, len(graph.Triggers))
	for _, t := range graph.Triggers {
		if t.From == "chat" {
			continue
		}
		out[t.Provider] = snapshotEntry{hash: configHash(t.Config), trigger: t}
	}
	return out
}

// PublishOptions restricts a publish call to a provider subset and toggles
// strict provider-resolution failure handling.
type PublishOptions struct {
	Strict    bool
	Providers map[string]bool // nil means all providers
}

// PublishResult summarizes one diff-based publish call.
type PublishResult struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
	Failed    []string
}

// Publisher runs the diff-based trigger publish algorithm against a
// resolver of registered providers.
type Publisher struct {
	logger   *slog.Logger
	resolver ProviderResolver
	handoff  *handoff.Service
	caller   policy.Caller
}

// New creates a Publisher. handoffSvc enqueues {handoffMessage} callback
// payloads directly; callers re-dispatching {state, from, executionId}
// payloads do so through their own enqueue-trigger command built on the
// same Service.
func New(logger *slog.Logger, resolver ProviderResolver, handoffSvc *handoff.Service, caller policy.Caller) *Publisher {
	return &Publisher{logger: logger, resolver: resolver, handoff: handoffSvc, caller: caller}
}

// Publish diffs previous against current (previous may be the zero Graph
// for a never-before-published target) and calls stop/publish on every
// affected provider, restricted to opts.Providers if set.
func (p *Publisher) Publish(ctx context.Context, previous, current Graph, opts PublishOptions) PublishResult {
	prevSnap := snapshot(previous)
	curSnap := snapshot(current)

	var result PublishResult
	for provider, entry := range prevSnap {
		if !p.included(opts, provider) {
			continue
		}
		if _, stillThere := curSnap[provider]; !stillThere {
			p.stop(ctx, provider, entry.trigger, opts, &result)
			result.Removed = append(result.Removed, provider)
		}
	}

	for provider, curEntry := range curSnap {
		if !p.included(opts, provider) {
			continue
		}
		prevEntry, existed := prevSnap[provider]
		switch {
		case !existed:
			if p.publish(ctx, provider, curEntry.trigger, opts, &result) {
				result.Added = append(result.Added, provider)
			}
		case prevEntry.hash != curEntry.hash:
			p.stop(ctx, provider, prevEntry.trigger, opts, &result)
			if p.publish(ctx, provider, curEntry.trigger, opts, &result) {
				result.Changed = append(result.Changed, provider)
			} else {
				// Rollback: best effort restore of the previous config.
				p.publish(ctx, provider, prevEntry.trigger, opts, &result)
			}
		default:
			result.Unchanged = append(result.Unchanged, provider)
		}
	}

	return result
}

func (p *Publisher) included(opts PublishOptions, provider string) bool {
	if opts.Providers == nil {
		return true
	}
	return opts.Providers[provider]
}

func (p *Publisher) resolve(provider string, opts PublishOptions, result *PublishResult) (Provider, bool) {
	impl, ok := p.resolver.Resolve(provider)
	if !ok {
		if opts.Strict {
			if p.logger != nil {
				p.logger.Error("triggers: unknown provider, strict mode", "provider", provider)
			}
		} else if p.logger != nil {
			p.logger.Warn("triggers: unknown provider, skipping", "provider", provider)
		}
		result.Failed = append(result.Failed, provider)
		return nil, false
	}
	return impl, true
}

func (p *Publisher) stop(ctx context.Context, provider string, trig Trigger, opts PublishOptions, result *PublishResult) {
	impl, ok := p.resolve(provider, opts, result)
	if !ok {
		return
	}
	if err := impl.Stop(ctx, trig.Config); err != nil && p.logger != nil {
		p.logger.Error("triggers: stop failed", "provider", provider, "error", err)
	}
}

func (p *Publisher) publish(ctx context.Context, provider string, trig Trigger, opts PublishOptions, result *PublishResult) bool {
	impl, ok := p.resolve(provider, opts, result)
	if !ok {
		return false
	}
	err := impl.Publish(ctx, trig.Config, p.callback(ctx))
	if err != nil {
		if p.logger != nil {
			p.logger.Error("triggers: publish failed", "provider", provider, "error", err)
		}
		result.Failed = append(result.Failed, provider)
		return false
	}
	return true
}

func (p *Publisher) callback(_ context.Context) Callback {
	return func(ctx context.Context, payload CallbackPayload) error {
		if payload.HandoffMessage != nil {
			_, err := p.handoff.Enqueue(ctx, p.caller, *payload.HandoffMessage, handoff.EnqueueOptions{})
			return err
		}
		msg := envelope.Message{
			Type:    "trigger.dispatch.v1",
			Payload: map[string]any{"state": payload.State, "from": payload.From},
		}
		if payload.ExecutionID != "" {
			msg.Payload[envelope.PayloadExecutionID] = payload.ExecutionID
		}
		_, err := p.handoff.Enqueue(ctx, p.caller, msg, handoff.EnqueueOptions{})
		return err
	}
}

// BootstrapSummary aggregates the outcome of one bootstrap recovery pass.
type BootstrapSummary struct {
	Scanned  int
	Replayed int
	Skipped  int
	Failed   int
}

const pageSize = 50
const lockTTL = 10 * time.Second

// Bootstrap scans every published target in pages, and for each provider
// whose bootstrap directive is replay_publish, acquires a per-target lock
// and replays a non-strict publish against the current graph alone
// (previous is the zero Graph: every trigger is "added" under the lock).
func Bootstrap(ctx context.Context, logger *slog.Logger, lister TargetLister, locker lock.Locker, publisher *Publisher) BootstrapSummary {
	var summary BootstrapSummary
	offset := 0
	for {
		targets, hasMore, err := lister.ListPublished(ctx, offset, pageSize)
		if err != nil {
			if logger != nil {
				logger.Error("triggers: list published targets failed", "error", err)
			}
			return summary
		}

		for _, target := range targets {
			summary.Scanned++
			bootstrapOneTarget(ctx, logger, locker, publisher, target, &summary)
		}

		if !hasMore {
			break
		}
		offset += pageSize
	}
	return summary
}

func bootstrapOneTarget(ctx context.Context, logger *slog.Logger, locker lock.Locker, publisher *Publisher, target Graph, summary *BootstrapSummary) {
	providers := make(map[string]bool)
	for _, trig := range target.Triggers {
		if trig.From == "chat" {
			continue
		}
		if trig.Bootstrap.Mode == ModeSkip {
			summary.Skipped++
			continue
		}
		providers[trig.Provider] = true
	}
	if len(providers) == 0 {
		return
	}

	key := "job:trigger:" + target.XpertID
	token, ok, err := locker.TryAcquire(ctx, key, lockTTL)
	if err != nil || !ok {
		if logger != nil {
			logger.Info("triggers: bootstrap lock not acquired, skipping target", "xpertId", target.XpertID, "error", err)
		}
		summary.Skipped++
		return
	}
	defer func() {
		if err := locker.Release(ctx, key, token); err != nil && logger != nil {
			logger.Warn("triggers: bootstrap lock release failed", "xpertId", target.XpertID, "error", err)
		}
	}()

	result := publisher.Publish(ctx, Graph{}, target, PublishOptions{Strict: false, Providers: providers})
	summary.Replayed += len(result.Added)
	summary.Failed += len(result.Failed)
}
