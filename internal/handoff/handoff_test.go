package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/policy"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
	"github.com/xpert-ai/handoffbus/internal/routing"
)

func testSnap() routing.Snapshot {
	return routing.Snapshot{
		DefaultQueue: routing.QueueHandoff,
		DefaultLane:  "main",
		TypePolicies: map[string]routing.TypePolicy{
			"agent.chat.v1": {
				Queue:     routing.QueueRealtime,
				TimeoutMs: 5000,
				Retry:     &routing.RetryPolicy{MaxAttempts: 7},
			},
		},
	}
}

func baseMsg() envelope.Message {
	return envelope.Message{
		Type: "agent.chat.v1", TenantID: "t", SessionKey: "s", BusinessKey: "b", TraceID: "tr",
	}
}

func TestEnqueue_StampsRouteHeadersAndMaxAttempts(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, testSnap(), gateway, nil)
	caller := policy.NewCaller("producer", policy.OpEnqueue)

	id, err := svc.Enqueue(context.Background(), caller, baseMsg(), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a stamped id")
	}

	jobs, _ := gateway.FindJobs(context.Background(), nil, nil)
	if len(jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.QueueName != routing.QueueRealtime {
		t.Errorf("queueName = %q, want %q", job.QueueName, routing.QueueRealtime)
	}
	if job.Message.MaxAttempts != 7 {
		t.Errorf("maxAttempts = %d, want 7 (from type policy)", job.Message.MaxAttempts)
	}
	if v, _ := job.Message.Header(envelope.HeaderHandoffQueue); v != routing.QueueRealtime {
		t.Errorf("handoffQueue header = %q", v)
	}
	if v, _ := job.Message.Header(envelope.HeaderPolicyTimeoutMs); v != "5000" {
		t.Errorf("policyTimeoutMs header = %q", v)
	}
}

func TestEnqueue_DefaultMaxAttemptsWhenNoTypePolicy(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, routing.Snapshot{}, gateway, nil)
	caller := policy.NewCaller("producer", policy.OpEnqueue)
	msg := baseMsg()
	msg.Type = "unrouted.v1"

	_, err := svc.Enqueue(context.Background(), caller, msg, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	jobs, _ := gateway.FindJobs(context.Background(), nil, nil)
	if jobs[0].Message.MaxAttempts != defaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want default %d", jobs[0].Message.MaxAttempts, defaultMaxAttempts)
	}
}

func TestEnqueue_DeniedWithoutPermission(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, testSnap(), gateway, nil)
	caller := policy.Caller{Name: "stranger"}

	_, err := svc.Enqueue(context.Background(), caller, baseMsg(), EnqueueOptions{})
	if err == nil {
		t.Fatal("expected a permission error")
	}
	var denied *policy.DeniedError
	if denied, _ = err.(*policy.DeniedError); denied == nil {
		t.Fatalf("err = %v, want *policy.DeniedError", err)
	}
}

func TestEnqueueMany_PreservesOrder(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, testSnap(), gateway, nil)
	caller := policy.NewCaller("producer", policy.OpEnqueue)

	msgs := []envelope.Message{baseMsg(), baseMsg(), baseMsg()}
	ids, err := svc.EnqueueMany(context.Background(), caller, msgs, EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueMany: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	for i, id := range ids {
		if id == "" {
			t.Errorf("ids[%d] is empty", i)
		}
	}
	jobs, _ := gateway.FindJobs(context.Background(), nil, nil)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 enqueued jobs, got %d", len(jobs))
	}
}

func TestEnqueueAndWait_ResolvesAfterDispatchCompletes(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	pendingTable := pending.New()
	svc := New(nil, testSnap(), gateway, pendingTable)
	caller := policy.NewCaller("producer", policy.OpEnqueue, policy.OpWait)

	resultCh := make(chan envelope.ProcessResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := svc.EnqueueAndWait(context.Background(), caller, baseMsg(), WaitOptions{})
		resultCh <- result
		errCh <- err
	}()

	var job queuegateway.Job
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := gateway.FindJobs(context.Background(), nil, nil)
		if len(jobs) == 1 {
			job = jobs[0]
			break
		}
		time.Sleep(time.Millisecond)
	}
	if job.Message.ID == "" {
		t.Fatal("timed out waiting for the message to be enqueued")
	}
	pendingTable.Resolve(job.Message.ID, envelope.OK())

	select {
	case result := <-resultCh:
		if result.Status != envelope.StatusOK {
			t.Errorf("status = %v, want ok", result.Status)
		}
		if err := <-errCh; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EnqueueAndWait to return")
	}
}

func TestEnqueueAndWait_DeniedWithoutWaitPermission(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	pendingTable := pending.New()
	svc := New(nil, testSnap(), gateway, pendingTable)
	caller := policy.NewCaller("producer", policy.OpEnqueue)

	_, err := svc.EnqueueAndWait(context.Background(), caller, baseMsg(), WaitOptions{})
	if err == nil {
		t.Fatal("expected a permission error for missing wait operation")
	}
	jobs, _ := gateway.FindJobs(context.Background(), nil, nil)
	if len(jobs) != 0 {
		t.Error("expected nothing enqueued when the permission check fails")
	}
}

func TestEnqueueAndWait_WithoutPendingTableErrors(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, testSnap(), gateway, nil)
	caller := policy.NewCaller("producer", policy.OpEnqueue, policy.OpWait)

	_, err := svc.EnqueueAndWait(context.Background(), caller, baseMsg(), WaitOptions{})
	if err == nil {
		t.Fatal("expected an error when no pending table is wired")
	}
}

func TestEnqueue_InvalidMessageRejected(t *testing.T) {
	gateway := queuegateway.NewMemoryGateway(nil)
	svc := New(nil, testSnap(), gateway, nil)
	caller := policy.NewCaller("producer", policy.OpEnqueue)

	_, err := svc.Enqueue(context.Background(), caller, envelope.Message{}, EnqueueOptions{})
	if err == nil {
		t.Fatal("expected validation error for an empty message")
	}
}
