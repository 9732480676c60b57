package queueprocessor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xpert-ai/handoffbus/internal/cancel"
	"github.com/xpert-ai/handoffbus/internal/dispatcher"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
	"github.com/xpert-ai/handoffbus/internal/registry"
)

const queueName = "handoff"

type recordingSink struct {
	records []string
}

func (s *recordingSink) Record(ctx context.Context, msg envelope.Message, reason string) error {
	s.records = append(s.records, msg.ID+":"+reason)
	return nil
}

type recordingEnqueuer struct {
	enqueued []envelope.Message
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, msg envelope.Message) (string, error) {
	e.enqueued = append(e.enqueued, msg)
	return msg.ID, nil
}

func testMsg(id string, attempt, maxAttempts int) envelope.Message {
	return envelope.Normalize(envelope.Message{
		ID: id, Type: "agent.chat.v1", TenantID: "t", SessionKey: "s", BusinessKey: "b", TraceID: "tr",
		Attempt: attempt, MaxAttempts: maxAttempts,
	})
}

func newHarness(t *testing.T, handler envelope.ProcessorFunc) (*Processor, *queuegateway.MemoryGateway, *recordingSink, *pending.Table, *recordingEnqueuer) {
	t.Helper()
	reg := registry.New()
	reg.Register("agent.chat.v1", "", handler, envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)
	disp := dispatcher.New(nil, reg, cancelSvc, nil)
	gateway := queuegateway.NewMemoryGateway(nil)
	sink := &recordingSink{}
	pendingTable := pending.New()
	enqueuer := &recordingEnqueuer{}
	p := New(nil, Config{QueueName: queueName, Concurrency: 1, PollInterval: 5 * time.Millisecond}, gateway, disp, sink, pendingTable, enqueuer)
	return p, gateway, sink, pendingTable, enqueuer
}

// registerWaiter starts WaitFor(id) in a goroutine and blocks until the
// entry is actually registered in the table, avoiding a race against the
// processMessage call that resolves it.
func registerWaiter(t *testing.T, table *pending.Table, id string) (<-chan envelope.ProcessResult, <-chan error) {
	t.Helper()
	resultCh := make(chan envelope.ProcessResult, 1)
	errCh := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		result, err := table.WaitFor(context.Background(), id, pending.Options{})
		resultCh <- result
		errCh <- err
	}()
	<-ready
	deadline := time.Now().Add(time.Second)
	for table.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return resultCh, errCh
}

func TestProcessMessage_HappyPath(t *testing.T) {
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.OK(), nil
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 1), queuegateway.EnqueueOptions{})
	job, ok, err := gateway.Dequeue(ctx, queueName)
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}

	resultCh, _ := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job)

	select {
	case result := <-resultCh:
		if result.Status != envelope.StatusOK {
			t.Errorf("status = %v, want ok", result.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
	if len(sink.records) != 0 {
		t.Errorf("expected no dead letter, got %v", sink.records)
	}
	jobs, _ := gateway.FindJobs(ctx, nil, nil)
	if len(jobs) != 0 {
		t.Errorf("expected job to be completed/removed, got %d remaining", len(jobs))
	}
}

func TestProcessMessage_RetryThenSuccess(t *testing.T) {
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		if msg.Attempt == 1 {
			return envelope.Retry(0, ""), nil
		}
		return envelope.OK(), nil
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 3), queuegateway.EnqueueOptions{})

	job, _, _ := gateway.Dequeue(ctx, queueName)
	p.processMessage(ctx, job)

	jobs, _ := gateway.FindJobs(ctx, func(m envelope.Message) bool { return m.ID == "m1" }, nil)
	if len(jobs) != 1 || jobs[0].Message.Attempt != 2 {
		t.Fatalf("expected one re-enqueued job at attempt 2, got %+v", jobs)
	}
	if len(sink.records) != 0 {
		t.Fatalf("expected no dead letter on first retry, got %v", sink.records)
	}

	job2, ok, err := gateway.Dequeue(ctx, queueName)
	if err != nil || !ok {
		t.Fatalf("Dequeue retry: ok=%v err=%v", ok, err)
	}

	resultCh, _ := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job2)

	select {
	case result := <-resultCh:
		if result.Status != envelope.StatusOK {
			t.Errorf("status = %v, want ok", result.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
}

func TestProcessMessage_RetryExhausted(t *testing.T) {
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.Retry(0, ""), nil
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 2), queuegateway.EnqueueOptions{})

	job, _, _ := gateway.Dequeue(ctx, queueName)
	p.processMessage(ctx, job) // attempt 1 -> retry, re-enqueues attempt 2

	job2, ok, err := gateway.Dequeue(ctx, queueName)
	if err != nil || !ok {
		t.Fatalf("Dequeue attempt 2: ok=%v err=%v", ok, err)
	}

	resultCh, _ := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job2) // attempt 2 -> exhausted, dead-letter

	select {
	case result := <-resultCh:
		if result.Status != envelope.StatusDead {
			t.Fatalf("status = %v, want dead", result.Status)
		}
		if result.Reason != "Retry exhausted after 2 attempts" {
			t.Errorf("reason = %q", result.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
	if len(sink.records) != 1 || sink.records[0] != "m1:Retry exhausted after 2 attempts" {
		t.Errorf("sink.records = %v", sink.records)
	}
}

func TestProcessMessage_CanceledDeadIsNeverDeadLettered(t *testing.T) {
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.Canceled("Canceled by user"), nil
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 1), queuegateway.EnqueueOptions{})
	job, _, _ := gateway.Dequeue(ctx, queueName)

	resultCh, _ := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job)

	select {
	case result := <-resultCh:
		if !result.IsCanceled() {
			t.Fatalf("expected canceled result, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
	if len(sink.records) != 0 {
		t.Errorf("expected canceled dead result to never be dead-lettered, got %v", sink.records)
	}
}

func TestProcessMessage_NonPermanentThrownErrorRetriesThenRejects(t *testing.T) {
	boom := errors.New("transient failure")
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.ProcessResult{}, boom
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 2), queuegateway.EnqueueOptions{})

	job, _, _ := gateway.Dequeue(ctx, queueName)
	p.processMessage(ctx, job) // attempt 1 -> retryable error, re-enqueues attempt 2

	job2, ok, err := gateway.Dequeue(ctx, queueName)
	if err != nil || !ok {
		t.Fatalf("Dequeue attempt 2: ok=%v err=%v", ok, err)
	}

	_, errCh := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job2) // attempt 2 -> exhausted, reject with original error

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reject")
	}
	if len(sink.records) != 1 {
		t.Errorf("expected one dead letter record on final rejection, got %v", sink.records)
	}
}

func TestProcessMessage_PermanentErrorDeadLettersImmediately(t *testing.T) {
	p, gateway, sink, pendingTable, _ := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.ProcessResult{}, errors.New(envelope.ErrNoProcessor)
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 5), queuegateway.EnqueueOptions{})
	job, _, _ := gateway.Dequeue(ctx, queueName)

	_, errCh := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected permanent error to reject the waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reject")
	}
	if len(sink.records) != 1 {
		t.Errorf("expected immediate dead letter for permanent error, got %v", sink.records)
	}
	jobs, _ := gateway.FindJobs(ctx, func(m envelope.Message) bool { return m.ID == "m1" }, nil)
	if len(jobs) != 0 {
		t.Error("expected job to be gone after permanent-error dead letter")
	}
}

func TestProcessMessage_OutboundEnqueuedOnOK(t *testing.T) {
	outbound := envelope.Normalize(envelope.Message{
		ID: "m2", Type: "agent.chat.v1", TenantID: "t", SessionKey: "s", BusinessKey: "b", TraceID: "tr", MaxAttempts: 1,
	})
	p, gateway, _, pendingTable, enqueuer := newHarness(t, func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.OK(outbound), nil
	})
	ctx := context.Background()
	_ = gateway.Enqueue(ctx, queueName, testMsg("m1", 1, 1), queuegateway.EnqueueOptions{})
	job, _, _ := gateway.Dequeue(ctx, queueName)

	resultCh, _ := registerWaiter(t, pendingTable, "m1")
	p.processMessage(ctx, job)

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
	if len(enqueuer.enqueued) != 1 || enqueuer.enqueued[0].ID != "m2" {
		t.Fatalf("enqueued = %+v, want [m2]", enqueuer.enqueued)
	}
}
