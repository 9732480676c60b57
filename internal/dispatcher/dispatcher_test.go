package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xpert-ai/handoffbus/internal/broker"
	"github.com/xpert-ai/handoffbus/internal/cancel"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/registry"
)

func testMsg(id, msgType string) envelope.Message {
	return envelope.Normalize(envelope.Message{
		ID: id, Type: msgType, TenantID: "t", SessionKey: "s", BusinessKey: "b", TraceID: "tr", MaxAttempts: 1,
	})
}

func TestDispatch_HappyPath(t *testing.T) {
	reg := registry.New()
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.OK(), nil
	}), envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	result, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Status != envelope.StatusOK {
		t.Errorf("status = %v, want ok", result.Status)
	}
}

func TestDispatch_NoProcessor(t *testing.T) {
	reg := registry.New()
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	_, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1"))
	if err == nil {
		t.Fatal("expected an error for unregistered type")
	}
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want *registry.NotFoundError", err)
	}
}

func TestDispatch_InvalidMessage(t *testing.T) {
	reg := registry.New()
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	_, err := d.Dispatch(context.Background(), envelope.Message{})
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestDispatch_AbortMidProcessing(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	cancelSvc := cancel.New(nil, b)
	if err := cancelSvc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer cancelSvc.Stop()

	reg := registry.New()
	started := make(chan struct{})
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		close(started)
		select {
		case <-ctx.Done:
			return envelope.OK(), nil // the real return value is irrelevant; the dispatcher must coerce it
		case <-time.After(time.Second):
			return envelope.OK(), nil
		}
	}), envelope.ProcessorPolicy{})

	d := New(nil, reg, cancelSvc, nil)

	resultCh := make(chan envelope.ProcessResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1"))
		resultCh <- result
		errCh <- err
	}()

	<-started
	cancelSvc.CancelMessages(context.Background(), []string{"m1"}, "Canceled by user")

	select {
	case result := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("Dispatch returned error: %v", err)
		}
		if !result.IsCanceled() {
			t.Errorf("expected a canceled result, got %+v", result)
		}
		if result.Reason != "canceled:Canceled by user" {
			t.Errorf("reason = %q", result.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch to observe the abort")
	}
}

func TestDispatch_AbortLikeErrorCoercedToCanceled(t *testing.T) {
	reg := registry.New()
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.ProcessResult{}, errors.New("operation aborted by caller")
	}), envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	result, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.IsCanceled() {
		t.Errorf("expected abort-like error to coerce to canceled, got %+v", result)
	}
}

func TestDispatch_OtherErrorPropagates(t *testing.T) {
	boom := errors.New("processor exploded")
	reg := registry.New()
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.ProcessResult{}, boom
	}), envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	_, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestDispatch_UnregistersControllerOnExit(t *testing.T) {
	reg := registry.New()
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		return envelope.OK(), nil
	}), envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)
	d := New(nil, reg, cancelSvc, nil)

	if _, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	calls := 0
	cancelSvc.Register("m1", func() { calls++ })
	cancelSvc.CancelMessages(context.Background(), []string{"m1"}, "")
	if calls != 1 {
		t.Fatalf("expected the stale controller to have been unregistered, not double-fired; calls = %d", calls)
	}
}

func TestDispatch_EmitForwardsToPublisher(t *testing.T) {
	reg := registry.New()
	reg.Register("agent.chat.v1", "", envelope.ProcessorFunc(func(ctx envelope.ProcessorContext, msg envelope.Message) (envelope.ProcessResult, error) {
		ctx.Emit("progress")
		return envelope.OK(), nil
	}), envelope.ProcessorPolicy{})
	cancelSvc := cancel.New(nil, nil)

	var published []any
	publisher := publisherFunc(func(id string, event any) {
		published = append(published, event)
	})
	d := New(nil, reg, cancelSvc, publisher)

	if _, err := d.Dispatch(context.Background(), testMsg("m1", "agent.chat.v1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(published) != 1 || published[0] != "progress" {
		t.Errorf("published = %v", published)
	}
}

type publisherFunc func(id string, event any)

func (f publisherFunc) Publish(id string, event any) { f(id, event) }
