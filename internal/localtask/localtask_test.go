package localtask

import (
	"strings"
	"testing"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

func TestRegisterAndTake(t *testing.T) {
	r := New()
	called := false
	id := r.Register(func(ctx Context) (*envelope.ProcessResult, error) {
		called = true
		return nil, nil
	})
	if id == "" {
		t.Fatal("expected non-empty task id")
	}

	task, ok := r.Take(id)
	if !ok {
		t.Fatal("expected task to be found")
	}
	if _, err := task(Context{}); err != nil {
		t.Fatalf("task: %v", err)
	}
	if !called {
		t.Error("expected closure to run")
	}
}

func TestTake_IsSingleUse(t *testing.T) {
	r := New()
	id := r.Register(func(ctx Context) (*envelope.ProcessResult, error) { return nil, nil })

	if _, ok := r.Take(id); !ok {
		t.Fatal("first Take should succeed")
	}
	if _, ok := r.Take(id); ok {
		t.Fatal("second Take should report not found")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	r := New()
	id := r.Register(func(ctx Context) (*envelope.ProcessResult, error) { return nil, nil })
	r.Remove(id)
	r.Remove(id) // must not panic

	if _, ok := r.Take(id); ok {
		t.Fatal("expected task to be gone after Remove")
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Register(func(ctx Context) (*envelope.ProcessResult, error) { return nil, nil })
	r.Register(func(ctx Context) (*envelope.ProcessResult, error) { return nil, nil })
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0 after Clear", r.Len())
	}
}

func TestResolveMissing(t *testing.T) {
	result := ResolveMissing("tk1")
	if result.Status != envelope.StatusDead {
		t.Fatalf("status = %q, want dead", result.Status)
	}
	if !strings.Contains(result.Reason, "tk1") {
		t.Errorf("reason = %q, expected to mention task id", result.Reason)
	}
}
