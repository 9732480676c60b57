package envelope

import "testing"

func TestOK_CarriesOutbound(t *testing.T) {
	out := validMessage()
	r := OK(out)
	if r.Status != StatusOK {
		t.Errorf("status = %q, want %q", r.Status, StatusOK)
	}
	if len(r.Outbound) != 1 {
		t.Fatalf("outbound len = %d, want 1", len(r.Outbound))
	}
}

func TestRetry_ClampsNegativeDelay(t *testing.T) {
	r := Retry(-5, "transient")
	if r.DelayMs != 0 {
		t.Errorf("delayMs = %d, want 0", r.DelayMs)
	}
}

func TestDead_IsNotCanceledByDefault(t *testing.T) {
	r := Dead("processor blew up")
	if r.IsCanceled() {
		t.Error("expected non-canceled dead result")
	}
}

func TestCanceled_IsCanceled(t *testing.T) {
	r := Canceled("Canceled by user")
	if !r.IsCanceled() {
		t.Error("expected canceled result")
	}
	if r.Status != StatusDead {
		t.Errorf("status = %q, want %q", r.Status, StatusDead)
	}
}

func TestProcessorFunc_AdaptsPlainFunction(t *testing.T) {
	called := false
	var p Processor = ProcessorFunc(func(ctx ProcessorContext, msg Message) (ProcessResult, error) {
		called = true
		return OK(), nil
	})
	_, err := p.Process(ProcessorContext{}, validMessage())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !called {
		t.Error("expected underlying function to be invoked")
	}
}
