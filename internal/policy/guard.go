// Package policy implements the Queue Service's permission guard: every
// externally exposed operation declares a required tag, and a caller's
// allowed set is checked before the call proceeds. Grounded on the
// teacher's internal/policy/policy.go Checker.AllowCapability (a
// known-set-membership check against a caller-scoped allow list), adapted
// from URL/capability allow-listing to the bus's enqueue/wait operation
// tags.
package policy

import "fmt"

// Operation is a permission tag a Queue Service method declares.
type Operation string

const (
	OpEnqueue Operation = "enqueue"
	OpWait    Operation = "wait"
)

// Caller identifies the plugin or component invoking a guarded operation,
// plus the set of operations it is allowed to perform.
type Caller struct {
	Name    string
	Allowed map[Operation]bool
}

// NewCaller builds a Caller allowed to perform the given operations.
func NewCaller(name string, allowed ...Operation) Caller {
	set := make(map[Operation]bool, len(allowed))
	for _, op := range allowed {
		set[op] = true
	}
	return Caller{Name: name, Allowed: set}
}

// DeniedError is returned when a caller attempts an operation not in its
// allowed set. Non-retryable: the queue processor must never retry a
// permission failure.
type DeniedError struct {
	Caller      string
	MessageType string
	Operation   Operation
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("Plugin '%s' attempted %s operation '%s' without permission", e.Caller, e.MessageType, e.Operation)
}

// Guard checks a caller's permission set before a guarded operation runs.
type Guard struct{}

// Check returns a *DeniedError if op is not in caller.Allowed.
func (Guard) Check(caller Caller, op Operation, messageType string) error {
	if caller.Allowed[op] {
		return nil
	}
	return &DeniedError{Caller: caller.Name, MessageType: messageType, Operation: op}
}
