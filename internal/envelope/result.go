package envelope

// Status is the discriminant of a ProcessResult tagged union.
type Status string

const (
	StatusOK    Status = "ok"
	StatusRetry Status = "retry"
	StatusDead  Status = "dead"
)

// ProcessResult is the three-variant sum type a processor returns. Exactly
// one of the variant-specific fields is meaningful for a given Status:
// Outbound for StatusOK, DelayMs/Reason for StatusRetry, Reason for
// StatusDead.
type ProcessResult struct {
	Status Status `json:"status"`

	// StatusOK
	Outbound []Message `json:"outbound,omitempty"`

	// StatusRetry
	DelayMs int64  `json:"delayMs,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// StatusDead also uses Reason.
}

// OK builds an ok{outbound?} result.
func OK(outbound ...Message) ProcessResult {
	return ProcessResult{Status: StatusOK, Outbound: outbound}
}

// Retry builds a retry{delayMs, reason?} result.
func Retry(delayMs int64, reason string) ProcessResult {
	if delayMs < 0 {
		delayMs = 0
	}
	return ProcessResult{Status: StatusRetry, DelayMs: delayMs, Reason: reason}
}

// Dead builds a dead{reason} result.
func Dead(reason string) ProcessResult {
	return ProcessResult{Status: StatusDead, Reason: reason}
}

// Canceled builds a dead{reason: canceled:<detail>} result, the distinguished
// subclass that is never dead-lettered and never retried.
func Canceled(detail string) ProcessResult {
	return ProcessResult{Status: StatusDead, Reason: CanceledReason(detail)}
}

// IsCanceled reports whether r is a terminal canceled dead result.
func (r ProcessResult) IsCanceled() bool {
	return r.Status == StatusDead && IsCanceledReason(r.Reason)
}

// LaneName is an advisory execution tag; not a permit system.
type LaneName string

const (
	LaneMain     LaneName = "main"
	LaneSubagent LaneName = "subagent"
	LaneCron     LaneName = "cron"
	LaneNested   LaneName = "nested"
)

// ProcessorPolicy carries the lane and optional timeout a processor was
// registered with.
type ProcessorPolicy struct {
	Lane      LaneName `yaml:"lane" json:"lane"`
	TimeoutMs int64    `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// ProcessorContext is passed to a processor on invocation. Emit forwards an
// event to any synchronous waiter subscribed on the message id.
type ProcessorContext struct {
	RunID   string
	TraceID string
	Done    <-chan struct{}
	Emit    func(event any)
}

// Processor is the interface a registered handler implements.
type Processor interface {
	Process(ctx ProcessorContext, msg Message) (ProcessResult, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx ProcessorContext, msg Message) (ProcessResult, error)

func (f ProcessorFunc) Process(ctx ProcessorContext, msg Message) (ProcessResult, error) {
	return f(ctx, msg)
}
