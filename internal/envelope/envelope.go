// Package envelope defines the immutable shape of a handoff message, the
// tagged-union result a processor returns, and the permanent-error literals
// the rest of the bus pattern-matches on.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Reserved header keys understood by the router and queue service.
const (
	HeaderOrganizationID  = "organizationId"
	HeaderUserID          = "userId"
	HeaderLanguage        = "language"
	HeaderThreadID        = "threadId"
	HeaderConversationID  = "conversationId"
	HeaderSource          = "source"
	HeaderRequestedLane   = "requestedLane"
	HeaderHandoffQueue    = "handoffQueue"
	HeaderPolicyTimeoutMs = "policyTimeoutMs"
	HeaderIntegrationID   = "integrationId"
)

// Well-known payload keys.
const (
	PayloadTaskID      = "taskId"
	PayloadExecutionID = "executionId"
)

// Allowed values for the source header.
var ValidSources = map[string]bool{
	"chat": true, "xpert": true, "lark": true, "analytics": true, "api": true,
}

// CanceledPrefix is the bit-exact contract consumers and processors both
// classify dead-letter reasons on.
const CanceledPrefix = "canceled:"

// Permanent error literals recognized by the queue processor's classifier.
const (
	ErrNoProcessor       = "No handoff processor found"
	ErrInvalidMessage    = "Invalid handoff message:"
	ErrMessageIDRequired = "Handoff message id is required"
)

// Message is the immutable envelope describing one unit of asynchronous
// work routed through the bus. Once enqueued, only attempt is ever bumped,
// and only by producing a new copy (see Message.WithAttempt).
type Message struct {
	ID              string `json:"id" validate:"required"`
	Type            string `json:"type" validate:"required"`
	Version         int    `json:"version" validate:"required,min=1"`
	TenantID        string `json:"tenantId" validate:"required"`
	SessionKey      string `json:"sessionKey" validate:"required"`
	BusinessKey     string `json:"businessKey" validate:"required"`
	Attempt         int    `json:"attempt" validate:"required,min=1"`
	MaxAttempts     int    `json:"maxAttempts" validate:"required,min=1"`
	EnqueuedAt      int64  `json:"enqueuedAt"`
	TraceID         string `json:"traceId" validate:"required"`
	ParentMessageID string `json:"parentMessageId,omitempty"`

	Payload map[string]any   `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

var validate = validator.New()

// Validate checks the envelope invariants required before dispatch. Error
// strings carry the exact literal prefixes the rest of the bus matches on.
func Validate(m *Message) error {
	if m == nil {
		return fmt.Errorf("%s envelope is nil", ErrInvalidMessage)
	}
	if m.ID == "" {
		return fmt.Errorf(ErrMessageIDRequired)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%s %w", ErrInvalidMessage, err)
	}
	if m.Attempt > m.MaxAttempts {
		return fmt.Errorf("%s attempt %d exceeds maxAttempts %d", ErrInvalidMessage, m.Attempt, m.MaxAttempts)
	}
	return nil
}

// Normalize stamps defaults on a message about to be enqueued: a fresh id if
// absent, version 1, attempt >= 1, and enqueuedAt if unset. It does not
// mutate the input; it returns the normalized copy.
func Normalize(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Attempt == 0 {
		m.Attempt = 1
	}
	if m.EnqueuedAt == 0 {
		m.EnqueuedAt = time.Now().UnixMilli()
	}
	return m
}

// WithAttempt returns a copy of m with attempt set to next, preserving id,
// headers, and payload. Used by the queue processor to build a retry.
func (m Message) WithAttempt(next int) Message {
	cp := m
	cp.Attempt = next
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	if m.Payload != nil {
		cp.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}

// Header returns the header value and whether it was present.
func (m Message) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// TaskID returns the payload taskId reference, if any.
func (m Message) TaskID() (string, bool) {
	v, ok := m.Payload[PayloadTaskID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ExecutionID returns the payload executionId cancel target, if any.
func (m Message) ExecutionID() (string, bool) {
	v, ok := m.Payload[PayloadExecutionID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsPermanentError classifies an error message against the permanent-error
// literal prefixes. Permanent errors are dead-lettered immediately rather
// than retried.
func IsPermanentError(reason string) bool {
	for _, prefix := range []string{ErrNoProcessor, ErrInvalidMessage, ErrMessageIDRequired} {
		if strings.HasPrefix(reason, prefix) {
			return true
		}
	}
	return false
}

// IsCanceledReason reports whether reason carries the canceled: prefix.
func IsCanceledReason(reason string) bool {
	return strings.HasPrefix(reason, CanceledPrefix)
}

// CanceledReason builds the canonical canceled: reason string from an
// optional detail, defaulting to "Canceled by user" when detail is empty.
func CanceledReason(detail string) string {
	if detail == "" {
		detail = "Canceled by user"
	}
	return CanceledPrefix + detail
}

// IsAbortLike classifies an error as abort-like per the dispatcher's
// thrown-error coercion rule: name AbortError, or message containing
// "abort" or "cancel" case-insensitively.
func IsAbortLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "abort") || strings.Contains(msg, "cancel")
}
