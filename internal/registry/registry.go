// Package registry resolves a processor for a (message-type,
// organization-scope) pair. Registration happens once at startup; the
// registry is treated as read-only at dispatch time.
package registry

import (
	"fmt"
	"sync"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// Entry pairs a processor with the metadata it was registered under.
type Entry struct {
	Processor envelope.Processor
	Types     []string
	Policy    envelope.ProcessorPolicy
}

// NotFoundError reports that no processor is registered for a type (and
// optional organization scope).
type NotFoundError struct {
	Type           string
	OrganizationID string
}

func (e *NotFoundError) Error() string {
	if e.OrganizationID != "" {
		return fmt.Sprintf("%s: no registration for type %q in organization %q", envelope.ErrNoProcessor, e.Type, e.OrganizationID)
	}
	return fmt.Sprintf("%s: no registration for type %q", envelope.ErrNoProcessor, e.Type)
}

// key scopes a registration by message type plus an optional organization
// override; the empty organization is the default/global scope.
type key struct {
	messageType    string
	organizationID string
}

// Registry is a strategy registry keyed by message-type with optional
// per-organization override.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[key]Entry)}
}

// Register adds a processor for messageType, optionally scoped to a single
// organization. Registering the same (type, organization) twice overwrites
// the previous entry, matching the startup-scan discovery model where the
// last registration for a key wins.
func (r *Registry) Register(messageType string, organizationID string, processor envelope.Processor, policy envelope.ProcessorPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{messageType, organizationID}] = Entry{
		Processor: processor,
		Types:     []string{messageType},
		Policy:    policy,
	}
}

// Get resolves a processor for (type, organizationId). An organization-scoped
// registration takes precedence over the global one for the same type.
func (r *Registry) Get(messageType string, organizationID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if organizationID != "" {
		if e, ok := r.entries[key{messageType, organizationID}]; ok {
			return e, nil
		}
	}
	if e, ok := r.entries[key{messageType, ""}]; ok {
		return e, nil
	}
	return Entry{}, &NotFoundError{Type: messageType, OrganizationID: organizationID}
}

// Unregister removes a registration. Idempotent.
func (r *Registry) Unregister(messageType string, organizationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key{messageType, organizationID})
}

// Len reports the number of registered entries, for startup logging.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
