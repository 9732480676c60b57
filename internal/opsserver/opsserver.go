// Package opsserver is the bus's diagnostic HTTP surface (C4.15):
// health, Prometheus scrape, the current routing snapshot, and a
// websocket tail of dead-letter and cancel events for operators.
// Grounded on the teacher's cmd/goclaw/status.go (/healthz probe
// shape) and internal/gateway/stream.go (the streaming-handler
// pattern, here over coder/websocket instead of SSE since the events
// are bidirectional-free push rather than a chat token stream).
package opsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xpert-ai/handoffbus/internal/broker"
	"github.com/xpert-ai/handoffbus/internal/cancel"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/routing"
)

// HealthChecker reports whether a dependency the bus relies on is
// reachable. Satisfied by thin adapters over the Redis client and the
// queue gateway.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Hub fans dead-letter events out to every connected /events client.
// deadletter.Sink wraps one to also broadcast over the websocket.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// Event is one diagnostic event pushed to /events subscribers.
type Event struct {
	Kind      string    `json:"kind"` // "deadletter" or "cancel"
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// NewHub creates an empty event fan-out hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish broadcasts ev to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new listener; the returned func unregisters it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// deadLetterSink is the subset of deadletter.Sink this package needs,
// declared locally to avoid a dependency on the deadletter package for
// the DeadLetterTap decorator alone.
type deadLetterSink interface {
	Record(ctx context.Context, msg envelope.Message, reason string) error
}

// DeadLetterTap decorates a deadletter.Sink, broadcasting every
// recorded message onto the Hub before delegating to next.
type DeadLetterTap struct {
	hub  *Hub
	next deadLetterSink
}

// NewDeadLetterTap wraps next so every Record call also publishes an
// Event to hub.
func NewDeadLetterTap(hub *Hub, next deadLetterSink) *DeadLetterTap {
	return &DeadLetterTap{hub: hub, next: next}
}

func (t *DeadLetterTap) Record(ctx context.Context, msg envelope.Message, reason string) error {
	t.hub.Publish(Event{Kind: "deadletter", MessageID: msg.ID, Reason: reason, At: time.Now()})
	return t.next.Record(ctx, msg, reason)
}

// Server is the ops HTTP surface.
type Server struct {
	logger      *slog.Logger
	router      chi.Router
	snapshotter func() routing.Snapshot
	registry    *prometheus.Registry
	broker      broker.Broker
	hub         *Hub
	checks      map[string]HealthChecker
}

// Config wires the Server's collaborators. Snapshotter returns the
// live routing snapshot; Registry is the Prometheus registerer passed
// to internal/metrics.New; Broker, if non-nil, is subscribed to
// cancel.Channel to populate /events with cross-instance cancels.
type Config struct {
	Logger      *slog.Logger
	Snapshotter func() routing.Snapshot
	Registry    *prometheus.Registry
	Broker      broker.Broker
	Hub         *Hub
	Checks      map[string]HealthChecker
}

// New builds a Server and mounts its routes.
func New(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	s := &Server{
		logger:      cfg.Logger,
		snapshotter: cfg.Snapshotter,
		registry:    cfg.Registry,
		broker:      cfg.Broker,
		hub:         cfg.Hub,
		checks:      cfg.Checks,
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/routes", s.handleRoutes)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

// Hub returns the event fan-out hub so callers (queueprocessor's
// dead-letter path, cmd/handoffbusd's wiring) can publish into it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start subscribes to the cancel broker channel (if configured) so
// cross-instance cancels surface on /events, and blocks until ctx is
// done.
func (s *Server) Start(ctx context.Context) error {
	if s.broker == nil {
		<-ctx.Done()
		return nil
	}
	sub, err := s.broker.Subscribe(ctx, cancel.Channel)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.C():
			if !ok {
				return nil
			}
			var payload struct {
				MessageIDs []string `json:"messageIds"`
				Reason     string   `json:"reason"`
			}
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				continue
			}
			for _, id := range payload.MessageIDs {
				s.hub.Publish(Event{Kind: "cancel", MessageID: id, Reason: payload.Reason, At: time.Now()})
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, checker := range s.checks {
		if err := checker.Ping(r.Context()); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": httpStatusLabel(status), "checks": results})
}

func httpStatusLabel(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// handleEvents streams dead-letter and cancel events to an operator
// over a websocket until the client disconnects or the server shuts
// down. Purely diagnostic push, no inbound messages are read.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				if s.logger != nil {
					s.logger.Warn("opsserver: events write failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.snapshotter == nil {
		http.Error(w, "routing snapshot not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotter())
}
