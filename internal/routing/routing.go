// Package routing parses the declarative routing file and exposes an
// immutable in-memory snapshot: queue aliases, lane aliases, per-type
// policies, and ordered route rules. The file is read once at startup; the
// snapshot is the single source of truth thereafter.
package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Base queue aliases always present regardless of config.
const (
	QueueHandoff     = "handoff"
	QueueDefault     = "default"
	QueueRealtime    = "realtime"
	QueueBatch       = "batch"
	QueueIntegration = "integration"
)

// staticLaneAliases is the fallback lane alias map used when no
// lanePolicy.mapToLane override applies.
var staticLaneAliases = map[string]string{
	"main":     "main",
	"subagent": "subagent",
	"cron":     "cron",
	"nested":   "nested",
	"high":     "main",
	"normal":   "main",
	"low":      "cron",
}

// QueueDef is a configured queue alias's backing definition.
type QueueDef struct {
	BullQueueName string `yaml:"bullQueueName" json:"bullQueueName"`
	MaxInFlight   int    `yaml:"maxInFlight,omitempty" json:"maxInFlight,omitempty"`
}

// LanePolicy tunes a lane's advisory concurrency/queue-depth hints and an
// optional static remap to another lane name.
type LanePolicy struct {
	Weight        int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	MaxConcurrent int    `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
	MaxQueued     int    `yaml:"maxQueued,omitempty" json:"maxQueued,omitempty"`
	MapToLane     string `yaml:"mapToLane,omitempty" json:"mapToLane,omitempty"`
}

// RetryPolicy is parsed in full but only MaxAttempts is consumed by the
// queue processor; the remaining fields are reserved.
type RetryPolicy struct {
	MaxAttempts int    `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	Backoff     string `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	BaseDelayMs int64  `yaml:"baseDelayMs,omitempty" json:"baseDelayMs,omitempty"`
	MaxDelayMs  int64  `yaml:"maxDelayMs,omitempty" json:"maxDelayMs,omitempty"`
	Jitter      bool   `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	RetryOn     []string `yaml:"retryOn,omitempty" json:"retryOn,omitempty"`
}

// TypePolicy is the per-message-type policy entry.
type TypePolicy struct {
	Queue       string       `yaml:"queue,omitempty" json:"queue,omitempty"`
	Lane        string       `yaml:"lane,omitempty" json:"lane,omitempty"`
	TimeoutMs   int64        `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Retry       *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	Idempotency string       `yaml:"idempotency,omitempty" json:"idempotency,omitempty"`
}

// RouteMatch constrains which messages a route applies to. At least one
// field must be set; a route with an empty match is rejected at load time.
type RouteMatch struct {
	Type           string `yaml:"type,omitempty" json:"type,omitempty"`
	TypePrefix     string `yaml:"typePrefix,omitempty" json:"typePrefix,omitempty"`
	TenantID       string `yaml:"tenantId,omitempty" json:"tenantId,omitempty"`
	OrganizationID string `yaml:"organizationId,omitempty" json:"organizationId,omitempty"`
	Source         string `yaml:"source,omitempty" json:"source,omitempty"`
}

func (m RouteMatch) isEmpty() bool {
	return m.Type == "" && m.TypePrefix == "" && m.TenantID == "" && m.OrganizationID == "" && m.Source == ""
}

// RouteTarget is what a matching route resolves to.
type RouteTarget struct {
	Queue     string `yaml:"queue,omitempty" json:"queue,omitempty"`
	Lane      string `yaml:"lane,omitempty" json:"lane,omitempty"`
	TimeoutMs int64  `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// Route is one ordered entry of the routing table. First match wins.
type Route struct {
	Match  RouteMatch  `yaml:"match" json:"match"`
	Target RouteTarget `yaml:"target" json:"target"`
}

// document is the raw shape decoded from the routing file.
type document struct {
	Version      int                    `yaml:"version"`
	DefaultQueue string                 `yaml:"defaultQueue"`
	DefaultLane  string                 `yaml:"defaultLane"`
	Queues       map[string]QueueDef    `yaml:"queues"`
	LanePolicy   map[string]LanePolicy  `yaml:"lanePolicy"`
	TypePolicies map[string]TypePolicy  `yaml:"typePolicies"`
	Routes       []Route                `yaml:"routes"`
}

// Snapshot is the immutable, validated routing configuration built once at
// startup. Zero value is a valid "empty snapshot" (no routes, no queues
// beyond the base aliases) used when the config path env var is unset.
type Snapshot struct {
	Version      int
	DefaultQueue string
	DefaultLane  string
	Queues       map[string]QueueDef
	LanePolicy   map[string]LanePolicy
	TypePolicies map[string]TypePolicy
	Routes       []Route
}

// QueueAliases returns the resolved alias set: the four base aliases plus
// any config-defined ones.
func (s Snapshot) QueueAliases() []string {
	seen := map[string]bool{QueueHandoff: true, QueueDefault: true, QueueRealtime: true, QueueBatch: true, QueueIntegration: true}
	aliases := []string{QueueHandoff, QueueDefault, QueueRealtime, QueueBatch, QueueIntegration}
	for alias := range s.Queues {
		if !seen[alias] {
			seen[alias] = true
			aliases = append(aliases, alias)
		}
	}
	return aliases
}

// ResolveLane maps a requested lane name through lanePolicy.mapToLane first,
// falling back to the static alias table.
func (s Snapshot) ResolveLane(name string) string {
	if lp, ok := s.LanePolicy[name]; ok && lp.MapToLane != "" {
		return lp.MapToLane
	}
	if mapped, ok := staticLaneAliases[name]; ok {
		return mapped
	}
	return name
}

//go:generate true
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer"},
    "defaultQueue": {"type": "string"},
    "defaultLane": {"type": "string"},
    "queues": {"type": "object"},
    "lanePolicy": {"type": "object"},
    "typePolicies": {"type": "object"},
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["match", "target"],
        "properties": {
          "match": {"type": "object", "minProperties": 1},
          "target": {"type": "object"}
        }
      }
    }
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("routing: compile embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("routing-config.json", doc); err != nil {
		panic(fmt.Sprintf("routing: add schema resource: %v", err))
	}
	compiledSchema, err = c.Compile("routing-config.json")
	if err != nil {
		panic(fmt.Sprintf("routing: compile schema: %v", err))
	}
}

// EnvPath is the environment variable naming the routing config file.
const EnvPath = "HANDOFF_ROUTING_CONFIG_PATH"

// Load reads and validates the routing config at path (resolved against
// serverRoot if relative). If path is empty, it logs a warning and returns
// an empty Snapshot rather than falling back to a hardcoded file, matching
// the preserved warn-and-empty-snapshot behavior.
func Load(logger *slog.Logger, serverRoot string, path string) (Snapshot, error) {
	if path == "" {
		logger.Warn("routing config path not set, starting with empty snapshot", "env", EnvPath)
		return Snapshot{}, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(serverRoot, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read routing config %s: %w", path, err)
	}

	if err := validateAgainstSchema(raw); err != nil {
		return Snapshot{}, fmt.Errorf("routing config %s failed schema validation: %w", path, err)
	}

	var doc document
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode routing config %s: %w", path, err)
	}

	for i, route := range doc.Routes {
		if route.Match.isEmpty() {
			return Snapshot{}, fmt.Errorf("routing config %s: route[%d] has an empty match", path, i)
		}
	}

	snap := Snapshot{
		Version:      doc.Version,
		DefaultQueue: doc.DefaultQueue,
		DefaultLane:  doc.DefaultLane,
		Queues:       doc.Queues,
		LanePolicy:   doc.LanePolicy,
		TypePolicies: doc.TypePolicies,
		Routes:       doc.Routes,
	}
	if snap.DefaultQueue == "" {
		snap.DefaultQueue = QueueHandoff
	}
	if snap.DefaultLane == "" {
		snap.DefaultLane = "main"
	}

	logger.Info("routing config loaded", "path", path, "version", snap.Version, "routes", len(snap.Routes))
	return snap, nil
}

func validateAgainstSchema(raw []byte) error {
	// YAML is a superset of JSON for our purposes; decode via yaml.v3 into
	// a generic value and re-marshal to JSON so the jsonschema compiler
	// (which expects JSON-shaped data) can walk it.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode yaml for schema check: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("re-marshal for schema check: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal instance for schema check: %w", err)
	}
	return compiledSchema.Validate(instance)
}
