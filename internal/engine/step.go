package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// Role is the declared kind of work an AgentStep performs.
type Role string

const (
	RoleScopeClarify      Role = "scope-clarify"
	RoleLiteratureScout   Role = "literature-scout"
	RoleTrendSynthesize   Role = "trend-synthesize"
	RoleGapMine           Role = "gap-mine"
	RoleDirectionGenerate Role = "direction-generate"
	RoleDeepDiveScout     Role = "deep-dive-scout"
	RoleExperimentDesign  Role = "experiment-design"
	RolePaperWrite        Role = "paper-write"
	RolePaperEdit         Role = "paper-edit"
)

// Step is one unit of agent work. Implementations are stateless between
// attempts: everything an attempt needs arrives in the StepContext.
type Step interface {
	Role() Role
	// Name is unique within a pipeline; the step's output is stored in the
	// run state under this key.
	Name() string
	Execute(ctx context.Context, sc *StepContext) (StepOutcome, error)
}

// StepContext is the explicit run context handed to each attempt.
type StepContext struct {
	Run   model.Run
	State *State

	// Attempt is 1-based within the current round. Round counts group
	// re-runs after a weak join; steps use it to broaden their input.
	Attempt int
	Round   int
	// Strict is set on the single retry that follows malformed output.
	Strict bool

	emit func(ctx context.Context, t model.EventType, payload map[string]any) error
}

// Emit appends a live event (tool_call, tool_result, partial_output,
// agent_note) for the step. It fails with storage.ErrRunClosed once the run
// has been cancelled or finished.
func (sc *StepContext) Emit(ctx context.Context, t model.EventType, payload map[string]any) error {
	if sc.emit == nil {
		return nil
	}
	return sc.emit(ctx, t, payload)
}

// StepOutcome is what an attempt produced.
type StepOutcome struct {
	// Events are appended in order after the attempt returns.
	Events []Event
	// Output is JSON-encoded into the run state under the step's name.
	Output   any
	Artifact *ArtifactDelta
	// Weak marks a qualitatively insufficient result that is not an error.
	Weak       bool
	WeakReason string
	// Yield ranks weak outcomes; the best one is kept when retries run out.
	Yield      int
	Checkpoint *CheckpointRequest
}

// Event is an event the step wants appended.
type Event struct {
	Type    model.EventType
	Payload map[string]any
}

// ArtifactDelta asks the executor to propose a new artifact version.
type ArtifactDelta struct {
	Type       model.ArtifactType
	Title      string
	LogicalKey string // defaults to model.LogicalKey(Type, Title)
	Content    map[string]any
}

// CheckpointRequest asks the executor to pause the run once the step's
// group has settled.
type CheckpointRequest struct {
	Kind   string
	Schema model.InputSchema
	Prompt map[string]any
}

// State holds the upstream outputs of a run, keyed by step or group name.
// Values are stored as JSON so the whole state can be persisted with a
// checkpoint and restored after a restart.
type State struct {
	mu sync.RWMutex
	m  map[string]json.RawMessage
}

// NewState returns a state seeded with a snapshot (which may be nil).
func NewState(snapshot map[string]json.RawMessage) *State {
	m := make(map[string]json.RawMessage, len(snapshot))
	maps.Copy(m, snapshot)
	return &State{m: m}
}

// Put stores v under key.
func (s *State) Put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("engine: encode state %q: %w", key, err)
	}
	s.mu.Lock()
	s.m[key] = b
	s.mu.Unlock()
	return nil
}

// Get decodes the value under key into dst and reports whether it existed.
func (s *State) Get(key string, dst any) (bool, error) {
	s.mu.RLock()
	b, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return true, fmt.Errorf("engine: decode state %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[key]
	return ok
}

// Snapshot copies the state for persistence.
func (s *State) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.m)
}

// CheckpointKey is the state key under which a resolved checkpoint's payload
// is stored when the run resumes.
func CheckpointKey(kind string) string { return "checkpoint:" + kind }

// ArtifactRefKey is the state key under which the executor records the last
// artifact version proposed for a type.
func ArtifactRefKey(t model.ArtifactType) string { return "artifact:" + string(t) }

// ArtifactRef points at a proposed artifact version.
type ArtifactRef struct {
	ID         string `json:"artifact_id"`
	LogicalKey string `json:"logical_key"`
	Version    int    `json:"version"`
}
