// Package model defines the core domain types for cortexlab.
//
// Types map directly to database tables and to the payloads carried on the
// run event stream. Stage-specific structured data (run config, run result,
// artifact content) is kept as JSON so the engine stays agnostic of what a
// step produces.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunType names the pipeline a run executes.
type RunType string

const (
	RunTypeDiscovery RunType = "discovery"
	RunTypeDeepDive  RunType = "deep_dive"
	RunTypePaper     RunType = "paper"
)

// Valid reports whether t is one of the known run types.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeDiscovery, RunTypeDeepDive, RunTypePaper:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending       RunStatus = "pending"
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
)

// Active reports whether the status counts against the one-active-run-per-project rule.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusAwaitingInput
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ActiveStatuses lists the statuses that hold a project's active-run slot.
var ActiveStatuses = []RunStatus{RunStatusPending, RunStatusRunning, RunStatusAwaitingInput}

// Run is one execution of a pipeline for a project. Runs are never deleted;
// a retry is a new run.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	ProjectID   uuid.UUID       `json:"project_id"`
	RunType     RunType         `json:"run_type"`
	Status      RunStatus       `json:"status"`
	Config      map[string]any  `json:"config"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorReason *string         `json:"error_reason,omitempty"`
	Checkpoint  *Checkpoint     `json:"checkpoint,omitempty"`
	LastSeq     int64           `json:"last_seq"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ConfigString returns a string config value, or "" when absent or not a string.
func (r Run) ConfigString(key string) string {
	if v, ok := r.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigBool returns a boolean config value, defaulting to false.
func (r Run) ConfigBool(key string) bool {
	v, _ := r.Config[key].(bool)
	return v
}

// DecodeResult unmarshals the run result into dst.
func (r Run) DecodeResult(dst any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("run %s has no result", r.ID)
	}
	return json.Unmarshal(r.Result, dst)
}

// StartRunRequest is the body for POST /v1/runs.
type StartRunRequest struct {
	ProjectID uuid.UUID      `json:"project_id"`
	RunType   RunType        `json:"run_type"`
	Config    map[string]any `json:"config"`
}

// ResolveCheckpointRequest is the body for POST /v1/runs/{run_id}/checkpoint.
type ResolveCheckpointRequest struct {
	Payload map[string]any `json:"payload"`
}
