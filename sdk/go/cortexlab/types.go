package cortexlab

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run types.
const (
	RunTypeDiscovery = "discovery"
	RunTypeDeepDive  = "deep_dive"
	RunTypePaper     = "paper"
)

// Run statuses.
const (
	StatusPending       = "pending"
	StatusRunning       = "running"
	StatusAwaitingInput = "awaiting_input"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// Terminal event types. A stream closes after delivering one of them.
const (
	EventRunComplete = "run_complete"
	EventRunError    = "run_error"
)

// Artifact types.
const (
	ArtifactDiscoveryReport = "discovery_report"
	ArtifactExperimentPlan  = "experiment_plan"
	ArtifactPaperDraft      = "paper_draft"
)

// StartRunRequest admits a run.
//
// Config keys by run type:
//   - discovery: query (required), select_direction, year_from, year_to
//   - deep_dive: direction_id
//   - paper: title, instructions, artifact_key
type StartRunRequest struct {
	ProjectID uuid.UUID      `json:"project_id"`
	RunType   string         `json:"run_type"`
	Config    map[string]any `json:"config,omitempty"`
}

// Run is the state of one pipeline execution.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	ProjectID   uuid.UUID       `json:"project_id"`
	RunType     string          `json:"run_type"`
	Status      string          `json:"status"`
	Config      map[string]any  `json:"config"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorReason *string         `json:"error_reason,omitempty"`
	Checkpoint  *Checkpoint     `json:"checkpoint,omitempty"`
	LastSeq     int64           `json:"last_seq"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Checkpoint is a pause point awaiting user input.
type Checkpoint struct {
	ID                  uuid.UUID      `json:"id"`
	RunID               uuid.UUID      `json:"run_id"`
	Kind                string         `json:"kind"`
	ExpectedInputSchema InputSchema    `json:"expected_input_schema"`
	Prompt              map[string]any `json:"prompt,omitempty"`
	RaisedAt            time.Time      `json:"raised_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}

// InputSchema describes the payload a checkpoint accepts.
type InputSchema struct {
	Type       string                    `json:"type"`
	Required   []string                  `json:"required,omitempty"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
}

// PropertySchema describes one field of a checkpoint payload.
type PropertySchema struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Event is one entry in a run's event log.
type Event struct {
	ID        uuid.UUID      `json:"id,omitempty"`
	RunID     uuid.UUID      `json:"run_id,omitempty"`
	Seq       int64          `json:"seq"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// Terminal reports whether the event closes the run.
func (e Event) Terminal() bool {
	return e.EventType == EventRunComplete || e.EventType == EventRunError
}

// EventsPage is one page of a run's event log.
type EventsPage struct {
	Events  []Event `json:"events"`
	LastSeq int64   `json:"last_seq"`
	Closed  bool    `json:"closed"`
}

// Artifact is one immutable version of a logical artifact.
type Artifact struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"project_id"`
	ArtifactType    string         `json:"artifact_type"`
	LogicalKey      string         `json:"logical_key"`
	Title           string         `json:"title"`
	Version         int            `json:"version"`
	Content         map[string]any `json:"content"`
	ContentHash     string         `json:"content_hash"`
	ProducedByRunID *uuid.UUID     `json:"produced_by_run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ProposeArtifactRequest creates a new artifact version. LogicalKey defaults
// to "<artifact_type>:<slug(title)>".
type ProposeArtifactRequest struct {
	ArtifactType string         `json:"artifact_type"`
	Title        string         `json:"title"`
	LogicalKey   string         `json:"logical_key,omitempty"`
	Content      map[string]any `json:"content"`
}

// Source is a paper gathered for a project.
type Source struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Provider      string    `json:"provider"`
	ExternalID    string    `json:"external_id"`
	NormalizedID  string    `json:"normalized_id"`
	DOI           string    `json:"doi,omitempty"`
	Title         string    `json:"title"`
	Authors       []string  `json:"authors"`
	Year          *int      `json:"year,omitempty"`
	Venue         string    `json:"venue,omitempty"`
	URL           string    `json:"url,omitempty"`
	Abstract      string    `json:"abstract,omitempty"`
	CitationCount *int      `json:"citation_count,omitempty"`
	AccessedAt    time.Time `json:"accessed_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Backend    string `json:"backend"`
	ActiveRuns int    `json:"active_runs"`
	SSEBroker  string `json:"sse_broker,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}
