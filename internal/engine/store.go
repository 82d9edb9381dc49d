package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// Store is the persistence contract the engine runs on. Both
// *storage.DB and *memstore.Store implement it and report failures with the
// storage sentinels (ErrActiveRun, ErrRunClosed, ErrStaleStatus, ...).
//
// Every mutating method is atomic: admission relies on CreateRun rejecting a
// second active run, sequence numbers come from AppendEvent's conditional
// counter update, and FinishRun writes the terminal event and status together.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...model.RunStatus) ([]model.Run, error)
	TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) (model.Run, error)
	FinishRun(ctx context.Context, id uuid.UUID, req storage.FinishRequest) (model.Run, *model.RunEvent, error)

	AppendEvent(ctx context.Context, runID uuid.UUID, eventType model.EventType, payload map[string]any) (model.RunEvent, error)
	ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.RunEvent, error)

	RaiseCheckpoint(ctx context.Context, cp model.Checkpoint) (model.RunEvent, error)
	LatestCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error)
	ResolveCheckpoint(ctx context.Context, runID, checkpointID uuid.UUID, payload map[string]any) (model.Checkpoint, error)

	ProposeArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error)
	GetCurrentArtifact(ctx context.Context, projectID uuid.UUID, logicalKey string) (model.Artifact, error)
	GetArtifactVersion(ctx context.Context, projectID uuid.UUID, logicalKey string, version int) (model.Artifact, error)
	ListCurrentArtifacts(ctx context.Context, projectID uuid.UUID, artifactType model.ArtifactType) ([]model.Artifact, error)
	ListArtifactVersions(ctx context.Context, projectID uuid.UUID, logicalKey string) ([]model.Artifact, error)

	UpsertSources(ctx context.Context, projectID uuid.UUID, sources []model.Source) ([]model.Source, error)
	ListSources(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Source, error)

	Ping(ctx context.Context) error
	Backend() string
}

// VectorStore is implemented by stores that can index source embeddings.
// Only the Postgres store does; callers type-assert for it.
type VectorStore interface {
	SetSourceEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
	SimilarSources(ctx context.Context, projectID uuid.UUID, query []float32, limit int) ([]model.Source, error)
}
