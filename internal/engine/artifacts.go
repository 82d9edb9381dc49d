package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// ArtifactStore is the versioned document store. Every proposal appends a
// new immutable version; readers get the current version by default.
type ArtifactStore struct {
	store Store
}

// NewArtifactStore creates an ArtifactStore over store.
func NewArtifactStore(store Store) *ArtifactStore {
	return &ArtifactStore{store: store}
}

// Propose validates req and appends the next version for its logical key.
// An empty logical key is derived from the type and title. runID, when
// non-nil, records which run produced the version.
func (a *ArtifactStore) Propose(ctx context.Context, projectID uuid.UUID, req model.ProposeArtifactRequest, runID *uuid.UUID) (model.Artifact, error) {
	const op = "propose artifact"
	if projectID == uuid.Nil {
		return model.Artifact{}, errs.Validation(op, "project_id is required")
	}
	if !req.ArtifactType.Valid() {
		return model.Artifact{}, errs.Validation(op, "unknown artifact_type %q", req.ArtifactType)
	}
	if req.Content == nil {
		return model.Artifact{}, errs.Validation(op, "content is required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return model.Artifact{}, errs.Validation(op, "title is required")
	}
	key := strings.TrimSpace(req.LogicalKey)
	switch {
	case key == "":
		key = model.LogicalKey(req.ArtifactType, title)
	case !strings.HasPrefix(key, string(req.ArtifactType)+":"):
		return model.Artifact{}, errs.Validation(op, "logical_key must start with %q", string(req.ArtifactType)+":")
	}

	return a.store.ProposeArtifact(ctx, model.Artifact{
		ProjectID:       projectID,
		ArtifactType:    req.ArtifactType,
		LogicalKey:      key,
		Title:           title,
		Content:         req.Content,
		ProducedByRunID: runID,
	})
}

// Get returns one artifact version by id.
func (a *ArtifactStore) Get(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	return a.store.GetArtifact(ctx, id)
}

// Current returns the latest version for a logical key.
func (a *ArtifactStore) Current(ctx context.Context, projectID uuid.UUID, logicalKey string) (model.Artifact, error) {
	return a.store.GetCurrentArtifact(ctx, projectID, logicalKey)
}

// Version returns a specific version. Versions start at 1.
func (a *ArtifactStore) Version(ctx context.Context, projectID uuid.UUID, logicalKey string, version int) (model.Artifact, error) {
	if version < 1 {
		return model.Artifact{}, errs.Validation("get artifact version", "version must be >= 1")
	}
	return a.store.GetArtifactVersion(ctx, projectID, logicalKey, version)
}

// List returns the current version of every artifact in a project,
// optionally restricted to one type.
func (a *ArtifactStore) List(ctx context.Context, projectID uuid.UUID, t model.ArtifactType) ([]model.Artifact, error) {
	if t != "" && !t.Valid() {
		return nil, errs.Validation("list artifacts", "unknown artifact_type %q", t)
	}
	return a.store.ListCurrentArtifacts(ctx, projectID, t)
}

// History returns every version of a logical key, oldest first.
func (a *ArtifactStore) History(ctx context.Context, projectID uuid.UUID, logicalKey string) ([]model.Artifact, error) {
	versions, err := a.store.ListArtifactVersions(ctx, projectID, logicalKey)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	return versions, nil
}

// IsNotFound reports whether err means the requested record doesn't exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
