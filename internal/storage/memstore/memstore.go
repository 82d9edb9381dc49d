// Package memstore is an in-process implementation of the run engine's
// store, used when no DATABASE_URL is configured and throughout the engine
// tests. A single mutex makes every operation atomic, which gives it the same
// conditional-update semantics as the Postgres store.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// Store holds runs, events, checkpoints, artifacts and sources in memory.
type Store struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]model.Run
	events      map[uuid.UUID][]model.RunEvent
	checkpoints map[uuid.UUID][]model.Checkpoint
	artifacts   map[artifactKey][]model.Artifact
	byID        map[uuid.UUID]model.Artifact
	sources     map[uuid.UUID]map[string]model.Source
}

type artifactKey struct {
	project uuid.UUID
	key     string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:        map[uuid.UUID]model.Run{},
		events:      map[uuid.UUID][]model.RunEvent{},
		checkpoints: map[uuid.UUID][]model.Checkpoint{},
		artifacts:   map[artifactKey][]model.Artifact{},
		byID:        map[uuid.UUID]model.Artifact{},
		sources:     map[uuid.UUID]map[string]model.Source{},
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Backend names the store implementation for health reporting.
func (s *Store) Backend() string { return "memory" }

// CreateRun inserts a run, rejecting a second active run for the project.
func (s *Store) CreateRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.Status.Active() {
		for _, r := range s.runs {
			if r.ProjectID == run.ProjectID && r.Status.Active() {
				return storage.ErrActiveRun
			}
		}
	}
	if run.Config == nil {
		run.Config = map[string]any{}
	}
	run.Config = cloneMap(run.Config)
	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("memstore: run %s: %w", id, storage.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns a project's runs, newest first.
func (s *Store) ListRuns(_ context.Context, projectID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsByStatus returns every run in one of the given statuses, oldest first.
func (s *Store) ListRunsByStatus(_ context.Context, statuses ...model.RunStatus) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Run
	for _, r := range s.runs {
		if slices.Contains(statuses, r.Status) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.Run) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TransitionRun moves a run from one status to another if it is still in from.
func (s *Store) TransitionRun(_ context.Context, id uuid.UUID, from, to model.RunStatus) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("memstore: run %s: %w", id, storage.ErrNotFound)
	}
	if run.Status != from {
		return model.Run{}, fmt.Errorf("memstore: run %s is %s, not %s: %w", id, run.Status, from, storage.ErrStaleStatus)
	}
	run.Status = to
	if to == model.RunStatusRunning && run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	s.runs[id] = run
	return run, nil
}

// FinishRun terminates an active run and appends its terminal event.
// Finishing an already terminal run is a no-op returning a nil event.
func (s *Store) FinishRun(_ context.Context, id uuid.UUID, req storage.FinishRequest) (model.Run, *model.RunEvent, error) {
	if !req.Status.Terminal() {
		return model.Run{}, nil, fmt.Errorf("memstore: finish run: %s is not terminal", req.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, nil, fmt.Errorf("memstore: run %s: %w", id, storage.ErrNotFound)
	}
	if run.Status.Terminal() {
		return run, nil, nil
	}

	now := time.Now().UTC()
	run.Status = req.Status
	run.FinishedAt = &now
	if len(req.Result) > 0 {
		run.Result = slices.Clone(req.Result)
	}
	if req.Status == model.RunStatusFailed {
		reason := req.Reason
		run.ErrorReason = &reason
	}
	evt := s.appendLocked(&run, req.EventType(), req.Payload())
	s.runs[id] = run
	return run, &evt, nil
}

// AppendEvent assigns the next sequence number to an event of a running run.
func (s *Store) AppendEvent(_ context.Context, runID uuid.UUID, eventType model.EventType, payload map[string]any) (model.RunEvent, error) {
	if !eventType.Valid() || eventType.Terminal() || eventType == model.EventCheckpointRaised {
		return model.RunEvent{}, fmt.Errorf("memstore: append event: %s must go through its lifecycle operation", eventType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.RunEvent{}, fmt.Errorf("memstore: run %s: %w", runID, storage.ErrNotFound)
	}
	if run.Status != model.RunStatusRunning {
		return model.RunEvent{}, fmt.Errorf("memstore: run %s: %w", runID, storage.ErrRunClosed)
	}
	evt := s.appendLocked(&run, eventType, payload)
	s.runs[runID] = run
	return evt, nil
}

func (s *Store) appendLocked(run *model.Run, eventType model.EventType, payload map[string]any) model.RunEvent {
	run.LastSeq++
	if payload == nil {
		payload = map[string]any{}
	}
	evt := model.RunEvent{
		ID:        uuid.New(),
		RunID:     run.ID,
		Seq:       run.LastSeq,
		EventType: eventType,
		Payload:   cloneMap(payload),
		CreatedAt: time.Now().UTC(),
	}
	s.events[run.ID] = append(s.events[run.ID], evt)
	return evt
}

// ListEvents returns events with seq > afterSeq in ascending order.
func (s *Store) ListEvents(_ context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	// Seq n lives at index n-1.
	start := int(min(max(afterSeq, 0), int64(len(events))))
	end := min(start+limit, len(events))
	return slices.Clone(events[start:end]), nil
}

// RaiseCheckpoint persists cp, appends checkpoint_raised and pauses the run.
func (s *Store) RaiseCheckpoint(_ context.Context, cp model.Checkpoint) (model.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[cp.RunID]
	if !ok {
		return model.RunEvent{}, fmt.Errorf("memstore: run %s: %w", cp.RunID, storage.ErrNotFound)
	}
	if run.Status != model.RunStatusRunning {
		return model.RunEvent{}, fmt.Errorf("memstore: run %s: %w", cp.RunID, storage.ErrRunClosed)
	}
	cp.Prompt = cloneMap(cp.Prompt)
	evt := s.appendLocked(&run, model.EventCheckpointRaised, cp.RaisedPayload())
	run.Status = model.RunStatusAwaitingInput
	s.runs[run.ID] = run
	s.checkpoints[run.ID] = append(s.checkpoints[run.ID], cp)
	return evt, nil
}

// LatestCheckpoint returns the most recently raised checkpoint for a run.
func (s *Store) LatestCheckpoint(_ context.Context, runID uuid.UUID) (model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[runID]
	if len(cps) == 0 {
		return model.Checkpoint{}, fmt.Errorf("memstore: run %s: %w", runID, storage.ErrNoCheckpoint)
	}
	return cps[len(cps)-1], nil
}

// ResolveCheckpoint records the payload and resumes the run. Exactly one
// caller can resolve a given checkpoint.
func (s *Store) ResolveCheckpoint(_ context.Context, runID, checkpointID uuid.UUID, payload map[string]any) (model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[runID]
	idx := slices.IndexFunc(cps, func(c model.Checkpoint) bool { return c.ID == checkpointID })
	if idx < 0 || cps[idx].Resolved() {
		return model.Checkpoint{}, fmt.Errorf("memstore: checkpoint %s: %w", checkpointID, storage.ErrCheckpointResolved)
	}
	run := s.runs[runID]
	if run.Status != model.RunStatusAwaitingInput {
		return model.Checkpoint{}, fmt.Errorf("memstore: run %s is not awaiting input: %w", runID, storage.ErrStaleStatus)
	}
	now := time.Now().UTC()
	cp := cps[idx]
	cp.ResolvedAt = &now
	cp.ResolutionPayload = cloneMap(payload)
	cps[idx] = cp
	run.Status = model.RunStatusRunning
	s.runs[runID] = run
	return cp, nil
}

// ProposeArtifact appends the next version for (project, logical key).
func (s *Store) ProposeArtifact(_ context.Context, a model.Artifact) (model.Artifact, error) {
	if a.Content == nil {
		a.Content = map[string]any{}
	}
	hash, err := storage.ContentHash(a.Content)
	if err != nil {
		return model.Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := artifactKey{a.ProjectID, a.LogicalKey}
	versions := s.artifacts[k]
	now := time.Now().UTC()
	a.ID = uuid.New()
	a.Version = len(versions) + 1
	a.Content = cloneMap(a.Content)
	a.ContentHash = hash
	a.CreatedAt = now
	a.UpdatedAt = now
	if len(versions) > 0 {
		a.CreatedAt = versions[0].CreatedAt
	}
	s.artifacts[k] = append(versions, a)
	s.byID[a.ID] = a
	return a, nil
}

// GetArtifact retrieves one artifact version by ID.
func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Artifact{}, fmt.Errorf("memstore: artifact %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

// GetCurrentArtifact returns the highest version for a logical key.
func (s *Store) GetCurrentArtifact(_ context.Context, projectID uuid.UUID, logicalKey string) (model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.artifacts[artifactKey{projectID, logicalKey}]
	if len(versions) == 0 {
		return model.Artifact{}, fmt.Errorf("memstore: artifact %s: %w", logicalKey, storage.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

// GetArtifactVersion returns one specific version for a logical key.
func (s *Store) GetArtifactVersion(_ context.Context, projectID uuid.UUID, logicalKey string, version int) (model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.artifacts[artifactKey{projectID, logicalKey}]
	if version < 1 || version > len(versions) {
		return model.Artifact{}, fmt.Errorf("memstore: artifact %s v%d: %w", logicalKey, version, storage.ErrNotFound)
	}
	return versions[version-1], nil
}

// ListCurrentArtifacts returns the current version of every logical key in
// the project, optionally filtered by type, ordered by logical key.
func (s *Store) ListCurrentArtifacts(_ context.Context, projectID uuid.UUID, artifactType model.ArtifactType) ([]model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Artifact
	for k, versions := range s.artifacts {
		if k.project != projectID || len(versions) == 0 {
			continue
		}
		cur := versions[len(versions)-1]
		if artifactType != "" && cur.ArtifactType != artifactType {
			continue
		}
		out = append(out, cur)
	}
	slices.SortFunc(out, func(a, b model.Artifact) int { return cmp.Compare(a.LogicalKey, b.LogicalKey) })
	return out, nil
}

// ListArtifactVersions returns every version of a logical key, oldest first.
func (s *Store) ListArtifactVersions(_ context.Context, projectID uuid.UUID, logicalKey string) ([]model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.artifacts[artifactKey{projectID, logicalKey}]), nil
}

// UpsertSources records sources, merging duplicates by normalized id.
func (s *Store) UpsertSources(_ context.Context, projectID uuid.UUID, sources []model.Source) ([]model.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.sources[projectID]
	if !ok {
		bucket = map[string]model.Source{}
		s.sources[projectID] = bucket
	}
	out := make([]model.Source, 0, len(sources))
	for _, src := range sources {
		if src.NormalizedID == "" {
			src.NormalizedID = model.NormalizeID(src)
		}
		if existing, ok := bucket[src.NormalizedID]; ok {
			src = model.MergeSource(existing, src)
		} else {
			src.ID = uuid.New()
			src.ProjectID = projectID
			if src.AccessedAt.IsZero() {
				src.AccessedAt = time.Now().UTC()
			}
			if src.Authors == nil {
				src.Authors = []string{}
			}
		}
		bucket[src.NormalizedID] = src
		out = append(out, src)
	}
	return out, nil
}

// ListSources returns a project's sources, most cited first.
func (s *Store) ListSources(_ context.Context, projectID uuid.UUID, limit int) ([]model.Source, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Source, 0, len(s.sources[projectID]))
	for _, src := range s.sources[projectID] {
		out = append(out, src)
	}
	slices.SortFunc(out, func(a, b model.Source) int {
		if c := cmp.Compare(b.Citations(), a.Citations()); c != 0 {
			return c
		}
		return cmp.Compare(a.NormalizedID, b.NormalizedID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cloneMap deep-copies m through JSON so stored values have the same shapes
// a Postgres round trip produces (numbers as float64, nested maps as map[string]any).
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
