package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
	"github.com/ashita-ai/cortexlab/internal/storage/memstore"
)

func TestProposeValidation(t *testing.T) {
	t.Parallel()
	a := engine.NewArtifactStore(memstore.New())
	project := uuid.New()
	content := map[string]any{"summary": "s"}

	tests := []struct {
		name      string
		projectID uuid.UUID
		req       model.ProposeArtifactRequest
	}{
		{"missing project", uuid.Nil, model.ProposeArtifactRequest{ArtifactType: model.ArtifactPaperDraft, Title: "t", Content: content}},
		{"unknown type", project, model.ProposeArtifactRequest{ArtifactType: "memo", Title: "t", Content: content}},
		{"missing content", project, model.ProposeArtifactRequest{ArtifactType: model.ArtifactPaperDraft, Title: "t"}},
		{"blank title", project, model.ProposeArtifactRequest{ArtifactType: model.ArtifactPaperDraft, Title: "  ", Content: content}},
		{"key for another type", project, model.ProposeArtifactRequest{ArtifactType: model.ArtifactPaperDraft, Title: "t", LogicalKey: "experiment_plan:t", Content: content}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := a.Propose(context.Background(), tt.projectID, tt.req, nil)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestProposeAppendsImmutableVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := engine.NewArtifactStore(memstore.New())
	project := uuid.New()
	req := model.ProposeArtifactRequest{ArtifactType: model.ArtifactExperimentPlan, Title: "Label Noise Under Shift", Content: map[string]any{"experiments": []any{"baseline"}}}

	v1, err := a.Propose(ctx, project, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "experiment_plan:label-noise-under-shift", v1.LogicalKey)

	req.Content = map[string]any{"experiments": []any{"baseline", "ablation"}}
	v2, err := a.Propose(ctx, project, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ContentHash, v2.ContentHash)

	again, err := a.Version(ctx, project, v1.LogicalKey, 1)
	require.NoError(t, err)
	assert.Equal(t, v1.Content, again.Content)

	byID, err := a.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, byID.Version)

	list, err := a.List(ctx, project, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)

	_, err = a.Version(ctx, project, v1.LogicalKey, 0)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = a.History(ctx, project, "experiment_plan:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentProposalsAreContiguous(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := engine.NewArtifactStore(memstore.New())
	project := uuid.New()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Propose(ctx, project, model.ProposeArtifactRequest{
				ArtifactType: model.ArtifactPaperDraft, Title: "Draft", Content: map[string]any{"n": i},
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := a.History(ctx, project, "paper_draft:draft")
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, v := range history {
		assert.Equal(t, i+1, v.Version)
	}
}
