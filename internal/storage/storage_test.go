package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
	"github.com/ashita-ai/cortexlab/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartTimescaleDB()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newRun(t *testing.T, projectID uuid.UUID) model.Run {
	t.Helper()
	run := model.Run{
		ID:        uuid.New(),
		ProjectID: projectID,
		RunType:   model.RunTypeDiscovery,
		Status:    model.RunStatusPending,
		Config:    map[string]any{"query": "domain shift"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateRun(context.Background(), run))
	return run
}

func startRun(t *testing.T, projectID uuid.UUID) model.Run {
	t.Helper()
	run := newRun(t, projectID)
	started, err := testDB.TransitionRun(context.Background(), run.ID, model.RunStatusPending, model.RunStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	return started
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	run := newRun(t, uuid.New())

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, "domain shift", got.ConfigString("query"))
	assert.Zero(t, got.LastSeq)

	_, err = testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	first := newRun(t, projectID)

	second := model.Run{ID: uuid.New(), ProjectID: projectID, RunType: model.RunTypePaper, Status: model.RunStatusPending, CreatedAt: time.Now().UTC()}
	assert.ErrorIs(t, testDB.CreateRun(ctx, second), storage.ErrActiveRun)

	_, _, err := testDB.FinishRun(ctx, first.ID, storage.FinishRequest{Status: model.RunStatusFailed, Reason: "cancelled"})
	require.NoError(t, err)
	assert.NoError(t, testDB.CreateRun(ctx, second), "a finished run frees the project slot")
}

func TestConcurrentAdmissionAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	const n = 8
	errs := make(chan error, n)
	for range n {
		go func() {
			errs <- testDB.CreateRun(ctx, model.Run{
				ID: uuid.New(), ProjectID: projectID, RunType: model.RunTypeDiscovery,
				Status: model.RunStatusPending, CreatedAt: time.Now().UTC(),
			})
		}()
	}
	var admitted, rejected int
	for range n {
		err := <-errs
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, storage.ErrActiveRun):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, n-1, rejected)
}

func TestTransitionRunStale(t *testing.T) {
	ctx := context.Background()
	run := startRun(t, uuid.New())

	_, err := testDB.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning)
	assert.ErrorIs(t, err, storage.ErrStaleStatus)

	_, err = testDB.TransitionRun(ctx, uuid.New(), model.RunStatusPending, model.RunStatusRunning)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendEventConcurrentIsGapless(t *testing.T) {
	ctx := context.Background()
	run := startRun(t, uuid.New())

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.AppendEvent(ctx, run.ID, model.EventAgentNote, map[string]any{"i": i})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := testDB.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := testDB.ListEvents(ctx, run.ID, 35, 0)
	require.NoError(t, err)
	require.Len(t, tail, 5)
	assert.Equal(t, int64(36), tail[0].Seq)
}

func TestFinishRunFencesLaterAppends(t *testing.T) {
	ctx := context.Background()
	run := startRun(t, uuid.New())

	_, err := testDB.AppendEvent(ctx, run.ID, model.EventAgentStart, map[string]any{"role": "scope-clarify"})
	require.NoError(t, err)

	finished, evt, err := testDB.FinishRun(ctx, run.ID, storage.FinishRequest{
		Status: model.RunStatusCompleted,
		Result: []byte(`{"report_key":"discovery_report:x"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, model.EventRunComplete, evt.EventType)
	assert.Equal(t, int64(2), evt.Seq)
	assert.Equal(t, model.RunStatusCompleted, finished.Status)
	assert.NotNil(t, finished.FinishedAt)
	assert.JSONEq(t, `{"report_key":"discovery_report:x"}`, string(finished.Result))

	_, err = testDB.AppendEvent(ctx, run.ID, model.EventAgentNote, nil)
	assert.ErrorIs(t, err, storage.ErrRunClosed)

	// A second finish is a no-op: exactly one terminal event.
	again, evt, err := testDB.FinishRun(ctx, run.ID, storage.FinishRequest{Status: model.RunStatusFailed, Reason: "late"})
	require.NoError(t, err)
	assert.Nil(t, evt)
	assert.Equal(t, model.RunStatusCompleted, again.Status)

	events, err := testDB.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "discovery_report:x", events[1].Payload["result"].(map[string]any)["report_key"])
}

func TestAppendEventRejectsLifecycleTypes(t *testing.T) {
	run := startRun(t, uuid.New())
	_, err := testDB.AppendEvent(context.Background(), run.ID, model.EventRunComplete, nil)
	assert.Error(t, err)
}

func TestCheckpointRaiseAndResolve(t *testing.T) {
	ctx := context.Background()
	run := startRun(t, uuid.New())

	cp := model.Checkpoint{
		ID:    uuid.New(),
		RunID: run.ID,
		Kind:  model.CheckpointDirectionSelection,
		Schema: model.InputSchema{
			Type:       "object",
			Required:   []string{"direction_id"},
			Properties: map[string]model.PropertySchema{"direction_id": {Type: "string", Enum: []any{"d1", "d2"}}},
		},
		Prompt:      map[string]any{"message": "pick one"},
		ResumeGroup: 5,
		State:       map[string]json.RawMessage{"discovery": json.RawMessage(`{"query":"q"}`)},
		RaisedAt:    time.Now().UTC(),
	}
	evt, err := testDB.RaiseCheckpoint(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, model.EventCheckpointRaised, evt.EventType)
	assert.Equal(t, cp.ID.String(), evt.Payload["checkpoint_id"])

	paused, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingInput, paused.Status)

	_, err = testDB.AppendEvent(ctx, run.ID, model.EventAgentNote, nil)
	assert.ErrorIs(t, err, storage.ErrRunClosed, "paused runs accept no events")

	latest, err := testDB.LatestCheckpoint(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, latest.Resolved())
	assert.Equal(t, 5, latest.ResumeGroup)
	assert.JSONEq(t, `{"query":"q"}`, string(latest.State["discovery"]))
	assert.Equal(t, []string{"direction_id"}, latest.Schema.Required)

	resolved, err := testDB.ResolveCheckpoint(ctx, run.ID, cp.ID, map[string]any{"direction_id": "d2"})
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "d2", resolved.ResolutionPayload["direction_id"])

	_, err = testDB.ResolveCheckpoint(ctx, run.ID, cp.ID, map[string]any{"direction_id": "d1"})
	assert.ErrorIs(t, err, storage.ErrCheckpointResolved)

	resumed, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, resumed.Status)
}

func TestResolveCheckpointOfCancelledRun(t *testing.T) {
	ctx := context.Background()
	run := startRun(t, uuid.New())
	cp := model.Checkpoint{ID: uuid.New(), RunID: run.ID, Kind: "confirm", Schema: model.InputSchema{Type: "object"}, RaisedAt: time.Now().UTC()}
	_, err := testDB.RaiseCheckpoint(ctx, cp)
	require.NoError(t, err)

	_, _, err = testDB.FinishRun(ctx, run.ID, storage.FinishRequest{Status: model.RunStatusFailed, Reason: "cancelled"})
	require.NoError(t, err)

	_, err = testDB.ResolveCheckpoint(ctx, run.ID, cp.ID, map[string]any{})
	assert.ErrorIs(t, err, storage.ErrStaleStatus)
}

func TestArtifactVersioning(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	key := model.LogicalKey(model.ArtifactPaperDraft, "Robust Classification")

	v1, err := testDB.ProposeArtifact(ctx, model.Artifact{
		ProjectID: projectID, ArtifactType: model.ArtifactPaperDraft, LogicalKey: key,
		Title: "Robust Classification", Content: map[string]any{"abstract": "v1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.NotEmpty(t, v1.ContentHash)

	v2, err := testDB.ProposeArtifact(ctx, model.Artifact{
		ProjectID: projectID, ArtifactType: model.ArtifactPaperDraft, LogicalKey: key,
		Title: "Robust Classification", Content: map[string]any{"abstract": "v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.WithinDuration(t, v1.CreatedAt, v2.CreatedAt, time.Millisecond)

	current, err := testDB.GetCurrentArtifact(ctx, projectID, key)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, "v2", current.Content["abstract"])

	first, err := testDB.GetArtifactVersion(ctx, projectID, key, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Content["abstract"], "earlier versions are untouched")

	history, err := testDB.ListArtifactVersions(ctx, projectID, key)
	require.NoError(t, err)
	require.Len(t, history, 2)

	list, err := testDB.ListCurrentArtifacts(ctx, projectID, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)

	_, err = testDB.GetArtifactVersion(ctx, projectID, key, 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentProposalsGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	const n = 10
	versions := make(chan int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := testDB.ProposeArtifact(ctx, model.Artifact{
				ProjectID: projectID, ArtifactType: model.ArtifactExperimentPlan,
				LogicalKey: "experiment_plan:x", Content: map[string]any{"i": i},
			})
			assert.NoError(t, err)
			versions <- a.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		seen[v] = true
	}
	assert.Len(t, seen, n)
	for v := 1; v <= n; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}
}

func TestUpsertSourcesMerges(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	three, ten := 3, 10

	stored, err := testDB.UpsertSources(ctx, projectID, []model.Source{
		{Provider: "serpapi", ExternalID: "g1", Title: "Deep Domain Adaptation", Abstract: "short", CitationCount: &three},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "title:deepdomainadaptation", stored[0].NormalizedID)

	merged, err := testDB.UpsertSources(ctx, projectID, []model.Source{
		{Provider: "semanticscholar", ExternalID: "s2", Title: "Deep domain adaptation.", Abstract: "a longer abstract", CitationCount: &ten, Venue: "ICML"},
	})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, stored[0].ID, merged[0].ID)
	assert.Equal(t, "a longer abstract", merged[0].Abstract)
	assert.Equal(t, 10, merged[0].Citations())
	assert.Equal(t, "ICML", merged[0].Venue)
	assert.Equal(t, "serpapi", merged[0].Provider, "first provider is kept")

	all, err := testDB.ListSources(ctx, projectID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSimilarSources(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	stored, err := testDB.UpsertSources(ctx, projectID, []model.Source{
		{Provider: "openalex", ExternalID: "W1", Title: "Vision transformers"},
		{Provider: "openalex", ExternalID: "W2", Title: "Protein folding"},
	})
	require.NoError(t, err)

	vec := func(hot int) []float32 {
		v := make([]float32, 1536)
		v[hot] = 1
		return v
	}
	require.NoError(t, testDB.SetSourceEmbedding(ctx, stored[0].ID, vec(0)))
	require.NoError(t, testDB.SetSourceEmbedding(ctx, stored[1].ID, vec(1)))

	near, err := testDB.SimilarSources(ctx, projectID, vec(1), 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "Protein folding", near[0].Title)
}

func TestNotifyOnAppend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelRunEvents))

	run := startRun(t, uuid.New())
	_, err := testDB.AppendEvent(ctx, run.ID, model.EventToolCall, map[string]any{"provider": "openalex"})
	require.NoError(t, err)

	for {
		channel, payload, err := testDB.WaitForNotification(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.ChannelRunEvents, channel)
		runID, seq, err := storage.ParseEventNotification(payload)
		require.NoError(t, err)
		if runID == run.ID {
			assert.Equal(t, int64(1), seq)
			return
		}
	}
}

func TestParseEventNotification(t *testing.T) {
	id := uuid.New()
	runID, seq, err := storage.ParseEventNotification(id.String() + ":42")
	require.NoError(t, err)
	assert.Equal(t, id, runID)
	assert.Equal(t, int64(42), seq)

	for _, bad := range []string{"", "nocolon", "not-a-uuid:1", id.String() + ":x"} {
		_, _, err := storage.ParseEventNotification(bad)
		assert.Error(t, err, bad)
	}
}

func TestContentHashStable(t *testing.T) {
	a, err := storage.ContentHash(map[string]any{"b": 1, "a": []any{"x"}})
	require.NoError(t, err)
	b, err := storage.ContentHash(map[string]any{"a": []any{"x"}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
