package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/ctxutil"
	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage/memstore"
	"github.com/ashita-ai/cortexlab/internal/testutil"
)

// ---------- fixtures ----------

type funcStep struct {
	role engine.Role
	name string
	fn   func(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error)
}

func (s funcStep) Role() engine.Role { return s.role }
func (s funcStep) Name() string      { return s.name }
func (s funcStep) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	return s.fn(ctx, sc)
}

// testPipelines pauses for a direction selection when the run config asks
// for it and otherwise completes after one step.
type testPipelines struct{}

func (testPipelines) Validate(model.RunType, map[string]any) error { return nil }

func (testPipelines) Pipeline(run model.Run) (*engine.Pipeline, error) {
	directions := funcStep{role: engine.RoleDirectionGenerate, name: "directions", fn: func(context.Context, *engine.StepContext) (engine.StepOutcome, error) {
		out := engine.StepOutcome{
			Events: []engine.Event{{Type: model.EventPartialOutput, Payload: map[string]any{"text": "two directions"}}},
			Output: []string{"dir_1", "dir_2"},
		}
		if run.ConfigBool("select_direction") {
			out.Checkpoint = &engine.CheckpointRequest{
				Kind: model.CheckpointDirectionSelection,
				Schema: model.InputSchema{
					Type:       "object",
					Required:   []string{"direction_id"},
					Properties: map[string]model.PropertySchema{"direction_id": {Type: "string", Enum: []any{"dir_1", "dir_2"}}},
				},
				Prompt: map[string]any{
					"message": "Select the research direction to pursue",
					"directions": []map[string]any{
						{"id": "dir_1", "title": "Sparse graph priors", "feasibility_score": 0.8},
						{"id": "dir_2", "title": "Dense graph priors", "feasibility_score": 0.4},
					},
				},
			}
		}
		return out, nil
	}}
	return &engine.Pipeline{
		Groups: []engine.Group{{Name: "directions", Steps: []engine.Step{directions}}},
		Result: func(_ context.Context, st *engine.State) (any, error) {
			var v any
			_, err := st.Get("directions", &v)
			return map[string]any{"directions": v}, err
		},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(memstore.New(), testPipelines{}, engine.Config{
		MaxAttempts:    2,
		MaxParallel:    2,
		RetryBaseDelay: time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	}, testutil.TestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return New(eng, testutil.TestLogger(), "test"), eng
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeTool[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "tool failed: %s", parseToolText(t, result))
	var out T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

type runView struct {
	ID          uuid.UUID       `json:"id"`
	Status      model.RunStatus `json:"status"`
	ErrorReason string          `json:"error_reason"`
	Checkpoint  *struct {
		Kind string `json:"kind"`
	} `json:"checkpoint"`
}

func startRun(t *testing.T, s *Server, ctx context.Context, projectID uuid.UUID, config map[string]any) runView {
	t.Helper()
	res, err := s.handleStartRun(ctx, callTool("cortexlab_start_run", map[string]any{
		"project_id": projectID.String(),
		"run_type":   "discovery",
		"config":     config,
	}))
	require.NoError(t, err)
	return decodeTool[runView](t, res)
}

func waitStatus(t *testing.T, eng *engine.Engine, runID uuid.UUID, status model.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := eng.Get(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func claimsCtx(role auth.Role, projects ...uuid.UUID) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{Projects: projects, Role: role})
}

// ---------- tools ----------

func TestStartGetAndListRuns(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()
	projectID := uuid.New()

	run := startRun(t, s, ctx, projectID, map[string]any{"query": "graph priors"})
	waitStatus(t, eng, run.ID, model.RunStatusCompleted)

	res, err := s.handleGetRun(ctx, callTool("cortexlab_get_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	got := decodeTool[map[string]any](t, res)
	assert.Equal(t, string(model.RunStatusCompleted), got["status"])
	assert.NotContains(t, got, "config")
	assert.NotNil(t, got["result"])

	res, err = s.handleListRuns(ctx, callTool("cortexlab_list_runs", map[string]any{"project_id": projectID.String()}))
	require.NoError(t, err)
	list := decodeTool[struct {
		Runs  []runView `json:"runs"`
		Total int       `json:"total"`
	}](t, res)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, run.ID, list.Runs[0].ID)
}

func TestStartRunErrors(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	projectID := uuid.New()

	tests := []struct {
		name string
		ctx  context.Context
		args map[string]any
	}{
		{"bad project id", context.Background(), map[string]any{"project_id": "nope", "run_type": "discovery"}},
		{"unknown run type", context.Background(), map[string]any{"project_id": projectID.String(), "run_type": "survey"}},
		{"reader token", claimsCtx(auth.RoleReader), map[string]any{"project_id": projectID.String(), "run_type": "discovery"}},
		{"out of scope", claimsCtx(auth.RoleWriter, uuid.New()), map[string]any{"project_id": projectID.String(), "run_type": "discovery"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleStartRun(tt.ctx, callTool("cortexlab_start_run", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}

	// A second start while the first awaits input conflicts.
	run := startRun(t, s, context.Background(), projectID, map[string]any{"select_direction": true})
	waitStatus(t, eng, run.ID, model.RunStatusAwaitingInput)
	res, err := s.handleStartRun(context.Background(), callTool("cortexlab_start_run", map[string]any{
		"project_id": projectID.String(), "run_type": "discovery",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, parseToolText(t, res), "active run")
}

func TestResolveCheckpointTool(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()

	run := startRun(t, s, ctx, uuid.New(), map[string]any{"select_direction": true})
	waitStatus(t, eng, run.ID, model.RunStatusAwaitingInput)

	res, err := s.handleGetRun(ctx, callTool("cortexlab_get_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	paused := decodeTool[runView](t, res)
	require.NotNil(t, paused.Checkpoint)
	assert.Equal(t, model.CheckpointDirectionSelection, paused.Checkpoint.Kind)

	resolve := func(payload any) *mcplib.CallToolResult {
		res, err := s.handleResolveCheckpoint(ctx, callTool("cortexlab_resolve_checkpoint", map[string]any{
			"run_id":  run.ID.String(),
			"payload": payload,
		}))
		require.NoError(t, err)
		return res
	}

	assert.True(t, resolve("dir_1").IsError)
	assert.True(t, resolve(map[string]any{"direction_id": "dir_7"}).IsError)

	ok := resolve(map[string]any{"direction_id": "dir_2"})
	assert.NotEqual(t, model.RunStatusAwaitingInput, decodeTool[runView](t, ok).Status)
	waitStatus(t, eng, run.ID, model.RunStatusCompleted)

	again := resolve(map[string]any{"direction_id": "dir_1"})
	require.True(t, again.IsError)
	assert.Contains(t, parseToolText(t, again), "already resolved")
}

func TestCancelRunTool(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()

	run := startRun(t, s, ctx, uuid.New(), map[string]any{"select_direction": true})
	waitStatus(t, eng, run.ID, model.RunStatusAwaitingInput)

	res, err := s.handleCancelRun(claimsCtx(auth.RoleReader), callTool("cortexlab_cancel_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleCancelRun(ctx, callTool("cortexlab_cancel_run", map[string]any{"run_id": run.ID.String()}))
	require.NoError(t, err)
	cancelled := decodeTool[runView](t, res)
	assert.Equal(t, model.RunStatusFailed, cancelled.Status)
	assert.Equal(t, engine.ReasonCancelled, cancelled.ErrorReason)
}

func TestRunEventsToolContinuesFromCursor(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "carol"},
		Role:             auth.RoleWriter,
	})

	run := startRun(t, s, ctx, uuid.New(), nil)
	waitStatus(t, eng, run.ID, model.RunStatusCompleted)

	type page struct {
		Events []struct {
			Seq       int64           `json:"seq"`
			EventType model.EventType `json:"event_type"`
		} `json:"events"`
		LastSeq int64 `json:"last_seq"`
		Closed  bool  `json:"closed"`
	}
	read := func(args map[string]any) page {
		args["run_id"] = run.ID.String()
		res, err := s.handleRunEvents(ctx, callTool("cortexlab_run_events", args))
		require.NoError(t, err)
		return decodeTool[page](t, res)
	}

	first := read(map[string]any{"limit": 2})
	require.Len(t, first.Events, 2)
	assert.Equal(t, int64(1), first.Events[0].Seq)
	assert.False(t, first.Closed)

	rest := read(map[string]any{})
	require.NotEmpty(t, rest.Events)
	assert.Equal(t, int64(3), rest.Events[0].Seq)
	assert.True(t, rest.Closed)
	assert.Equal(t, model.EventRunComplete, rest.Events[len(rest.Events)-1].EventType)

	empty := read(map[string]any{})
	assert.Empty(t, empty.Events)
	assert.True(t, empty.Closed)

	replay := read(map[string]any{"after": 0})
	assert.Equal(t, int64(1), replay.Events[0].Seq)
}

func TestArtifactTools(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()
	projectID := uuid.New()

	for _, abstract := range []string{"first", "second"} {
		_, err := eng.Artifacts().Propose(ctx, projectID, model.ProposeArtifactRequest{
			ArtifactType: model.ArtifactPaperDraft,
			Title:        "Graph priors",
			Content:      map[string]any{"abstract": abstract},
		}, nil)
		require.NoError(t, err)
	}

	res, err := s.handleListArtifacts(ctx, callTool("cortexlab_list_artifacts", map[string]any{"project_id": projectID.String()}))
	require.NoError(t, err)
	list := decodeTool[struct {
		Artifacts []map[string]any `json:"artifacts"`
		Total     int              `json:"total"`
	}](t, res)
	require.Equal(t, 1, list.Total)
	assert.NotContains(t, list.Artifacts[0], "content")
	assert.Equal(t, 2.0, list.Artifacts[0]["version"])
	id := list.Artifacts[0]["id"].(string)

	type artifactView struct {
		Version int            `json:"version"`
		Content map[string]any `json:"content"`
	}
	get := func(args map[string]any) *mcplib.CallToolResult {
		res, err := s.handleGetArtifact(ctx, callTool("cortexlab_get_artifact", args))
		require.NoError(t, err)
		return res
	}

	byID := decodeTool[artifactView](t, get(map[string]any{"artifact_id": id}))
	assert.Equal(t, "second", byID.Content["abstract"])

	key := model.LogicalKey(model.ArtifactPaperDraft, "Graph priors")
	current := decodeTool[artifactView](t, get(map[string]any{"project_id": projectID.String(), "logical_key": key}))
	assert.Equal(t, 2, current.Version)
	v1 := decodeTool[artifactView](t, get(map[string]any{"project_id": projectID.String(), "logical_key": key, "version": 1}))
	assert.Equal(t, "first", v1.Content["abstract"])

	assert.True(t, get(map[string]any{}).IsError)
	assert.True(t, get(map[string]any{"artifact_id": uuid.NewString()}).IsError)

	scoped, err := s.handleGetArtifact(claimsCtx(auth.RoleReader, uuid.New()), callTool("cortexlab_get_artifact", map[string]any{"artifact_id": id}))
	require.NoError(t, err)
	assert.True(t, scoped.IsError)
}

func TestUnknownRunIsToolError(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	for _, raw := range []string{"not-a-uuid", uuid.NewString()} {
		res, err := s.handleGetRun(context.Background(), callTool("cortexlab_get_run", map[string]any{"run_id": raw}))
		require.NoError(t, err)
		assert.True(t, res.IsError, raw)
	}
}
