package mcp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/model"
)

func promptRequest(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: name, Arguments: args},
	}
}

func TestChooseDirectionPrompt(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()

	run := startRun(t, s, ctx, uuid.New(), map[string]any{"select_direction": true})
	waitStatus(t, eng, run.ID, model.RunStatusAwaitingInput)

	result, err := s.handleChooseDirectionPrompt(ctx, promptRequest("choose-direction", map[string]string{"run_id": run.ID.String()}))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	assert.Contains(t, tc.Text, "Select the research direction to pursue")
	assert.Contains(t, tc.Text, "dir_1: Sparse graph priors (feasibility 0.80)")
	assert.Contains(t, tc.Text, "dir_2: Dense graph priors (feasibility 0.40)")
	assert.Contains(t, tc.Text, "cortexlab_resolve_checkpoint")
	assert.Contains(t, tc.Text, run.ID.String())
}

func TestChooseDirectionPromptErrors(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleChooseDirectionPrompt(ctx, promptRequest("choose-direction", map[string]string{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_id")

	_, err = s.handleChooseDirectionPrompt(ctx, promptRequest("choose-direction", map[string]string{"run_id": uuid.NewString()}))
	assert.Error(t, err)

	// A run that never paused has nothing to choose.
	run := startRun(t, s, ctx, uuid.New(), nil)
	waitStatus(t, eng, run.ID, model.RunStatusCompleted)
	_, err = s.handleChooseDirectionPrompt(ctx, promptRequest("choose-direction", map[string]string{"run_id": run.ID.String()}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not awaiting a direction selection")
}

func TestResearchWorkflowPrompt(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	result, err := s.handleResearchWorkflowPrompt(context.Background(), promptRequest("research-workflow", nil))
	require.NoError(t, err)
	require.NotEmpty(t, result.Messages)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	for _, tool := range []string{
		"cortexlab_start_run", "cortexlab_run_events", "cortexlab_get_run",
		"cortexlab_resolve_checkpoint", "cortexlab_list_artifacts", "cortexlab_get_artifact",
	} {
		assert.Contains(t, tc.Text, tool)
	}
}
