package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/cortexlab/internal/model"
)

func (s *Server) registerPrompts() {
	// choose-direction: walks the assistant through a pending direction selection.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("choose-direction",
			mcplib.WithPromptDescription("Present the directions of a paused discovery run and resolve the selection"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The discovery run awaiting a direction selection"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleChooseDirectionPrompt,
	)

	// research-workflow: system prompt snippet explaining the run lifecycle.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("research-workflow",
			mcplib.WithPromptDescription("System prompt snippet explaining the CortexLab discovery, deep-dive and paper workflow"),
		),
		s.handleResearchWorkflowPrompt,
	)
}

// selectionOptions is the shape of a direction_selection checkpoint prompt.
type selectionOptions struct {
	Message    string `json:"message"`
	Directions []struct {
		ID               string  `json:"id"`
		Title            string  `json:"title"`
		FeasibilityScore float64 `json:"feasibility_score"`
	} `json:"directions"`
}

func (s *Server) handleChooseDirectionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: choose direction: %w", err)
	}
	cp := run.Checkpoint
	if run.Status != model.RunStatusAwaitingInput || cp == nil || cp.Kind != model.CheckpointDirectionSelection {
		return nil, fmt.Errorf("run %s is not awaiting a direction selection (status %s)", run.ID, run.Status)
	}

	// Round-trip through JSON: the prompt is a free-form map whose nested
	// types depend on the storage backend.
	var opts selectionOptions
	raw, err := json.Marshal(cp.Prompt)
	if err == nil {
		err = json.Unmarshal(raw, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: decode checkpoint prompt: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s.\n\nRun %s found these research directions:\n\n", strings.TrimSuffix(opts.Message, "."), run.ID)
	for _, d := range opts.Directions {
		fmt.Fprintf(&b, "- %s: %s (feasibility %.2f)\n", d.ID, d.Title, d.FeasibilityScore)
	}
	fmt.Fprintf(&b, `
Discuss the options with the user, then CALL cortexlab_resolve_checkpoint with:
- run_id: "%s"
- payload: {"direction_id": "<one of the ids above>"}

Once the run completes, a deep_dive run with config {"direction_id": ...}
turns the chosen direction into an experiment plan.`, run.ID)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Choose a research direction for run %s", run.ID),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}

func (s *Server) handleResearchWorkflowPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "CortexLab research workflow for AI assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to CortexLab, a research assistant that turns a topic into
ranked research directions, an experiment plan, and a paper draft. Work is
organized into runs; each project has at most one active run at a time.

## The Pattern: Discover, Choose, Plan, Write

### 1. Discover
Call cortexlab_start_run with run_type="discovery" and config {"query": "..."}.
Set "select_direction": true to pause for a direction choice.

### 2. Follow progress
Call cortexlab_run_events repeatedly. Each call returns only new events.
Stop when "closed" is true, or when the run status is awaiting_input.

### 3. Choose
When the run awaits input, call cortexlab_get_run to see the checkpoint,
then cortexlab_resolve_checkpoint with a payload matching its schema.

### 4. Plan and write
Start a deep_dive run for the chosen direction, then a paper run.
Read results with cortexlab_list_artifacts and cortexlab_get_artifact.

## Reading events

- agent_start / tool_call / tool_result: progress of each step
- agent_note: warnings; severity low_confidence means results were degraded
- artifact_ready: a new artifact version was saved
- run_complete / run_error: the run finished`,
				},
			},
		},
	}, nil
}
