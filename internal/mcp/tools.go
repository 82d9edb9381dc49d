package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/cortexlab/internal/model"
)

func (s *Server) registerTools() {
	// cortexlab_start_run: admit a new run for a project.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_start_run",
			mcplib.WithDescription(`Start a research run for a project.

RUN TYPES:
- discovery: clarify scope, scout literature, mine gaps and propose ranked
  research directions. With select_direction=true it pauses for a
  direction_selection checkpoint.
- deep_dive: expand one direction of the latest discovery report into an
  experiment plan artifact. Optional config.direction_id picks it.
- paper: draft or edit a paper artifact from prior artifacts.

Only one active run per project is allowed; a second start while one is
pending, running or awaiting input fails with a conflict.

Follow progress with cortexlab_run_events.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("project_id",
				mcplib.Description("Project UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("run_type",
				mcplib.Description("One of discovery, deep_dive, paper"),
				mcplib.Required(),
				mcplib.Enum(string(model.RunTypeDiscovery), string(model.RunTypeDeepDive), string(model.RunTypePaper)),
			),
			mcplib.WithObject("config",
				mcplib.Description("Run configuration. discovery takes {query, select_direction}; deep_dive takes {direction_id}; paper takes {title, instructions, artifact_key}."),
			),
		),
		s.handleStartRun,
	)

	// cortexlab_get_run: run status plus the open checkpoint.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_get_run",
			mcplib.WithDescription("Get a run's status. A run awaiting input includes its open checkpoint with the expected input schema."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	// cortexlab_list_runs: a project's runs, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_list_runs",
			mcplib.WithDescription("List a project's runs, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRuns,
	)

	// cortexlab_resolve_checkpoint: answer a paused run.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_resolve_checkpoint",
			mcplib.WithDescription(`Resolve the open checkpoint of a run awaiting input and resume it.

The payload must match the checkpoint's expected_input_schema (see
cortexlab_get_run). For direction_selection this is {"direction_id": "dir_N"}.
A checkpoint resolves exactly once; later calls fail.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
			mcplib.WithObject("payload", mcplib.Description("Checkpoint input"), mcplib.Required()),
		),
		s.handleResolveCheckpoint,
	)

	// cortexlab_cancel_run: stop a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_cancel_run",
			mcplib.WithDescription("Cancel an active run. The run fails with reason \"cancelled\"; finished runs cannot be cancelled."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleCancelRun,
	)

	// cortexlab_run_events: page through a run's event log.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_run_events",
			mcplib.WithDescription(`Read a run's events in seq order.

Without "after", continues from the last seq this caller read for the run,
so repeated calls return only new events. Pass after=0 to replay from the
start. "closed" is true once the terminal event (run_complete or run_error)
has been returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
			mcplib.WithNumber("after", mcplib.Description("Return events with seq greater than this"), mcplib.Min(0)),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(100),
			),
		),
		s.handleRunEvents,
	)

	// cortexlab_list_artifacts: current artifact versions of a project.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_list_artifacts",
			mcplib.WithDescription("List the current version of every artifact in a project (content omitted)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithString("artifact_type",
				mcplib.Description("Optional filter"),
				mcplib.Enum(string(model.ArtifactDiscoveryReport), string(model.ArtifactExperimentPlan), string(model.ArtifactPaperDraft)),
			),
		),
		s.handleListArtifacts,
	)

	// cortexlab_get_artifact: one artifact version with content.
	s.mcpServer.AddTool(
		mcplib.NewTool("cortexlab_get_artifact",
			mcplib.WithDescription("Get one artifact version including its content, by artifact_id or by project_id + logical_key (+ optional version)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("artifact_id", mcplib.Description("Artifact version UUID")),
			mcplib.WithString("project_id", mcplib.Description("Project UUID, with logical_key")),
			mcplib.WithString("logical_key", mcplib.Description("Logical key, e.g. paper_draft:graph-priors")),
			mcplib.WithNumber("version", mcplib.Description("Specific version; current when omitted"), mcplib.Min(1)),
		),
		s.handleGetArtifact,
	)
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := authorizeWrite(ctx); err != nil {
		return errorResult(err.Error()), nil
	}
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("project_id must be a UUID"), nil
	}
	if err := authorizeProject(ctx, projectID); err != nil {
		return errorResult(err.Error()), nil
	}
	config, _ := request.GetArguments()["config"].(map[string]any)

	run, err := s.engine.Start(ctx, model.StartRunRequest{
		ProjectID: projectID,
		RunType:   model.RunType(request.GetString("run_type", "")),
		Config:    config,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("start run: %v", describeError(err))), nil
	}
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, err := s.loadRun(ctx, request.GetString("run_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(compactRun(run)), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("project_id must be a UUID"), nil
	}
	if err := authorizeProject(ctx, projectID); err != nil {
		return errorResult(err.Error()), nil
	}
	runs, err := s.engine.List(ctx, projectID, request.GetInt("limit", 20))
	if err != nil {
		return errorResult(fmt.Sprintf("list runs: %v", describeError(err))), nil
	}
	out := make([]map[string]any, len(runs))
	for i, r := range runs {
		out[i] = compactRun(r)
	}
	return jsonResult(map[string]any{"runs": out, "total": len(out)}), nil
}

func (s *Server) handleResolveCheckpoint(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := authorizeWrite(ctx); err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.loadRun(ctx, request.GetString("run_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	payload, ok := request.GetArguments()["payload"].(map[string]any)
	if !ok {
		return errorResult("payload must be an object"), nil
	}
	resumed, err := s.engine.ResolveCheckpoint(ctx, run.ID, payload)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve checkpoint: %v", describeError(err))), nil
	}
	return jsonResult(compactRun(resumed)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := authorizeWrite(ctx); err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.loadRun(ctx, request.GetString("run_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	cancelled, err := s.engine.Cancel(ctx, run.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("cancel run: %v", describeError(err))), nil
	}
	return jsonResult(compactRun(cancelled)), nil
}

func (s *Server) handleRunEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, err := s.loadRun(ctx, request.GetString("run_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	caller := callerKey(ctx)

	after := s.cursors.Last(caller, run.ID)
	if _, ok := request.GetArguments()["after"]; ok {
		after = int64(request.GetInt("after", 0))
	}
	if after < 0 {
		return errorResult("after must be >= 0"), nil
	}

	events, err := s.engine.Events(ctx, run.ID, after, request.GetInt("limit", 100))
	if err != nil {
		return errorResult(fmt.Sprintf("run events: %v", describeError(err))), nil
	}
	lastSeq := after
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = compactEvent(e)
		lastSeq = e.Seq
	}
	s.cursors.Advance(caller, run.ID, lastSeq)

	return jsonResult(map[string]any{
		"run_id":   run.ID,
		"status":   run.Status,
		"events":   out,
		"last_seq": lastSeq,
		"closed":   run.Status.Terminal() && lastSeq >= run.LastSeq,
	}), nil
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("project_id must be a UUID"), nil
	}
	if err := authorizeProject(ctx, projectID); err != nil {
		return errorResult(err.Error()), nil
	}
	artifacts, err := s.engine.Artifacts().List(ctx, projectID, model.ArtifactType(request.GetString("artifact_type", "")))
	if err != nil {
		return errorResult(fmt.Sprintf("list artifacts: %v", describeError(err))), nil
	}
	out := make([]map[string]any, len(artifacts))
	for i, a := range artifacts {
		out[i] = compactArtifact(a, false)
	}
	return jsonResult(map[string]any{"artifacts": out, "total": len(out)}), nil
}

func (s *Server) handleGetArtifact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var (
		a   model.Artifact
		err error
	)
	if raw := request.GetString("artifact_id", ""); raw != "" {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return errorResult("artifact_id must be a UUID"), nil
		}
		a, err = s.engine.Artifacts().Get(ctx, id)
	} else {
		projectID, perr := uuid.Parse(request.GetString("project_id", ""))
		key := request.GetString("logical_key", "")
		if perr != nil || key == "" {
			return errorResult("provide artifact_id, or project_id with logical_key"), nil
		}
		if err := authorizeProject(ctx, projectID); err != nil {
			return errorResult(err.Error()), nil
		}
		if v := request.GetInt("version", 0); v > 0 {
			a, err = s.engine.Artifacts().Version(ctx, projectID, key, v)
		} else {
			a, err = s.engine.Artifacts().Current(ctx, projectID, key)
		}
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get artifact: %v", describeError(err))), nil
	}
	if err := authorizeProject(ctx, a.ProjectID); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(compactArtifact(a, true)), nil
}
