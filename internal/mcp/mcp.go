// Package mcp implements the Model Context Protocol server for CortexLab.
//
// The MCP server exposes run control and artifact reads through MCP tools,
// resources and prompts, so an MCP-compatible assistant can drive a research
// run end to end: start discovery, pick a direction at the checkpoint, follow
// events, and read the resulting artifacts.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/cortexlab/internal/ctxutil"
	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// cursorWindow is how long an idle run_events cursor is remembered.
const cursorWindow = 30 * time.Minute

// Server wraps the MCP server with the CortexLab engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	cursors   *cursorTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources and
// prompts.
func New(eng *engine.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine:  eng,
		cursors: newCursorTracker(cursorWindow),
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"cortexlab",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("CortexLab runs literature discovery, deep-dive experiment planning and paper drafting for a project. "+
			"Start with cortexlab_start_run, follow progress with cortexlab_run_events, and answer checkpoints with cortexlab_resolve_checkpoint."),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// authorizeProject checks the caller's token scope. Without claims (auth
// disabled) everything is allowed.
func authorizeProject(ctx context.Context, projectID uuid.UUID) error {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !claims.CanAccess(projectID) {
		return fmt.Errorf("token does not grant access to project %s", projectID)
	}
	return nil
}

// authorizeWrite rejects reader tokens.
func authorizeWrite(ctx context.Context) error {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !claims.CanWrite() {
		return errors.New("writer role required")
	}
	return nil
}

// callerKey identifies the caller for per-caller state such as event cursors.
func callerKey(ctx context.Context) string {
	if sub := ctxutil.Subject(ctx); sub != "" {
		return sub
	}
	return "anonymous"
}

// loadRun fetches a run by its string id and checks project access.
func (s *Server) loadRun(ctx context.Context, raw string) (model.Run, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.Run{}, fmt.Errorf("invalid run_id: %s", raw)
	}
	run, err := s.engine.Get(ctx, id)
	if err != nil {
		return model.Run{}, describeError(err)
	}
	if err := authorizeProject(ctx, run.ProjectID); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// describeError turns engine errors into messages fit for a tool result.
func describeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errors.New("not found")
	case errors.Is(err, storage.ErrCheckpointResolved):
		return errors.New("checkpoint already resolved")
	case errors.Is(err, engine.ErrShuttingDown):
		return errors.New("server is shutting down, retry shortly")
	case errs.KindOf(err) == errs.KindConflict, errs.KindOf(err) == errs.KindValidation:
		return err
	default:
		return fmt.Errorf("request failed: %w", err)
	}
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
