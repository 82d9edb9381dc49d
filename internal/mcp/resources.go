package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	runURIPrefix     = "cortexlab://runs/"
	projectURIPrefix = "cortexlab://projects/"
	artifactsSuffix  = "/artifacts"
)

func (s *Server) registerResources() {
	// cortexlab://runs/{run_id}: a run with its open checkpoint.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("A research run's status, result and open checkpoint"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)

	// cortexlab://projects/{project_id}/artifacts: current artifact versions.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			projectURIPrefix+"{project_id}"+artifactsSuffix,
			"Project Artifacts",
			mcplib.WithTemplateDescription("Current version of every artifact in a project"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProjectArtifactsResource,
	)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || raw == "" {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	run, err := s.loadRun(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource: %w", err)
	}
	return jsonResource(uri, compactRun(run))
}

func (s *Server) handleProjectArtifactsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	rest, ok := strings.CutPrefix(uri, projectURIPrefix)
	if ok {
		rest, ok = strings.CutSuffix(rest, artifactsSuffix)
	}
	projectID, err := uuid.Parse(rest)
	if !ok || err != nil {
		return nil, fmt.Errorf("mcp: invalid project artifacts URI: %s", uri)
	}
	if err := authorizeProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("mcp: project artifacts: %w", err)
	}

	artifacts, err := s.engine.Artifacts().List(ctx, projectID, "")
	if err != nil {
		return nil, fmt.Errorf("mcp: project artifacts: %w", describeError(err))
	}
	out := make([]map[string]any, len(artifacts))
	for i, a := range artifacts {
		out[i] = compactArtifact(a, false)
	}
	return jsonResource(uri, map[string]any{
		"project_id": projectID,
		"artifacts":  out,
	})
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
