package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/model"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func resourceJSON(t *testing.T, contents []mcplib.ResourceContents) map[string]any {
	t.Helper()
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestRunResource(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()

	run := startRun(t, s, ctx, uuid.New(), nil)
	waitStatus(t, eng, run.ID, model.RunStatusCompleted)

	contents, err := s.handleRunResource(ctx, readRequest(runURIPrefix+run.ID.String()))
	require.NoError(t, err)
	got := resourceJSON(t, contents)
	assert.Equal(t, run.ID.String(), got["id"])
	assert.Equal(t, string(model.RunStatusCompleted), got["status"])
}

func TestProjectArtifactsResource(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	ctx := context.Background()
	projectID := uuid.New()

	_, err := eng.Artifacts().Propose(ctx, projectID, model.ProposeArtifactRequest{
		ArtifactType: model.ArtifactExperimentPlan,
		Title:        "Plan A",
		Content:      map[string]any{"steps": []any{"collect"}},
	}, nil)
	require.NoError(t, err)

	uri := projectURIPrefix + projectID.String() + artifactsSuffix
	contents, err := s.handleProjectArtifactsResource(ctx, readRequest(uri))
	require.NoError(t, err)
	got := resourceJSON(t, contents)
	artifacts, ok := got["artifacts"].([]any)
	require.True(t, ok)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "Plan A", artifacts[0].(map[string]any)["title"])

	_, err = s.handleProjectArtifactsResource(claimsCtx(auth.RoleReader, uuid.New()), readRequest(uri))
	assert.Error(t, err)
}

func TestResourceURIErrors(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		read func() error
	}{
		{"run without id", func() error {
			_, err := s.handleRunResource(ctx, readRequest(runURIPrefix))
			return err
		}},
		{"run with bad id", func() error {
			_, err := s.handleRunResource(ctx, readRequest(runURIPrefix+"abc"))
			return err
		}},
		{"unknown run", func() error {
			_, err := s.handleRunResource(ctx, readRequest(runURIPrefix+uuid.NewString()))
			return err
		}},
		{"artifacts missing suffix", func() error {
			_, err := s.handleProjectArtifactsResource(ctx, readRequest(projectURIPrefix+uuid.NewString()))
			return err
		}},
		{"artifacts bad project", func() error {
			_, err := s.handleProjectArtifactsResource(ctx, readRequest(projectURIPrefix+"xyz"+artifactsSuffix))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.read())
		})
	}
}
