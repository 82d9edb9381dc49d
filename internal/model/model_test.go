package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestRunStatusActiveAndTerminal(t *testing.T) {
	tests := []struct {
		status   model.RunStatus
		active   bool
		terminal bool
	}{
		{model.RunStatusPending, true, false},
		{model.RunStatusRunning, true, false},
		{model.RunStatusAwaitingInput, true, false},
		{model.RunStatusCompleted, false, true},
		{model.RunStatusFailed, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.active, tt.status.Active())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, model.EventRunComplete.Terminal())
	assert.True(t, model.EventRunError.Terminal())
	assert.False(t, model.EventAgentNote.Terminal())
	assert.False(t, model.EventType("bogus").Valid())
	assert.True(t, model.EventCheckpointRaised.Valid())
}

func TestLogicalKey(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Robust Fine-Grained Classification", "paper_draft:robust-fine-grained-classification"},
		{"  --Under  Distribution Shift!! ", "paper_draft:under-distribution-shift"},
		{"", "paper_draft:untitled"},
		{"???", "paper_draft:untitled"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, model.LogicalKey(model.ArtifactPaperDraft, tt.title))
		})
	}
}

func TestSlugifyTruncates(t *testing.T) {
	long := ""
	for range 30 {
		long += "word "
	}
	slug := model.Slugify(long)
	assert.LessOrEqual(t, len(slug), 80)
	assert.NotContains(t, slug[len(slug)-1:], "-")
}

func TestInputSchemaValidate(t *testing.T) {
	schema := model.InputSchema{
		Type:     "object",
		Required: []string{"direction_id"},
		Properties: map[string]model.PropertySchema{
			"direction_id": {Type: "string", Enum: []any{"d1", "d2"}},
			"note":         {Type: "string"},
		},
	}

	tests := []struct {
		name    string
		payload map[string]any
		wantErr string
	}{
		{"valid", map[string]any{"direction_id": "d2"}, ""},
		{"missing required", map[string]any{"note": "hi"}, `missing required field "direction_id"`},
		{"wrong type", map[string]any{"direction_id": 3.0}, "must be of type string"},
		{"outside enum", map[string]any{"direction_id": "d9"}, "outside the allowed set"},
		{"nil payload", nil, "payload is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := schema.Validate(tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name string
		src  model.Source
		want string
	}{
		{"doi field", model.Source{DOI: "10.1109/CVPR.2021.00123", Provider: "openalex"}, "doi:10.1109/cvpr.2021.00123"},
		{"doi in url", model.Source{URL: "https://doi.org/10.48550/ARXIV.2101.00001"}, "doi:10.48550/arxiv.2101.00001"},
		{"arxiv url", model.Source{URL: "https://arxiv.org/abs/2101.00001v2"}, "arxiv:2101.00001"},
		{"arxiv external id", model.Source{ExternalID: "2101.00001v3"}, "arxiv:2101.00001"},
		{"title fallback", model.Source{Title: "Domain Shift: A Survey", ExternalID: "abc", Provider: "serpapi"}, "title:domainshiftasurvey"},
		{"provider fallback", model.Source{ExternalID: "xyz", Provider: "SerpAPI"}, "serpapi:xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, model.NormalizeID(tt.src))
		})
	}
}

func TestNormalizeIDAcrossProviders(t *testing.T) {
	a := model.Source{Provider: "serpapi", ExternalID: "gs-1", Title: "Deep Domain Adaptation"}
	b := model.Source{Provider: "semanticscholar", ExternalID: "s2-9", Title: "Deep domain adaptation."}
	assert.Equal(t, model.NormalizeID(a), model.NormalizeID(b))
}

func TestMergeSource(t *testing.T) {
	base := model.Source{Title: "t", Abstract: "short", CitationCount: ptr(3)}
	dup := model.Source{Title: "t", Abstract: "a much longer abstract", CitationCount: ptr(10), Year: ptr(2022), Venue: "CVPR"}

	merged := model.MergeSource(base, dup)
	assert.Equal(t, "a much longer abstract", merged.Abstract)
	assert.Equal(t, 10, merged.Citations())
	require.NotNil(t, merged.Year)
	assert.Equal(t, 2022, *merged.Year)
	assert.Equal(t, "CVPR", merged.Venue)

	// An absent citation count never lowers a known one.
	merged = model.MergeSource(merged, model.Source{Title: "t"})
	assert.Equal(t, 10, merged.Citations())
}

func TestRunConfigAccessors(t *testing.T) {
	run := model.Run{Config: map[string]any{"query": "q", "select_direction": true, "n": 3.0}}
	assert.Equal(t, "q", run.ConfigString("query"))
	assert.Equal(t, "", run.ConfigString("n"))
	assert.True(t, run.ConfigBool("select_direction"))
	assert.False(t, run.ConfigBool("missing"))

	var out map[string]any
	assert.Error(t, run.DecodeResult(&out))
	run.Result = []byte(`{"ok":true}`)
	require.NoError(t, run.DecodeResult(&out))
	assert.Equal(t, true, out["ok"])
}
