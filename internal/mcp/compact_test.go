package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cortexlab/internal/model"
)

func TestCompactRun(t *testing.T) {
	t.Parallel()
	reason := "cancelled"
	run := model.Run{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		RunType:     model.RunTypeDiscovery,
		Status:      model.RunStatusFailed,
		Config:      map[string]any{"query": "graph priors"},
		ErrorReason: &reason,
		LastSeq:     7,
		CreatedAt:   time.Now(),
	}
	m := compactRun(run)

	assert.Equal(t, run.ID, m["id"])
	assert.Equal(t, "cancelled", m["error_reason"])
	assert.NotContains(t, m, "config")
	assert.NotContains(t, m, "checkpoint")
	assert.NotContains(t, m, "result")
}

func TestCompactRunCheckpointAndResult(t *testing.T) {
	t.Parallel()
	run := model.Run{
		ID:     uuid.New(),
		Status: model.RunStatusAwaitingInput,
		Checkpoint: &model.Checkpoint{
			ID:     uuid.New(),
			Kind:   model.CheckpointDirectionSelection,
			Prompt: map[string]any{"message": "pick"},
			State:  map[string]json.RawMessage{"scout": json.RawMessage(`"internal"`)},
		},
		Result: json.RawMessage(`{"ok":true}`),
	}
	m := compactRun(run)

	cp, ok := m["checkpoint"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, model.CheckpointDirectionSelection, cp["kind"])
	assert.NotContains(t, cp, "state")
	assert.Equal(t, json.RawMessage(`{"ok":true}`), m["result"])

	run.Result = json.RawMessage(`"` + strings.Repeat("x", maxCompactResult) + `"`)
	m = compactRun(run)
	assert.NotContains(t, m, "result")
	assert.Equal(t, true, m["result_truncated"])
	assert.Equal(t, maxCompactResult+2, m["result_bytes"])
}

func TestCompactEventTruncatesStrings(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", maxCompactString+50)
	evt := model.RunEvent{
		Seq:       3,
		EventType: model.EventPartialOutput,
		Payload: map[string]any{
			"text":   long,
			"nested": map[string]any{"items": []any{long, 2.0}},
			"count":  4,
		},
	}
	m := compactEvent(evt)
	payload := m["payload"].(map[string]any)

	assert.Equal(t, int64(3), m["seq"])
	assert.Equal(t, maxCompactString+3, len([]rune(payload["text"].(string))))
	items := payload["nested"].(map[string]any)["items"].([]any)
	assert.True(t, strings.HasSuffix(items[0].(string), "..."))
	assert.Equal(t, 2.0, items[1])
	assert.Equal(t, 4, payload["count"])
	// The source event is untouched.
	assert.Equal(t, long, evt.Payload["text"])
}

func TestCompactValueDepthLimit(t *testing.T) {
	t.Parallel()
	var v any = "leaf"
	for range maxCompactDepth + 3 {
		v = map[string]any{"k": v}
	}
	out := compactValue(v, 0)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"..."`)
	assert.NotContains(t, string(data), "leaf")
}

func TestCompactArtifact(t *testing.T) {
	t.Parallel()
	runID := uuid.New()
	a := model.Artifact{
		ID:              uuid.New(),
		ArtifactType:    model.ArtifactPaperDraft,
		LogicalKey:      "paper_draft:x",
		Title:           "X",
		Version:         2,
		Content:         map[string]any{"abstract": "a"},
		ProducedByRunID: &runID,
	}
	short := compactArtifact(a, false)
	assert.NotContains(t, short, "content")
	assert.Equal(t, &runID, short["produced_by_run_id"])

	full := compactArtifact(a, true)
	assert.Equal(t, a.Content, full["content"])
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
	assert.Equal(t, "日本...", truncate("日本語", 2))
}
