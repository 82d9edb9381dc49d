package mcp

import (
	"encoding/json"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const (
	// maxCompactString bounds any single string inside an event payload.
	maxCompactString = 300
	// maxCompactResult bounds an inline run result, in bytes of JSON.
	maxCompactResult = 8000
	// maxCompactDepth stops payload walking in pathological nesting.
	maxCompactDepth = 6
)

// compactRun returns a minimal representation of a run for MCP responses.
// Drops config and the executor snapshot; an open checkpoint keeps only
// what a caller needs to answer it.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"project_id": r.ProjectID,
		"run_type":   r.RunType,
		"status":     r.Status,
		"last_seq":   r.LastSeq,
		"created_at": r.CreatedAt,
	}
	if r.StartedAt != nil {
		m["started_at"] = r.StartedAt
	}
	if r.FinishedAt != nil {
		m["finished_at"] = r.FinishedAt
	}
	if r.ErrorReason != nil {
		m["error_reason"] = *r.ErrorReason
	}
	if cp := r.Checkpoint; cp != nil {
		m["checkpoint"] = map[string]any{
			"id":                    cp.ID,
			"kind":                  cp.Kind,
			"prompt":                cp.Prompt,
			"expected_input_schema": cp.Schema,
		}
	}
	if len(r.Result) > 0 {
		if len(r.Result) <= maxCompactResult {
			m["result"] = json.RawMessage(r.Result)
		} else {
			m["result_truncated"] = true
			m["result_bytes"] = len(r.Result)
		}
	}
	return m
}

// compactEvent returns the stream shape of an event with long strings cut.
func compactEvent(e model.RunEvent) map[string]any {
	payload, _ := compactValue(e.Payload, 0).(map[string]any)
	return map[string]any{
		"seq":        e.Seq,
		"event_type": e.EventType,
		"payload":    payload,
	}
}

// compactValue walks JSON-shaped values and truncates strings.
func compactValue(v any, depth int) any {
	if depth > maxCompactDepth {
		return "..."
	}
	switch t := v.(type) {
	case string:
		return truncate(t, maxCompactString)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = compactValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = compactValue(inner, depth+1)
		}
		return out
	default:
		return v
	}
}

// compactArtifact drops the content body unless withContent is set. Listing
// tools use the short form; cortexlab_get_artifact returns the full one.
func compactArtifact(a model.Artifact, withContent bool) map[string]any {
	m := map[string]any{
		"id":            a.ID,
		"artifact_type": a.ArtifactType,
		"logical_key":   a.LogicalKey,
		"title":         a.Title,
		"version":       a.Version,
		"content_hash":  a.ContentHash,
		"updated_at":    a.UpdatedAt,
	}
	if a.ProducedByRunID != nil {
		m["produced_by_run_id"] = a.ProducedByRunID
	}
	if withContent {
		m["content"] = a.Content
	}
	return m
}

// truncate shortens s to maxLen runes, appending "..." when it cut anything.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
