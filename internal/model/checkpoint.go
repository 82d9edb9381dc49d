package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// CheckpointDirectionSelection asks the caller to pick one research direction.
const CheckpointDirectionSelection = "direction_selection"

// Checkpoint is a persisted pause point. A run in awaiting_input has exactly
// one unresolved checkpoint.
type Checkpoint struct {
	ID                uuid.UUID      `json:"id"`
	RunID             uuid.UUID      `json:"run_id"`
	Kind              string         `json:"kind"`
	Schema            InputSchema    `json:"expected_input_schema"`
	Prompt            map[string]any `json:"prompt,omitempty"`
	RaisedAt          time.Time      `json:"raised_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolutionPayload map[string]any `json:"resolution_payload,omitempty"`

	// Executor snapshot: the stage group to resume at and the upstream
	// outputs accumulated before the pause.
	ResumeGroup int                        `json:"-"`
	State       map[string]json.RawMessage `json:"-"`
}

// Resolved reports whether the checkpoint already received its input.
func (c Checkpoint) Resolved() bool { return c.ResolvedAt != nil }

// RaisedPayload is the checkpoint_raised event payload.
func (c Checkpoint) RaisedPayload() map[string]any {
	props := make(map[string]any, len(c.Schema.Properties))
	for name, p := range c.Schema.Properties {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	schema := map[string]any{"type": c.Schema.Type, "properties": props}
	if len(c.Schema.Required) > 0 {
		required := make([]any, len(c.Schema.Required))
		for i, r := range c.Schema.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	prompt := c.Prompt
	if prompt == nil {
		prompt = map[string]any{}
	}
	return map[string]any{
		"checkpoint_id": c.ID.String(),
		"kind":          c.Kind,
		"schema":        schema,
		"prompt":        prompt,
	}
}

// InputSchema is the subset of JSON Schema used to validate checkpoint input.
type InputSchema struct {
	Type       string                    `json:"type"`
	Required   []string                  `json:"required,omitempty"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
}

// PropertySchema constrains one top-level field.
type PropertySchema struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Validate checks payload against the schema and returns the first violation.
func (s InputSchema) Validate(payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("payload is required")
	}
	for _, name := range s.Required {
		if _, ok := payload[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	for name, prop := range s.Properties {
		v, ok := payload[name]
		if !ok {
			continue
		}
		if prop.Type != "" && !matchesType(v, prop.Type) {
			return fmt.Errorf("field %q must be of type %s", name, prop.Type)
		}
		if len(prop.Enum) > 0 && !slices.ContainsFunc(prop.Enum, func(e any) bool { return fmt.Sprint(e) == fmt.Sprint(v) }) {
			return fmt.Errorf("field %q has value %v outside the allowed set", name, v)
		}
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
