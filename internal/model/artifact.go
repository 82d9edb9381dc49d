package model

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ArtifactType categorizes generated documents.
type ArtifactType string

const (
	ArtifactDiscoveryReport ArtifactType = "discovery_report"
	ArtifactExperimentPlan  ArtifactType = "experiment_plan"
	ArtifactPaperDraft      ArtifactType = "paper_draft"
)

// Valid reports whether t is a known artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactDiscoveryReport, ArtifactExperimentPlan, ArtifactPaperDraft:
		return true
	}
	return false
}

// Artifact is one immutable version of a generated document. Versions for a
// logical key start at 1 and increase by one per revision.
type Artifact struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"project_id"`
	ArtifactType    ArtifactType   `json:"artifact_type"`
	LogicalKey      string         `json:"logical_key"`
	Title           string         `json:"title"`
	Version         int            `json:"version"`
	Content         map[string]any `json:"content"`
	ContentHash     string         `json:"content_hash"`
	ProducedByRunID *uuid.UUID     `json:"produced_by_run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ProposeArtifactRequest is the body for POST /v1/projects/{project_id}/artifacts.
type ProposeArtifactRequest struct {
	ArtifactType ArtifactType   `json:"artifact_type"`
	Title        string         `json:"title"`
	LogicalKey   string         `json:"logical_key,omitempty"`
	Content      map[string]any `json:"content"`
}

// LogicalKey builds the stable identity for an artifact from its type and title,
// e.g. "paper_draft:robust-fine-grained-classification".
func LogicalKey(t ArtifactType, title string) string {
	return string(t) + ":" + Slugify(title)
}

// maxSlugLen bounds logical keys built from long generated titles.
const maxSlugLen = 80

// Slugify lowercases s and collapses every run of non-alphanumerics into a single dash.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		return "untitled"
	}
	return out
}
