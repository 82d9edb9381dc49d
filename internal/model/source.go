package model

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Source is a citation record produced by a retrieval step. Sources are
// deduplicated per project by NormalizedID.
type Source struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Provider      string    `json:"provider"`
	ExternalID    string    `json:"external_id"`
	NormalizedID  string    `json:"normalized_id"`
	DOI           string    `json:"doi,omitempty"`
	Title         string    `json:"title"`
	Authors       []string  `json:"authors"`
	Year          *int      `json:"year,omitempty"`
	Venue         string    `json:"venue,omitempty"`
	URL           string    `json:"url,omitempty"`
	Abstract      string    `json:"abstract,omitempty"`
	CitationCount *int      `json:"citation_count,omitempty"`
	SnippetUsed   string    `json:"snippet_used,omitempty"`
	AccessedAt    time.Time `json:"accessed_at"`
}

// Citations returns the citation count, treating an unknown count as zero.
func (s Source) Citations() int {
	if s.CitationCount == nil {
		return 0
	}
	return *s.CitationCount
}

var (
	doiPattern   = regexp.MustCompile(`(?i)\b(10\.\d{4,9}/[^\s"<>]+)`)
	arxivPattern = regexp.MustCompile(`(?i)arxiv\.org/(?:abs|pdf)/(\d{4}\.\d{4,5})|^(\d{4}\.\d{4,5})(?:v\d+)?$`)
)

// NormalizeID derives the provider-agnostic identity for a source:
// DOI, then arXiv id, then a title fingerprint. The same paper returned by
// different providers normalizes to the same value.
func NormalizeID(s Source) string {
	for _, cand := range []string{s.DOI, s.ExternalID, s.URL} {
		if m := doiPattern.FindStringSubmatch(cand); m != nil {
			return "doi:" + strings.TrimRight(strings.ToLower(m[1]), ".")
		}
	}
	for _, cand := range []string{s.ExternalID, s.URL} {
		if m := arxivPattern.FindStringSubmatch(strings.TrimSpace(cand)); m != nil {
			id := m[1]
			if id == "" {
				id = m[2]
			}
			return "arxiv:" + id
		}
	}
	if fp := titleFingerprint(s.Title); fp != "" {
		return "title:" + fp
	}
	return strings.ToLower(s.Provider) + ":" + s.ExternalID
}

func titleFingerprint(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MergeSource folds dup into base: longest abstract wins, citation counts take
// the maximum, and missing metadata is filled from dup.
func MergeSource(base, dup Source) Source {
	if len(dup.Abstract) > len(base.Abstract) {
		base.Abstract = dup.Abstract
	}
	if dup.CitationCount != nil && (base.CitationCount == nil || *dup.CitationCount > *base.CitationCount) {
		c := *dup.CitationCount
		base.CitationCount = &c
	}
	if base.Year == nil && dup.Year != nil {
		y := *dup.Year
		base.Year = &y
	}
	if base.Venue == "" {
		base.Venue = dup.Venue
	}
	if base.URL == "" {
		base.URL = dup.URL
	}
	if base.DOI == "" {
		base.DOI = dup.DOI
	}
	if len(base.Authors) == 0 {
		base.Authors = dup.Authors
	}
	if base.SnippetUsed == "" {
		base.SnippetUsed = dup.SnippetUsed
	}
	return base
}
