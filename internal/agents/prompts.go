package agents

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/generation"
	"github.com/ashita-ai/cortexlab/internal/model"
)

const systemPrompt = "You are a research assistant working inside an automated literature analysis pipeline. " +
	"Ground every claim in the papers you are given and answer in JSON."

const scopePrompt = `Turn the following research interest into a literature search plan.

Research interest: %s

Respond in JSON format:
{
    "search_queries": ["4-6 specific academic search queries"],
    "broader_queries": ["3-5 broader or synonym queries to use if the specific ones find too little"],
    "keywords": ["key terms"],
    "domain_boundaries": {
        "include": ["topics in scope"],
        "exclude": ["topics out of scope"]
    }
}`

const deepDiveScopePrompt = `Plan a focused literature search for the following research direction.

Direction: %s
Description: %s
Novelty angle: %s
Minimum experiments:
%s

Respond in JSON format:
{
    "search_queries": ["4-6 queries for prior work, datasets, baselines and evaluation protocols"],
    "broader_queries": ["3-5 broader queries"],
    "keywords": ["key terms"]
}`

const trendPrompt = `You are a research trend synthesizer. Analyze the following papers and identify major themes and trends in this research area.

Papers (reference, title, year, abstract):
%s

Identify:
1. Major themes: group papers into thematic clusters (methods, datasets, evaluation approaches, applications)
2. Current trends: what is gaining traction, declining, or steady
3. Saturation: which areas are well explored and which are under explored

Respond in JSON format:
{
    "themes": [
        {"name": "theme name", "description": "brief description", "representative_papers": ["S1", "S4"]}
    ],
    "trends": {
        "hot_topics": ["topics gaining momentum"],
        "declining": ["topics losing interest"],
        "steady": ["consistently researched areas"]
    },
    "saturation": {
        "well_explored": ["areas with lots of work"],
        "under_explored": ["potential opportunity areas"]
    }
}`

const gapPrompt = `You are a research gap mining expert. Based on the papers and themes, extract concrete research gaps.

Research interest: %s

Themes:
%s

Key papers (reference, title, abstract):
%s

Saturation:
- Well explored: %s
- Under explored: %s

Look for limitations stated in abstracts, future work suggestions, cross-theme opportunities,
missing baselines or evaluations, data and benchmark gaps, and generalization failures.
Every gap must cite the papers that support it by reference (S1, S2, ...).

Respond in JSON format:
{
    "gaps": [
        {
            "id": "gap_1",
            "title": "short title",
            "description": "detailed description of the gap",
            "category": "under_explored|evaluation_blind_spot|robustness|data_constraint|methodological",
            "evidence": ["S1", "S3"],
            "themes": ["theme names this gap touches"],
            "potential_impact": "high|medium|low",
            "confidence": 0.8
        }
    ]
}

Identify %d-10 concrete, actionable research gaps.`

const directionPrompt = `You are a research direction generator. Convert the ranked research gaps into concrete, actionable research directions.

Research interest: %s

Themes:
%s

Ranked gaps (id, score, title, description):
%s

Each direction must be specific, feasible within 3-6 months, novel enough to publish and clear about its contribution.
Reference the gaps each direction addresses by id.

Respond in JSON format:
{
    "directions": [
        {
            "title": "clear, specific title",
            "description": "what the work is",
            "novelty_angle": "what makes this different from existing work",
            "contribution_type": "method|benchmark|analysis|application",
            "minimum_experiments": ["experiment 1", "experiment 2"],
            "related_gap_ids": ["gap_1"]
        }
    ]
}

Generate %d-8 diverse research directions.`

const experimentPrompt = `Design a minimal but convincing experiment plan for the research direction below.

Direction: %s
Description: %s
Novelty angle: %s
Contribution type: %s

Relevant papers (reference, title, abstract):
%s

Respond in JSON format:
{
    "title": "plan title",
    "objective": "one paragraph",
    "hypotheses": ["testable hypotheses"],
    "datasets": ["public datasets or benchmarks"],
    "baselines": ["methods to compare against"],
    "metrics": ["evaluation metrics"],
    "experiments": [
        {"name": "short name", "description": "what is run and what it shows", "compute": "rough compute estimate"}
    ],
    "risks": ["what could invalidate the results"],
    "evidence": ["S1", "S2"]
}`

const writePrompt = `Draft a research paper.

Working title: %s
Author instructions: %s

Research context:
%s

Relevant papers (reference, title, abstract):
%s

Respond in JSON format:
{
    "title": "paper title",
    "abstract": "150-250 words",
    "sections": [
        {"heading": "Introduction", "body": "section text; cite papers as [S1]"}
    ]
}

Include at least Introduction, Related Work, Method, Experiments and Conclusion sections.`

const editPrompt = `Revise the following paper draft.

Editing instructions: %s

Draft (JSON):
%s

Return the complete revised draft with the same JSON shape:
{
    "title": "paper title",
    "abstract": "abstract",
    "sections": [{"heading": "...", "body": "..."}],
    "notes": ["short notes on what changed"]
}`

const defaultEditInstructions = "Tighten the prose, make sure every claim is supported by a cited paper, " +
	"and keep the section structure."

// formatSources renders sources as numbered references. The reference
// label of sources[i] is "S<i+1>".
func formatSources(sources []model.Source, n, chars int, withYear bool) string {
	if len(sources) > n {
		sources = sources[:n]
	}
	if len(sources) == 0 {
		return "No papers available."
	}
	var b strings.Builder
	for i, s := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[S%d] Title: %s\n", i+1, s.Title)
		if withYear {
			year := "Unknown"
			if s.Year != nil {
				year = strconv.Itoa(*s.Year)
			}
			fmt.Fprintf(&b, "Year: %s\n", year)
		}
		abstract := s.Abstract
		if abstract == "" {
			abstract = s.SnippetUsed
		}
		if abstract == "" {
			abstract = "No abstract"
		}
		fmt.Fprintf(&b, "Abstract: %s", generation.Truncate(abstract, chars))
	}
	return b.String()
}

func formatThemes(themes []model.Theme) string {
	if len(themes) == 0 {
		return "No themes identified."
	}
	var b strings.Builder
	for i, t := range themes {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
	}
	return b.String()
}

func formatGaps(gaps []model.Gap) string {
	var b strings.Builder
	for i, g := range gaps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%.2f) %s: %s", g.ID, g.Score, g.Title, g.Description)
	}
	return b.String()
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "- none listed"
	}
	return "- " + strings.Join(items, "\n- ")
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

var refPattern = regexp.MustCompile(`(?i)^\[?s(\d+)\]?$`)

// resolveRefs maps "S3"-style references (or exact titles) back to the ids
// of the listed sources. Unknown references are dropped.
func resolveRefs(refs []string, listed []model.Source) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if m := refPattern.FindStringSubmatch(ref); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(listed) {
				add(listed[n-1].ID.String())
			}
			continue
		}
		for _, s := range listed {
			if strings.EqualFold(strings.TrimSpace(s.Title), ref) {
				add(s.ID.String())
				break
			}
		}
	}
	return out
}

// cleanStrings trims, drops blanks and removes case-insensitive duplicates.
func cleanStrings(items ...[]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range items {
		for _, s := range list {
			s = strings.TrimSpace(s)
			k := strings.ToLower(s)
			if s == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}
