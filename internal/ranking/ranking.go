// Package ranking scores mined research gaps and the feasibility of the
// directions derived from them. Everything here is deterministic: the same
// gaps, sources and clock produce the same order.
package ranking

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// Weights combine the three gap signals. They are normalized to sum to 1
// before use, so only their ratios matter.
type Weights struct {
	Evidence float64
	Recency  float64
	Coverage float64
}

// DefaultWeights favour evidence, then cross-theme coverage, then recency.
func DefaultWeights() Weights {
	return Weights{Evidence: 0.5, Recency: 0.2, Coverage: 0.3}
}

func (w Weights) normalized() Weights {
	sum := w.Evidence + w.Recency + w.Coverage
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Evidence: w.Evidence / sum, Recency: w.Recency / sum, Coverage: w.Coverage / sum}
}

// undatedRecency is the recency credit for a gap none of whose sources has a year.
const undatedRecency = 0.5

// recencyHalfLife is the age in years at which a source's recency credit halves.
const recencyHalfLife = 3.0

// ScoreGaps scores every gap and returns them best first.
//
// Evidence ids that don't resolve to a source are dropped, and a gap left
// with no evidence is discarded. The score is a weighted sum of
//
//	evidence: distinct sources / the most any gap in the set has
//	recency:  mean of 1/(1 + age_years/3) over dated sources
//	coverage: themes the gap touches / totalThemes
//
// Ties break on the supporting sources' citation sum (descending), then id.
func ScoreGaps(gaps []model.Gap, sources map[string]model.Source, totalThemes int, w Weights, now time.Time) []model.Gap {
	w = w.normalized()
	out := make([]model.Gap, 0, len(gaps))
	maxEvidence := 0
	for _, g := range gaps {
		g.Evidence = resolveEvidence(g.Evidence, sources)
		if len(g.Evidence) == 0 {
			continue
		}
		maxEvidence = max(maxEvidence, len(g.Evidence))
		out = append(out, g)
	}

	for i := range out {
		g := &out[i]
		evidence := float64(len(g.Evidence)) / float64(maxEvidence)
		recency, citations := recencyAndCitations(g.Evidence, sources, now)
		coverage := 0.0
		if totalThemes > 0 {
			coverage = math.Min(1, float64(countDistinct(g.Themes))/float64(totalThemes))
		}
		g.Score = round(w.Evidence*evidence+w.Recency*recency+w.Coverage*coverage, 4)
		g.CitationSum = citations
	}

	slices.SortStableFunc(out, func(a, b model.Gap) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.CitationSum, a.CitationSum); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// SelectTop returns at most maxN of the ranked gaps and whether at least
// minN were available.
func SelectTop(ranked []model.Gap, minN, maxN int) ([]model.Gap, bool) {
	if len(ranked) > maxN {
		ranked = ranked[:maxN]
	}
	return ranked, len(ranked) >= minN
}

func resolveEvidence(ids []string, sources map[string]model.Source) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := sources[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func recencyAndCitations(ids []string, sources map[string]model.Source, now time.Time) (float64, int) {
	var (
		sum       float64
		dated     int
		citations int
	)
	for _, id := range ids {
		s := sources[id]
		citations += s.Citations()
		if s.Year == nil {
			continue
		}
		age := math.Max(0, float64(now.Year()-*s.Year))
		sum += 1 / (1 + age/recencyHalfLife)
		dated++
	}
	if dated == 0 {
		return undatedRecency, citations
	}
	return sum / float64(dated), citations
}

func countDistinct(values []string) int {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			seen[v] = true
		}
	}
	return len(seen)
}

var (
	datasetPattern = regexp.MustCompile(`(?i)\b(datasets?|benchmarks?|corpus|corpora|publicly available|open[- ]source|imagenet|cifar-?\d*|coco|glue|superglue|squad|mnist|wilds|domainnet|inaturalist|kaggle)\b`)
	computePattern = regexp.MustCompile(`(?i)(large[- ]scale pre-?training|thousands of gpus|\d{3,}\s*(gpus|a100s|h100s)|tpu pods?|tpu v\d pods?|billions? of parameters|\d+(\.\d+)?\s*b(illion)?[- ]parameters?|trillion tokens)`)
)

// Feasibility estimates how practical a direction is from its supporting
// sources: 0.6 × the share mentioning a public dataset or benchmark plus
// 0.4 × the share not requiring heavy compute. It is 0 without evidence and
// is rounded to two decimals.
func Feasibility(evidence []model.Source) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var datasets, heavy int
	for _, s := range evidence {
		text := s.Title + " " + s.Abstract + " " + s.SnippetUsed
		if datasetPattern.MatchString(text) {
			datasets++
		}
		if computePattern.MatchString(text) {
			heavy++
		}
	}
	n := float64(len(evidence))
	f := 0.6*float64(datasets)/n + 0.4*(1-float64(heavy)/n)
	return round(math.Max(0, math.Min(1, f)), 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
