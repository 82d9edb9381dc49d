package agents

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/ranking"
)

func (r *Registry) discovery(providers []string) *engine.Pipeline {
	d := r.d
	return &engine.Pipeline{
		Groups: []engine.Group{
			{Name: "scope", Steps: []engine.Step{scopeClarifier{d: d}}},
			{
				Name:      keySources,
				Steps:     scouts(d, engine.RoleLiteratureScout, providers),
				Join:      d.joinSources(nil),
				MaxRounds: retrievalRounds,
			},
			{Name: "trends", Steps: []engine.Step{trendSynthesizer{d: d}}},
			{Name: "gaps", Steps: []engine.Step{gapMiner{d: d}}},
			{Name: "directions", Steps: []engine.Step{directionGenerator{d: d}}},
		},
		Result: discoveryResult,
	}
}

// synthesis is the trend-synthesize output. UnderExplored feeds gap mining
// but isn't part of the report.
type synthesis struct {
	model.Synthesis
	UnderExplored []string `json:"under_explored,omitempty"`
}

type trendAnswer struct {
	Themes []struct {
		Name                 string   `json:"name"`
		Description          string   `json:"description"`
		RepresentativePapers []string `json:"representative_papers"`
	} `json:"themes"`
	Trends struct {
		HotTopics []string `json:"hot_topics"`
		Declining []string `json:"declining"`
		Steady    []string `json:"steady"`
	} `json:"trends"`
	Saturation struct {
		WellExplored  []string `json:"well_explored"`
		UnderExplored []string `json:"under_explored"`
	} `json:"saturation"`
}

type trendSynthesizer struct{ d *Deps }

func (trendSynthesizer) Role() engine.Role { return engine.RoleTrendSynthesize }
func (trendSynthesizer) Name() string      { return keySynthesis }

func (t trendSynthesizer) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	sources, err := sourcesFrom(sc.State)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if len(sources) == 0 {
		return engine.StepOutcome{}, errs.Fatal("trend synthesis", errors.New("no papers to analyze"))
	}
	listed := sources[:min(len(sources), synthesisSources)]

	var ans trendAnswer
	prompt := fmt.Sprintf(trendPrompt, formatSources(listed, synthesisSources, synthesisChars, true))
	if err := t.d.generate(ctx, sc, systemPrompt, prompt, &ans); err != nil {
		return engine.StepOutcome{}, err
	}

	var out synthesis
	names := make([]string, 0, len(ans.Themes))
	for _, th := range ans.Themes {
		name := strings.TrimSpace(th.Name)
		if name == "" {
			continue
		}
		out.Themes = append(out.Themes, model.Theme{
			Name:        name,
			Description: strings.TrimSpace(th.Description),
			SourceIDs:   resolveRefs(th.RepresentativePapers, listed),
		})
		names = append(names, name)
	}
	for _, tr := range []struct {
		items    []string
		momentum string
	}{
		{ans.Trends.HotTopics, "rising"},
		{ans.Trends.Steady, "steady"},
		{ans.Trends.Declining, "declining"},
	} {
		for _, item := range cleanStrings(tr.items) {
			out.Trends = append(out.Trends, model.Trend{Name: item, Momentum: tr.momentum})
		}
	}
	out.SaturatedAreas = cleanStrings(ans.Saturation.WellExplored)
	out.UnderExplored = cleanStrings(ans.Saturation.UnderExplored)

	res := engine.StepOutcome{
		Output: out,
		Yield:  len(out.Themes),
		Events: []engine.Event{
			{Type: model.EventPartialOutput, Payload: map[string]any{"themes": names, "trend_count": len(out.Trends)}},
			note(model.NoteInfo, fmt.Sprintf("Identified %d research themes", len(out.Themes)), nil),
		},
	}
	if len(out.Themes) == 0 {
		res.Weak = true
		res.WeakReason = "no themes identified"
	}
	return res, nil
}

type gapAnswer struct {
	Gaps []struct {
		ID              string   `json:"id"`
		Title           string   `json:"title"`
		Description     string   `json:"description"`
		Category        string   `json:"category"`
		Evidence        []string `json:"evidence"`
		Themes          []string `json:"themes"`
		PotentialImpact string   `json:"potential_impact"`
		Confidence      float64  `json:"confidence"`
	} `json:"gaps"`
}

var (
	validCategories = map[string]bool{
		"under_explored": true, "evaluation_blind_spot": true, "robustness": true,
		"data_constraint": true, "methodological": true,
	}
	validImpacts = map[string]bool{"high": true, "medium": true, "low": true}
)

type gapMiner struct{ d *Deps }

func (gapMiner) Role() engine.Role { return engine.RoleGapMine }
func (gapMiner) Name() string      { return keyGaps }

func (g gapMiner) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	sources, err := sourcesFrom(sc.State)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if len(sources) == 0 {
		return engine.StepOutcome{}, errs.Fatal("gap mining", errors.New("no papers to mine"))
	}
	var syn synthesis
	if _, err := sc.State.Get(keySynthesis, &syn); err != nil {
		return engine.StepOutcome{}, err
	}

	// Retries look at more papers.
	n := miningSources + 10*(sc.Attempt-1)
	listed := sources[:min(len(sources), n)]
	prompt := fmt.Sprintf(gapPrompt,
		sc.Run.ConfigString("query"),
		formatThemes(syn.Themes),
		formatSources(listed, n, miningChars, false),
		joinOr(syn.SaturatedAreas, "None identified"),
		joinOr(syn.UnderExplored, "None identified"),
		g.d.Limits.MinGaps,
	)
	var ans gapAnswer
	if err := g.d.generate(ctx, sc, systemPrompt, prompt, &ans); err != nil {
		return engine.StepOutcome{}, err
	}

	gaps := make([]model.Gap, 0, len(ans.Gaps))
	seen := map[string]bool{}
	for i, a := range ans.Gaps {
		title := strings.TrimSpace(a.Title)
		if title == "" {
			continue
		}
		id := strings.TrimSpace(a.ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("gap_%d", i+1)
		}
		seen[id] = true
		category := strings.ToLower(strings.TrimSpace(a.Category))
		if !validCategories[category] {
			category = ""
		}
		impact := strings.ToLower(strings.TrimSpace(a.PotentialImpact))
		if !validImpacts[impact] {
			impact = ""
		}
		gaps = append(gaps, model.Gap{
			ID:              id,
			Title:           title,
			Description:     strings.TrimSpace(a.Description),
			Category:        category,
			Evidence:        resolveRefs(a.Evidence, listed),
			Themes:          cleanStrings(a.Themes),
			PotentialImpact: impact,
			Confidence:      min(max(a.Confidence, 0), 1),
		})
	}
	ranked := ranking.ScoreGaps(gaps, sourceIndex(sources), len(syn.Themes), g.d.Weights, g.d.Now())

	summary := make([]map[string]any, len(ranked))
	for i, gap := range ranked {
		summary[i] = map[string]any{"id": gap.ID, "title": gap.Title, "score": gap.Score}
	}
	res := engine.StepOutcome{
		Output: ranked,
		Yield:  len(ranked),
		Events: []engine.Event{
			{Type: model.EventPartialOutput, Payload: map[string]any{"gaps": summary}},
			note(model.NoteInfo, fmt.Sprintf("Identified %d evidence-backed research gaps", len(ranked)),
				map[string]any{"proposed": len(gaps)}),
		},
	}
	if len(ranked) < g.d.Limits.MinGaps {
		res.Weak = true
		res.WeakReason = fmt.Sprintf("only %d evidence-backed gaps (need %d)", len(ranked), g.d.Limits.MinGaps)
	}
	return res, nil
}

type directionAnswer struct {
	Directions []struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		NoveltyAngle       string   `json:"novelty_angle"`
		ContributionType   string   `json:"contribution_type"`
		MinimumExperiments []string `json:"minimum_experiments"`
		RelatedGapIDs      []string `json:"related_gap_ids"`
	} `json:"directions"`
}

var validContributions = map[string]bool{
	model.ContributionMethod:      true,
	model.ContributionBenchmark:   true,
	model.ContributionAnalysis:    true,
	model.ContributionApplication: true,
}

type directionGenerator struct{ d *Deps }

func (directionGenerator) Role() engine.Role { return engine.RoleDirectionGenerate }
func (directionGenerator) Name() string      { return keyDirections }

func (g directionGenerator) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	sources, err := sourcesFrom(sc.State)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	var syn synthesis
	if _, err := sc.State.Get(keySynthesis, &syn); err != nil {
		return engine.StepOutcome{}, err
	}
	var ranked []model.Gap
	if _, err := sc.State.Get(keyGaps, &ranked); err != nil {
		return engine.StepOutcome{}, err
	}
	index := sourceIndex(sources)

	var events []engine.Event
	top, _ := ranking.SelectTop(ranked, g.d.Limits.MinGaps, g.d.Limits.MaxGaps)
	if len(top) == 0 {
		top = themeGaps(syn.Themes, index, len(syn.Themes), g.d)
		if len(top) == 0 {
			return engine.StepOutcome{}, errs.Fatal("direction generation", errors.New("no gaps or themes with supporting evidence"))
		}
		events = append(events, note(model.NoteDegraded, "No usable gaps; generating directions from themes", map[string]any{"themes": len(top)}))
	}

	query := sc.Run.ConfigString("query")
	prompt := fmt.Sprintf(directionPrompt, query, formatThemes(syn.Themes), formatGaps(top), g.d.Limits.MinDirections)
	var ans directionAnswer
	if err := g.d.generate(ctx, sc, systemPrompt, prompt, &ans); err != nil {
		return engine.StepOutcome{}, err
	}
	dirs := buildDirections(ans, top, index, g.d.Limits.MaxDirections)

	report := model.DiscoveryResult{
		Query:          query,
		Themes:         syn.Themes,
		Trends:         syn.Trends,
		SaturatedAreas: syn.SaturatedAreas,
		Gaps:           ranked,
		Directions:     dirs,
		SourceCount:    len(sources),
	}
	content, err := toContent(report)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	res := engine.StepOutcome{
		Output:   dirs,
		Yield:    len(dirs),
		Artifact: &engine.ArtifactDelta{Type: model.ArtifactDiscoveryReport, Title: query, Content: content},
		Events: append(events, note(model.NoteInfo, fmt.Sprintf("Generated %d research directions", len(dirs)),
			map[string]any{"directions": len(dirs)})),
	}
	if len(dirs) < g.d.Limits.MinDirections {
		res.Weak = true
		res.WeakReason = fmt.Sprintf("only %d evidence-backed directions (need %d)", len(dirs), g.d.Limits.MinDirections)
	}
	if sc.Run.ConfigBool("select_direction") && len(dirs) > 0 {
		res.Checkpoint = &engine.CheckpointRequest{
			Kind:   model.CheckpointDirectionSelection,
			Schema: directionSchema(dirs),
			Prompt: selectionPrompt("Select the research direction to pursue", dirs),
		}
	}
	return res, nil
}

// themeGaps stands in for gap mining when it produced nothing usable: each
// theme becomes a gap backed by its representative papers.
func themeGaps(themes []model.Theme, index map[string]model.Source, total int, d *Deps) []model.Gap {
	gaps := make([]model.Gap, 0, len(themes))
	for i, th := range themes {
		gaps = append(gaps, model.Gap{
			ID:          fmt.Sprintf("theme_%d", i+1),
			Title:       th.Name,
			Description: th.Description,
			Evidence:    th.SourceIDs,
			Themes:      []string{th.Name},
		})
	}
	top, _ := ranking.SelectTop(ranking.ScoreGaps(gaps, index, total, d.Weights, d.Now()), d.Limits.MinGaps, d.Limits.MaxGaps)
	return top
}

// buildDirections turns the generator's answer into ranked directions.
// Evidence is the union of the related gaps' evidence; directions with none
// are dropped. Order is the best related gap score, then feasibility, then
// title. Ids are reassigned by rank.
func buildDirections(ans directionAnswer, gaps []model.Gap, index map[string]model.Source, limit int) []model.Direction {
	byID := make(map[string]model.Gap, len(gaps))
	for _, g := range gaps {
		byID[g.ID] = g
	}
	type scored struct {
		dir   model.Direction
		score float64
	}
	var out []scored
	for _, a := range ans.Directions {
		title := strings.TrimSpace(a.Title)
		if title == "" {
			continue
		}
		var related, evidence []string
		best := 0.0
		for _, id := range cleanStrings(a.RelatedGapIDs) {
			g, ok := byID[id]
			if !ok {
				continue
			}
			related = append(related, id)
			evidence = append(evidence, g.Evidence...)
			best = max(best, g.Score)
		}
		evidence = cleanStrings(evidence)
		if len(evidence) == 0 {
			continue
		}
		evSources := make([]model.Source, 0, len(evidence))
		for _, id := range evidence {
			evSources = append(evSources, index[id])
		}
		contribution := strings.ToLower(strings.TrimSpace(a.ContributionType))
		if !validContributions[contribution] {
			contribution = model.ContributionAnalysis
		}
		out = append(out, scored{
			score: best,
			dir: model.Direction{
				Title:                title,
				Description:          strings.TrimSpace(a.Description),
				NoveltyAngle:         strings.TrimSpace(a.NoveltyAngle),
				FeasibilityScore:     ranking.Feasibility(evSources),
				ContributionType:     contribution,
				MinimumExperimentSet: cleanStrings(a.MinimumExperiments),
				RelatedGapIDs:        related,
				Evidence:             evidence,
			},
		})
	}
	slices.SortStableFunc(out, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.dir.FeasibilityScore, a.dir.FeasibilityScore); c != 0 {
			return c
		}
		return cmp.Compare(a.dir.Title, b.dir.Title)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	dirs := make([]model.Direction, len(out))
	for i, s := range out {
		s.dir.ID = fmt.Sprintf("dir_%d", i+1)
		s.dir.Rank = i + 1
		dirs[i] = s.dir
	}
	return dirs
}

func discoveryResult(_ context.Context, state *engine.State) (any, error) {
	var (
		scope  Scope
		syn    synthesis
		gaps   []model.Gap
		dirs   []model.Direction
		report engine.ArtifactRef
	)
	for key, dst := range map[string]any{keyScope: &scope, keySynthesis: &syn, keyGaps: &gaps, keyDirections: &dirs} {
		if _, err := state.Get(key, dst); err != nil {
			return nil, err
		}
	}
	if _, err := state.Get(engine.ArtifactRefKey(model.ArtifactDiscoveryReport), &report); err != nil {
		return nil, err
	}
	sources, err := sourcesFrom(state)
	if err != nil {
		return nil, err
	}
	if gaps == nil {
		gaps = []model.Gap{}
	}
	if dirs == nil {
		dirs = []model.Direction{}
	}
	res := model.DiscoveryResult{
		Query:          scope.Query,
		Themes:         syn.Themes,
		Trends:         syn.Trends,
		SaturatedAreas: syn.SaturatedAreas,
		Gaps:           gaps,
		Directions:     dirs,
		SourceCount:    len(sources),
		ReportKey:      report.LogicalKey,
	}
	choice, err := checkpointChoice(state)
	if err != nil {
		return nil, err
	}
	if choice != "" {
		if dir, ok := findDirection(dirs, choice); ok {
			res.SelectedDirection = &dir
		}
	}
	return res, nil
}
