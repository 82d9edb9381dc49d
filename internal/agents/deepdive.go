package agents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
)

// similarLimit bounds the sources a deep dive pulls from the vector index.
const similarLimit = 10

func (r *Registry) deepDive(run model.Run, providers []string) *engine.Pipeline {
	d := r.d
	var groups []engine.Group
	// Without a direction_id the run starts by asking for one. The layout
	// depends only on the config, so a resumed run rebuilds the same groups.
	if strings.TrimSpace(run.ConfigString("direction_id")) == "" {
		groups = append(groups, engine.Group{Name: "select", Steps: []engine.Step{directionSelector{d: d}}})
	}
	groups = append(groups,
		engine.Group{Name: "scope", Steps: []engine.Step{deepDiveScope{d: d}}},
		engine.Group{
			Name:      keySources,
			Steps:     scouts(d, engine.RoleDeepDiveScout, providers),
			Join:      d.joinSources(d.directionSources),
			MaxRounds: retrievalRounds,
		},
		engine.Group{Name: "design", Steps: []engine.Step{experimentDesigner{d: d}}},
	)
	return &engine.Pipeline{Groups: groups, Result: deepDiveResult}
}

// directionSelector raises the direction_selection checkpoint over the
// directions of the project's current discovery report.
type directionSelector struct{ d *Deps }

func (directionSelector) Role() engine.Role { return engine.RoleScopeClarify }
func (directionSelector) Name() string      { return keySelect }

func (s directionSelector) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	report, ok, err := s.d.latestReport(ctx, sc.Run.ProjectID)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if !ok || len(report.Directions) == 0 {
		return engine.StepOutcome{}, errs.Fatal("direction selection", errors.New("project has no discovery report with directions; run discovery first"))
	}
	return engine.StepOutcome{
		Output: map[string]any{"report_key": report.ReportKey, "directions": len(report.Directions)},
		Checkpoint: &engine.CheckpointRequest{
			Kind:   model.CheckpointDirectionSelection,
			Schema: directionSchema(report.Directions),
			Prompt: selectionPrompt("Select the direction to deep dive on", report.Directions),
		},
	}, nil
}

// diveScope is the deep-dive search plan plus the direction it targets.
type diveScope struct {
	Scope
	Direction model.Direction `json:"direction"`
}

type deepDiveScope struct{ d *Deps }

func (deepDiveScope) Role() engine.Role { return engine.RoleScopeClarify }
func (deepDiveScope) Name() string      { return keyScope }

func (s deepDiveScope) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	const op = "deep dive scope"
	id := strings.TrimSpace(sc.Run.ConfigString("direction_id"))
	if id == "" {
		choice, err := checkpointChoice(sc.State)
		if err != nil {
			return engine.StepOutcome{}, err
		}
		id = choice
	}
	if id == "" {
		return engine.StepOutcome{}, errs.Fatal(op, errors.New("no direction selected"))
	}
	report, ok, err := s.d.latestReport(ctx, sc.Run.ProjectID)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if !ok {
		return engine.StepOutcome{}, errs.Fatal(op, errors.New("project has no discovery report; run discovery first"))
	}
	dir, ok := findDirection(report.Directions, id)
	if !ok {
		return engine.StepOutcome{}, errs.Fatal(op, fmt.Errorf("direction %q not found in %s", id, report.ReportKey))
	}

	base := Scope{Query: dir.Title}
	prompt := fmt.Sprintf(deepDiveScopePrompt, dir.Title, dir.Description, dir.NoveltyAngle, bulletList(dir.MinimumExperimentSet))
	var ans scopeAnswer
	if err := s.d.generate(ctx, sc, systemPrompt, prompt, &ans); err != nil {
		out, derr := degradedScope(base, err)
		if derr != nil {
			return out, derr
		}
		out.Output = diveScope{Scope: out.Output.(Scope), Direction: dir}
		return out, nil
	}
	base.SearchQueries = cleanStrings(ans.SearchQueries)
	base.BroaderQueries = cleanStrings(ans.BroaderQueries)
	base.Keywords = cleanStrings(ans.Keywords)
	out, err := scopeOutcome(base)
	if err != nil {
		return out, err
	}
	out.Output = diveScope{Scope: out.Output.(Scope), Direction: dir}
	return out, nil
}

// directionSources adds the direction's evidence and, when vector search is
// available, the project's sources closest to the direction.
func (d *Deps) directionSources(ctx context.Context, jc engine.JoinContext) ([]model.Source, error) {
	var scope diveScope
	if _, err := jc.State.Get(keyScope, &scope); err != nil {
		return nil, err
	}
	known, err := d.Store.ListSources(ctx, jc.Run.ProjectID, 0)
	if err != nil {
		return nil, fmt.Errorf("list project sources: %w", err)
	}
	var out []model.Source
	for _, s := range known {
		if slices.Contains(scope.Direction.Evidence, s.ID.String()) {
			out = append(out, s)
		}
	}
	text := scope.Direction.Title + "\n" + scope.Direction.Description
	return append(out, d.similar(ctx, jc.Run.ProjectID, text, similarLimit)...), nil
}

type planAnswer struct {
	Title       string             `json:"title"`
	Objective   string             `json:"objective"`
	Hypotheses  []string           `json:"hypotheses"`
	Datasets    []string           `json:"datasets"`
	Baselines   []string           `json:"baselines"`
	Metrics     []string           `json:"metrics"`
	Experiments []model.Experiment `json:"experiments"`
	Risks       []string           `json:"risks"`
	Evidence    []string           `json:"evidence"`
}

type experimentDesigner struct{ d *Deps }

func (experimentDesigner) Role() engine.Role { return engine.RoleExperimentDesign }
func (experimentDesigner) Name() string      { return keyPlan }

func (e experimentDesigner) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	var scope diveScope
	if _, err := sc.State.Get(keyScope, &scope); err != nil {
		return engine.StepOutcome{}, err
	}
	sources, err := sourcesFrom(sc.State)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	dir := scope.Direction
	listed := sources[:min(len(sources), miningSources)]
	prompt := fmt.Sprintf(experimentPrompt, dir.Title, dir.Description, dir.NoveltyAngle, dir.ContributionType,
		formatSources(listed, miningSources, miningChars, true))
	var ans planAnswer
	if err := e.d.generate(ctx, sc, systemPrompt, prompt, &ans); err != nil {
		return engine.StepOutcome{}, err
	}

	experiments := make([]model.Experiment, 0, len(ans.Experiments))
	for _, x := range ans.Experiments {
		if strings.TrimSpace(x.Name) == "" && strings.TrimSpace(x.Description) == "" {
			continue
		}
		experiments = append(experiments, model.Experiment{
			Name:        strings.TrimSpace(x.Name),
			Description: strings.TrimSpace(x.Description),
			Compute:     strings.TrimSpace(x.Compute),
		})
	}
	evidence := resolveRefs(ans.Evidence, listed)
	if len(evidence) == 0 {
		evidence = dir.Evidence
	}
	title := strings.TrimSpace(ans.Title)
	if title == "" {
		title = dir.Title
	}
	plan := model.ExperimentPlan{
		DirectionID: dir.ID,
		Title:       title,
		Objective:   strings.TrimSpace(ans.Objective),
		Hypotheses:  cleanStrings(ans.Hypotheses),
		Datasets:    cleanStrings(ans.Datasets),
		Baselines:   cleanStrings(ans.Baselines),
		Metrics:     cleanStrings(ans.Metrics),
		Experiments: experiments,
		Risks:       cleanStrings(ans.Risks),
		Evidence:    evidence,
	}
	content, err := toContent(plan)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	res := engine.StepOutcome{
		Output: plan,
		Yield:  len(experiments),
		// Keyed by direction so re-running a deep dive revises the same plan.
		Artifact: &engine.ArtifactDelta{
			Type:       model.ArtifactExperimentPlan,
			Title:      title,
			LogicalKey: model.LogicalKey(model.ArtifactExperimentPlan, dir.Title),
			Content:    content,
		},
		Events: []engine.Event{note(model.NoteInfo, fmt.Sprintf("Designed %d experiments", len(experiments)),
			map[string]any{"direction_id": dir.ID})},
	}
	switch {
	case len(experiments) == 0:
		res.Weak, res.WeakReason = true, "plan has no experiments"
	case len(plan.Metrics) == 0:
		res.Weak, res.WeakReason = true, "plan has no evaluation metrics"
	}
	return res, nil
}

func deepDiveResult(_ context.Context, state *engine.State) (any, error) {
	var (
		scope diveScope
		plan  model.ExperimentPlan
		ref   engine.ArtifactRef
	)
	if _, err := state.Get(keyScope, &scope); err != nil {
		return nil, err
	}
	if _, err := state.Get(keyPlan, &plan); err != nil {
		return nil, err
	}
	if _, err := state.Get(engine.ArtifactRefKey(model.ArtifactExperimentPlan), &ref); err != nil {
		return nil, err
	}
	sources, err := sourcesFrom(state)
	if err != nil {
		return nil, err
	}
	return model.DeepDiveResult{
		Direction:   scope.Direction,
		Plan:        plan,
		SourceCount: len(sources),
		PlanKey:     ref.LogicalKey,
	}, nil
}
