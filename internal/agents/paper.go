package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
)

// contextSources bounds the project sources a draft is written from.
const contextSources = 20

func (r *Registry) paper() *engine.Pipeline {
	d := r.d
	return &engine.Pipeline{
		Groups: []engine.Group{
			{Name: "write", Steps: []engine.Step{paperWriter{d: d}}},
			{Name: "edit", Steps: []engine.Step{paperEditor{d: d}}},
		},
		Result: paperResult,
	}
}

// draftState carries a draft from the write step to the edit step.
type draftState struct {
	LogicalKey  string           `json:"logical_key"`
	Draft       model.PaperDraft `json:"draft"`
	BaseVersion int              `json:"base_version,omitempty"`
}

type paperWriter struct{ d *Deps }

func (paperWriter) Role() engine.Role { return engine.RolePaperWrite }
func (paperWriter) Name() string      { return keyDraft }

func (w paperWriter) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	const op = "paper write"
	if key := strings.TrimSpace(sc.Run.ConfigString("artifact_key")); key != "" {
		return w.load(ctx, sc, key)
	}

	title := strings.TrimSpace(sc.Run.ConfigString("title"))
	report, hasReport, err := w.d.latestReport(ctx, sc.Run.ProjectID)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	plan, hasPlan, err := w.d.latestPlan(ctx, sc.Run.ProjectID)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if title == "" && !hasReport && !hasPlan {
		return engine.StepOutcome{}, errs.Fatal(op, errors.New("nothing to write about: give a title or run discovery first"))
	}
	if title == "" {
		title = plan.Title
		if title == "" {
			title = report.Query
		}
	}
	sources, err := w.d.Store.ListSources(ctx, sc.Run.ProjectID, contextSources)
	if err != nil {
		return engine.StepOutcome{}, fmt.Errorf("list project sources: %w", err)
	}

	var research strings.Builder
	if hasReport {
		fmt.Fprintf(&research, "Discovery on %q found %d themes and %d directions.\n", report.Query, len(report.Themes), len(report.Directions))
		for _, dir := range report.Directions[:min(len(report.Directions), 3)] {
			fmt.Fprintf(&research, "- Direction %s: %s\n", dir.ID, dir.Title)
		}
	}
	if hasPlan {
		b, _ := json.Marshal(plan)
		fmt.Fprintf(&research, "Experiment plan: %s\n", b)
	}
	if research.Len() == 0 {
		research.WriteString("No prior research artifacts.")
	}

	instructions := sc.Run.ConfigString("instructions")
	prompt := fmt.Sprintf(writePrompt, title, joinOr(cleanStrings([]string{instructions}), "none"), research.String(),
		formatSources(sources, contextSources, miningChars, true))
	var draft model.PaperDraft
	if err := w.d.generate(ctx, sc, systemPrompt, prompt, &draft); err != nil {
		return engine.StepOutcome{}, err
	}
	if configured := strings.TrimSpace(sc.Run.ConfigString("title")); configured != "" || strings.TrimSpace(draft.Title) == "" {
		draft.Title = title
	}
	draft = tidyDraft(draft)
	if draft.Title == "" {
		draft.Title = "Untitled draft"
	}

	res := engine.StepOutcome{
		Output: draftState{LogicalKey: model.LogicalKey(model.ArtifactPaperDraft, draft.Title), Draft: draft},
		Yield:  len(draft.Sections),
		Events: []engine.Event{
			{Type: model.EventPartialOutput, Payload: map[string]any{"title": draft.Title, "sections": headings(draft)}},
		},
	}
	if len(draft.Sections) == 0 {
		res.Weak, res.WeakReason = true, "draft has no sections"
	}
	return res, nil
}

// load starts a revision run from the current version of an existing draft.
func (w paperWriter) load(ctx context.Context, sc *engine.StepContext, key string) (engine.StepOutcome, error) {
	a, err := w.d.Store.GetCurrentArtifact(ctx, sc.Run.ProjectID, key)
	if isNotFound(err) {
		return engine.StepOutcome{}, errs.Fatal("paper write", fmt.Errorf("artifact %q not found", key))
	}
	if err != nil {
		return engine.StepOutcome{}, err
	}
	var draft model.PaperDraft
	if err := decodeContent(a.Content, &draft); err != nil {
		return engine.StepOutcome{}, err
	}
	if draft.Title == "" {
		draft.Title = a.Title
	}
	return engine.StepOutcome{
		Output: draftState{LogicalKey: a.LogicalKey, Draft: draft, BaseVersion: a.Version},
		Yield:  len(draft.Sections),
		Events: []engine.Event{note(model.NoteInfo, fmt.Sprintf("Loaded %s version %d for revision", a.LogicalKey, a.Version),
			map[string]any{"logical_key": a.LogicalKey, "version": a.Version})},
	}, nil
}

type paperEditor struct{ d *Deps }

func (paperEditor) Role() engine.Role { return engine.RolePaperEdit }
func (paperEditor) Name() string      { return keyEdit }

// Execute always proposes a new version. When the edit pass yields nothing
// usable the outcome is weak and carries the unedited draft.
func (e paperEditor) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	var in draftState
	ok, err := sc.State.Get(keyDraft, &in)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if !ok || in.LogicalKey == "" {
		return engine.StepOutcome{}, errs.Fatal("paper edit", errors.New("no draft to edit"))
	}

	instructions := strings.TrimSpace(sc.Run.ConfigString("instructions"))
	if instructions == "" {
		instructions = defaultEditInstructions
	}
	raw, err := json.Marshal(in.Draft)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	var edited model.PaperDraft
	if err := e.d.generate(ctx, sc, systemPrompt, fmt.Sprintf(editPrompt, instructions, raw), &edited); err != nil {
		// A second malformed answer still yields a version: the unedited draft.
		if errs.KindOf(err) != errs.KindMalformed || !sc.Strict {
			return engine.StepOutcome{}, err
		}
		edited = model.PaperDraft{}
	}
	edited = tidyDraft(edited)

	weak := len(edited.Sections) == 0
	if weak {
		edited = in.Draft
		edited.Notes = append(edited.Notes, "edit pass produced no usable revision")
	}
	if edited.Title == "" {
		edited.Title = in.Draft.Title
	}
	content, err := toContent(edited)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	res := engine.StepOutcome{
		Output: draftState{LogicalKey: in.LogicalKey, Draft: edited, BaseVersion: in.BaseVersion},
		Yield:  len(edited.Sections),
		Artifact: &engine.ArtifactDelta{
			Type:       model.ArtifactPaperDraft,
			Title:      edited.Title,
			LogicalKey: in.LogicalKey,
			Content:    content,
		},
	}
	if weak {
		res.Weak, res.WeakReason = true, "edit produced no sections"
		res.Yield = 0
	}
	return res, nil
}

func tidyDraft(d model.PaperDraft) model.PaperDraft {
	d.Title = strings.TrimSpace(d.Title)
	d.Abstract = strings.TrimSpace(d.Abstract)
	sections := make([]model.PaperSection, 0, len(d.Sections))
	for _, s := range d.Sections {
		s.Heading = strings.TrimSpace(s.Heading)
		s.Body = strings.TrimSpace(s.Body)
		if s.Heading == "" && s.Body == "" {
			continue
		}
		sections = append(sections, s)
	}
	d.Sections = sections
	d.Notes = cleanStrings(d.Notes)
	return d
}

func headings(d model.PaperDraft) []string {
	out := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		out[i] = s.Heading
	}
	return out
}

func paperResult(_ context.Context, state *engine.State) (any, error) {
	var (
		edited draftState
		ref    engine.ArtifactRef
	)
	if _, err := state.Get(keyEdit, &edited); err != nil {
		return nil, err
	}
	ok, err := state.Get(engine.ArtifactRefKey(model.ArtifactPaperDraft), &ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Fatal("paper result", errors.New("no draft version was proposed"))
	}
	return model.PaperResult{LogicalKey: ref.LogicalKey, Version: ref.Version, Title: edited.Draft.Title}, nil
}
