// Package agents implements the research pipeline steps and assembles them
// into the discovery, deep_dive and paper pipelines the engine executes.
//
// Steps hold no state between attempts. Everything they need comes from the
// run config and the upstream outputs in the run state, and everything they
// produce goes back through the StepOutcome. Weak results carry a Yield so
// the executor can keep the best attempt.
package agents

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/generation"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/ranking"
	"github.com/ashita-ai/cortexlab/internal/retrieval"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// Default thresholds below which a result counts as weak.
const (
	MinSources    = 5
	MinGaps       = 5
	MinDirections = 5
	MaxGaps       = 10
	MaxDirections = 10
)

// Limits override the default thresholds. Zero fields keep the defaults.
type Limits struct {
	MinSources    int
	MinGaps       int
	MaxGaps       int
	MinDirections int
	MaxDirections int
}

func (l Limits) withDefaults() Limits {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&l.MinSources, MinSources)
	def(&l.MinGaps, MinGaps)
	def(&l.MaxGaps, MaxGaps)
	def(&l.MinDirections, MinDirections)
	def(&l.MaxDirections, MaxDirections)
	return l
}

// Retrieval limits per scout attempt.
const (
	maxQueries       = 5
	perQueryLimit    = 20
	maxSources       = 50
	retrievalRounds  = 2
	synthesisSources = 30
	synthesisChars   = 500
	miningSources    = 20
	miningChars      = 400
)

// State keys. Step outputs are stored under the step name and join outputs
// under the group name, so these double as step and group names.
const (
	keyScope      = "scope-clarify"
	keySources    = "retrieval"
	keySynthesis  = "trend-synthesize"
	keyGaps       = "gap-mine"
	keyDirections = "direction-generate"
	keySelect     = "direction-select"
	keyPlan       = "experiment-design"
	keyDraft      = "paper-write"
	keyEdit       = "paper-edit"
)

// Deps are the collaborators the steps call.
type Deps struct {
	Store     engine.Store
	Search    retrieval.Searcher
	Generator generation.Generator
	// Embedder is optional. When set and Store implements
	// engine.VectorStore, sources are embedded after upsert and deep dives
	// pull in semantically similar sources.
	Embedder generation.Embedder
	Weights  ranking.Weights
	Limits   Limits
	Logger   *slog.Logger
	Now      func() time.Time
}

// Registry builds pipelines for the engine. It implements engine.Pipelines.
type Registry struct {
	d *Deps
}

var _ engine.Pipelines = (*Registry)(nil)

// New creates a Registry.
func New(d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	d.Limits = d.Limits.withDefaults()
	return &Registry{d: &d}
}

// Validate checks a run config at admission.
func (r *Registry) Validate(runType model.RunType, config map[string]any) error {
	const op = "validate run config"
	switch runType {
	case model.RunTypeDiscovery:
		q, _ := config["query"].(string)
		if strings.TrimSpace(q) == "" {
			return errs.Validation(op, "discovery requires a non-empty query")
		}
		if v, ok := config["select_direction"]; ok {
			if _, isBool := v.(bool); !isBool {
				return errs.Validation(op, "select_direction must be a boolean")
			}
		}
		for _, k := range []string{"year_from", "year_to"} {
			if v, ok := config[k]; ok {
				if _, isNum := v.(float64); !isNum {
					if _, isInt := v.(int); !isInt {
						return errs.Validation(op, "%s must be a number", k)
					}
				}
			}
		}
	case model.RunTypeDeepDive:
		if v, ok := config["direction_id"]; ok {
			s, isStr := v.(string)
			if !isStr || strings.TrimSpace(s) == "" {
				return errs.Validation(op, "direction_id must be a non-empty string")
			}
		}
	case model.RunTypePaper:
		for _, k := range []string{"title", "instructions", "artifact_key"} {
			if v, ok := config[k]; ok {
				if _, isStr := v.(string); !isStr {
					return errs.Validation(op, "%s must be a string", k)
				}
			}
		}
		if key, _ := config["artifact_key"].(string); key != "" && !strings.HasPrefix(key, string(model.ArtifactPaperDraft)+":") {
			return errs.Validation(op, "artifact_key must reference a paper_draft")
		}
	default:
		return errs.Validation(op, "unknown run_type %q", runType)
	}
	return nil
}

// Pipeline returns the pipeline for run. It is called again with the same
// run when a paused run resumes, and must produce the same group layout.
func (r *Registry) Pipeline(run model.Run) (*engine.Pipeline, error) {
	providers := r.d.Search.Providers()
	if len(providers) == 0 {
		return nil, errs.Fatal("build pipeline", errors.New("no retrieval providers configured"))
	}
	switch run.RunType {
	case model.RunTypeDiscovery:
		return r.discovery(providers), nil
	case model.RunTypeDeepDive:
		return r.deepDive(run, providers), nil
	case model.RunTypePaper:
		return r.paper(), nil
	}
	return nil, errs.Validation("build pipeline", "unknown run_type %q", run.RunType)
}

// generate runs one prompt through the generator and decodes the JSON answer
// into dst, emitting the call as tool events.
func (d *Deps) generate(ctx context.Context, sc *engine.StepContext, system, user string, dst any) error {
	if err := sc.Emit(ctx, model.EventToolCall, map[string]any{"tool": "generate", "generator": d.Generator.Name(), "strict": sc.Strict}); err != nil {
		return err
	}
	raw, err := d.Generator.Generate(ctx, generation.Prompt{System: system, User: user, Strict: sc.Strict})
	if err != nil {
		if rerr := sc.Emit(ctx, model.EventToolResult, map[string]any{"tool": "generate", "error": err.Error()}); rerr != nil {
			return rerr
		}
		return err
	}
	if err := sc.Emit(ctx, model.EventToolResult, map[string]any{"tool": "generate", "chars": len(raw)}); err != nil {
		return err
	}
	return generation.ParseJSON(raw, dst)
}

// sourcesFrom reads the joined source list from state.
func sourcesFrom(state *engine.State) ([]model.Source, error) {
	var sources []model.Source
	if _, err := state.Get(keySources, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

func sourceIndex(sources []model.Source) map[string]model.Source {
	m := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		m[s.ID.String()] = s
	}
	return m
}

func byCitations(sources []model.Source) {
	slices.SortStableFunc(sources, func(a, b model.Source) int {
		return cmp.Compare(b.Citations(), a.Citations())
	})
}

// latestReport returns the most recently written discovery report of a
// project, or ok=false when there is none.
func (d *Deps) latestReport(ctx context.Context, projectID uuid.UUID) (model.DiscoveryResult, bool, error) {
	reports, err := d.Store.ListCurrentArtifacts(ctx, projectID, model.ArtifactDiscoveryReport)
	if err != nil {
		return model.DiscoveryResult{}, false, fmt.Errorf("agents: list discovery reports: %w", err)
	}
	if len(reports) == 0 {
		return model.DiscoveryResult{}, false, nil
	}
	latest := slices.MaxFunc(reports, func(a, b model.Artifact) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	var report model.DiscoveryResult
	if err := decodeContent(latest.Content, &report); err != nil {
		return model.DiscoveryResult{}, false, err
	}
	report.ReportKey = latest.LogicalKey
	return report, true, nil
}

// latestPlan returns the most recent experiment plan of a project.
func (d *Deps) latestPlan(ctx context.Context, projectID uuid.UUID) (model.ExperimentPlan, bool, error) {
	plans, err := d.Store.ListCurrentArtifacts(ctx, projectID, model.ArtifactExperimentPlan)
	if err != nil {
		return model.ExperimentPlan{}, false, fmt.Errorf("agents: list experiment plans: %w", err)
	}
	if len(plans) == 0 {
		return model.ExperimentPlan{}, false, nil
	}
	latest := slices.MaxFunc(plans, func(a, b model.Artifact) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	var plan model.ExperimentPlan
	if err := decodeContent(latest.Content, &plan); err != nil {
		return model.ExperimentPlan{}, false, err
	}
	return plan, true, nil
}

// embed indexes sources for similarity search. Failures are logged; a
// missing embedding only narrows later deep-dive recall.
func (d *Deps) embed(ctx context.Context, sources []model.Source) {
	vs, ok := d.Store.(engine.VectorStore)
	if !ok || d.Embedder == nil || len(sources) == 0 {
		return
	}
	texts := make([]string, len(sources))
	for i, s := range sources {
		texts[i] = s.Title + "\n" + s.Abstract
	}
	vecs, err := d.Embedder.Embed(ctx, texts)
	if err != nil {
		d.Logger.Warn("agents: embed sources failed", "count", len(sources), "error", err)
		return
	}
	for i, v := range vecs {
		if i >= len(sources) || len(v) == 0 {
			continue
		}
		if err := vs.SetSourceEmbedding(ctx, sources[i].ID, v); err != nil {
			d.Logger.Warn("agents: store source embedding failed", "source_id", sources[i].ID, "error", err)
		}
	}
}

// similar returns project sources close to text, when vector search is available.
func (d *Deps) similar(ctx context.Context, projectID uuid.UUID, text string, limit int) []model.Source {
	vs, ok := d.Store.(engine.VectorStore)
	if !ok || d.Embedder == nil {
		return nil
	}
	vecs, err := d.Embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		d.Logger.Warn("agents: embed query failed", "error", err)
		return nil
	}
	out, err := vs.SimilarSources(ctx, projectID, vecs[0], limit)
	if err != nil {
		d.Logger.Warn("agents: similar sources failed", "error", err)
		return nil
	}
	return out
}

func decodeContent(content map[string]any, dst any) error {
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("agents: encode artifact content: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("agents: decode artifact content: %w", err)
	}
	return nil
}

func decodeRaw(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("agents: decode step output: %w", err)
	}
	return nil
}

func toContent(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("agents: encode artifact content: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("agents: encode artifact content: %w", err)
	}
	return m, nil
}

func note(severity, message string, extra map[string]any) engine.Event {
	payload := map[string]any{"severity": severity, "message": message}
	for k, v := range extra {
		payload[k] = v
	}
	return engine.Event{Type: model.EventAgentNote, Payload: payload}
}

// checkpointChoice returns the direction id a resolved direction_selection
// checkpoint carried, if any.
func checkpointChoice(state *engine.State) (string, error) {
	var payload map[string]any
	ok, err := state.Get(engine.CheckpointKey(model.CheckpointDirectionSelection), &payload)
	if err != nil || !ok {
		return "", err
	}
	id, _ := payload["direction_id"].(string)
	return id, nil
}

func directionSchema(dirs []model.Direction) model.InputSchema {
	ids := make([]any, len(dirs))
	for i, d := range dirs {
		ids[i] = d.ID
	}
	return model.InputSchema{
		Type:     "object",
		Required: []string{"direction_id"},
		Properties: map[string]model.PropertySchema{
			"direction_id": {Type: "string", Description: "id of the direction to pursue", Enum: ids},
		},
	}
}

func selectionPrompt(message string, dirs []model.Direction) map[string]any {
	options := make([]map[string]any, len(dirs))
	for i, d := range dirs {
		options[i] = map[string]any{"id": d.ID, "title": d.Title, "feasibility_score": d.FeasibilityScore}
	}
	return map[string]any{"message": message, "directions": options}
}

func findDirection(dirs []model.Direction, id string) (model.Direction, bool) {
	for _, d := range dirs {
		if d.ID == id {
			return d, true
		}
	}
	return model.Direction{}, false
}

func configInt(run model.Run, key string) int {
	switch v := run.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
