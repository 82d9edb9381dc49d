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
	"github.com/ashita-ai/cortexlab/internal/retrieval"
)

// Scope is the search plan produced by scope clarification.
type Scope struct {
	Query          string   `json:"query"`
	SearchQueries  []string `json:"search_queries"`
	BroaderQueries []string `json:"broader_queries,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	Include        []string `json:"include,omitempty"`
	Exclude        []string `json:"exclude,omitempty"`
	YearFrom       int      `json:"year_from,omitempty"`
	YearTo         int      `json:"year_to,omitempty"`
}

// Queries returns the queries for an input variant. Variant 0 is the
// specific plan; each later variant rotates through broader queries,
// keywords and the raw query, never repeating a variant 0 query. With
// nothing broader to try, later variants reuse the specific plan, which
// Years then searches without a year filter.
func (s Scope) Queries(variant int) []string {
	specific := cleanStrings(s.SearchQueries, []string{s.Query})
	specific = specific[:min(len(specific), maxQueries)]
	if variant <= 0 {
		return specific
	}
	var rest []string
	if len(s.SearchQueries) > maxQueries {
		rest = s.SearchQueries[maxQueries:]
	}
	var pool []string
	for _, q := range cleanStrings(s.BroaderQueries, rest, s.Keywords, []string{s.Query}) {
		if !slices.ContainsFunc(specific, func(sq string) bool { return strings.EqualFold(sq, q) }) {
			pool = append(pool, q)
		}
	}
	if len(pool) == 0 {
		return specific
	}
	if len(pool) <= maxQueries {
		return pool
	}
	start := ((variant - 1) * maxQueries) % len(pool)
	out := make([]string, 0, maxQueries)
	for i := range maxQueries {
		out = append(out, pool[(start+i)%len(pool)])
	}
	return out
}

// Years returns the publication year filter for a variant. Broadened
// variants search all years.
func (s Scope) Years(variant int) (int, int) {
	if variant > 0 {
		return 0, 0
	}
	return s.YearFrom, s.YearTo
}

type scopeAnswer struct {
	SearchQueries    []string `json:"search_queries"`
	BroaderQueries   []string `json:"broader_queries"`
	Keywords         []string `json:"keywords"`
	DomainBoundaries struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude"`
	} `json:"domain_boundaries"`
}

// scopeClarifier expands the discovery query into a search plan.
type scopeClarifier struct{ d *Deps }

func (scopeClarifier) Role() engine.Role { return engine.RoleScopeClarify }
func (scopeClarifier) Name() string      { return keyScope }

func (s scopeClarifier) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	query := strings.TrimSpace(sc.Run.ConfigString("query"))
	base := Scope{Query: query, YearFrom: configInt(sc.Run, "year_from"), YearTo: configInt(sc.Run, "year_to")}

	var ans scopeAnswer
	if err := s.d.generate(ctx, sc, systemPrompt, fmt.Sprintf(scopePrompt, query), &ans); err != nil {
		return degradedScope(base, err)
	}
	base.SearchQueries = cleanStrings(ans.SearchQueries)
	base.BroaderQueries = cleanStrings(ans.BroaderQueries)
	base.Keywords = cleanStrings(ans.Keywords)
	base.Include = cleanStrings(ans.DomainBoundaries.Include)
	base.Exclude = cleanStrings(ans.DomainBoundaries.Exclude)
	return scopeOutcome(base)
}

// degradedScope falls back to searching the raw query when the generator is
// unavailable. Other errors go to the executor unchanged.
func degradedScope(base Scope, err error) (engine.StepOutcome, error) {
	switch errs.KindOf(err) {
	case errs.KindProvider, errs.KindTimeout:
		base.SearchQueries = cleanStrings([]string{base.Query})
		return engine.StepOutcome{
			Output:     base,
			Weak:       true,
			WeakReason: "query expansion unavailable: " + err.Error(),
		}, nil
	}
	return engine.StepOutcome{}, err
}

func scopeOutcome(s Scope) (engine.StepOutcome, error) {
	out := engine.StepOutcome{Output: s, Yield: len(s.SearchQueries)}
	if len(s.SearchQueries) == 0 {
		s.SearchQueries = cleanStrings([]string{s.Query})
		out.Output = s
		out.Weak = true
		out.WeakReason = "no search queries produced"
		return out, nil
	}
	out.Events = []engine.Event{note(model.NoteInfo, fmt.Sprintf("Planned %d search queries", len(s.SearchQueries)),
		map[string]any{"queries": s.SearchQueries})}
	return out, nil
}

// literatureScout searches one provider with the planned queries. Discovery
// and deep dive both use it under their own role.
type literatureScout struct {
	d        *Deps
	role     engine.Role
	provider string
}

func (s literatureScout) Role() engine.Role { return s.role }
func (s literatureScout) Name() string      { return string(s.role) + ":" + s.provider }

func (s literatureScout) Execute(ctx context.Context, sc *engine.StepContext) (engine.StepOutcome, error) {
	var scope Scope
	ok, err := sc.State.Get(keyScope, &scope)
	if err != nil {
		return engine.StepOutcome{}, err
	}
	if !ok {
		return engine.StepOutcome{}, errs.Fatal("literature scout", errors.New("no search plan in run state"))
	}

	// The group join owns broadening: each round searches a new variant, and
	// attempts within a round only repeat it after provider errors.
	variant := sc.Round
	queries := scope.Queries(variant)
	yearFrom, yearTo := scope.Years(variant)

	var (
		found    []model.Source
		failures int
		lastErr  error
	)
	for _, q := range queries {
		if err := sc.Emit(ctx, model.EventToolCall, map[string]any{"tool": "search", "provider": s.provider, "query": q}); err != nil {
			return engine.StepOutcome{}, err
		}
		res, err := s.d.Search.Search(ctx, s.provider, retrieval.Query{Text: q, Limit: perQueryLimit, YearFrom: yearFrom, YearTo: yearTo})
		if err != nil {
			if ctx.Err() != nil {
				return engine.StepOutcome{}, ctx.Err()
			}
			failures++
			lastErr = err
			if eerr := sc.Emit(ctx, model.EventToolResult, map[string]any{"tool": "search", "provider": s.provider, "query": q, "error": err.Error()}); eerr != nil {
				return engine.StepOutcome{}, eerr
			}
			continue
		}
		if err := sc.Emit(ctx, model.EventToolResult, map[string]any{"tool": "search", "provider": s.provider, "query": q, "count": len(res)}); err != nil {
			return engine.StepOutcome{}, err
		}
		found = append(found, res...)
	}
	if failures > 0 && failures == len(queries) {
		return engine.StepOutcome{}, lastErr
	}

	merged := retrieval.Dedup(found)
	byCitations(merged)
	if len(merged) > maxSources {
		merged = merged[:maxSources]
	}
	if len(merged) == 0 {
		// An empty contribution is not weak on its own; the join decides
		// whether the combined sources warrant another round.
		return engine.StepOutcome{
			Output: merged,
			Events: []engine.Event{note(model.NoteInfo, fmt.Sprintf("No papers found on %s", s.provider),
				map[string]any{"provider": s.provider, "count": 0})},
		}, nil
	}
	return engine.StepOutcome{
		Output: merged,
		Yield:  len(merged),
		Events: []engine.Event{note(model.NoteInfo, fmt.Sprintf("Found %d papers on %s", len(merged), s.provider),
			map[string]any{"provider": s.provider, "count": len(merged)})},
	}, nil
}

// joinSources merges the scouts' results with anything gathered in earlier
// rounds, persists them, and marks the group weak below the minimum source count. extra,
// when set, contributes additional sources before the merge.
func (d *Deps) joinSources(extra func(ctx context.Context, jc engine.JoinContext) ([]model.Source, error)) func(context.Context, engine.JoinContext) (engine.JoinResult, error) {
	return func(ctx context.Context, jc engine.JoinContext) (engine.JoinResult, error) {
		all, err := sourcesFrom(jc.State)
		if err != nil {
			return engine.JoinResult{}, err
		}
		if extra != nil {
			more, err := extra(ctx, jc)
			if err != nil {
				return engine.JoinResult{}, err
			}
			all = append(all, more...)
		}
		names := make([]string, 0, len(jc.Outputs))
		for name := range jc.Outputs {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			var part []model.Source
			if err := decodeRaw(jc.Outputs[name], &part); err != nil {
				return engine.JoinResult{}, err
			}
			all = append(all, part...)
		}

		merged := retrieval.Dedup(all)
		byCitations(merged)
		if len(merged) > maxSources {
			merged = merged[:maxSources]
		}
		stored, err := d.Store.UpsertSources(ctx, jc.Run.ProjectID, merged)
		if err != nil {
			return engine.JoinResult{}, fmt.Errorf("store sources: %w", err)
		}
		d.embed(ctx, stored)

		res := engine.JoinResult{
			Output: stored,
			Events: []engine.Event{note(model.NoteInfo, fmt.Sprintf("Found %d relevant papers", len(stored)),
				map[string]any{"group": keySources, "source_count": len(stored)})},
		}
		if len(stored) < d.Limits.MinSources {
			res.Weak = true
			res.Reason = fmt.Sprintf("only %d unique sources (need %d)", len(stored), d.Limits.MinSources)
		}
		return res, nil
	}
}

func scouts(d *Deps, role engine.Role, providers []string) []engine.Step {
	steps := make([]engine.Step, len(providers))
	for i, p := range providers {
		steps[i] = literatureScout{d: d, role: role, provider: p}
	}
	return steps
}
