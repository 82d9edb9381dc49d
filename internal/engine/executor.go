package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
	"github.com/ashita-ai/cortexlab/internal/telemetry"
)

// finishTimeout bounds the terminal write, which runs detached from the
// run's context so a failing run can still record why.
const finishTimeout = 10 * time.Second

// Executor interprets a Pipeline for one run: groups in order, steps within a
// group concurrently, with per-step retry and per-group join.
type Executor struct {
	store     Store
	log       *EventLog
	artifacts *ArtifactStore
	cfg       Config
	logger    *slog.Logger
	m         *metrics
	tracer    trace.Tracer
}

// NewExecutor creates an Executor.
func NewExecutor(store Store, log *EventLog, artifacts *ArtifactStore, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		store:     store,
		log:       log,
		artifacts: artifacts,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		m:         newMetrics(),
		tracer:    telemetry.Tracer("cortexlab/engine"),
	}
}

type groupStatus int

const (
	groupDone groupStatus = iota
	groupPaused
	groupStopped
	groupFailed
)

type stepResult struct {
	out StepOutcome
	err error
}

// Execute runs p for run until it completes, fails, pauses at a checkpoint,
// or ctx is cancelled. A non-nil resume restores the state snapshot taken
// when the checkpoint was raised and continues at the group after it.
func (x *Executor) Execute(ctx context.Context, run model.Run, p *Pipeline, resume *model.Checkpoint) {
	ctx, span := x.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("run_type", string(run.RunType)),
	))
	defer span.End()

	state := NewState(nil)
	start := 0
	if resume != nil {
		state = NewState(resume.State)
		if err := state.Put(CheckpointKey(resume.Kind), resume.ResolutionPayload); err != nil {
			x.fail(ctx, run, err.Error())
			return
		}
		start = resume.ResumeGroup
	}

	for i := start; i < len(p.Groups); i++ {
		status, err := x.runGroup(ctx, run, p.Groups[i], i, state)
		switch status {
		case groupDone:
			continue
		case groupPaused:
			x.logger.Info("run paused at checkpoint", "run_id", run.ID, "group", p.Groups[i].Name)
			return
		case groupStopped:
			x.logger.Info("run execution stopped", "run_id", run.ID, "group", p.Groups[i].Name)
			return
		case groupFailed:
			span.SetStatus(codes.Error, err.Error())
			x.fail(ctx, run, err.Error())
			return
		}
	}

	result, err := p.Result(ctx, state)
	if err != nil {
		x.fail(ctx, run, fmt.Sprintf("assemble result: %v", err))
		return
	}
	b, err := json.Marshal(result)
	if err != nil {
		x.fail(ctx, run, fmt.Sprintf("encode result: %v", err))
		return
	}
	x.finish(ctx, run.ID, storage.FinishRequest{Status: model.RunStatusCompleted, Result: b})
}

func (x *Executor) runGroup(ctx context.Context, run model.Run, g Group, idx int, state *State) (groupStatus, error) {
	ctx, span := x.tracer.Start(ctx, "engine.group", trace.WithAttributes(
		attribute.String("group", g.Name),
		attribute.Int("steps", len(g.Steps)),
	))
	defer span.End()

	maxRounds := g.MaxRounds
	if maxRounds <= 0 {
		maxRounds = x.cfg.MaxAttempts
	}
	for round := 0; ; round++ {
		results := make([]stepResult, len(g.Steps))
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(x.cfg.MaxParallel)
		for i, st := range g.Steps {
			eg.Go(func() error {
				out, err := x.runStep(gctx, run, st, state, round)
				results[i] = stepResult{out: out, err: err}
				if err != nil && !contributionFailure(err) {
					// Fatal errors and fencing cancel the siblings.
					return err
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			if stopped(ctx, err) {
				return groupStopped, nil
			}
			return groupFailed, fmt.Errorf("%s: %w", g.Name, err)
		}

		var failed []string
		var firstErr error
		outputs := make(map[string]json.RawMessage, len(g.Steps))
		for i, r := range results {
			name := g.Steps[i].Name()
			if r.err != nil {
				failed = append(failed, name)
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, r.err)
				}
				continue
			}
			if r.out.Output == nil {
				continue
			}
			if err := state.Put(name, r.out.Output); err != nil {
				return groupFailed, err
			}
			raw, _ := json.Marshal(r.out.Output)
			outputs[name] = raw
		}

		if len(g.Steps) > 0 && len(failed) == len(g.Steps) {
			if len(g.Steps) == 1 {
				return groupFailed, firstErr
			}
			return groupFailed, fmt.Errorf("%s: all %d steps failed; first: %w", g.Name, len(g.Steps), firstErr)
		}
		if len(failed) > 0 {
			if err := x.note(ctx, run.ID, model.NoteDegraded, fmt.Sprintf("%s continued with %d of %d contributions", g.Name, len(g.Steps)-len(failed), len(g.Steps)),
				map[string]any{"group": g.Name, "failed_steps": failed, "reason": firstErr.Error()}); err != nil {
				return x.appendFailure(ctx, err)
			}
		}

		if g.Join != nil {
			jr, err := g.Join(ctx, JoinContext{Run: run, State: state, Round: round, Outputs: outputs})
			if err != nil {
				if stopped(ctx, err) {
					return groupStopped, nil
				}
				return groupFailed, fmt.Errorf("%s: join: %w", g.Name, err)
			}
			if err := x.appendAll(ctx, run.ID, jr.Events); err != nil {
				return x.appendFailure(ctx, err)
			}
			if jr.Output != nil {
				if err := state.Put(g.Name, jr.Output); err != nil {
					return groupFailed, err
				}
			}
			if jr.Weak {
				if round+1 < maxRounds {
					if err := x.note(ctx, run.ID, model.NoteRetry, fmt.Sprintf("%s: %s; retrying with expanded input", g.Name, jr.Reason),
						map[string]any{"group": g.Name, "round": round + 1}); err != nil {
						return x.appendFailure(ctx, err)
					}
					continue
				}
				if err := x.note(ctx, run.ID, model.NoteLowConfidence, fmt.Sprintf("%s: %s; proceeding with partial results", g.Name, jr.Reason),
					map[string]any{"group": g.Name}); err != nil {
					return x.appendFailure(ctx, err)
				}
			}
		}

		var checkpoint *CheckpointRequest
		for _, r := range results {
			if r.err != nil {
				continue
			}
			if r.out.Artifact != nil {
				if err := x.proposeArtifact(ctx, run, r.out.Artifact, state); err != nil {
					if stopped(ctx, err) {
						return groupStopped, nil
					}
					return groupFailed, err
				}
			}
			if checkpoint == nil && r.out.Checkpoint != nil {
				checkpoint = r.out.Checkpoint
			}
		}
		if checkpoint != nil {
			return x.raiseCheckpoint(ctx, run, checkpoint, idx, state)
		}
		return groupDone, nil
	}
}

// runStep applies the retry policy to one step. It returns an error only
// when the step's contribution failed (provider errors exhausted) or the run
// must stop; weak and twice-malformed results degrade to a weak outcome.
func (x *Executor) runStep(ctx context.Context, run model.Run, st Step, state *State, round int) (StepOutcome, error) {
	ctx, span := x.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("role", string(st.Role())),
		attribute.String("step", st.Name()),
	))
	defer span.End()

	var (
		best       *StepOutcome
		strict     bool
		weakReason string
	)
	emit := func(ctx context.Context, t model.EventType, payload map[string]any) error {
		_, err := x.log.Append(ctx, run.ID, t, x.stepPayload(st, payload))
		return err
	}

	limit := x.cfg.MaxAttempts
attempts:
	for attempt := 1; attempt <= limit; attempt++ {
		if err := emit(ctx, model.EventAgentStart, map[string]any{"attempt": attempt, "round": round, "strict": strict}); err != nil {
			return StepOutcome{}, err
		}
		sc := &StepContext{Run: run, State: state, Attempt: attempt, Round: round, Strict: strict, emit: emit}

		began := time.Now()
		out, err := st.Execute(ctx, sc)
		x.record(ctx, st, err, out.Weak, time.Since(began))

		if err == nil {
			for _, e := range out.Events {
				if aerr := emit(ctx, e.Type, e.Payload); aerr != nil {
					return StepOutcome{}, aerr
				}
			}
			if !out.Weak {
				return out, nil
			}
			if best == nil || out.Yield > best.Yield {
				o := out
				best = &o
			}
			weakReason = out.WeakReason
			if attempt < limit {
				if nerr := x.stepNote(ctx, run.ID, st, model.NoteRetry, "weak result: "+out.WeakReason, attempt); nerr != nil {
					return StepOutcome{}, nerr
				}
			}
			continue
		}

		if stopped(ctx, err) {
			return StepOutcome{}, err
		}
		span.RecordError(err)
		x.logger.Warn("step attempt failed", "run_id", run.ID, "step", st.Name(), "attempt", attempt, "error", err)

		switch errs.KindOf(err) {
		case errs.KindWeak:
			weakReason = err.Error()
			if attempt < limit {
				if nerr := x.stepNote(ctx, run.ID, st, model.NoteRetry, "weak result: "+err.Error(), attempt); nerr != nil {
					return StepOutcome{}, nerr
				}
			}
		case errs.KindMalformed:
			weakReason = err.Error()
			if strict {
				// A second malformed answer degrades like a weak result.
				break attempts
			}
			strict = true
			if attempt == limit {
				// The strict retry is owed even when the first malformed
				// answer arrives on the last attempt.
				limit++
			}
			if attempt < limit {
				if nerr := x.stepNote(ctx, run.ID, st, model.NoteRetry, "malformed output; retrying with strict formatting", attempt); nerr != nil {
					return StepOutcome{}, nerr
				}
			}
		case errs.KindProvider, errs.KindTimeout:
			if attempt == limit {
				return StepOutcome{}, err
			}
			if nerr := x.stepNote(ctx, run.ID, st, model.NoteRetry, err.Error(), attempt); nerr != nil {
				return StepOutcome{}, nerr
			}
			if serr := sleepCtx(ctx, x.backoff(attempt)); serr != nil {
				return StepOutcome{}, serr
			}
		default:
			return StepOutcome{}, &fatalError{err: err}
		}
	}

	if err := x.stepNote(ctx, run.ID, st, model.NoteLowConfidence, "proceeding with best available result: "+weakReason, 0); err != nil {
		return StepOutcome{}, err
	}
	if best != nil {
		return *best, nil
	}
	return StepOutcome{Weak: true, WeakReason: weakReason}, nil
}

func (x *Executor) proposeArtifact(ctx context.Context, run model.Run, d *ArtifactDelta, state *State) error {
	runID := run.ID
	a, err := x.artifacts.Propose(ctx, run.ProjectID, model.ProposeArtifactRequest{
		ArtifactType: d.Type,
		Title:        d.Title,
		LogicalKey:   d.LogicalKey,
		Content:      d.Content,
	}, &runID)
	if err != nil {
		return fmt.Errorf("propose %s: %w", d.Type, err)
	}
	ref := ArtifactRef{ID: a.ID.String(), LogicalKey: a.LogicalKey, Version: a.Version}
	if err := state.Put(ArtifactRefKey(a.ArtifactType), ref); err != nil {
		return err
	}
	_, err = x.log.Append(ctx, run.ID, model.EventArtifactReady, map[string]any{
		"artifact_id":   ref.ID,
		"artifact_type": string(a.ArtifactType),
		"logical_key":   a.LogicalKey,
		"version":       a.Version,
	})
	return err
}

func (x *Executor) raiseCheckpoint(ctx context.Context, run model.Run, req *CheckpointRequest, idx int, state *State) (groupStatus, error) {
	cp := model.Checkpoint{
		ID:          uuid.New(),
		RunID:       run.ID,
		Kind:        req.Kind,
		Schema:      req.Schema,
		Prompt:      req.Prompt,
		RaisedAt:    time.Now().UTC(),
		ResumeGroup: idx + 1,
		State:       state.Snapshot(),
	}
	evt, err := x.store.RaiseCheckpoint(ctx, cp)
	if err != nil {
		if stopped(ctx, err) {
			return groupStopped, nil
		}
		return groupFailed, fmt.Errorf("raise checkpoint %s: %w", req.Kind, err)
	}
	x.log.Published(evt)
	return groupPaused, nil
}

// fail finishes the run as failed with a human-readable reason. The
// run_error event is written in the same transaction as the status change.
func (x *Executor) fail(ctx context.Context, run model.Run, reason string) {
	x.logger.Warn("run failed", "run_id", run.ID, "reason", reason)
	x.finish(ctx, run.ID, storage.FinishRequest{Status: model.RunStatusFailed, Reason: reason})
}

func (x *Executor) finish(ctx context.Context, runID uuid.UUID, req storage.FinishRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if _, err := finishRun(ctx, x.store, x.log, x.m, runID, req); err != nil {
		x.logger.Error("finish run", "run_id", runID, "status", req.Status, "error", err)
	}
}

// finishRun is shared by the executor and the engine's cancel and recovery paths.
func finishRun(ctx context.Context, store Store, log *EventLog, m *metrics, runID uuid.UUID, req storage.FinishRequest) (model.Run, error) {
	run, _, err := transitionTerminal(ctx, store, log, m, runID, req)
	return run, err
}

// transitionTerminal finishes the run and reports whether this call wrote the
// terminal event. A run that was already terminal comes back unchanged.
func transitionTerminal(ctx context.Context, store Store, log *EventLog, m *metrics, runID uuid.UUID, req storage.FinishRequest) (model.Run, bool, error) {
	run, evt, err := store.FinishRun(ctx, runID, req)
	if err != nil {
		return model.Run{}, false, err
	}
	if evt == nil {
		return run, false, nil
	}
	log.Published(*evt)
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(req.Status))))
	return run, true, nil
}

func (x *Executor) note(ctx context.Context, runID uuid.UUID, severity, message string, extra map[string]any) error {
	payload := map[string]any{"severity": severity, "message": message}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := x.log.Append(ctx, runID, model.EventAgentNote, payload)
	return err
}

func (x *Executor) stepNote(ctx context.Context, runID uuid.UUID, st Step, severity, message string, attempt int) error {
	extra := map[string]any{"role": string(st.Role()), "step": st.Name()}
	if attempt > 0 {
		extra["attempt"] = attempt
	}
	return x.note(ctx, runID, severity, message, extra)
}

func (x *Executor) appendAll(ctx context.Context, runID uuid.UUID, events []Event) error {
	for _, e := range events {
		if _, err := x.log.Append(ctx, runID, e.Type, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) appendFailure(ctx context.Context, err error) (groupStatus, error) {
	if stopped(ctx, err) {
		return groupStopped, nil
	}
	return groupFailed, err
}

func (x *Executor) stepPayload(st Step, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["role"]; !ok {
		out["role"] = string(st.Role())
	}
	if _, ok := out["step"]; !ok {
		out["step"] = st.Name()
	}
	return out
}

func (x *Executor) record(ctx context.Context, st Step, err error, weak bool, d time.Duration) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = errs.KindOf(err).String()
	case weak:
		outcome = errs.KindWeak.String()
	}
	attrs := metric.WithAttributes(attribute.String("role", string(st.Role())), attribute.String("outcome", outcome))
	x.m.stepAttempts.Add(ctx, 1, attrs)
	x.m.stepDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("role", string(st.Role()))))
}

// backoff returns the jittered exponential delay before attempt+1.
func (x *Executor) backoff(attempt int) time.Duration {
	base := x.cfg.RetryBaseDelay << (attempt - 1)
	return base + time.Duration(rand.Int64N(int64(base))) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fatalError marks a step error that fails the run without retry.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// contributionFailure reports errors that mark one step's contribution as
// failed without stopping its siblings.
func contributionFailure(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) || errors.Is(err, storage.ErrRunClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	k := errs.KindOf(err)
	return k == errs.KindProvider || k == errs.KindTimeout
}

// stopped reports whether execution should end quietly: the run was fenced
// (cancelled or finished elsewhere) or its context was cancelled.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, storage.ErrRunClosed)
}
