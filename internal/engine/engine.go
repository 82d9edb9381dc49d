// Package engine is the run orchestration core: the run state machine and
// scheduler (Engine), the step executor, the per-run event log, and the
// versioned artifact store.
//
// All durable state lives behind Store. The engine itself only keeps the
// cancel handles of runs executing in this process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/storage"
)

// Run reasons recorded in error_reason.
const (
	ReasonCancelled   = "cancelled"
	ReasonInterrupted = "interrupted"
)

// ErrShuttingDown is returned by Start and ResolveCheckpoint after Shutdown.
var ErrShuttingDown = errors.New("engine: shutting down")

// Engine admits runs, launches their execution asynchronously, and owns the
// checkpoint and cancellation protocol.
type Engine struct {
	store     Store
	pipelines Pipelines
	log       *EventLog
	artifacts *ArtifactStore
	exec      *Executor
	logger    *slog.Logger
	m         *metrics

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[uuid.UUID]*execution
	closed  bool
	wg      sync.WaitGroup
}

type execution struct {
	cancel context.CancelFunc
}

// New creates an Engine.
func New(store Store, pipelines Pipelines, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	log := NewEventLog(store, cfg.PollInterval, logger)
	artifacts := NewArtifactStore(store)
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		pipelines: pipelines,
		log:       log,
		artifacts: artifacts,
		exec:      NewExecutor(store, log, artifacts, cfg, logger),
		logger:    logger,
		m:         newMetrics(),
		baseCtx:   base,
		stop:      stop,
		running:   make(map[uuid.UUID]*execution),
	}
}

// EventLog returns the engine's event log.
func (e *Engine) EventLog() *EventLog { return e.log }

// Artifacts returns the engine's artifact store.
func (e *Engine) Artifacts() *ArtifactStore { return e.artifacts }

// Start admits a run for the project and launches it. A project that already
// has a pending, running or awaiting_input run yields a Conflict error and no
// run is created.
func (e *Engine) Start(ctx context.Context, req model.StartRunRequest) (model.Run, error) {
	const op = "start run"
	if e.isClosed() {
		return model.Run{}, ErrShuttingDown
	}
	if req.ProjectID == uuid.Nil {
		return model.Run{}, errs.Validation(op, "project_id is required")
	}
	if !req.RunType.Valid() {
		return model.Run{}, errs.Validation(op, "unknown run_type %q", req.RunType)
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if err := e.pipelines.Validate(req.RunType, req.Config); err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			return model.Run{}, errs.Validation(op, "%v", err)
		}
		return model.Run{}, err
	}

	run := model.Run{
		ID:        uuid.New(),
		ProjectID: req.ProjectID,
		RunType:   req.RunType,
		Status:    model.RunStatusPending,
		Config:    req.Config,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrActiveRun) {
			return model.Run{}, errs.Conflict(op, "project %s already has an active run", req.ProjectID)
		}
		return model.Run{}, fmt.Errorf("engine: %s: %w", op, err)
	}

	p, err := e.pipelines.Pipeline(run)
	if err != nil {
		failed, ferr := finishRun(ctx, e.store, e.log, e.m, run.ID, storage.FinishRequest{
			Status: model.RunStatusFailed, Reason: fmt.Sprintf("build pipeline: %v", err),
		})
		if ferr != nil {
			return model.Run{}, ferr
		}
		return failed, nil
	}

	started, err := e.store.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning)
	if err != nil {
		return model.Run{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	e.m.runsStarted.Add(ctx, 1)
	e.logger.Info("run admitted", "run_id", run.ID, "project_id", run.ProjectID, "run_type", run.RunType)
	e.launch(started, p, nil)
	return started, nil
}

// ResolveCheckpoint validates payload against the run's open checkpoint,
// moves the run back to running and resumes execution after the group that
// raised it. A payload that fails validation leaves the run awaiting input.
// A checkpoint can be resolved once; later calls get ErrCheckpointResolved
// and do not resume anything.
func (e *Engine) ResolveCheckpoint(ctx context.Context, runID uuid.UUID, payload map[string]any) (model.Run, error) {
	const op = "resolve checkpoint"
	if e.isClosed() {
		return model.Run{}, ErrShuttingDown
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	cp, err := e.store.LatestCheckpoint(ctx, runID)
	if errors.Is(err, storage.ErrNoCheckpoint) {
		return model.Run{}, errs.Conflict(op, "run %s is %s and has no checkpoint", runID, run.Status)
	}
	if err != nil {
		return model.Run{}, err
	}
	if cp.Resolved() {
		return model.Run{}, fmt.Errorf("engine: checkpoint %s: %w", cp.ID, storage.ErrCheckpointResolved)
	}
	if run.Status != model.RunStatusAwaitingInput {
		return model.Run{}, errs.Conflict(op, "run %s is %s, not awaiting input", runID, run.Status)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := cp.Schema.Validate(payload); err != nil {
		return model.Run{}, errs.Validation(op, "%v", err)
	}

	resolved, err := e.store.ResolveCheckpoint(ctx, runID, cp.ID, payload)
	if err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return model.Run{}, errs.Conflict(op, "run %s is no longer awaiting input", runID)
		}
		return model.Run{}, err
	}
	e.logger.Info("checkpoint resolved", "run_id", runID, "kind", resolved.Kind)

	p, err := e.pipelines.Pipeline(run)
	if err != nil {
		return finishRun(ctx, e.store, e.log, e.m, runID, storage.FinishRequest{
			Status: model.RunStatusFailed, Reason: fmt.Sprintf("build pipeline: %v", err),
		})
	}
	resumed, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	e.launch(resumed, p, &resolved)
	return resumed, nil
}

// Cancel fails a running or awaiting_input run with reason "cancelled".
// The terminal event is written with the status change, so writes from
// in-flight steps are rejected afterwards.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.Terminal() {
		return model.Run{}, errs.Conflict("cancel run", "run %s is already %s", runID, run.Status)
	}
	out, applied, err := transitionTerminal(ctx, e.store, e.log, e.m, runID, storage.FinishRequest{
		Status: model.RunStatusFailed, Reason: ReasonCancelled,
	})
	if err != nil {
		return model.Run{}, err
	}
	if !applied {
		// The run finished on its own between the read and the transition.
		return model.Run{}, errs.Conflict("cancel run", "run %s is already %s", runID, out.Status)
	}
	e.mu.Lock()
	if x, ok := e.running[runID]; ok {
		x.cancel()
	}
	e.mu.Unlock()
	e.logger.Info("run cancelled", "run_id", runID)
	return out, nil
}

// Get returns a run. A run awaiting input carries its open checkpoint.
func (e *Engine) Get(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status == model.RunStatusAwaitingInput {
		cp, err := e.store.LatestCheckpoint(ctx, runID)
		if err != nil && !errors.Is(err, storage.ErrNoCheckpoint) {
			return model.Run{}, err
		}
		if err == nil && !cp.Resolved() {
			run.Checkpoint = &cp
		}
	}
	return run, nil
}

// List returns a project's runs, newest first.
func (e *Engine) List(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Run, error) {
	return e.store.ListRuns(ctx, projectID, limit)
}

// Events returns up to limit events with seq > after.
func (e *Engine) Events(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]model.RunEvent, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.log.List(ctx, runID, after, limit)
}

// Subscribe streams a run's events after the given offset.
func (e *Engine) Subscribe(ctx context.Context, runID uuid.UUID, after int64) (<-chan model.RunEvent, error) {
	return e.log.Subscribe(ctx, runID, after)
}

// Sources returns the project's deduplicated citation records.
func (e *Engine) Sources(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Source, error) {
	return e.store.ListSources(ctx, projectID, limit)
}

// Recover fails runs that a previous process left pending or running; their
// executor state was in memory and is gone. Runs awaiting input keep their
// persisted checkpoint and resume normally once resolved.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRunsByStatus(ctx, model.RunStatusPending, model.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("engine: recover: %w", err)
	}
	n := 0
	for _, r := range runs {
		if e.isRunning(r.ID) {
			continue
		}
		if _, err := finishRun(ctx, e.store, e.log, e.m, r.ID, storage.FinishRequest{
			Status: model.RunStatusFailed, Reason: ReasonInterrupted,
		}); err != nil {
			return n, fmt.Errorf("engine: recover run %s: %w", r.ID, err)
		}
		e.logger.Warn("failed interrupted run", "run_id", r.ID, "project_id", r.ProjectID)
		n++
	}
	return n, nil
}

// ActiveRuns returns how many runs are executing in this process.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Shutdown stops accepting work, cancels executing runs, waits for their
// goroutines (bounded by ctx), and fails them as interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]uuid.UUID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}

	var errList []error
	for _, id := range ids {
		run, err := e.store.GetRun(ctx, id)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		// Paused runs keep their checkpoint across restarts.
		if run.Status != model.RunStatusRunning {
			continue
		}
		if _, err := finishRun(ctx, e.store, e.log, e.m, id, storage.FinishRequest{
			Status: model.RunStatusFailed, Reason: ReasonInterrupted,
		}); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (e *Engine) launch(run model.Run, p *Pipeline, resume *model.Checkpoint) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	x := &execution{cancel: cancel}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		e.logger.Warn("engine closed before launch; run left for recovery", "run_id", run.ID)
		return
	}
	e.running[run.ID] = x
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			if e.running[run.ID] == x {
				delete(e.running, run.ID)
			}
			e.mu.Unlock()
			cancel()
		}()
		e.exec.Execute(ctx, run, p, resume)
	}()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) isRunning(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}
