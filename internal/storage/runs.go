package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const runColumns = `id, project_id, run_type, status, config, result, error_reason, last_seq, started_at, finished_at, created_at`

// isUniqueViolation checks if a Postgres error is a unique_violation (23505).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// CreateRun inserts a run. The partial unique index on active runs makes
// admission atomic: a second active run for the project fails with ErrActiveRun.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	if run.Config == nil {
		run.Config = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, run_type, status, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.ProjectID, string(run.RunType), string(run.Status), run.Config, run.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "runs_one_active_per_project") {
			return ErrActiveRun
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a project's runs, newest first.
func (db *DB) ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunsByStatus returns every run currently in one of the given statuses.
// Used by startup recovery and the health endpoint.
func (db *DB) ListRunsByStatus(ctx context.Context, statuses ...model.RunStatus) ([]model.Run, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs by status: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// TransitionRun moves a run from one non-terminal status to another.
// The UPDATE is conditional on the current status; a mismatch returns
// ErrStaleStatus and changes nothing.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = $3,
		        started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END
		 WHERE id = $1 AND status = $2
		 RETURNING `+runColumns,
		id, string(from), string(to)))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: transition run: %w", err)
	}
	if _, gerr := db.GetRun(ctx, id); gerr != nil {
		return model.Run{}, gerr
	}
	return model.Run{}, fmt.Errorf("storage: run %s is not %s: %w", id, from, ErrStaleStatus)
}

// FinishRun moves an active run to completed or failed and appends the
// matching terminal event in the same transaction, so no event can follow
// it. Finishing a run that is already terminal is a no-op and returns a nil
// event.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, req FinishRequest) (model.Run, *model.RunEvent, error) {
	if !req.Status.Terminal() {
		return model.Run{}, nil, fmt.Errorf("storage: finish run: %s is not terminal", req.Status)
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: begin finish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var reason *string
	if req.Status == model.RunStatusFailed {
		reason = &req.Reason
	}
	var result []byte
	if len(req.Result) > 0 {
		result = req.Result
	}
	run, err := scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET status = $2, result = $3, error_reason = $4,
		        finished_at = now(), last_seq = last_seq + 1
		 WHERE id = $1 AND status IN ('pending', 'running', 'awaiting_input')
		 RETURNING `+runColumns,
		id, string(req.Status), result, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := db.GetRun(ctx, id)
		if gerr != nil {
			return model.Run{}, nil, gerr
		}
		return current, nil, nil
	}
	if err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: finish run: %w", err)
	}

	evt := model.RunEvent{
		ID:        uuid.New(),
		RunID:     id,
		Seq:       run.LastSeq,
		EventType: req.EventType(),
		Payload:   req.Payload(),
		CreatedAt: time.Now().UTC(),
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return model.Run{}, nil, err
	}
	if err := notifyTx(ctx, tx, ChannelRunEvents, eventNotifyPayload(evt)); err != nil {
		return model.Run{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, nil, fmt.Errorf("storage: commit finish: %w", err)
	}
	return run, &evt, nil
}

// FinishRequest describes how a run ends.
type FinishRequest struct {
	Status model.RunStatus
	Result json.RawMessage // completed runs
	Reason string          // failed runs
}

// EventType returns the terminal event type for the request.
func (r FinishRequest) EventType() model.EventType {
	if r.Status == model.RunStatusCompleted {
		return model.EventRunComplete
	}
	return model.EventRunError
}

// Payload builds the terminal event payload: {result} or {reason}.
func (r FinishRequest) Payload() map[string]any {
	if r.Status == model.RunStatusCompleted {
		var result any
		if len(r.Result) > 0 {
			_ = json.Unmarshal(r.Result, &result)
		}
		return map[string]any{"result": result}
	}
	return map[string]any{"reason": r.Reason}
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run    model.Run
		result []byte
	)
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.RunType, &run.Status, &run.Config, &result,
		&run.ErrorReason, &run.LastSeq, &run.StartedAt, &run.FinishedAt, &run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
