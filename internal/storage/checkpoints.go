package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/cortexlab/internal/model"
)

const checkpointColumns = `id, run_id, kind, input_schema, prompt, resume_group, state, raised_at, resolved_at, resolution_payload`

// RaiseCheckpoint persists cp, appends its checkpoint_raised event and moves
// the run from running to awaiting_input, all in one transaction.
func (db *DB) RaiseCheckpoint(ctx context.Context, cp model.Checkpoint) (model.RunEvent, error) {
	if cp.Prompt == nil {
		cp.Prompt = map[string]any{}
	}
	if cp.State == nil {
		cp.State = map[string]json.RawMessage{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeq(ctx, tx, cp.RunID, model.RunStatusRunning)
	if err != nil {
		return model.RunEvent{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'awaiting_input' WHERE id = $1`, cp.RunID); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: pause run: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (id, run_id, kind, input_schema, prompt, resume_group, state, raised_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.RunID, cp.Kind, cp.Schema, cp.Prompt, cp.ResumeGroup, cp.State, cp.RaisedAt,
	); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: insert checkpoint: %w", err)
	}

	evt := model.RunEvent{
		ID:        uuid.New(),
		RunID:     cp.RunID,
		Seq:       seq,
		EventType: model.EventCheckpointRaised,
		Payload:   cp.RaisedPayload(),
		CreatedAt: time.Now().UTC(),
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return model.RunEvent{}, err
	}
	if err := notifyTx(ctx, tx, ChannelRunEvents, eventNotifyPayload(evt)); err != nil {
		return model.RunEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: commit checkpoint: %w", err)
	}
	return evt, nil
}

// LatestCheckpoint returns the most recently raised checkpoint for a run,
// resolved or not.
func (db *DB) LatestCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error) {
	cp, err := scanCheckpoint(db.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = $1
		 ORDER BY raised_at DESC LIMIT 1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Checkpoint{}, fmt.Errorf("storage: run %s: %w", runID, ErrNoCheckpoint)
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	return cp, nil
}

// ResolveCheckpoint records the resolution payload and moves the run back to
// running. Both updates are conditional: a checkpoint resolved by a
// concurrent caller yields ErrCheckpointResolved, and a run that left
// awaiting_input (e.g. cancelled) yields ErrStaleStatus.
func (db *DB) ResolveCheckpoint(ctx context.Context, runID, checkpointID uuid.UUID, payload map[string]any) (model.Checkpoint, error) {
	var out model.Checkpoint
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cp, err := scanCheckpoint(tx.QueryRow(ctx,
			`UPDATE checkpoints SET resolved_at = now(), resolution_payload = $3
			 WHERE id = $1 AND run_id = $2 AND resolved_at IS NULL
			 RETURNING `+checkpointColumns, checkpointID, runID, payload))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: checkpoint %s: %w", checkpointID, ErrCheckpointResolved)
		}
		if err != nil {
			return fmt.Errorf("storage: resolve checkpoint: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE runs SET status = 'running' WHERE id = $1 AND status = 'awaiting_input'`, runID)
		if err != nil {
			return fmt.Errorf("storage: resume run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: run %s is not awaiting input: %w", runID, ErrStaleStatus)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit resolve: %w", err)
		}
		out = cp
		return nil
	})
	return out, err
}

func scanCheckpoint(row pgx.Row) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := row.Scan(
		&cp.ID, &cp.RunID, &cp.Kind, &cp.Schema, &cp.Prompt, &cp.ResumeGroup,
		&cp.State, &cp.RaisedAt, &cp.ResolvedAt, &cp.ResolutionPayload,
	)
	return cp, err
}
