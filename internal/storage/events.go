package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// AppendEvent assigns the run's next sequence number and persists the event
// in one transaction. The counter UPDATE is conditional on status 'running',
// which both serializes concurrent appenders on the run row and fences out
// writes after the run has paused or finished (ErrRunClosed).
func (db *DB) AppendEvent(ctx context.Context, runID uuid.UUID, eventType model.EventType, payload map[string]any) (model.RunEvent, error) {
	if !eventType.Valid() || eventType.Terminal() || eventType == model.EventCheckpointRaised {
		return model.RunEvent{}, fmt.Errorf("storage: append event: %s must go through its lifecycle operation", eventType)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq, err := nextSeq(ctx, tx, runID, model.RunStatusRunning)
	if err != nil {
		return model.RunEvent{}, err
	}
	evt := model.RunEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Seq:       seq,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return model.RunEvent{}, err
	}
	if err := notifyTx(ctx, tx, ChannelRunEvents, eventNotifyPayload(evt)); err != nil {
		return model.RunEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.RunEvent{}, fmt.Errorf("storage: commit append: %w", err)
	}
	return evt, nil
}

// ListEvents returns events with seq > afterSeq in ascending order. If limit
// <= 0, it defaults to 1000.
func (db *DB) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.RunEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, event_type, payload, created_at
		 FROM run_events WHERE run_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`, runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// nextSeq increments the run's counter while it is in the required status.
func nextSeq(ctx context.Context, tx pgx.Tx, runID uuid.UUID, status model.RunStatus) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE runs SET last_seq = last_seq + 1
		 WHERE id = $1 AND status = $2
		 RETURNING last_seq`, runID, string(status),
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID).Scan(&exists); qerr == nil && !exists {
			return 0, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: run %s: %w", runID, ErrRunClosed)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: next seq: %w", err)
	}
	return seq, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e model.RunEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO run_events (id, run_id, seq, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.RunID, e.Seq, string(e.EventType), e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

func eventNotifyPayload(e model.RunEvent) string {
	return e.RunID.String() + ":" + strconv.FormatInt(e.Seq, 10)
}

// ParseEventNotification decodes a ChannelRunEvents payload.
func ParseEventNotification(payload string) (uuid.UUID, int64, error) {
	id, seqStr, ok := strings.Cut(payload, ":")
	if !ok {
		return uuid.Nil, 0, fmt.Errorf("storage: malformed event notification %q", payload)
	}
	runID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("storage: event notification run id: %w", err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("storage: event notification seq: %w", err)
	}
	return runID, seq, nil
}
