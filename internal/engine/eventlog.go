package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// subscribeBatch bounds how many events one store read delivers to a subscriber.
const subscribeBatch = 500

// EventLog is the append-only, per-run event record. The store is the only
// source of truth: appends go through the store's atomic sequence counter,
// and subscribers read from the store, so any two subscribers at the same
// offset receive identical events. The in-process wake hub only shortens the
// time between an append and a subscriber's next read.
type EventLog struct {
	store  Store
	hub    *wakeHub
	poll   time.Duration
	logger *slog.Logger
	m      *metrics
}

// NewEventLog creates an EventLog. poll is the fallback re-read interval for
// subscribers that miss a wakeup (e.g. appends made by another process with
// no LISTEN/NOTIFY connection).
func NewEventLog(store Store, poll time.Duration, logger *slog.Logger) *EventLog {
	if poll <= 0 {
		poll = time.Second
	}
	return &EventLog{store: store, hub: newWakeHub(), poll: poll, logger: logger, m: newMetrics()}
}

// Append writes one event with the run's next sequence number.
func (l *EventLog) Append(ctx context.Context, runID uuid.UUID, t model.EventType, payload map[string]any) (model.RunEvent, error) {
	evt, err := l.store.AppendEvent(ctx, runID, t, payload)
	if err != nil {
		return model.RunEvent{}, err
	}
	l.Published(evt)
	return evt, nil
}

// Published records an event the store appended as part of a lifecycle
// operation (checkpoint_raised, run_complete, run_error) and wakes subscribers.
func (l *EventLog) Published(evt model.RunEvent) {
	l.m.eventsAppended.Add(context.Background(), 1)
	l.hub.wake(evt.RunID)
}

// Notify wakes local subscribers of a run. The server's notify broker calls
// it for appends committed by other processes.
func (l *EventLog) Notify(runID uuid.UUID) {
	l.hub.wake(runID)
}

// List returns up to limit events with seq > after.
func (l *EventLog) List(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]model.RunEvent, error) {
	return l.store.ListEvents(ctx, runID, after, limit)
}

// Subscribe streams every event with seq > after, in order and without gaps,
// then closes the channel after the terminal event. The channel also closes
// when ctx is done. Resuming with the last seen seq neither repeats nor skips
// an event.
func (l *EventLog) Subscribe(ctx context.Context, runID uuid.UUID, after int64) (<-chan model.RunEvent, error) {
	if _, err := l.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	out := make(chan model.RunEvent)
	go l.follow(ctx, runID, after, out)
	return out, nil
}

func (l *EventLog) follow(ctx context.Context, runID uuid.UUID, cursor int64, out chan<- model.RunEvent) {
	defer close(out)
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		// Take the wake channel before reading so an append that lands
		// between the read and the wait is not missed.
		woken := l.hub.waiter(runID)

		events, err := l.store.ListEvents(ctx, runID, cursor, subscribeBatch)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("eventlog: read failed", "run_id", runID, "error", err)
			}
		}
		for _, e := range events {
			if e.Seq != cursor+1 {
				l.logger.Error("eventlog: sequence gap", "run_id", runID, "want", cursor+1, "got", e.Seq)
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			cursor = e.Seq
			if e.EventType.Terminal() {
				return
			}
		}
		if err == nil && len(events) == subscribeBatch {
			continue
		}

		select {
		case <-woken:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// wakeHub hands out per-run channels that are closed on the next append.
type wakeHub struct {
	mu    sync.Mutex
	chans map[uuid.UUID]chan struct{}
}

func newWakeHub() *wakeHub {
	return &wakeHub{chans: make(map[uuid.UUID]chan struct{})}
}

func (h *wakeHub) waiter(runID uuid.UUID) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.chans[runID]
	if !ok {
		ch = make(chan struct{})
		h.chans[runID] = ch
	}
	return ch
}

func (h *wakeHub) wake(runID uuid.UUID) {
	h.mu.Lock()
	ch, ok := h.chans[runID]
	delete(h.chans, runID)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}
