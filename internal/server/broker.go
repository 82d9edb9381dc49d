package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cortexlab/internal/storage"
)

// NotifySource is the LISTEN side of Postgres notifications. *storage.DB
// implements it.
type NotifySource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Waker is told which run just received an event. *engine.EventLog
// implements it.
type Waker interface {
	Notify(runID uuid.UUID)
}

// Broker relays Postgres LISTEN/NOTIFY messages about committed event
// appends to the in-process event log, so SSE subscribers wake immediately
// even when another process appended the event.
type Broker struct {
	src    NotifySource
	waker  Waker
	logger *slog.Logger

	relayed atomic.Int64
}

// NewBroker creates a new notify broker. Call Start to begin listening.
func NewBroker(src NotifySource, waker Waker, logger *slog.Logger) *Broker {
	return &Broker{src: src, waker: waker, logger: logger}
}

// Start listens on the run events channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.src.Listen(ctx, storage.ChannelRunEvents); err != nil {
		b.logger.Error("broker: listen run events", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelRunEvents)

	for {
		channel, payload, err := b.src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			// Subscribers still poll, so a short pause costs only latency.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if channel != storage.ChannelRunEvents {
			continue
		}
		b.relay(payload)
	}
}

// relay parses a "<run_id>:<seq>" payload and wakes the run's subscribers.
func (b *Broker) relay(payload string) {
	runID, _, err := storage.ParseEventNotification(payload)
	if err != nil {
		b.logger.Warn("broker: malformed notification payload", "payload", payload, "error", err)
		return
	}
	b.waker.Notify(runID)
	b.relayed.Add(1)
}

// Relayed returns how many notifications have been forwarded.
func (b *Broker) Relayed() int64 { return b.relayed.Load() }
