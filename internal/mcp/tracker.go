package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// cursorTracker remembers the last event seq each caller read from a run, so
// cortexlab_run_events called without "after" continues where the previous
// call stopped instead of replaying the whole log.
//
// Entries expire after window. It is per-process and advisory: a forgotten
// cursor only means a replay from seq 0.
type cursorTracker struct {
	mu      sync.Mutex
	cursors map[cursorKey]cursor
	window  time.Duration
	now     func() time.Time
}

type cursorKey struct {
	caller string
	runID  uuid.UUID
}

type cursor struct {
	seq  int64
	seen time.Time
}

func newCursorTracker(window time.Duration) *cursorTracker {
	return &cursorTracker{
		cursors: make(map[cursorKey]cursor),
		window:  window,
		now:     time.Now,
	}
}

// Advance records that caller has read runID up to seq. Cursors never move
// backwards.
func (t *cursorTracker) Advance(caller string, runID uuid.UUID, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := cursorKey{caller, runID}
	if cur, ok := t.cursors[k]; ok && cur.seq > seq {
		seq = cur.seq
	}
	t.cursors[k] = cursor{seq: seq, seen: t.now()}

	// Lazy cleanup keeps many short-lived runs from growing the map forever.
	if len(t.cursors) > 1000 {
		t.purgeStale()
	}
}

// Last returns the caller's cursor for runID, or 0 when none is recent.
func (t *cursorTracker) Last(caller string, runID uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := cursorKey{caller, runID}
	cur, ok := t.cursors[k]
	if !ok {
		return 0
	}
	if t.now().Sub(cur.seen) > t.window {
		delete(t.cursors, k)
		return 0
	}
	return cur.seq
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *cursorTracker) purgeStale() {
	now := t.now()
	for k, cur := range t.cursors {
		if now.Sub(cur.seen) > t.window {
			delete(t.cursors, k)
		}
	}
}
