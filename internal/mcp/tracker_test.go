package mcp

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCursorTracker_AdvanceAndLast(t *testing.T) {
	t.Parallel()
	tracker := newCursorTracker(time.Hour)
	run := uuid.New()

	assert.Zero(t, tracker.Last("alice", run))

	tracker.Advance("alice", run, 4)
	assert.Equal(t, int64(4), tracker.Last("alice", run))

	// Other callers and runs are independent.
	assert.Zero(t, tracker.Last("bob", run))
	assert.Zero(t, tracker.Last("alice", uuid.New()))
}

func TestCursorTracker_NeverMovesBackwards(t *testing.T) {
	t.Parallel()
	tracker := newCursorTracker(time.Hour)
	run := uuid.New()

	tracker.Advance("alice", run, 9)
	tracker.Advance("alice", run, 3)
	assert.Equal(t, int64(9), tracker.Last("alice", run))
}

func TestCursorTracker_Expires(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tracker := newCursorTracker(time.Minute)
	tracker.now = func() time.Time { return now }
	run := uuid.New()

	tracker.Advance("alice", run, 5)
	now = now.Add(2 * time.Minute)
	assert.Zero(t, tracker.Last("alice", run))
	assert.Empty(t, tracker.cursors)
}

func TestCursorTracker_PurgesStaleOnGrowth(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tracker := newCursorTracker(time.Minute)
	tracker.now = func() time.Time { return now }

	for range 1000 {
		tracker.Advance("alice", uuid.New(), 1)
	}
	now = now.Add(2 * time.Minute)
	fresh := uuid.New()
	tracker.Advance("alice", fresh, 2)

	assert.Len(t, tracker.cursors, 1)
	assert.Equal(t, int64(2), tracker.Last("alice", fresh))
}
