package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrActiveRun is returned by CreateRun when the project already holds a
// run in pending, running or awaiting_input.
var ErrActiveRun = errors.New("storage: project has an active run")

// ErrRunClosed is returned when an append targets a run that is not running
// (paused, terminal, or superseded by cancellation).
var ErrRunClosed = errors.New("storage: run is not accepting events")

// ErrStaleStatus is returned when a conditional status transition finds the
// run in a different state than expected.
var ErrStaleStatus = errors.New("storage: run status changed concurrently")

// ErrCheckpointResolved is returned when a checkpoint already received its input.
var ErrCheckpointResolved = errors.New("storage: checkpoint already resolved")

// ErrNoCheckpoint is returned when a run has no open checkpoint to resolve.
var ErrNoCheckpoint = errors.New("storage: run has no open checkpoint")
