package engine

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/cortexlab/internal/model"
)

// Pipeline is the ordered list of stage groups a run type executes, plus the
// function that assembles the run result from the final state.
type Pipeline struct {
	Groups []Group
	Result func(ctx context.Context, state *State) (any, error)
}

// Group is a set of steps with no data dependency on each other. They run
// concurrently and are joined before the next group starts.
type Group struct {
	Name  string
	Steps []Step
	// Join merges the settled outputs (keyed by step name; failed steps are
	// absent) into state. A weak JoinResult re-runs the whole group with the
	// next Round, within the attempt bound. Nil means no join.
	Join func(ctx context.Context, jc JoinContext) (JoinResult, error)
	// MaxRounds bounds weak-join reruns. Zero means Config.MaxAttempts.
	MaxRounds int
}

// JoinContext carries a settled group into its join.
type JoinContext struct {
	Run     model.Run
	State   *State
	Round   int
	Outputs map[string]json.RawMessage
}

// JoinResult is the outcome of a group join.
type JoinResult struct {
	// Output is stored in state under the group name when non-nil.
	Output any
	Weak   bool
	Reason string
	Events []Event
}

// Pipelines builds the pipeline for a run and validates run config at
// admission. Implemented by the agents package.
type Pipelines interface {
	Validate(runType model.RunType, config map[string]any) error
	Pipeline(run model.Run) (*Pipeline, error)
}
