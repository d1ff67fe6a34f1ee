package engine

import (
	"github.com/AltairaLabs/foreman/types"
)

// validTransitions enumerates the legal status moves of an execution
// attempt. Cancellation is legal from every non-terminal status and is
// checked separately in canTransition.
var validTransitions = map[types.Status][]types.Status{
	types.StatusInitializing: {
		types.StatusExecuting,
		types.StatusFailed,
	},
	types.StatusExecuting: {
		types.StatusPaused,
		types.StatusPausedWaitingForUser,
		types.StatusCheckpoint,
		types.StatusCompleting,
		types.StatusFailed,
	},
	types.StatusPaused: {
		types.StatusExecuting,
		types.StatusPausedWaitingForUser,
		types.StatusCompleting,
		types.StatusFailed,
	},
	types.StatusPausedWaitingForUser: {
		types.StatusExecuting,
		types.StatusFailed,
	},
	types.StatusCheckpoint: {
		types.StatusExecuting,
		types.StatusFailed,
	},
	types.StatusCompleting: {
		types.StatusCompleted,
		types.StatusFailed,
	},
}

// canTransition reports whether moving between the two statuses is legal.
func canTransition(from, to types.Status) bool {
	if from == to {
		return true
	}
	if to == types.StatusCancelled {
		return !from.IsTerminal()
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
