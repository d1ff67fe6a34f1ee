package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AltairaLabs/foreman/types"
)

func TestCanTransition_Matrix(t *testing.T) {
	assert.True(t, canTransition(types.StatusInitializing, types.StatusExecuting))
	assert.True(t, canTransition(types.StatusExecuting, types.StatusCheckpoint))
	assert.True(t, canTransition(types.StatusExecuting, types.StatusCompleting))
	assert.True(t, canTransition(types.StatusCompleting, types.StatusCompleted))

	// A soft pause may tighten into a hard pause while a question is open.
	assert.True(t, canTransition(types.StatusPaused, types.StatusPausedWaitingForUser))

	// Same-status moves are always legal; terminal statuses accept nothing.
	assert.True(t, canTransition(types.StatusExecuting, types.StatusExecuting))
	assert.False(t, canTransition(types.StatusCompleted, types.StatusExecuting))
	assert.False(t, canTransition(types.StatusInitializing, types.StatusCompleting))

	// Cancellation is legal from every non-terminal status.
	assert.True(t, canTransition(types.StatusExecuting, types.StatusCancelled))
	assert.True(t, canTransition(types.StatusPausedWaitingForUser, types.StatusCancelled))
	assert.False(t, canTransition(types.StatusCompleted, types.StatusCancelled))
	assert.False(t, canTransition(types.StatusFailed, types.StatusCancelled))
}
