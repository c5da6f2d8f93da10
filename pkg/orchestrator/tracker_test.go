package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/jobengine/pkg/core"
)

func TestTracker_PollsWithoutSearcher(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-tracked"}, nil)
	require.NoError(t, err)

	tr := NewTracker(q)
	status, err := tr.Poll(ctx, "g-tracked")
	require.NoError(t, err)
	assert.False(t, status.Done)
	assert.Equal(t, core.StatusRunning, status.Status)
	assert.Equal(t, 8, status.Pending)

	drain(t, q, "delete-item", succeed)

	status, err = tr.Wait(ctx, "g-tracked", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, core.StatusCompleted, status.Status)
	assert.Equal(t, 8, status.Completed)
}

func TestTracker_WaitStopsOnContext(t *testing.T) {
	o, q := setup(t, fiveThreeZero())
	ctx := context.Background()

	_, err := o.Dispatch(ctx, DispatchRequest{GroupID: "g-wait"}, nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = NewTracker(q).Wait(waitCtx, "g-wait", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
