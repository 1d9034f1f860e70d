package xcmd

import (
	"context"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitInterruptedContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitInterrupted(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsInterrupted(err))
}

func TestIsInterrupted(t *testing.T) {
	err := fmt.Errorf("run: %w", Interrupted{Signal: syscall.SIGTERM})
	require.True(t, IsInterrupted(err))
	require.Equal(t, "run: terminated", err.Error())
}
