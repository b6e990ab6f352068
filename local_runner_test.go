package flume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForStatus polls the snapshot until it reaches want or the deadline
// passes.
func waitForStatus(t *testing.T, eng Engine, flowID string, want Status) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.GetSnapshot(context.Background(), flowID)
		require.NoError(t, err)
		if snap.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("flow %s never reached status %s", flowID, want)
}

func TestLocalRunner_DrivesDelaysToCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{}
	runner := NewLocalRunner(d)

	NewFlow("timed", orderFactory).
		Publish("before", func(s FlowState) any { return "before" }).
		Delay("pause", 30*time.Millisecond).
		Publish("after", func(s FlowState) any { return "after" }).
		MustRegister(runner.Engine)

	require.NoError(t, runner.Start(ctx, 2))
	defer runner.Stop()

	res, err := runner.Engine.Run(ctx, "timed", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	waitForStatus(t, runner.Engine, res.FlowID, StatusCompleted)
	require.Equal(t, []any{"before", "after"}, d.Events())
}

func TestLocalRunner_SweepsExpiredWaits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := NewLocalRunner(&captureDispatcher{})

	NewFlow("abandoned", orderFactory).
		WhenAll("await").
		WaitTimeout(50 * time.Millisecond).
		Branch().
		Publish("ask", func(s FlowState) any { return "ask" }).
		EndWhenAll().
		MustRegister(runner.Engine)

	require.NoError(t, runner.Start(ctx, 1))
	defer runner.Stop()

	res, err := runner.Engine.Run(ctx, "abandoned", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	// The background sweeper runs every second; the 50ms window expires
	// well before its next pass.
	waitForStatus(t, runner.Engine, res.FlowID, StatusFailed)
}

func TestLocalRunner_DoubleStart(t *testing.T) {
	t.Parallel()

	runner := NewLocalRunner(&captureDispatcher{})
	require.NoError(t, runner.Start(context.Background(), 1))
	defer runner.Stop()

	require.Error(t, runner.Start(context.Background(), 1))
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	runner := NewLocalRunner(&captureDispatcher{})
	require.NoError(t, runner.Start(context.Background(), 1))
	runner.Stop()
	runner.Stop()

	// A stopped runner can be started again.
	require.NoError(t, runner.Start(context.Background(), 1))
	runner.Stop()
}
