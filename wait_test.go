package flume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// registerApprovalFlow builds a two-branch WhenAll flow: the flow fires
// both requests, suspends, and publishes "released" after both
// completions arrive.
func registerApprovalFlow(t *testing.T, eng Engine, waitTimeout time.Duration) {
	t.Helper()

	b := NewFlow("dual-approval", orderFactory).
		WhenAll("await-both")
	if waitTimeout > 0 {
		b.WaitTimeout(waitTimeout)
	}
	b.Branch().
		Publish("ask-finance", func(s FlowState) any { return "ask-finance" }).
		Branch().
		Publish("ask-legal", func(s FlowState) any { return "ask-legal" }).
		EndWhenAll().
		Publish("released", func(s FlowState) any { return "released" }).
		MustRegister(eng)
}

func TestWhenAll_ResumesOnLastCompletion(t *testing.T) {
	t.Parallel()

	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := &captureDispatcher{}
			eng := factory(t, d)
			registerApprovalFlow(t, eng, 0)

			res, err := eng.Run(ctx, "dual-approval", newOrderState())
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, res.Status)

			// Both branches fired before the suspension.
			require.Equal(t, []any{"ask-finance", "ask-legal"}, d.Events())

			snap, err := eng.GetSnapshot(ctx, res.FlowID)
			require.NoError(t, err)
			corr := WaitCorrelationID(res.FlowID, snap.Position)

			// First completion is not enough.
			partial, err := eng.RecordCompletion(ctx, corr)
			require.NoError(t, err)
			require.Nil(t, partial)

			snap, err = eng.GetSnapshot(ctx, res.FlowID)
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, snap.Status)

			// Second completion satisfies the condition and resumes.
			final, err := eng.RecordCompletion(ctx, corr)
			require.NoError(t, err)
			require.NotNil(t, final)
			require.Equal(t, StatusCompleted, final.Status)
			require.Contains(t, d.Events(), "released")
		})
	}
}

func TestWhenAny_ResumesOnFirstCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{}
	eng := NewInMemoryEngine(d)

	NewFlow("race", orderFactory).
		WhenAny("first-wins").
		Branch().
		Publish("try-a", func(s FlowState) any { return "try-a" }).
		Branch().
		Publish("try-b", func(s FlowState) any { return "try-b" }).
		EndWhenAny().
		Publish("won", func(s FlowState) any { return "won" }).
		MustRegister(eng)

	res, err := eng.Run(ctx, "race", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	snap, err := eng.GetSnapshot(ctx, res.FlowID)
	require.NoError(t, err)

	final, err := eng.RecordCompletion(ctx, WaitCorrelationID(res.FlowID, snap.Position))
	require.NoError(t, err)
	require.NotNil(t, final)
	require.Equal(t, StatusCompleted, final.Status)

	// The condition is gone; late completions have nothing to count
	// against and quietly yield no result.
	late, err := eng.RecordCompletion(ctx, WaitCorrelationID(res.FlowID, snap.Position))
	require.NoError(t, err)
	require.Nil(t, late)
}

func TestResume_InertWhileConditionStands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{}
	eng := NewInMemoryEngine(d)
	registerApprovalFlow(t, eng, 0)

	res, err := eng.Run(ctx, "dual-approval", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)

	fired := len(d.Events())

	// Resume without any completion reported: nothing moves.
	inert, err := eng.Resume(ctx, res.FlowID)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inert.Status)
	require.Len(t, d.Events(), fired, "inert resume must not re-fire branches")
}

func TestResume_TerminalFlowReportsStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := NewInMemoryEngine(&captureDispatcher{})

	NewFlow("oneshot", orderFactory).
		Publish("ping", func(s FlowState) any { return "ping" }).
		MustRegister(eng)

	res, err := eng.Run(ctx, "oneshot", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	again, err := eng.Resume(ctx, res.FlowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, again.Status)
	require.NoError(t, again.Err)
}

func TestSweepTimeouts_FailsExpiredWaits(t *testing.T) {
	t.Parallel()

	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var failedErr error
			d := &captureDispatcher{}
			eng := factory(t, d)

			NewFlow("expiring", orderFactory).
				WhenAll("await").
				WaitTimeout(20 * time.Millisecond).
				Branch().
				Publish("ask", func(s FlowState) any { return "ask" }).
				EndWhenAll().
				OnFlowFailed(func(s FlowState, err error) any {
					failedErr = err
					return "gave-up"
				}).
				MustRegister(eng)

			res, err := eng.Run(ctx, "expiring", newOrderState())
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, res.Status)

			// Not yet expired.
			n, err := eng.SweepTimeouts(ctx)
			require.NoError(t, err)
			require.Zero(t, n)

			time.Sleep(30 * time.Millisecond)

			n, err = eng.SweepTimeouts(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			snap, err := eng.GetSnapshot(ctx, res.FlowID)
			require.NoError(t, err)
			require.Equal(t, StatusFailed, snap.Status)
			require.Contains(t, snap.Error, ErrWaitTimeout.Error())
			require.ErrorIs(t, failedErr, ErrWaitTimeout)
			require.Contains(t, d.Events(), "gave-up")

			// A second sweep has nothing left to fail.
			n, err = eng.SweepTimeouts(ctx)
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestDelay_SuspendsAndResumesOnTimerFire(t *testing.T) {
	t.Parallel()

	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := &captureDispatcher{}
			eng := factory(t, d)

			NewFlow("paced", orderFactory).
				Publish("before", func(s FlowState) any { return "before" }).
				Delay("pause", 50*time.Millisecond).
				Publish("after", func(s FlowState) any { return "after" }).
				MustRegister(eng)

			res, err := eng.Run(ctx, "paced", newOrderState())
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, res.Status)
			require.Equal(t, []any{"before"}, d.Events())

			// The scheduler's callback clears the timer-backed condition
			// and continues past the delay.
			final, err := eng.ResumeFlow(ctx, res.FlowID, res.FlowID)
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, final.Status)
			require.Equal(t, []any{"before", "after"}, d.Events())
		})
	}
}

func TestScheduleAt_PastTimeContinuesImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{}
	eng := NewInMemoryEngine(d)

	NewFlow("backdated", orderFactory).
		ScheduleAt("at", func(s FlowState) time.Time {
			return time.Now().Add(-time.Hour)
		}).
		Publish("done", func(s FlowState) any { return "done" }).
		MustRegister(eng)

	res, err := eng.Run(ctx, "backdated", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []any{"done"}, d.Events())
}

func TestScheduleAt_FutureTimeSuspends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{}
	eng := NewInMemoryEngine(d)

	NewFlow("appointment", orderFactory).
		ScheduleAt("at", func(s FlowState) time.Time {
			return time.Now().Add(time.Hour)
		}).
		Publish("done", func(s FlowState) any { return "done" }).
		MustRegister(eng)

	res, err := eng.Run(ctx, "appointment", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.Empty(t, d.Events())

	final, err := eng.ResumeFlow(ctx, res.FlowID, res.FlowID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
}
