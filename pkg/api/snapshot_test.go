package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusSuspended.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
}

func TestWaitCondition_Satisfied(t *testing.T) {
	t.Parallel()

	all := &WaitCondition{Kind: WaitAll, Expected: 3}
	require.False(t, all.Satisfied())
	all.Completed = 2
	require.False(t, all.Satisfied())
	all.Completed = 3
	require.True(t, all.Satisfied())

	any := &WaitCondition{Kind: WaitAny, Expected: 3}
	require.False(t, any.Satisfied())
	any.Completed = 1
	require.True(t, any.Satisfied())
}

func TestWaitCondition_TimedOut(t *testing.T) {
	t.Parallel()

	now := time.Now()

	noTimeout := &WaitCondition{CreatedAt: now.Add(-time.Hour)}
	require.False(t, noTimeout.TimedOut(now))

	cond := &WaitCondition{Timeout: time.Minute, CreatedAt: now.Add(-30 * time.Second)}
	require.False(t, cond.TimedOut(now))
	require.True(t, cond.TimedOut(now.Add(31*time.Second)))
}

func TestForEachProgress_DoneSet(t *testing.T) {
	t.Parallel()

	var nilProgress *ForEachProgress
	require.Empty(t, nilProgress.DoneSet())

	p := &ForEachProgress{Done: []int{3, 0, 3}}
	set := p.DoneSet()
	require.True(t, set[0])
	require.True(t, set[3])
	require.False(t, set[1])
}
