package flume

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flume/pkg/api"
)

// batchState drives the ForEach tests: Labels is the input collection,
// Stage accumulates results through Into.
func registerBatchItems(s *orderState, items ...string) {
	s.Labels = items
}

func batchItems(s FlowState) []any {
	labels := s.(*orderState).Labels
	out := make([]any, len(labels))
	for i, l := range labels {
		out[i] = l
	}
	return out
}

func TestForEach_SequentialProcessesInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) { return "ok:" + cmd.(string), nil },
	}
	eng := NewInMemoryEngine(d)

	var results []string
	var successIdx []int

	NewFlow("seq-batch", orderFactory).
		ForEach("each", batchItems).
		Send("handle", func(s FlowState) any {
			_, item, ok := ItemOf(s)
			require.True(t, ok)
			return item.(string)
		}).
		Into(func(s FlowState, result any) error {
			results = append(results, result.(string))
			return nil
		}).
		OnItemSuccess(func(s FlowState, index int, item any, result any) {
			successIdx = append(successIdx, index)
		}).
		EndForEach().
		MustRegister(eng)

	state := newOrderState()
	registerBatchItems(state, "a", "b", "c")

	res, err := eng.Run(ctx, "seq-batch", state)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"ok:a", "ok:b", "ok:c"}, results)
	require.Equal(t, []int{0, 1, 2}, successIdx)
}

func TestForEach_ParallelFoldsDeterministically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Slow the early items down so completion order differs from index
	// order; the fold must still apply Into mappings by index.
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) {
			item := cmd.(string)
			if item == "a" {
				time.Sleep(30 * time.Millisecond)
			}
			if item == "b" {
				time.Sleep(15 * time.Millisecond)
			}
			return "ok:" + item, nil
		},
	}
	eng := NewInMemoryEngine(d)

	var mu sync.Mutex
	var results []string

	NewFlow("par-batch", orderFactory).
		ForEach("each", batchItems).
		Parallel(4).
		Send("handle", func(s FlowState) any {
			_, item, _ := ItemOf(s)
			return item.(string)
		}).
		Into(func(s FlowState, result any) error {
			// Applied on the interpreter goroutine after the pool
			// drains; the mutex only guards against the test reading
			// early.
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result.(string))
			return nil
		}).
		EndForEach().
		MustRegister(eng)

	state := newOrderState()
	registerBatchItems(state, "a", "b", "c", "d")

	res, err := eng.Run(ctx, "par-batch", state)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ok:a", "ok:b", "ok:c", "ok:d"}, results)
}

func TestForEach_ItemFailureIsRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) {
			if strings.HasPrefix(cmd.(string), "bad") {
				return nil, errors.New("unreachable")
			}
			return "ok", nil
		},
	}
	eng := NewInMemoryEngine(d)

	var failed []int

	NewFlow("lossy-batch", orderFactory).
		ForEach("each", batchItems).
		Send("handle", func(s FlowState) any {
			_, item, _ := ItemOf(s)
			return item.(string)
		}).
		OnItemFailure(func(s FlowState, index int, item any, err error) {
			failed = append(failed, index)
			require.ErrorContains(t, err, "unreachable")
		}).
		EndForEach().
		Publish("done", func(s FlowState) any { return "done" }).
		MustRegister(eng)

	state := newOrderState()
	registerBatchItems(state, "good-0", "bad-1", "good-2")

	res, err := eng.Run(ctx, "lossy-batch", state)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status, "failed items are recorded, not fatal")
	require.Equal(t, []int{1}, failed)
	require.Contains(t, d.Events(), "done")

	hr, _ := History(eng)
	events, err := hr.ListEvents(ctx, res.FlowID)
	require.NoError(t, err)
	var itemFailures int
	for _, e := range events {
		if e.Type == api.EventForEachItemFailed {
			itemFailures++
		}
	}
	require.Equal(t, 1, itemFailures)
}

func TestForEach_StopOnErrorFailsFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) {
			if cmd == "bad" {
				return nil, errors.New("fatal item")
			}
			return "ok", nil
		},
	}
	eng := NewInMemoryEngine(d)

	NewFlow("strict-batch", orderFactory).
		ForEach("each", batchItems).
		StopOnError().
		Send("handle", func(s FlowState) any {
			_, item, _ := ItemOf(s)
			return item.(string)
		}).
		EndForEach().
		MustRegister(eng)

	state := newOrderState()
	registerBatchItems(state, "good", "bad", "never")

	res, err := eng.Run(ctx, "strict-batch", state)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "item 1")
	require.ErrorContains(t, res.Err, "fatal item")
}

func TestForEach_BodySuspensionResumesPendingItems(t *testing.T) {
	t.Parallel()

	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := &captureDispatcher{}
			eng := factory(t, d)

			// Each item publishes, pauses, then publishes again. The
			// delay suspends the whole flow; every resume continues the
			// current item and then moves on to the next.
			NewFlow("paced-batch", orderFactory).
				ForEach("each", batchItems).
				Publish("start-item", func(s FlowState) any {
					_, item, _ := ItemOf(s)
					return "start:" + item.(string)
				}).
				Delay("pace", 10*time.Millisecond).
				Publish("finish-item", func(s FlowState) any {
					_, item, _ := ItemOf(s)
					return "finish:" + item.(string)
				}).
				EndForEach().
				Publish("done", func(s FlowState) any { return "done" }).
				MustRegister(eng)

			state := newOrderState()
			registerBatchItems(state, "x", "y")

			res, err := eng.Run(ctx, "paced-batch", state)
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, res.Status)
			require.Equal(t, []any{"start:x"}, d.Events())

			// First timer fire: finishes item x, starts item y, suspends
			// again at its delay.
			mid, err := eng.ResumeFlow(ctx, res.FlowID, res.FlowID)
			require.NoError(t, err)
			require.Equal(t, StatusSuspended, mid.Status)
			require.Equal(t, []any{"start:x", "finish:x", "start:y"}, d.Events())

			// Second timer fire: finishes item y and the flow.
			final, err := eng.ResumeFlow(ctx, res.FlowID, res.FlowID)
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, final.Status)
			require.Equal(t, []any{"start:x", "finish:x", "start:y", "finish:y", "done"}, d.Events())
		})
	}
}

func TestForEach_TypedHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) { return len(cmd.(string)), nil },
	}
	eng := NewInMemoryEngine(d)

	var total int

	NewFlow("typed-batch", orderFactory).
		ForEach("each", Items(func(s FlowState) []string {
			return s.(*orderState).Labels
		})).
		Send("measure", func(s FlowState) any {
			_, item, ok := Item[string](s)
			require.True(t, ok)
			return item
		}).
		Into(Into(func(s FlowState, n int) error {
			total += n
			return nil
		})).
		EndForEach().
		MustRegister(eng)

	state := newOrderState()
	registerBatchItems(state, "ab", "cde")

	res, err := eng.Run(ctx, "typed-batch", state)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 5, total)
}

func TestInto_WrongResultTypeFailsStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &captureDispatcher{
		SendFn: func(cmd any) (any, error) { return "not-an-int", nil },
	}
	eng := NewInMemoryEngine(d)

	NewFlow("mistyped", orderFactory).
		Send("fetch", func(s FlowState) any { return "fetch" }).
		Into(Into(func(s FlowState, n int) error { return nil })).
		MustRegister(eng)

	res, err := eng.Run(ctx, "mistyped", newOrderState())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "unexpected result type string")
}
