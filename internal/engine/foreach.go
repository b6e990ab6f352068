package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// runForEach applies the step's body to every pending item of the
// state-derived collection. Progress is persisted per item so a crash does
// not reprocess finished items; the record is cleared once every item
// completed. A non-nil skip resumes a body suspension: skip[0] is the
// child-list index (always 0, the body) and the rest is the path inside it.
func (e *Executor) runForEach(ctx context.Context, rc *run, st *api.Step, pos api.Position, skip api.Position) stepResult {
	items := st.Items(rc.state)
	flowID := rc.snap.FlowID

	progress, err := e.snapshots.GetForEachProgress(ctx, flowID, pos)
	if err != nil {
		if !errors.Is(err, persistence.ErrProgressNotFound) {
			return failResult(fmt.Errorf("step %s: loading progress: %w", st.Name, err))
		}
		progress = &api.ForEachProgress{FlowID: flowID, Position: pos.Clone()}
	}
	done := progress.DoneSet()

	var res stepResult
	if st.Parallelism > 1 {
		res = e.runForEachParallel(ctx, rc, st, pos, items, progress, done)
	} else {
		res = e.runForEachSequential(ctx, rc, st, pos, items, progress, done, skip)
	}
	if res.outcome != outcomeContinue {
		return res
	}

	if err := e.snapshots.ClearForEachProgress(ctx, flowID, pos); err != nil {
		return failResult(fmt.Errorf("step %s: clearing progress: %w", st.Name, err))
	}
	return contResult()
}

func (e *Executor) runForEachSequential(ctx context.Context, rc *run, st *api.Step, pos api.Position, items []any, progress *api.ForEachProgress, done map[int]bool, skip api.Position) stepResult {
	bodyPos := pos.Child(0)

	// A resume skip applies to the first pending item only: that is the
	// item whose body contained the suspension point.
	var innerSkip api.Position
	if len(skip) > 1 {
		innerSkip = skip[1:]
	}

	for idx, item := range items {
		if done[idx] {
			continue
		}
		select {
		case <-ctx.Done():
			return failResult(ctx.Err())
		default:
		}

		scope := api.NewItemScope(rc.state, idx, item)
		scoped := &run{def: rc.def, state: scope, snap: rc.snap}
		res := e.runList(ctx, scoped, st.Body, bodyPos, innerSkip)
		innerSkip = nil

		if res.outcome == outcomeSuspended {
			return res
		}
		if res.outcome == outcomeFailed {
			if st.StopOnError {
				return failResult(fmt.Errorf("item %d: %w", idx, res.err))
			}
			if st.OnItemFailure != nil {
				st.OnItemFailure(rc.state, idx, item, res.err)
			}
			e.appendEvent(ctx, rc.snap, api.EventForEachItemFailed, itemDetail(st, idx, res.err))
		} else {
			if st.OnItemSuccess != nil {
				st.OnItemSuccess(rc.state, idx, item, nil)
			}
			e.appendEvent(ctx, rc.snap, api.EventForEachItemDone, itemDetail(st, idx, nil))
		}

		progress.Done = append(progress.Done, idx)
		if err := e.snapshots.SaveForEachProgress(ctx, progress); err != nil {
			return failResult(fmt.Errorf("step %s: saving progress: %w", st.Name, err))
		}
	}
	return contResult()
}

// itemOutcome is one worker's report: the dispatch error, if any, plus
// the Into mappings deferred so shared state is only written by the
// interpreter goroutine.
type itemOutcome struct {
	index int
	item  any
	err   error
	intos []pendingInto
}

type pendingInto struct {
	apply  func(s api.FlowState, result any) error
	result any
	scope  api.FlowState
}

// runForEachParallel dispatches pending items through a bounded worker
// pool. Workers only dispatch and buffer results; progress is persisted
// as completions stream in, and all state mutation (Into mappings, item
// callbacks) happens on this goroutine after the pool drains.
func (e *Executor) runForEachParallel(ctx context.Context, rc *run, st *api.Step, pos api.Position, items []any, progress *api.ForEachProgress, done map[int]bool) stepResult {
	var pending []int
	for idx := range items {
		if !done[idx] {
			pending = append(pending, idx)
		}
	}
	if len(pending) == 0 {
		return contResult()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan itemOutcome)
	sem := make(chan struct{}, st.Parallelism)
	var wg sync.WaitGroup
	for _, idx := range pending {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-workerCtx.Done():
				results <- itemOutcome{index: idx, item: items[idx], err: workerCtx.Err()}
				return
			}
			defer func() { <-sem }()

			scope := api.NewItemScope(rc.state, idx, items[idx])
			intos, err := e.collectItem(workerCtx, rc.def, st.Body, scope)
			results <- itemOutcome{index: idx, item: items[idx], err: err, intos: intos}
		}(idx)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []itemOutcome
	var fatal error
	for out := range results {
		if out.err != nil && st.StopOnError && fatal == nil {
			fatal = fmt.Errorf("item %d: %w", out.index, out.err)
			cancel()
		}
		if out.err == nil || !st.StopOnError {
			progress.Done = append(progress.Done, out.index)
			if err := e.snapshots.SaveForEachProgress(ctx, progress); err != nil && fatal == nil {
				fatal = fmt.Errorf("step %s: saving progress: %w", st.Name, err)
				cancel()
			}
		}
		outcomes = append(outcomes, out)
	}
	if fatal != nil {
		return failResult(fatal)
	}

	// Fold in index order so aggregation is deterministic regardless of
	// completion order.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })
	for _, out := range outcomes {
		if out.err == nil {
			for _, pi := range out.intos {
				if err := pi.apply(pi.scope, pi.result); err != nil {
					out.err = fmt.Errorf("mapping result: %w", err)
					break
				}
			}
		}
		if out.err != nil {
			if st.OnItemFailure != nil {
				st.OnItemFailure(rc.state, out.index, out.item, out.err)
			}
			e.appendEvent(ctx, rc.snap, api.EventForEachItemFailed, itemDetail(st, out.index, out.err))
		} else {
			if st.OnItemSuccess != nil {
				st.OnItemSuccess(rc.state, out.index, out.item, nil)
			}
			e.appendEvent(ctx, rc.snap, api.EventForEachItemDone, itemDetail(st, out.index, nil))
		}
	}
	return contResult()
}

// collectItem runs a body against an item scope, deferring every Into
// mapping instead of applying it. Only non-suspending kinds may appear in
// a parallel body; the builder enforces this at Build time and the check
// here is the backstop.
func (e *Executor) collectItem(ctx context.Context, def *api.FlowDefinition, steps []*api.Step, scope api.FlowState) ([]pendingInto, error) {
	var intos []pendingInto
	if err := e.collectSteps(ctx, def, steps, scope, &intos); err != nil {
		return nil, err
	}
	return intos, nil
}

func (e *Executor) collectSteps(ctx context.Context, def *api.FlowDefinition, steps []*api.Step, scope api.FlowState, intos *[]pendingInto) error {
	for _, st := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if st.OnlyWhen != nil && !st.OnlyWhen(scope) {
			continue
		}

		switch st.Kind {
		case api.KindSend:
			result, err := e.dispatch(ctx, def, st, st.Command(scope))
			if err == nil && st.FailIf != nil {
				err = st.FailIf(scope, result)
			}
			if err != nil {
				if st.Compensate != nil {
					if cmd := st.Compensate(scope); cmd != nil {
						_, _ = e.dispatcher.Send(ctx, cmd)
					}
				}
				return fmt.Errorf("step %s: %w", st.Name, err)
			}
			if st.Into != nil {
				*intos = append(*intos, pendingInto{apply: st.Into, result: result, scope: scope})
			}
		case api.KindPublish:
			if err := e.dispatcher.Publish(ctx, st.Event(scope)); err != nil {
				return fmt.Errorf("step %s: %w", st.Name, err)
			}
		case api.KindIf:
			for _, b := range st.Branches {
				if b.When == nil || b.When(scope) {
					if err := e.collectSteps(ctx, def, b.Steps, scope, intos); err != nil {
						return err
					}
					break
				}
			}
		case api.KindSwitch:
			key := st.SwitchOn(scope)
			if list, ok := st.Cases[key]; ok {
				if err := e.collectSteps(ctx, def, list, scope, intos); err != nil {
					return err
				}
			} else if st.Default != nil {
				if err := e.collectSteps(ctx, def, st.Default, scope, intos); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("step %s: %s not allowed in a parallel foreach body", st.Name, st.Kind)
		}
	}
	return nil
}

func itemDetail(st *api.Step, idx int, err error) string {
	detail := st.Name + " item " + strconv.Itoa(idx)
	if err != nil {
		detail += ": " + err.Error()
	}
	return detail
}
