package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/pkg/api"
)

// delayTimeoutGrace pads the wait-condition timeout of timer-backed
// suspensions so the timeout sweep only fires when the timer itself was
// lost, not when it is merely a little late.
const delayTimeoutGrace = time.Minute

// Config wires an Executor. Stores.Snapshots and Dispatcher are required;
// everything else has a working default.
type Config struct {
	Stores     persistence.Stores
	Dispatcher api.Dispatcher
	Scheduler  api.Scheduler
	Observer   api.Observer

	// DeleteCompletedSnapshots removes the snapshot when a flow completes
	// instead of retaining it with StatusCompleted.
	DeleteCompletedSnapshots bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Executor is the flow interpreter. It walks registered step trees,
// dispatches through the configured Dispatcher, persists snapshots and
// wait conditions through the snapshot store, and resumes suspended
// instances from their recorded position.
type Executor struct {
	registry    *flowRegistry
	snapshots   persistence.SnapshotStore
	events      persistence.EventStore
	coordinator *waitCoordinator
	dispatcher  api.Dispatcher
	scheduler   api.Scheduler
	observer    api.Observer

	deleteCompleted bool
	clock           func() time.Time
}

var (
	_ api.Engine        = (*Executor)(nil)
	_ api.HistoryReader = (*Executor)(nil)
)

// NewExecutor builds an Executor from cfg.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Stores.Snapshots == nil {
		return nil, errors.New("engine: snapshot store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}
	events := cfg.Stores.Events
	if events == nil {
		events = persistence.NoopEventStore{}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		registry:        newFlowRegistry(),
		snapshots:       cfg.Stores.Snapshots,
		events:          events,
		coordinator:     newWaitCoordinator(cfg.Stores.Snapshots),
		dispatcher:      cfg.Dispatcher,
		scheduler:       cfg.Scheduler,
		observer:        obs,
		deleteCompleted: cfg.DeleteCompletedSnapshots,
		clock:           clock,
	}, nil
}

func (e *Executor) RegisterFlow(def *api.FlowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	return e.registry.Register(def)
}

func (e *Executor) ReloadFlow(def *api.FlowDefinition) (int, error) {
	if err := validateDefinition(def); err != nil {
		return 0, err
	}
	return e.registry.Reload(def)
}

func validateDefinition(def *api.FlowDefinition) error {
	if def == nil {
		return errors.New("engine: nil flow definition")
	}
	if def.Name == "" {
		return errors.New("engine: flow definition has no name")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("engine: flow %q has no steps", def.Name)
	}
	if def.NewState == nil {
		return fmt.Errorf("engine: flow %q has no state factory", def.Name)
	}
	return nil
}

// run carries per-interpretation context: the pinned definition, the live
// state, and its snapshot record.
type run struct {
	def   *api.FlowDefinition
	state api.FlowState
	snap  *api.Snapshot
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeSuspended
	outcomeFailed
)

type stepResult struct {
	outcome outcome
	err     error
}

func contResult() stepResult {
	return stepResult{outcome: outcomeContinue}
}

func failResult(err error) stepResult {
	return stepResult{outcome: outcomeFailed, err: err}
}

func (e *Executor) Run(ctx context.Context, flowName string, state api.FlowState) (*api.FlowResult, error) {
	def, err := e.registry.Latest(flowName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.New("engine: nil initial state")
	}
	if state.FlowID() == "" {
		state.SetFlowID(uuid.NewString())
	}

	encoded, err := persistence.EncodeState(state)
	if err != nil {
		return nil, fmt.Errorf("encoding initial state: %w", err)
	}
	now := e.clock()
	snap := &api.Snapshot{
		FlowID:    state.FlowID(),
		FlowName:  def.Name,
		Version:   def.Version,
		Status:    api.StatusRunning,
		State:     encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.snapshots.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	state.ClearChanges()

	e.observer.OnFlowStart(ctx, snap)
	e.appendEvent(ctx, snap, api.EventFlowStarted, "")

	rc := &run{def: def, state: state, snap: snap}
	return e.interpret(ctx, rc, nil)
}

// Resume continues a suspended (or crashed mid-run) instance from its
// recorded position. While the suspension's wait condition still stands
// the call is inert and just reports the suspended status.
func (e *Executor) Resume(ctx context.Context, flowID string) (*api.FlowResult, error) {
	snap, err := e.snapshots.GetSnapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		var cause error
		if snap.Error != "" {
			cause = errors.New(snap.Error)
		}
		return &api.FlowResult{FlowID: flowID, Status: snap.Status, Err: cause}, nil
	}

	if snap.Status == api.StatusSuspended {
		corr := api.WaitCorrelationID(flowID, snap.Position)
		if _, err := e.snapshots.GetWaitCondition(ctx, corr); err == nil {
			return &api.FlowResult{FlowID: flowID, Status: api.StatusSuspended}, nil
		} else if !errors.Is(err, persistence.ErrWaitConditionNotFound) {
			return nil, err
		}
	}

	def, err := e.registry.Version(snap.FlowName, snap.Version)
	if err != nil {
		return nil, err
	}
	state := def.NewState()
	if err := persistence.DecodeState(snap.State, state); err != nil {
		return nil, fmt.Errorf("decoding state of flow %s: %w", flowID, err)
	}
	state.SetFlowID(flowID)
	state.ClearChanges()

	snap.Status = api.StatusRunning
	snap.UpdatedAt = e.clock()
	if err := e.snapshots.UpdateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	e.observer.OnFlowResumed(ctx, snap)
	e.appendEvent(ctx, snap, api.EventFlowResumed, "")

	rc := &run{def: def, state: state, snap: snap}
	return e.interpret(ctx, rc, snap.Position.Clone())
}

// RecordCompletion counts one completion against a wait condition and
// resumes the owning flow once the condition is satisfied. Completions
// for a condition that is already cleared (WhenAny stragglers, duplicate
// timer fires) return a nil result.
func (e *Executor) RecordCompletion(ctx context.Context, correlationID string) (*api.FlowResult, error) {
	cond, satisfied, err := e.coordinator.RecordCompletion(ctx, correlationID)
	if err != nil {
		if errors.Is(err, persistence.ErrWaitConditionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !satisfied {
		return nil, nil
	}

	e.events.AppendEvent(ctx, api.FlowEvent{
		FlowID:   cond.FlowID,
		At:       e.clock(),
		Type:     api.EventWaitSatisfied,
		FlowName: cond.FlowName,
		Position: cond.Position.String(),
		Detail:   correlationID,
	})
	if cond.ScheduleID != "" && e.scheduler != nil {
		// The timer is no longer needed; a stray fire is harmless but a
		// cancelled one is cheaper.
		_, _ = e.scheduler.CancelScheduledResume(ctx, cond.ScheduleID)
	}
	return e.Resume(ctx, cond.FlowID)
}

// ResumeFlow is the scheduler's timer-fire callback. A timer-backed wait
// (Delay, ScheduleAt) is cleared and the flow resumed; a fire that races a
// non-timer suspension falls through to an inert Resume.
func (e *Executor) ResumeFlow(ctx context.Context, flowID, stateID string) (*api.FlowResult, error) {
	snap, err := e.snapshots.GetSnapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}
	corr := api.WaitCorrelationID(flowID, snap.Position)
	cond, err := e.snapshots.GetWaitCondition(ctx, corr)
	if err == nil && cond.ScheduleID != "" {
		return e.RecordCompletion(ctx, corr)
	}
	if err != nil && !errors.Is(err, persistence.ErrWaitConditionNotFound) {
		return nil, err
	}
	return e.Resume(ctx, flowID)
}

func (e *Executor) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	return e.snapshots.GetSnapshot(ctx, flowID)
}

func (e *Executor) ListEvents(ctx context.Context, flowID string) ([]api.FlowEvent, error) {
	return e.events.ListEvents(ctx, flowID)
}

// SweepTimeouts fails every flow whose wait condition exceeded its
// timeout. Returns the number of flows failed.
func (e *Executor) SweepTimeouts(ctx context.Context) (int, error) {
	conds, err := e.coordinator.TimedOut(ctx, e.clock())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, cond := range conds {
		if err := e.coordinator.Clear(ctx, cond.CorrelationID); err != nil {
			if errors.Is(err, persistence.ErrWaitConditionNotFound) {
				continue
			}
			return count, err
		}
		if cond.ScheduleID != "" && e.scheduler != nil {
			_, _ = e.scheduler.CancelScheduledResume(ctx, cond.ScheduleID)
		}
		if err := e.failSuspended(ctx, cond); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (e *Executor) failSuspended(ctx context.Context, cond *api.WaitCondition) error {
	snap, err := e.snapshots.GetSnapshot(ctx, cond.FlowID)
	if err != nil {
		if errors.Is(err, persistence.ErrSnapshotNotFound) {
			return nil
		}
		return err
	}
	if snap.Status.Terminal() {
		return nil
	}

	cause := fmt.Errorf("%w: position %s after %s", api.ErrWaitTimeout, cond.Position.String(), cond.Timeout)
	e.appendEvent(ctx, snap, api.EventWaitTimeout, cond.CorrelationID)

	snap.Status = api.StatusFailed
	snap.Error = cause.Error()
	snap.UpdatedAt = e.clock()
	if err := e.snapshots.UpdateSnapshot(ctx, snap); err != nil {
		return err
	}

	if def, derr := e.registry.Version(snap.FlowName, snap.Version); derr == nil && def.OnFlowFailed != nil {
		state := def.NewState()
		if persistence.DecodeState(snap.State, state) == nil {
			state.SetFlowID(snap.FlowID)
			if evt := def.OnFlowFailed(state, cause); evt != nil {
				_ = e.dispatcher.Publish(ctx, evt)
			}
		}
	}

	e.observer.OnFlowFailed(ctx, snap, cause)
	e.appendEvent(ctx, snap, api.EventFlowFailed, cause.Error())
	return nil
}

// interpret walks the root step list, fast-forwarding past skip when
// resuming, and drives the flow to its suspended or terminal status.
func (e *Executor) interpret(ctx context.Context, rc *run, skip api.Position) (*api.FlowResult, error) {
	res := e.runList(ctx, rc, rc.def.Steps, nil, skip)
	switch res.outcome {
	case outcomeSuspended:
		return &api.FlowResult{FlowID: rc.snap.FlowID, Status: api.StatusSuspended}, nil
	case outcomeFailed:
		e.failFlow(ctx, rc, res.err)
		return &api.FlowResult{FlowID: rc.snap.FlowID, Status: api.StatusFailed, Err: res.err}, nil
	}
	return e.completeFlow(ctx, rc)
}

// runList executes steps under prefix. A non-empty skip fast-forwards:
// skip[0] addresses a step in this list; with more components the
// interpreter descends into that step's child list and completes it from
// the inner resume point, then continues with the following sibling. With
// exactly one component the addressed step IS the recorded suspension
// point; its wait is over, so its completion hooks fire now and
// execution continues right after it.
func (e *Executor) runList(ctx context.Context, rc *run, steps []*api.Step, prefix, skip api.Position) stepResult {
	start := 0
	if len(skip) > 0 {
		head := skip[0]
		if head < 0 || head >= len(steps) {
			return failResult(fmt.Errorf("resume position %s does not address a step", prefix.Child(head).String()))
		}
		if len(skip) > 1 {
			st := steps[head]
			pos := prefix.Child(head)
			var res stepResult
			if st.Kind == api.KindForEach {
				res = e.runForEach(ctx, rc, st, pos, skip[1:])
			} else {
				lists := st.ChildLists()
				li := skip[1]
				if li < 0 || li >= len(lists) {
					return failResult(fmt.Errorf("resume position %s does not address a step", pos.Child(li).String()))
				}
				res = e.runList(ctx, rc, lists[li], pos.Child(li), skip[2:])
			}
			if res.outcome != outcomeContinue {
				return res
			}
			if res := e.finishStep(ctx, rc, st, pos); res.outcome != outcomeContinue {
				return res
			}
		} else {
			// The suspension step never reached its hooks before
			// suspending; it completes here.
			if res := e.finishStep(ctx, rc, steps[head], prefix.Child(head)); res.outcome != outcomeContinue {
				return res
			}
		}
		start = head + 1
	}

	for i := start; i < len(steps); i++ {
		select {
		case <-ctx.Done():
			return failResult(ctx.Err())
		default:
		}

		st := steps[i]
		pos := prefix.Child(i)
		res := e.runStep(ctx, rc, st, pos)
		if res.outcome != outcomeContinue {
			return res
		}
		if res := e.finishStep(ctx, rc, st, pos); res.outcome != outcomeContinue {
			return res
		}
	}
	return contResult()
}

func (e *Executor) runStep(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	if st.OnlyWhen != nil && !st.OnlyWhen(rc.state) {
		return contResult()
	}

	e.observer.OnStepStart(ctx, rc.snap, st.Name, pos)
	started := time.Now()

	var res stepResult
	switch st.Kind {
	case api.KindSend:
		res = e.runSend(ctx, rc, st, pos)
	case api.KindPublish:
		res = e.runPublish(ctx, rc, st, pos)
	case api.KindIf:
		res = e.runIf(ctx, rc, st, pos)
	case api.KindSwitch:
		res = e.runSwitch(ctx, rc, st, pos)
	case api.KindForEach:
		res = e.runForEach(ctx, rc, st, pos, nil)
	case api.KindWhenAll, api.KindWhenAny:
		res = e.runWhen(ctx, rc, st, pos)
	case api.KindDelay:
		res = e.runDelay(ctx, rc, st, pos)
	case api.KindScheduleAt:
		res = e.runScheduleAt(ctx, rc, st, pos)
	default:
		res = failResult(fmt.Errorf("step %s: unknown kind %d", st.Name, st.Kind))
	}

	e.observer.OnStepCompleted(ctx, rc.snap, st.Name, pos, res.err, time.Since(started))
	switch res.outcome {
	case outcomeFailed:
		e.appendEvent(ctx, rc.snap, api.EventStepFailed, st.Name+": "+res.err.Error())
	case outcomeContinue:
		e.appendEvent(ctx, rc.snap, api.EventStepCompleted, st.Name)
	}
	return res
}

// finishStep runs the completion hooks of a step that finished without
// suspending, then persists the snapshot per the step's persist policy.
func (e *Executor) finishStep(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	if st.OnCompleted != nil {
		if evt := st.OnCompleted(rc.state); evt != nil {
			if err := e.dispatcher.Publish(ctx, evt); err != nil {
				return failResult(fmt.Errorf("step %s: publishing completion event: %w", st.Name, err))
			}
		}
	}
	if rc.def.OnStepCompleted != nil {
		if evt := rc.def.OnStepCompleted(rc.state, st.Name); evt != nil {
			if err := e.dispatcher.Publish(ctx, evt); err != nil {
				return failResult(fmt.Errorf("step %s: publishing step event: %w", st.Name, err))
			}
		}
	}

	mode := api.ResolvePersist(rc.def.Persist, st.Tags)
	base := rootState(rc.state)
	if mode == api.PersistNever {
		return contResult()
	}
	if mode == api.PersistOnChange && !base.HasChanges() {
		return contResult()
	}

	encoded, err := persistence.EncodeState(base)
	if err != nil {
		return failResult(fmt.Errorf("step %s: encoding state: %w", st.Name, err))
	}
	rc.snap.State = encoded
	rc.snap.DirtyFields = base.ChangedFieldNames()
	rc.snap.Position = pos.Clone()
	rc.snap.UpdatedAt = e.clock()
	if err := e.snapshots.UpdateSnapshot(ctx, rc.snap); err != nil {
		return failResult(fmt.Errorf("step %s: persisting snapshot: %w", st.Name, err))
	}
	base.ClearChanges()
	return contResult()
}

func (e *Executor) runSend(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	cmd := st.Command(rc.state)
	result, err := e.dispatch(ctx, rc.def, st, cmd)
	if err == nil && st.FailIf != nil {
		err = st.FailIf(rc.state, result)
	}
	if err != nil {
		return e.compensate(ctx, rc, st, pos, err)
	}
	if st.Into != nil {
		if err := st.Into(rc.state, result); err != nil {
			return failResult(fmt.Errorf("step %s: mapping result: %w", st.Name, err))
		}
	}
	return contResult()
}

func (e *Executor) runPublish(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	evt := st.Event(rc.state)
	if err := e.dispatcher.Publish(ctx, evt); err != nil {
		return e.compensate(ctx, rc, st, pos, err)
	}
	return contResult()
}

// compensate fires the step's compensation command, best effort, and
// returns the failure. Compensation itself is not compensated.
func (e *Executor) compensate(ctx context.Context, rc *run, st *api.Step, pos api.Position, cause error) stepResult {
	if st.Compensate != nil {
		if cmd := st.Compensate(rc.state); cmd != nil {
			if _, err := e.dispatcher.Send(ctx, cmd); err != nil {
				e.appendEvent(ctx, rc.snap, api.EventStepCompensated, st.Name+": compensation failed: "+err.Error())
			} else {
				e.appendEvent(ctx, rc.snap, api.EventStepCompensated, st.Name)
			}
		}
	}
	return failResult(fmt.Errorf("step %s: %w", st.Name, cause))
}

// dispatch sends one command through the dispatcher, applying the step's
// tag-resolved timeout and retry policy. Backoff sleeps honor ctx.
func (e *Executor) dispatch(ctx context.Context, def *api.FlowDefinition, st *api.Step, cmd any) (any, error) {
	timeout := api.ResolveTimeout(def.Timeouts, st.Tags)
	policy, hasRetry := api.ResolveRetry(def.Retries, st.Tags)

	maxAttempts := 1
	var backoff, maxBackoff time.Duration
	multiplier := 2.0
	if hasRetry {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		backoff = policy.InitialBackoff
		maxBackoff = policy.MaxBackoff
		if policy.BackoffMultiplier > 0 {
			multiplier = policy.BackoffMultiplier
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		sendCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		result, err := e.dispatcher.Send(sendCtx, cmd)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		if backoff > 0 {
			delay := backoff
			if maxBackoff > 0 && delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff = time.Duration(float64(backoff) * multiplier)
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	if maxAttempts > 1 {
		return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
	}
	return nil, lastErr
}

func (e *Executor) runIf(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	for bi, b := range st.Branches {
		if b.When == nil || b.When(rc.state) {
			return e.runList(ctx, rc, b.Steps, pos.Child(bi), nil)
		}
	}
	return contResult()
}

func (e *Executor) runSwitch(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	key := st.SwitchOn(rc.state)
	for li, caseKey := range st.CaseOrder {
		if caseKey == key {
			return e.runList(ctx, rc, st.Cases[caseKey], pos.Child(li), nil)
		}
	}
	if st.Default != nil {
		// The default list sits after the ordered cases, see ChildLists.
		return e.runList(ctx, rc, st.Default, pos.Child(len(st.CaseOrder)), nil)
	}
	return contResult()
}

// runWhen fires every parallel branch and suspends on a wait condition
// expecting one completion per branch (WhenAll) or just the first
// (WhenAny). Branch results are reported back asynchronously through
// RecordCompletion with this step's correlation ID.
func (e *Executor) runWhen(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	for _, branch := range st.ParallelBranches {
		if res := e.fireBranch(ctx, rc, st, branch); res.outcome != outcomeContinue {
			return res
		}
	}

	kind := api.WaitAll
	if st.Kind == api.KindWhenAny {
		kind = api.WaitAny
	}
	cond := &api.WaitCondition{
		CorrelationID: api.WaitCorrelationID(rc.state.FlowID(), pos),
		Kind:          kind,
		Expected:      len(st.ParallelBranches),
		Timeout:       st.WaitTimeout,
		CreatedAt:     e.clock(),
		FlowID:        rc.snap.FlowID,
		FlowName:      rc.snap.FlowName,
		Position:      pos.Clone(),
	}
	if err := e.coordinator.Register(ctx, cond); err != nil {
		return failResult(fmt.Errorf("step %s: registering wait condition: %w", st.Name, err))
	}
	return e.suspend(ctx, rc, pos)
}

// fireBranch dispatches a parallel branch's steps without waiting for
// results. Into mappings do not apply here; results come back through the
// wait condition.
func (e *Executor) fireBranch(ctx context.Context, rc *run, parent *api.Step, branch []*api.Step) stepResult {
	for _, st := range branch {
		if st.OnlyWhen != nil && !st.OnlyWhen(rc.state) {
			continue
		}
		switch st.Kind {
		case api.KindSend:
			if _, err := e.dispatch(ctx, rc.def, st, st.Command(rc.state)); err != nil {
				return e.compensate(ctx, rc, st, nil, err)
			}
		case api.KindPublish:
			if err := e.dispatcher.Publish(ctx, st.Event(rc.state)); err != nil {
				return e.compensate(ctx, rc, st, nil, err)
			}
		default:
			return failResult(fmt.Errorf("step %s: %s not allowed inside %s", st.Name, st.Kind, parent.Kind))
		}
	}
	return contResult()
}

func (e *Executor) runDelay(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	return e.suspendUntil(ctx, rc, st, pos, e.clock().Add(st.Duration), st.Duration)
}

func (e *Executor) runScheduleAt(ctx context.Context, rc *run, st *api.Step, pos api.Position) stepResult {
	at := st.At(rc.state)
	now := e.clock()
	if !at.After(now) {
		// Already past: nothing to wait for.
		return contResult()
	}
	return e.suspendUntil(ctx, rc, st, pos, at, at.Sub(now))
}

func (e *Executor) suspendUntil(ctx context.Context, rc *run, st *api.Step, pos api.Position, resumeAt time.Time, wait time.Duration) stepResult {
	if e.scheduler == nil {
		return failResult(fmt.Errorf("step %s: no scheduler configured", st.Name))
	}
	flowID := rc.snap.FlowID
	scheduleID, err := e.scheduler.ScheduleResume(ctx, flowID, flowID, resumeAt)
	if err != nil {
		return failResult(fmt.Errorf("step %s: scheduling resume: %w", st.Name, err))
	}
	cond := &api.WaitCondition{
		CorrelationID: api.WaitCorrelationID(flowID, pos),
		Kind:          api.WaitAll,
		Expected:      1,
		Timeout:       wait + delayTimeoutGrace,
		CreatedAt:     e.clock(),
		FlowID:        flowID,
		FlowName:      rc.snap.FlowName,
		Position:      pos.Clone(),
		ScheduleID:    scheduleID,
	}
	if err := e.coordinator.Register(ctx, cond); err != nil {
		return failResult(fmt.Errorf("step %s: registering wait condition: %w", st.Name, err))
	}
	return e.suspend(ctx, rc, pos)
}

// suspend persists the suspended snapshot at pos. The wait condition must
// already be registered so a concurrent Resume stays inert.
func (e *Executor) suspend(ctx context.Context, rc *run, pos api.Position) stepResult {
	base := rootState(rc.state)
	encoded, err := persistence.EncodeState(base)
	if err != nil {
		return failResult(fmt.Errorf("encoding state: %w", err))
	}
	rc.snap.State = encoded
	rc.snap.DirtyFields = base.ChangedFieldNames()
	rc.snap.Position = pos.Clone()
	rc.snap.Status = api.StatusSuspended
	rc.snap.UpdatedAt = e.clock()
	if err := e.snapshots.UpdateSnapshot(ctx, rc.snap); err != nil {
		return failResult(fmt.Errorf("persisting suspended snapshot: %w", err))
	}
	base.ClearChanges()

	e.observer.OnFlowSuspended(ctx, rc.snap)
	e.appendEvent(ctx, rc.snap, api.EventFlowSuspended, pos.String())
	return stepResult{outcome: outcomeSuspended}
}

func (e *Executor) completeFlow(ctx context.Context, rc *run) (*api.FlowResult, error) {
	if rc.def.OnFlowCompleted != nil {
		if evt := rc.def.OnFlowCompleted(rc.state); evt != nil {
			if err := e.dispatcher.Publish(ctx, evt); err != nil {
				cause := fmt.Errorf("publishing completion event: %w", err)
				e.failFlow(ctx, rc, cause)
				return &api.FlowResult{FlowID: rc.snap.FlowID, Status: api.StatusFailed, Err: cause}, nil
			}
		}
	}

	base := rootState(rc.state)
	rc.snap.Status = api.StatusCompleted
	rc.snap.UpdatedAt = e.clock()
	if encoded, err := persistence.EncodeState(base); err == nil {
		rc.snap.State = encoded
		rc.snap.DirtyFields = base.ChangedFieldNames()
	}
	if e.deleteCompleted {
		if err := e.snapshots.DeleteSnapshot(ctx, rc.snap.FlowID); err != nil {
			return nil, err
		}
	} else {
		if err := e.snapshots.UpdateSnapshot(ctx, rc.snap); err != nil {
			return nil, err
		}
	}

	e.observer.OnFlowCompleted(ctx, rc.snap)
	e.appendEvent(ctx, rc.snap, api.EventFlowCompleted, "")
	return &api.FlowResult{FlowID: rc.snap.FlowID, Status: api.StatusCompleted}, nil
}

// failFlow drives the instance to StatusFailed, runs the failure hook,
// and notifies the observer. Store errors here are swallowed: the flow
// result already carries the original cause.
func (e *Executor) failFlow(ctx context.Context, rc *run, cause error) {
	base := rootState(rc.state)
	if encoded, err := persistence.EncodeState(base); err == nil {
		rc.snap.State = encoded
		rc.snap.DirtyFields = base.ChangedFieldNames()
	}
	rc.snap.Status = api.StatusFailed
	rc.snap.Error = cause.Error()
	rc.snap.UpdatedAt = e.clock()
	_ = e.snapshots.UpdateSnapshot(ctx, rc.snap)

	if rc.def.OnFlowFailed != nil {
		if evt := rc.def.OnFlowFailed(rc.state, cause); evt != nil {
			_ = e.dispatcher.Publish(ctx, evt)
		}
	}

	e.observer.OnFlowFailed(ctx, rc.snap, cause)
	e.appendEvent(ctx, rc.snap, api.EventFlowFailed, cause.Error())
}

func (e *Executor) appendEvent(ctx context.Context, snap *api.Snapshot, typ api.EventType, detail string) {
	_ = e.events.AppendEvent(ctx, api.FlowEvent{
		FlowID:   snap.FlowID,
		At:       e.clock(),
		Type:     typ,
		FlowName: snap.FlowName,
		Version:  snap.Version,
		Position: snap.Position.String(),
		Detail:   detail,
	})
}

// rootState unwraps ForEach item scopes down to the shared flow state.
func rootState(s api.FlowState) api.FlowState {
	for {
		sc, ok := s.(*api.ItemScope)
		if !ok {
			return s
		}
		s = sc.FlowState
	}
}
