package flume

import (
	"fmt"
	"time"

	"github.com/petrijr/flume/pkg/api"
)

// FlowBuilder provides the fluent API for defining flows:
//
//	flow := flume.NewFlow("ship-order", func() flume.FlowState { return NewOrderState() }).
//	    Send("reservePayment", func(s flume.FlowState) any {
//	        return ReservePayment{OrderID: s.FlowID()}
//	    }).Into(intoReservation).Tag("payment").
//	    If("reserved", func(s flume.FlowState) bool { return s.(*OrderState).Reserved }).
//	        Publish("shipped", shippedEvent).
//	    Else().
//	        Send("cancel", cancelCommand).
//	    EndIf()
//
//	def, err := flow.Build()
//
// Steps are appended in order; If/Switch/ForEach/WhenAll/WhenAny open a
// nested scope that the matching End method closes. Modifier methods
// (Into, FailIf, CompensateWith, OnlyWhen, Tag, OnCompleted) attach to
// the most recently appended step.
//
// Programmer errors (empty names, nil factories, modifier misuse) panic;
// structural problems (unterminated scopes, a Delay inside a parallel
// section) are reported by Build.
type FlowBuilder struct {
	def    api.FlowDefinition
	frames []*frame
	last   *api.Step
	errs   []error
}

// frame is one open composite scope of the builder.
type frame struct {
	step *api.Step

	// branch is the index of the child list new steps go into: the
	// current If branch, Switch case (by CaseOrder), or parallel branch.
	branch int

	// caseKey is the Switch case currently open; "" before the first
	// Case and for Default.
	caseKey string

	inDefault bool
	hasElse   bool
}

// NewFlow creates a builder for a flow with the given name and state
// factory. The factory must return a fresh instance of the flow's state
// type; it is used as the decode target when restoring snapshots.
func NewFlow(name string, newState func() FlowState) *FlowBuilder {
	if name == "" {
		panic("flume: flow name must not be empty")
	}
	if newState == nil {
		panic(fmt.Sprintf("flume: flow %q has nil state factory", name))
	}
	return &FlowBuilder{
		def: api.FlowDefinition{
			Name:     name,
			NewState: newState,
		},
	}
}

// Name returns the flow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

func (b *FlowBuilder) append(st *api.Step) *FlowBuilder {
	if st.Name == "" {
		panic(fmt.Sprintf("flume: flow %q: step name must not be empty", b.def.Name))
	}
	if len(b.frames) == 0 {
		b.def.Steps = append(b.def.Steps, st)
		b.last = st
		return b
	}

	f := b.frames[len(b.frames)-1]
	parent := f.step
	switch parent.Kind {
	case api.KindSwitch:
		// Case lists live in the map; write back through it.
		if f.inDefault {
			parent.Default = append(parent.Default, st)
		} else {
			if f.caseKey == "" {
				panic(fmt.Sprintf("flume: flow %q: step %q added to Switch %q before Case or Default", b.def.Name, st.Name, parent.Name))
			}
			parent.Cases[f.caseKey] = append(parent.Cases[f.caseKey], st)
		}
	case api.KindIf:
		parent.Branches[f.branch].Steps = append(parent.Branches[f.branch].Steps, st)
	case api.KindForEach:
		parent.Body = append(parent.Body, st)
	case api.KindWhenAll, api.KindWhenAny:
		if len(parent.ParallelBranches) == 0 {
			panic(fmt.Sprintf("flume: flow %q: step %q added to %s %q before Branch", b.def.Name, st.Name, parent.Kind, parent.Name))
		}
		parent.ParallelBranches[f.branch] = append(parent.ParallelBranches[f.branch], st)
	}
	b.last = st
	return b
}

func (b *FlowBuilder) top(kind api.StepKind, method string) *frame {
	if len(b.frames) == 0 || b.frames[len(b.frames)-1].step.Kind != kind {
		panic(fmt.Sprintf("flume: flow %q: %s without matching open %s", b.def.Name, method, kind))
	}
	return b.frames[len(b.frames)-1]
}

func (b *FlowBuilder) pop(kind api.StepKind, method string) *frame {
	f := b.top(kind, method)
	b.frames = b.frames[:len(b.frames)-1]
	b.last = f.step
	return f
}

// Send appends a step that dispatches a command and optionally maps its
// result into the state via Into.
func (b *FlowBuilder) Send(name string, cmd CommandFactory) *FlowBuilder {
	if cmd == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil command factory", b.def.Name, name))
	}
	return b.append(&api.Step{Kind: api.KindSend, Name: name, Command: cmd})
}

// Query is Send for read-only requests; the pairing with Into is the
// point. Semantically identical to Send.
func (b *FlowBuilder) Query(name string, query CommandFactory) *FlowBuilder {
	return b.Send(name, query)
}

// Publish appends a fire-and-forget event dispatch step.
func (b *FlowBuilder) Publish(name string, evt EventFactory) *FlowBuilder {
	if evt == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil event factory", b.def.Name, name))
	}
	return b.append(&api.Step{Kind: api.KindPublish, Name: name, Event: evt})
}

// If opens a conditional scope. Steps appended until ElseIf, Else, or
// EndIf run only when cond holds. Branch predicates are evaluated in
// declaration order and exactly one branch runs.
func (b *FlowBuilder) If(name string, cond Predicate) *FlowBuilder {
	if cond == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil condition", b.def.Name, name))
	}
	st := &api.Step{Kind: api.KindIf, Name: name, Branches: []api.Branch{{When: cond}}}
	b.append(st)
	b.frames = append(b.frames, &frame{step: st})
	return b
}

// ElseIf adds another predicated branch to the open If scope.
func (b *FlowBuilder) ElseIf(cond Predicate) *FlowBuilder {
	f := b.top(api.KindIf, "ElseIf")
	if cond == nil {
		panic(fmt.Sprintf("flume: flow %q: If %q has nil ElseIf condition", b.def.Name, f.step.Name))
	}
	if f.hasElse {
		panic(fmt.Sprintf("flume: flow %q: ElseIf after Else in If %q", b.def.Name, f.step.Name))
	}
	f.step.Branches = append(f.step.Branches, api.Branch{When: cond})
	f.branch++
	return b
}

// Else adds the catch-all branch to the open If scope.
func (b *FlowBuilder) Else() *FlowBuilder {
	f := b.top(api.KindIf, "Else")
	if f.hasElse {
		panic(fmt.Sprintf("flume: flow %q: duplicate Else in If %q", b.def.Name, f.step.Name))
	}
	f.step.Branches = append(f.step.Branches, api.Branch{})
	f.branch++
	f.hasElse = true
	return b
}

// EndIf closes the open If scope.
func (b *FlowBuilder) EndIf() *FlowBuilder {
	b.pop(api.KindIf, "EndIf")
	return b
}

// Switch opens a multi-way scope keyed on a state-derived string.
func (b *FlowBuilder) Switch(name string, on func(s FlowState) string) *FlowBuilder {
	if on == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil switch key function", b.def.Name, name))
	}
	st := &api.Step{Kind: api.KindSwitch, Name: name, SwitchOn: on, Cases: make(map[string][]*api.Step)}
	b.append(st)
	b.frames = append(b.frames, &frame{step: st})
	return b
}

// Case opens the step list for one switch key.
func (b *FlowBuilder) Case(key string) *FlowBuilder {
	f := b.top(api.KindSwitch, "Case")
	if _, dup := f.step.Cases[key]; dup {
		b.errs = append(b.errs, fmt.Errorf("flow %q: duplicate case %q in Switch %q", b.def.Name, key, f.step.Name))
		return b
	}
	f.step.Cases[key] = nil
	f.step.CaseOrder = append(f.step.CaseOrder, key)
	f.caseKey = key
	f.inDefault = false
	return b
}

// Default opens the fallback step list of the open Switch scope.
func (b *FlowBuilder) Default() *FlowBuilder {
	f := b.top(api.KindSwitch, "Default")
	if f.step.Default != nil {
		panic(fmt.Sprintf("flume: flow %q: duplicate Default in Switch %q", b.def.Name, f.step.Name))
	}
	f.step.Default = []*api.Step{}
	f.inDefault = true
	return b
}

// EndSwitch closes the open Switch scope.
func (b *FlowBuilder) EndSwitch() *FlowBuilder {
	b.pop(api.KindSwitch, "EndSwitch")
	return b
}

// ForEach opens a scope whose body runs once per element of the
// state-derived collection. Sequential by default; see Parallel.
func (b *FlowBuilder) ForEach(name string, items func(s FlowState) []any) *FlowBuilder {
	if items == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil items function", b.def.Name, name))
	}
	st := &api.Step{Kind: api.KindForEach, Name: name, Items: items}
	b.append(st)
	b.frames = append(b.frames, &frame{step: st})
	return b
}

// Parallel sets the worker bound for the open ForEach scope. n <= 1
// keeps the iteration sequential.
func (b *FlowBuilder) Parallel(n int) *FlowBuilder {
	f := b.top(api.KindForEach, "Parallel")
	f.step.Parallelism = n
	return b
}

// StopOnError makes the first failed item fail the whole flow instead of
// being recorded and skipped.
func (b *FlowBuilder) StopOnError() *FlowBuilder {
	f := b.top(api.KindForEach, "StopOnError")
	f.step.StopOnError = true
	return b
}

// OnItemSuccess registers a callback run on the interpreter goroutine
// after each item completes.
func (b *FlowBuilder) OnItemSuccess(fn func(s FlowState, index int, item any, result any)) *FlowBuilder {
	f := b.top(api.KindForEach, "OnItemSuccess")
	f.step.OnItemSuccess = fn
	return b
}

// OnItemFailure registers a callback run on the interpreter goroutine for
// each failed item. Without StopOnError a failed item is recorded through
// this callback and the iteration continues.
func (b *FlowBuilder) OnItemFailure(fn func(s FlowState, index int, item any, err error)) *FlowBuilder {
	f := b.top(api.KindForEach, "OnItemFailure")
	f.step.OnItemFailure = fn
	return b
}

// EndForEach closes the open ForEach scope.
func (b *FlowBuilder) EndForEach() *FlowBuilder {
	b.pop(api.KindForEach, "EndForEach")
	return b
}

// WhenAll opens a scope of parallel branches; the flow suspends after
// firing every branch and resumes when all of them have reported
// completion via RecordCompletion.
func (b *FlowBuilder) WhenAll(name string) *FlowBuilder {
	return b.when(api.KindWhenAll, name)
}

// WhenAny is WhenAll resuming on the first reported completion.
func (b *FlowBuilder) WhenAny(name string) *FlowBuilder {
	return b.when(api.KindWhenAny, name)
}

func (b *FlowBuilder) when(kind api.StepKind, name string) *FlowBuilder {
	st := &api.Step{Kind: kind, Name: name}
	b.append(st)
	b.frames = append(b.frames, &frame{step: st})
	return b
}

// Branch opens the next parallel branch of the open WhenAll/WhenAny scope.
func (b *FlowBuilder) Branch() *FlowBuilder {
	f := b.frames
	if len(f) == 0 {
		panic(fmt.Sprintf("flume: flow %q: Branch outside WhenAll/WhenAny", b.def.Name))
	}
	top := f[len(f)-1]
	if top.step.Kind != api.KindWhenAll && top.step.Kind != api.KindWhenAny {
		panic(fmt.Sprintf("flume: flow %q: Branch outside WhenAll/WhenAny", b.def.Name))
	}
	top.step.ParallelBranches = append(top.step.ParallelBranches, nil)
	top.branch = len(top.step.ParallelBranches) - 1
	return b
}

// WaitTimeout bounds how long the open WhenAll/WhenAny scope may stay
// suspended before the timeout sweep fails the flow with ErrWaitTimeout.
func (b *FlowBuilder) WaitTimeout(d time.Duration) *FlowBuilder {
	f := b.frames
	if len(f) > 0 {
		top := f[len(f)-1]
		if top.step.Kind == api.KindWhenAll || top.step.Kind == api.KindWhenAny {
			top.step.WaitTimeout = d
			return b
		}
	}
	if b.last != nil && (b.last.Kind == api.KindWhenAll || b.last.Kind == api.KindWhenAny) {
		b.last.WaitTimeout = d
		return b
	}
	panic(fmt.Sprintf("flume: flow %q: WaitTimeout outside WhenAll/WhenAny", b.def.Name))
}

// EndWhenAll closes the open WhenAll scope.
func (b *FlowBuilder) EndWhenAll() *FlowBuilder {
	b.pop(api.KindWhenAll, "EndWhenAll")
	return b
}

// EndWhenAny closes the open WhenAny scope.
func (b *FlowBuilder) EndWhenAny() *FlowBuilder {
	b.pop(api.KindWhenAny, "EndWhenAny")
	return b
}

// Delay appends a step that suspends the flow for a relative duration.
func (b *FlowBuilder) Delay(name string, d time.Duration) *FlowBuilder {
	if d <= 0 {
		panic(fmt.Sprintf("flume: flow %q: step %q has non-positive delay", b.def.Name, name))
	}
	return b.append(&api.Step{Kind: api.KindDelay, Name: name, Duration: d})
}

// ScheduleAt appends a step that suspends the flow until a state-derived
// absolute time. A time already in the past continues immediately.
func (b *FlowBuilder) ScheduleAt(name string, at func(s FlowState) time.Time) *FlowBuilder {
	if at == nil {
		panic(fmt.Sprintf("flume: flow %q: step %q has nil time function", b.def.Name, name))
	}
	return b.append(&api.Step{Kind: api.KindScheduleAt, Name: name, At: at})
}

// Modifiers, attaching to the most recently appended step.

func (b *FlowBuilder) modifier(method string) *api.Step {
	if b.last == nil {
		panic(fmt.Sprintf("flume: flow %q: %s before any step", b.def.Name, method))
	}
	return b.last
}

// Into maps the result of the preceding Send/Query into the state.
func (b *FlowBuilder) Into(fn func(s FlowState, result any) error) *FlowBuilder {
	st := b.modifier("Into")
	if st.Kind != api.KindSend {
		panic(fmt.Sprintf("flume: flow %q: Into on %s step %q", b.def.Name, st.Kind, st.Name))
	}
	st.Into = fn
	return b
}

// FailIf turns a technically successful dispatch into a step failure
// when the returned error is non-nil (business-level failure detection).
func (b *FlowBuilder) FailIf(fn func(s FlowState, result any) error) *FlowBuilder {
	st := b.modifier("FailIf")
	if st.Kind != api.KindSend {
		panic(fmt.Sprintf("flume: flow %q: FailIf on %s step %q", b.def.Name, st.Kind, st.Name))
	}
	st.FailIf = fn
	return b
}

// CompensateWith registers a command dispatched, best effort, when the
// preceding step fails.
func (b *FlowBuilder) CompensateWith(cmd CommandFactory) *FlowBuilder {
	st := b.modifier("CompensateWith")
	st.Compensate = cmd
	return b
}

// OnlyWhen guards the preceding step: when the predicate is false the
// step is skipped entirely.
func (b *FlowBuilder) OnlyWhen(cond Predicate) *FlowBuilder {
	st := b.modifier("OnlyWhen")
	st.OnlyWhen = cond
	return b
}

// Tag attaches policy tags to the preceding step; see TimeoutForTag,
// RetryForTag, and PersistForTag.
func (b *FlowBuilder) Tag(tags ...string) *FlowBuilder {
	st := b.modifier("Tag")
	st.Tags = append(st.Tags, tags...)
	return b
}

// OnCompleted publishes an event when the preceding step completes.
func (b *FlowBuilder) OnCompleted(evt EventFactory) *FlowBuilder {
	st := b.modifier("OnCompleted")
	st.OnCompleted = evt
	return b
}

// Per-tag policy tables.

// TimeoutForTag bounds each dispatch attempt of steps carrying the tag.
func (b *FlowBuilder) TimeoutForTag(tag string, d time.Duration) *FlowBuilder {
	if b.def.Timeouts == nil {
		b.def.Timeouts = make(map[string]time.Duration)
	}
	b.def.Timeouts[tag] = d
	return b
}

// RetryForTag applies a retry policy to dispatches of steps carrying the
// tag. Build policies with Retry(...).
func (b *FlowBuilder) RetryForTag(tag string, policy RetryPolicy) *FlowBuilder {
	if b.def.Retries == nil {
		b.def.Retries = make(map[string]RetryPolicy)
	}
	b.def.Retries[tag] = policy
	return b
}

// PersistForTag controls snapshot writes after steps carrying the tag.
func (b *FlowBuilder) PersistForTag(tag string, mode PersistMode) *FlowBuilder {
	if b.def.Persist == nil {
		b.def.Persist = make(map[string]PersistMode)
	}
	b.def.Persist[tag] = mode
	return b
}

// Flow-level hooks.

// OnFlowCompleted publishes the returned event when the flow completes.
func (b *FlowBuilder) OnFlowCompleted(fn EventFactory) *FlowBuilder {
	b.def.OnFlowCompleted = fn
	return b
}

// OnFlowFailed publishes the returned event when the flow fails.
func (b *FlowBuilder) OnFlowFailed(fn func(s FlowState, err error) any) *FlowBuilder {
	b.def.OnFlowFailed = fn
	return b
}

// OnStepCompleted publishes the returned event after every completed
// step. Return nil to publish nothing for a step.
func (b *FlowBuilder) OnStepCompleted(fn func(s FlowState, stepName string) any) *FlowBuilder {
	b.def.OnStepCompleted = fn
	return b
}

// Build validates the tree and returns the compiled definition. The
// definition is immutable from the engine's point of view; registering it
// pins a version.
func (b *FlowBuilder) Build() (*api.FlowDefinition, error) {
	if len(b.frames) > 0 {
		open := b.frames[len(b.frames)-1].step
		return nil, fmt.Errorf("flow %q: unterminated %s scope %q", b.def.Name, open.Kind, open.Name)
	}
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.def.Steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", b.def.Name)
	}
	if err := validateSteps(b.def.Name, b.def.Steps, false); err != nil {
		return nil, err
	}
	def := b.def
	return &def, nil
}

// MustBuild is Build panicking on error. Useful for initialization in
// main().
func (b *FlowBuilder) MustBuild() *api.FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Register builds the flow and registers it with the engine.
func (b *FlowBuilder) Register(eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterFlow(def)
}

// MustRegister is Register panicking on error.
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Reload builds the flow and hot-swaps it over an existing registration,
// returning the new version.
func (b *FlowBuilder) Reload(eng Engine) (int, error) {
	def, err := b.Build()
	if err != nil {
		return 0, err
	}
	return eng.ReloadFlow(def)
}
