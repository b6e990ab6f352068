package api

import "time"

// StepKind discriminates the closed set of step variants the interpreter
// understands. The kind decides which of the Step fields are meaningful.
type StepKind int

const (
	// KindSend dispatches a command (or query) and optionally maps the
	// result into the state.
	KindSend StepKind = iota

	// KindPublish dispatches an event, fire-and-forget.
	KindPublish

	// KindIf is an ordered predicate chain with an optional else branch.
	KindIf

	// KindSwitch dispatches on a state-derived key with O(1) lookup.
	KindSwitch

	// KindForEach applies a body to each element of a state-derived
	// collection, optionally with bounded parallelism.
	KindForEach

	// KindWhenAll fires independent branches and suspends until all of
	// them report completion.
	KindWhenAll

	// KindWhenAny fires independent branches and suspends until the first
	// of them reports completion.
	KindWhenAny

	// KindDelay suspends for a relative duration.
	KindDelay

	// KindScheduleAt suspends until an absolute, state-derived time.
	KindScheduleAt
)

func (k StepKind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindPublish:
		return "publish"
	case KindIf:
		return "if"
	case KindSwitch:
		return "switch"
	case KindForEach:
		return "foreach"
	case KindWhenAll:
		return "whenall"
	case KindWhenAny:
		return "whenany"
	case KindDelay:
		return "delay"
	case KindScheduleAt:
		return "scheduleat"
	default:
		return "unknown"
	}
}

// CommandFactory builds a command (or query) from the current state.
type CommandFactory func(s FlowState) any

// EventFactory builds an event from the current state.
type EventFactory func(s FlowState) any

// Predicate evaluates a guard against the current state.
type Predicate func(s FlowState) bool

// Branch is one (predicate, child steps) pair of an If chain.
// A nil When is the else branch.
type Branch struct {
	When  Predicate
	Steps []*Step
}

// Step is one node of a compiled step tree. It is a tagged variant: Kind
// selects the meaningful fields. Steps are immutable once the tree is
// built and are shared by every instance of the flow version.
type Step struct {
	Kind StepKind
	Name string

	// Modifiers, attachable to any step.
	Into        func(s FlowState, result any) error
	FailIf      func(s FlowState, result any) error
	Compensate  CommandFactory
	OnlyWhen    Predicate
	Tags        []string
	OnCompleted EventFactory

	// KindSend
	Command CommandFactory

	// KindPublish
	Event EventFactory

	// KindIf
	Branches []Branch

	// KindSwitch. CaseOrder fixes the child-list ordering so positions
	// are stable across runs; map iteration order would not be.
	SwitchOn  func(s FlowState) string
	Cases     map[string][]*Step
	CaseOrder []string
	Default   []*Step

	// KindForEach
	Items         func(s FlowState) []any
	Parallelism   int
	Body          []*Step
	OnItemSuccess func(s FlowState, index int, item any, result any)
	OnItemFailure func(s FlowState, index int, item any, err error)
	StopOnError   bool

	// KindWhenAll / KindWhenAny
	ParallelBranches [][]*Step
	WaitTimeout      time.Duration

	// KindDelay
	Duration time.Duration

	// KindScheduleAt
	At func(s FlowState) time.Time
}

// ChildLists returns the ordered child step lists of a composite step.
// The list index is the second component of a child's position; leaf
// kinds return nil. The ordering here and the position scheme must agree,
// so this is the single place that defines it.
func (s *Step) ChildLists() [][]*Step {
	switch s.Kind {
	case KindIf:
		lists := make([][]*Step, len(s.Branches))
		for i, b := range s.Branches {
			lists[i] = b.Steps
		}
		return lists
	case KindSwitch:
		lists := make([][]*Step, 0, len(s.CaseOrder)+1)
		for _, key := range s.CaseOrder {
			lists = append(lists, s.Cases[key])
		}
		return append(lists, s.Default)
	case KindForEach:
		return [][]*Step{s.Body}
	case KindWhenAll, KindWhenAny:
		return s.ParallelBranches
	default:
		return nil
	}
}

// Suspending reports whether executing the step can leave the flow
// suspended. ForEach is excluded here: it only suspends through a
// suspending step in its body.
func (s *Step) Suspending() bool {
	switch s.Kind {
	case KindDelay, KindScheduleAt, KindWhenAll, KindWhenAny:
		return true
	default:
		return false
	}
}

// FlowDefinition is the compiled, immutable form of a flow: its step tree
// plus the policy tables and hooks collected at build time.
type FlowDefinition struct {
	Name string

	// Version is assigned by the registry when the definition is
	// registered or reloaded. Snapshots pin it so suspended instances
	// always resume against the exact tree they started under.
	Version int

	Steps []*Step

	// NewState builds a fresh state instance of the flow's state type,
	// used as the decode target when restoring a snapshot.
	NewState func() FlowState

	// Per-tag policies. A step picks up the policy of its first tag that
	// has an entry; steps without a matching tag use the zero defaults.
	Timeouts map[string]time.Duration
	Retries  map[string]RetryPolicy
	Persist  map[string]PersistMode

	// Flow-level hooks. The factories build events which the executor
	// publishes through the dispatcher.
	OnFlowCompleted EventFactory
	OnFlowFailed    func(s FlowState, err error) any
	OnStepCompleted func(s FlowState, stepName string) any
}
