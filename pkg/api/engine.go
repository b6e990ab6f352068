package api

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout marks flow failures caused by a wait condition exceeding
// its timeout, as opposed to a step dispatch failure. Test with errors.Is.
var ErrWaitTimeout = errors.New("wait condition timed out")

// FlowResult is what Run and Resume hand back: the terminal (or suspended)
// status of the interpretation pass, plus the failure cause when the flow
// failed. A failed flow is a result, not a call error; the error return of
// Run/Resume is reserved for infrastructure problems (store, codec).
type FlowResult struct {
	FlowID string
	Status Status
	Err    error
}

// Dispatcher is the external message dispatch mechanism the engine sends
// commands, queries, and events through. The engine treats any error the
// same as a non-success result for compensation purposes.
//
// Delivery guarantees (outbox/inbox) are the dispatcher's concern, not the
// engine's.
type Dispatcher interface {
	// Send dispatches a command or query and returns its result.
	Send(ctx context.Context, cmd any) (any, error)

	// Publish dispatches an event, fire-and-forget.
	Publish(ctx context.Context, evt any) error
}

// DispatcherFunc adapts a pair of functions to the Dispatcher interface.
// Handy for tests and small deployments.
type DispatcherFunc struct {
	SendFunc    func(ctx context.Context, cmd any) (any, error)
	PublishFunc func(ctx context.Context, evt any) error
}

func (d DispatcherFunc) Send(ctx context.Context, cmd any) (any, error) {
	if d.SendFunc == nil {
		return nil, nil
	}
	return d.SendFunc(ctx, cmd)
}

func (d DispatcherFunc) Publish(ctx context.Context, evt any) error {
	if d.PublishFunc == nil {
		return nil
	}
	return d.PublishFunc(ctx, evt)
}

// Scheduler registers future wake-up callbacks for suspended flows.
// Implementations are expected to eventually invoke the ResumeHandler they
// were wired with, at or after the requested time.
type Scheduler interface {
	// ScheduleResume schedules a resume callback for the flow at the
	// given UTC instant and returns an identifier the registration can be
	// cancelled with.
	ScheduleResume(ctx context.Context, flowID, stateID string, resumeAt time.Time) (string, error)

	// CancelScheduledResume cancels a previous registration. It returns
	// false when the registration was not found (already fired or
	// already cancelled).
	CancelScheduledResume(ctx context.Context, scheduleID string) (bool, error)
}

// ResumeHandler is what a Scheduler's timer-fire callback invokes.
// The engine implements it.
type ResumeHandler interface {
	ResumeFlow(ctx context.Context, flowID, stateID string) (*FlowResult, error)
}

// Engine is the durable flow execution engine API.
type Engine interface {
	ResumeHandler

	// RegisterFlow registers a compiled flow definition under its name.
	// Registering a name twice is an error; use ReloadFlow to swap in a
	// new tree.
	RegisterFlow(def *FlowDefinition) error

	// ReloadFlow atomically swaps in a new tree for an already-registered
	// name and returns the new version. Instances suspended under prior
	// versions keep resuming against the tree they started with.
	ReloadFlow(def *FlowDefinition) (int, error)

	// Run starts a new flow instance with the given initial state and
	// interprets it until it completes, fails, or suspends. If the state
	// carries no flow ID, one is generated.
	Run(ctx context.Context, flowName string, state FlowState) (*FlowResult, error)

	// Resume reloads the snapshot of a suspended instance and continues
	// interpretation one step past the suspension point. Resuming an
	// instance whose wait condition still stands is inert: the suspended
	// result is returned unchanged.
	Resume(ctx context.Context, flowID string) (*FlowResult, error)

	// RecordCompletion reports one asynchronous completion for the wait
	// condition with the given correlation ID. When the completion
	// satisfies the condition the owning flow is resumed and its result
	// returned; otherwise the result is nil. A completion for a
	// condition that is already cleared is not an error: WhenAny
	// stragglers and duplicate timer fires also yield a nil result.
	RecordCompletion(ctx context.Context, correlationID string) (*FlowResult, error)

	// GetSnapshot returns the current snapshot of a flow instance.
	GetSnapshot(ctx context.Context, flowID string) (*Snapshot, error)

	// SweepTimeouts runs one timeout sweep pass: every wait condition
	// past its deadline is cleared and its owning flow driven to Failed
	// with ErrWaitTimeout. Returns the number of flows failed.
	SweepTimeouts(ctx context.Context) (int, error)
}

// HistoryReader is implemented by engines wired with an event store.
type HistoryReader interface {
	// ListEvents returns all events for a flow instance in chronological
	// order.
	ListEvents(ctx context.Context, flowID string) ([]FlowEvent, error)
}
