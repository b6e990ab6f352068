package api

import "time"

// EventType identifies a flow history event.
type EventType string

const (
	EventFlowStarted   EventType = "flow.started"
	EventFlowSuspended EventType = "flow.suspended"
	EventFlowResumed   EventType = "flow.resumed"
	EventFlowCompleted EventType = "flow.completed"
	EventFlowFailed    EventType = "flow.failed"

	EventStepStarted     EventType = "step.started"
	EventStepCompleted   EventType = "step.completed"
	EventStepFailed      EventType = "step.failed"
	EventStepCompensated EventType = "step.compensated"

	EventWaitSatisfied EventType = "wait.satisfied"
	EventWaitTimeout   EventType = "wait.timeout"

	EventForEachItemDone   EventType = "foreach.item.done"
	EventForEachItemFailed EventType = "foreach.item.failed"
)

// FlowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; richer history can be layered on
// top of it.
type FlowEvent struct {
	FlowID string
	At     time.Time
	Type   EventType

	// Optional context.
	FlowName string
	Version  int
	Position string

	// Small, human-oriented details (step name, error string). Keep this
	// low-volume: do NOT dump state payloads here.
	Detail string
}
