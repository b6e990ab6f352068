package api

import "time"

// Status represents the lifecycle state of a flow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is the persisted record of a flow instance: enough to resume
// interpretation exactly where it left off, even after a process restart.
// The State payload encoding is opaque to the engine; the only requirement
// is that it decodes back into the flow's state type.
type Snapshot struct {
	FlowID   string
	FlowName string
	Version  int
	Status   Status

	// State is the encoded flow state as of the last completed step.
	State []byte

	// DirtyFields names the state fields that changed during the step
	// that produced this snapshot. Informational; useful for audit and
	// for stores that persist partial updates.
	DirtyFields []string

	// Position addresses the last completed (or suspending) step within
	// the step tree of FlowName/Version.
	Position Position

	// Error holds the failure message for StatusFailed snapshots.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WaitKind selects the completion semantics of a wait condition.
type WaitKind string

const (
	// WaitAll is satisfied when every expected completion has arrived.
	WaitAll WaitKind = "ALL"

	// WaitAny is satisfied by the first completion.
	WaitAny WaitKind = "ANY"
)

// WaitCondition is the persisted record tracking how many of an expected
// set of asynchronous completions have arrived for a suspended flow.
// Delay and ScheduleAt register a condition with Expected=1 and ScheduleID
// linking to the timer that will clear it.
type WaitCondition struct {
	CorrelationID string
	Kind          WaitKind
	Expected      int
	Completed     int

	// Timeout bounds how long the condition may stand before the sweep
	// fails the owning flow. Zero means no timeout.
	Timeout   time.Duration
	CreatedAt time.Time

	FlowID   string
	FlowName string
	Position Position

	// ScheduleID is set for timer-backed conditions (Delay, ScheduleAt)
	// and for waits with a registered timeout timer.
	ScheduleID string
}

// Satisfied reports whether the condition's completion requirement is met.
func (c *WaitCondition) Satisfied() bool {
	switch c.Kind {
	case WaitAny:
		return c.Completed >= 1
	default:
		return c.Completed >= c.Expected
	}
}

// TimedOut reports whether the condition has exceeded its timeout at the
// given instant. Conditions without a timeout never time out.
func (c *WaitCondition) TimedOut(now time.Time) bool {
	if c.Timeout <= 0 {
		return false
	}
	return now.Sub(c.CreatedAt) >= c.Timeout
}

// ForEachProgress records which items of a ForEach step already completed,
// persisted incrementally so a crash mid-iteration does not reprocess
// finished items on resume.
type ForEachProgress struct {
	FlowID   string
	Position Position

	// Done holds the completed item indexes in completion order.
	Done []int
}

// DoneSet returns the completed indexes as a set.
func (p *ForEachProgress) DoneSet() map[int]bool {
	if p == nil || len(p.Done) == 0 {
		return map[int]bool{}
	}
	set := make(map[int]bool, len(p.Done))
	for _, idx := range p.Done {
		set[idx] = true
	}
	return set
}
