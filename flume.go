package flume

import (
	"database/sql"

	"github.com/petrijr/flume/internal/engine"
	"github.com/petrijr/flume/internal/persistence"
	"github.com/petrijr/flume/internal/schedule"
	"github.com/petrijr/flume/internal/taskqueue"
	"github.com/petrijr/flume/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	HistoryReader        = api.HistoryReader
	FlowState            = api.FlowState
	StateBase            = api.StateBase
	ItemScope            = api.ItemScope
	FlowDefinition       = api.FlowDefinition
	FlowResult           = api.FlowResult
	FlowEvent            = api.FlowEvent
	Snapshot             = api.Snapshot
	Position             = api.Position
	Status               = api.Status
	Dispatcher           = api.Dispatcher
	DispatcherFunc       = api.DispatcherFunc
	Scheduler            = api.Scheduler
	Predicate            = api.Predicate
	CommandFactory       = api.CommandFactory
	EventFactory         = api.EventFactory
	RetryPolicy          = api.RetryPolicy
	PersistMode          = api.PersistMode
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Queue is the resume-task delay queue interface; see the worker package.
type Queue = taskqueue.Queue

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ErrWaitTimeout       = api.ErrWaitTimeout

	// WaitCorrelationID derives the key RecordCompletion is called with
	// for a flow suspended at the given position.
	WaitCorrelationID = api.WaitCorrelationID
)

// ItemOf unwraps the current item inside a ForEach body callback.
func ItemOf(s FlowState) (index int, item any, ok bool) {
	return api.ItemOf(s)
}

// Re-export status and persist-mode values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	PersistAlways   = api.PersistAlways
	PersistOnChange = api.PersistOnChange
	PersistNever    = api.PersistNever
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// with an in-memory delay queue behind Delay/ScheduleAt. Timer wake-ups
// need a worker draining that queue; use NewLocalRunner for a fully wired
// single-process setup, or call Resume/RecordCompletion yourself.
func NewInMemoryEngine(d Dispatcher) Engine {
	return NewInMemoryEngineWithObserver(d, nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(d Dispatcher, obs Observer) Engine {
	eng, _, err := newInMemoryParts(d, obs)
	if err != nil {
		// Only reachable through misuse (nil dispatcher).
		panic(err)
	}
	return eng
}

// NewSQLiteEngine returns an Engine that persists snapshots, wait
// conditions, iteration progress, resume tasks, and flow history in a
// SQLite database. Flow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB, d Dispatcher) (Engine, error) {
	return NewSQLiteEngineWithObserver(db, d, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, d Dispatcher, obs Observer) (Engine, error) {
	eng, _, err := newSQLiteParts(db, d, obs)
	return eng, err
}

func newInMemoryParts(d Dispatcher, obs Observer) (*engine.Executor, taskqueue.Queue, error) {
	queue := taskqueue.NewInMemoryQueue()
	eng, err := engine.NewExecutor(engine.Config{
		Stores: persistence.Stores{
			Snapshots: persistence.NewInMemoryStore(),
			Events:    persistence.NewInMemoryEventStore(),
		},
		Dispatcher: d,
		Scheduler:  schedule.NewQueueScheduler(queue),
		Observer:   obs,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, queue, nil
}

func newSQLiteParts(db *sql.DB, d Dispatcher, obs Observer) (*engine.Executor, taskqueue.Queue, error) {
	snapshots, err := persistence.NewSQLiteSnapshotStore(db)
	if err != nil {
		return nil, nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.NewExecutor(engine.Config{
		Stores:     persistence.Stores{Snapshots: snapshots, Events: events},
		Dispatcher: d,
		Scheduler:  schedule.NewQueueScheduler(queue),
		Observer:   obs,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, queue, nil
}

// History returns the history reader of an engine, or ok=false when the
// engine does not record history.
func History(eng Engine) (HistoryReader, bool) {
	hr, ok := eng.(HistoryReader)
	return hr, ok
}
