// Package flume provides a durable flow execution engine for Go.
//
// Flume is built for backend services that coordinate long-running
// business processes: a flow is declared once as a tree of steps, and the
// engine interprets that tree against a mutable state object, persisting
// a snapshot after each step so an instance can suspend for minutes or
// months and resume exactly where it left off, on any process.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. FlowState — the mutable, change-tracked state a flow operates on
//  2. FlowBuilder — the fluent DSL that compiles a step tree
//  3. Engine — registers flows, runs and resumes instances
//  4. Worker — drains due resume tasks and wakes suspended flows
//  5. Dispatcher — the application's command/event transport
//
// # FlowState
//
// Every flow operates on a user-defined state type embedding StateBase.
// Setters go through SetField, which records a per-field dirty bit only
// when the value actually changes; the engine stores the changed field
// names with each snapshot. State payloads are serialized with
// encoding/gob, so exported fields persist and the tracking machinery
// does not.
//
// # FlowBuilder
//
// Flows are declared with a fluent builder:
//
//	flow := flume.NewFlow("ship-order", newOrderState).
//	    Send("reservePayment", reserveCmd).Into(intoReservation).Tag("payment").
//	    If("reserved", isReserved).
//	        Publish("shipped", shippedEvent).
//	    Else().
//	        Send("cancel", cancelCmd).
//	    EndIf().
//	    Delay("coolOff", 30*time.Minute).
//	    Publish("done", doneEvent)
//
// Besides sequential sends and publishes the tree supports If/ElseIf/
// Else chains, Switch/Case dispatch, sequential and bounded-parallel
// ForEach iteration with per-item progress persistence, WhenAll/WhenAny
// coordination of externally completing branches, relative Delay, and
// absolute ScheduleAt. Per-step modifiers attach compensation commands,
// result mapping, business-failure detection (FailIf), conditional
// execution (OnlyWhen), completion events, and policy tags. Per-tag
// tables on the flow map tags to dispatch timeouts, retry policies, and
// snapshot persistence modes.
//
// # Engine
//
// The Engine interprets registered step trees. Each started instance gets
// a snapshot keyed by flow ID; the snapshot records the serialized state,
// the position of the last completed step, and the lifecycle status.
// Suspending steps (Delay, ScheduleAt, WhenAll, WhenAny) register a wait
// condition and return control to the caller; Resume picks the instance
// up one step past the suspension point. Resuming an instance whose wait
// condition still stands is inert, so duplicate timer fires and races
// between external completions are harmless.
//
// Flow definitions can be hot-reloaded: ReloadFlow registers a new
// version of the tree, new instances start on it, and instances suspended
// under an older version keep resuming against the exact tree they
// started with.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres, Redis, MongoDB (separate submodules)
//
// Each backend includes a matching resume-task queue implementation so
// workers can reliably wake suspended flows.
//
// # Worker and Scheduler
//
// Delay and ScheduleAt are implemented as resume tasks on a delay queue:
// suspending enqueues a task with a not-before time, and a Worker
// dequeues it when due and calls back into the engine. A periodic timeout
// sweep fails flows whose wait conditions outlived their deadline with
// ErrWaitTimeout, covering waits whose completions never arrive and
// timers lost to a crash.
//
// # LocalRunner
//
// NewLocalRunner wires an in-memory engine, queue, worker pool, and
// sweeper into a complete single-process setup, which is the easiest way
// to run flows in tests and small deployments. NewSQLiteBundle is the
// durable equivalent on a single SQLite database.
package flume
