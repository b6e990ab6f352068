// Package worker provides the background worker that drives suspended
// flume flows forward.
//
// Workers consume resume tasks from a task queue and invoke the engine's
// resume handler for each one. Every Delay and ScheduleAt suspension
// becomes one queue task with a not-before time; a worker dequeues the
// task when it comes due and wakes the flow.
//
// Workers are long-lived components that typically run in dedicated
// goroutines. Multiple workers can safely operate on the same queue to
// scale resume throughput, and different queue backends (in-memory,
// SQLite, Redis, Postgres, MongoDB) can be plugged in through matching
// queue implementations.
//
// Failed resumes are retried with a configurable backoff and attempt
// bound; see Config.
//
// Most applications construct workers indirectly via helpers in the flume
// package (LocalRunner, NewSQLiteBundle), which wire engine, queue, and
// worker together with sensible defaults.
package worker
