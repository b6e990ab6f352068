// Package api holds the core types of the flume flow engine: the flow
// state contract, the compiled step tree, positions, snapshots, wait
// conditions, and the interfaces the engine consumes (Dispatcher,
// Scheduler) and exposes (Engine, ResumeHandler, Observer).
//
// Most applications import the root flume package instead, which
// re-exports everything here together with the flow builder.
package api
