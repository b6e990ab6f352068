package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the flow engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when a flow instance is first started,
	// before the first step is executed.
	OnFlowStart(ctx context.Context, snap *Snapshot)

	// OnFlowSuspended is called when an instance persists a suspended
	// snapshot (Delay, ScheduleAt, WhenAll, WhenAny).
	OnFlowSuspended(ctx context.Context, snap *Snapshot)

	// OnFlowResumed is called when a suspended instance continues
	// interpretation.
	OnFlowResumed(ctx context.Context, snap *Snapshot)

	// OnFlowCompleted is called when an instance reaches StatusCompleted.
	OnFlowCompleted(ctx context.Context, snap *Snapshot)

	// OnFlowFailed is called when an instance transitions to StatusFailed.
	OnFlowFailed(ctx context.Context, snap *Snapshot, err error)

	// OnStepStart is called before executing a step.
	OnStepStart(ctx context.Context, snap *Snapshot, stepName string, pos Position)

	// OnStepCompleted is called after a step finishes, for both successes
	// and failures (err != nil).
	OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, snap *Snapshot)               {}
func (NoopObserver) OnFlowSuspended(ctx context.Context, snap *Snapshot)           {}
func (NoopObserver) OnFlowResumed(ctx context.Context, snap *Snapshot)             {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot)           {}
func (NoopObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error)   {}
func (NoopObserver) OnStepStart(ctx context.Context, snap *Snapshot, stepName string, pos Position) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowSuspended(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowSuspended(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowResumed(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowResumed(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, snap, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, snap *Snapshot, stepName string, pos Position) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, snap, stepName, pos)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, snap, stepName, pos, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.Int("version", snap.Version),
	)
}

func (o *LoggingObserver) OnFlowSuspended(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_suspended",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("position", snap.Position.String()),
	)
}

func (o *LoggingObserver) OnFlowResumed(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_resumed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("position", snap.Position.String()),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, snap *Snapshot, stepName string, pos Position) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("step", stepName),
		slog.String("position", pos.String()),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("step", stepName),
		slog.String("position", pos.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	flowsStarted      atomic.Int64
	flowsSuspended    atomic.Int64
	flowsCompleted    atomic.Int64
	flowsFailed       atomic.Int64
	stepsCompleted    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	FlowsStarted   int64
	FlowsSuspended int64
	FlowsCompleted int64
	FlowsFailed    int64
	PendingFlows   int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnFlowStart(ctx context.Context, snap *Snapshot) {
	m.flowsStarted.Add(1)
}

func (m *BasicMetrics) OnFlowSuspended(ctx context.Context, snap *Snapshot) {
	m.flowsSuspended.Add(1)
}

func (m *BasicMetrics) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	m.flowsCompleted.Add(1)
}

func (m *BasicMetrics) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	m.flowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.flowsStarted.Load()
	completed := m.flowsCompleted.Load()
	failed := m.flowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		FlowsStarted:   started,
		FlowsSuspended: m.flowsSuspended.Load(),
		FlowsCompleted: completed,
		FlowsFailed:    failed,
		PendingFlows:   started - completed - failed,
		StepsCompleted: steps,
		AvgStepDuration: avg,
	}
}
