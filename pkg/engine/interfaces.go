package engine

import (
	"context"
	"time"
)

// EventPublisher receives orchestration, engine and task events.
// Implementations must not block the caller for long; the engine publishes
// from worker goroutines.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder records engine metrics.
// A nil MetricsRecorder is replaced by a no-op implementation.
type MetricsRecorder interface {
	// RecordNodeAttempt records one Perform or Reverse attempt.
	RecordNodeAttempt(domain Domain, direction Direction, kind Kind, success bool, duration time.Duration)

	// RecordNodeOutcome records the final status of a node in a pass.
	RecordNodeOutcome(domain Domain, direction Direction, status NodeStatus)

	// RecordPass records a finished pass.
	RecordPass(domain Domain, direction Direction, state RunState, duration time.Duration, edgesTraversed int)

	// SetQueueDepth reports the number of ready nodes waiting for a worker.
	SetQueueDepth(domain Domain, depth int)

	// SetBusyWorkers reports the number of workers acting on a node.
	SetBusyWorkers(domain Domain, busy int)

	// RecordPhase records a finished orchestration phase.
	RecordPhase(phase string, status OrchestrationStatus, duration time.Duration)

	// SetOrchestrationStatus reports the current façade status.
	SetOrchestrationStatus(status OrchestrationStatus)
}

// SnapshotSink persists snapshots taken after each phase.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// SnapshotSource loads the latest snapshot of a deployment's domain graph.
// It returns (nil, nil) when no snapshot exists.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, deployment string, domain Domain) (*Snapshot, error)
}

type noopMetrics struct{}

func (noopMetrics) RecordNodeAttempt(Domain, Direction, Kind, bool, time.Duration) {}
func (noopMetrics) RecordNodeOutcome(Domain, Direction, NodeStatus)                {}
func (noopMetrics) RecordPass(Domain, Direction, RunState, time.Duration, int)     {}
func (noopMetrics) SetQueueDepth(Domain, int)                                      {}
func (noopMetrics) SetBusyWorkers(Domain, int)                                     {}
func (noopMetrics) RecordPhase(string, OrchestrationStatus, time.Duration)         {}
func (noopMetrics) SetOrchestrationStatus(OrchestrationStatus)                     {}
