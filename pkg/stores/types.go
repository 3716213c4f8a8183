package stores

import (
	"context"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Orchestration is the persisted summary of one orchestrator.
type Orchestration struct {
	ID         string                     `json:"id"`
	Deployment string                     `json:"deployment"`
	Status     engine.OrchestrationStatus `json:"status"`
	StartedAt  time.Time                  `json:"started_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// SnapshotInfo describes a stored snapshot without its nodes.
type SnapshotInfo struct {
	ID              int64                      `json:"id"`
	OrchestrationID string                     `json:"orchestration_id"`
	Deployment      string                     `json:"deployment"`
	Domain          engine.Domain              `json:"domain"`
	Status          engine.OrchestrationStatus `json:"status"`
	TakenAt         time.Time                  `json:"taken_at"`
}

// EventFilter selects stored events.
type EventFilter struct {
	OrchestrationID string
	Class           engine.EventClass
	Type            engine.EventType
	Limit           int
	Offset          int
}

// Store defines the persistence layer for orchestration state.
type Store interface {
	engine.SnapshotSink
	engine.SnapshotSource
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Orchestrations
	GetOrchestration(ctx context.Context, id string) (*Orchestration, error)
	ListOrchestrations(ctx context.Context, deployment string, limit, offset int) ([]*Orchestration, error)

	// Snapshots
	ListSnapshots(ctx context.Context, deployment string, domain engine.Domain) ([]*SnapshotInfo, error)
	ListAbortedTasks(ctx context.Context, orchestrationID string) ([]engine.AbortedTaskSnapshot, error)
	PruneSnapshots(ctx context.Context, deployment string, keep int) (int64, error)

	// Events
	GetEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
