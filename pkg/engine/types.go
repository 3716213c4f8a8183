package engine

import (
	"time"
)

// Kind is the type tag of a model item, resolved against the registry's is-a chain.
type Kind string

// Item is one provisionable or configurable entry of a model.
type Item interface {
	// ItemID is the stable identity used to deduplicate nodes across builds.
	ItemID() string

	// ItemName is the human-readable name.
	ItemName() string

	// ItemKind is the most-derived kind of the item.
	ItemKind() Kind

	// DependsOn lists the IDs of items that must complete before this one.
	DependsOn() []string
}

// RetryConfigurer is implemented by items that override the default retry budget.
type RetryConfigurer interface {
	RetrySpec() RetrySpec
}

// Model is the graph builder input: the set of items per domain.
type Model interface {
	// Items returns the items of one domain in declaration order.
	Items(domain Domain) []Item
}

// RunResult summarizes one scheduler pass.
type RunResult struct {
	// ID uniquely identifies the pass.
	ID string `json:"id"`

	Domain    Domain    `json:"domain"`
	Direction Direction `json:"direction"`
	State     RunState  `json:"state"`

	// Total is the number of nodes eligible for this pass.
	Total int `json:"total"`

	// Completed is the number of nodes that reached SUCCESS (forward) or REVERSED (reverse).
	Completed int `json:"completed"`

	// EdgesTraversed counts successor counter increments.
	EdgesTraversed int `json:"edges_traversed"`

	// Order is the completion order of node IDs.
	Order []string `json:"order"`

	Aborted []AbortedTask `json:"-"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Event is one entry of the orchestration event stream.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Version is the event schema version.
	Version string `json:"version"`

	Class EventClass `json:"event_class"`
	Type  EventType  `json:"event_type"`

	// Payload is the event body.
	Payload map[string]interface{} `json:"event"`

	Timestamp time.Time `json:"timestamp"`
}

// EventSchemaVersion is the version stamped on every event.
const EventSchemaVersion = "1.0"

// NodeSnapshot is the persisted view of a node.
type NodeSnapshot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      Kind       `json:"kind"`
	Status    NodeStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Performed bool       `json:"performed"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AbortedTaskSnapshot is the persisted view of an aborted task.
type AbortedTaskSnapshot struct {
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	Kind      Kind   `json:"kind"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
}

// Snapshot captures the node statuses of one domain graph after a phase.
type Snapshot struct {
	// Deployment names the model the snapshot belongs to.
	Deployment string `json:"deployment"`

	OrchestrationID string              `json:"orchestration_id"`
	Domain          Domain              `json:"domain"`
	Status          OrchestrationStatus `json:"status"`

	Nodes   []NodeSnapshot        `json:"nodes"`
	Aborted []AbortedTaskSnapshot `json:"aborted,omitempty"`

	TakenAt time.Time `json:"taken_at"`
}
