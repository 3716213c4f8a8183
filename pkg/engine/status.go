package engine

import (
	"encoding/json"
	"fmt"
)

// NodeStatus represents the lifecycle position of a node.
type NodeStatus string

const (
	// NodeStatusUnstarted indicates the node has not been attempted in the current pass.
	NodeStatusUnstarted NodeStatus = "UNSTARTED"

	// NodeStatusPerforming indicates a worker is running the forward action.
	NodeStatusPerforming NodeStatus = "PERFORMING"

	// NodeStatusSuccess indicates the forward action completed.
	NodeStatusSuccess NodeStatus = "SUCCESS"

	// NodeStatusFailRetry indicates the last attempt failed and another is scheduled.
	NodeStatusFailRetry NodeStatus = "FAIL_RETRY"

	// NodeStatusFailFinal indicates the retry budget is exhausted.
	NodeStatusFailFinal NodeStatus = "FAIL_FINAL"

	// NodeStatusReversing indicates a worker is running the reverse action.
	NodeStatusReversing NodeStatus = "REVERSING"

	// NodeStatusReversed indicates the reverse action completed.
	NodeStatusReversed NodeStatus = "REVERSED"
)

// IsTerminal returns true if no worker is acting on the node.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailFinal || s == NodeStatusReversed
}

// IsActive returns true if a worker currently owns the node.
func (s NodeStatus) IsActive() bool {
	return s == NodeStatusPerforming || s == NodeStatusReversing || s == NodeStatusFailRetry
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusUnstarted, NodeStatusPerforming, NodeStatusSuccess,
		NodeStatusFailRetry, NodeStatusFailFinal, NodeStatusReversing, NodeStatusReversed:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := NodeStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Direction is the walk direction of a scheduler pass.
type Direction string

const (
	// DirectionForward runs Perform in dependency order.
	DirectionForward Direction = "forward"

	// DirectionReverse runs Reverse in reverse dependency order.
	DirectionReverse Direction = "reverse"
)

func (d Direction) verb() string {
	if d == DirectionReverse {
		return "reverse"
	}
	return "perform"
}

// Domain namespaces handler registrations so one item kind can be handled
// differently per phase.
type Domain string

const (
	DomainProvisioning  Domain = "provisioning"
	DomainConfiguration Domain = "configuration"
	DomainExecution     Domain = "execution"
)

// Validate checks if the domain is valid.
func (d Domain) Validate() error {
	switch d {
	case DomainProvisioning, DomainConfiguration, DomainExecution:
		return nil
	default:
		return fmt.Errorf("invalid domain: %s", d)
	}
}

// AllDomains returns every domain in phase order.
func AllDomains() []Domain {
	return []Domain{DomainProvisioning, DomainConfiguration, DomainExecution}
}

// RunState is the state of a single scheduler pass.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateAborted   RunState = "aborted"
)

// IsTerminal returns true if the pass has finished.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateAborted
}

// OrchestrationStatus is the status code of the orchestration façade.
type OrchestrationStatus string

const (
	StatusNotStarted          OrchestrationStatus = "NOT_STARTED"
	StatusPerformingProvision OrchestrationStatus = "PERFORMING_PROVISION"
	StatusPerformingConfig    OrchestrationStatus = "PERFORMING_CONFIG"
	StatusPerformingExec      OrchestrationStatus = "PERFORMING_EXEC"
	StatusComplete            OrchestrationStatus = "COMPLETE"
	StatusAbortProvision      OrchestrationStatus = "ABORT_PROVISION"
	StatusAbortConfig         OrchestrationStatus = "ABORT_CONFIG"
	StatusAbortExec           OrchestrationStatus = "ABORT_EXEC"
	StatusPerformingDeprov    OrchestrationStatus = "PERFORMING_DEPROV"
	StatusAbortDeprov         OrchestrationStatus = "ABORT_DEPROV"
	StatusDeprovComplete      OrchestrationStatus = "DEPROV_COMPLETE"
)

// IsAborted returns true for any ABORT_* status.
func (s OrchestrationStatus) IsAborted() bool {
	switch s {
	case StatusAbortProvision, StatusAbortConfig, StatusAbortExec, StatusAbortDeprov:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the façade has stopped driving phases.
func (s OrchestrationStatus) IsTerminal() bool {
	return s.IsAborted() || s == StatusComplete || s == StatusDeprovComplete
}

// Validate checks if the orchestration status is valid.
func (s OrchestrationStatus) Validate() error {
	switch s {
	case StatusNotStarted, StatusPerformingProvision, StatusPerformingConfig,
		StatusPerformingExec, StatusComplete, StatusAbortProvision, StatusAbortConfig,
		StatusAbortExec, StatusPerformingDeprov, StatusAbortDeprov, StatusDeprovComplete:
		return nil
	default:
		return fmt.Errorf("invalid orchestration status: %s", s)
	}
}

// Code returns a stable numeric code, usable as a process exit status or gauge value.
func (s OrchestrationStatus) Code() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusPerformingProvision:
		return 1
	case StatusPerformingConfig:
		return 2
	case StatusPerformingExec:
		return 3
	case StatusComplete:
		return 4
	case StatusAbortProvision:
		return 5
	case StatusAbortConfig:
		return 6
	case StatusAbortExec:
		return 7
	case StatusPerformingDeprov:
		return 8
	case StatusAbortDeprov:
		return 9
	case StatusDeprovComplete:
		return 10
	default:
		return -1
	}
}

// phaseStatuses maps a domain to its performing and abort statuses.
func phaseStatuses(d Domain) (performing, aborted OrchestrationStatus) {
	switch d {
	case DomainProvisioning:
		return StatusPerformingProvision, StatusAbortProvision
	case DomainConfiguration:
		return StatusPerformingConfig, StatusAbortConfig
	default:
		return StatusPerformingExec, StatusAbortExec
	}
}

// EventClass groups events on the event stream.
type EventClass string

const (
	EventClassOrchestration EventClass = "orchestration"
	EventClassEngine        EventClass = "engine"
	EventClassTask          EventClass = "task"
)

// EventType represents the type of an event on the stream.
type EventType string

const (
	EventTypeStatusChanged  EventType = "status_changed"
	EventTypePauseTick      EventType = "pause_tick"
	EventTypePassStarted    EventType = "pass_started"
	EventTypePassCompleted  EventType = "pass_completed"
	EventTypePassAborted    EventType = "pass_aborted"
	EventTypeTaskStarted    EventType = "task_started"
	EventTypeTaskRetry      EventType = "task_retry"
	EventTypeTaskSucceeded  EventType = "task_succeeded"
	EventTypeTaskFailed     EventType = "task_failed"
	EventTypeSnapshotSaved  EventType = "snapshot_saved"
	EventTypeAbortedTaskLog EventType = "aborted_task"
)
