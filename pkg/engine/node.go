package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultRepeatCount is the default number of attempts per node.
	DefaultRepeatCount = 3

	// DefaultRepeatInterval is the default linear backoff unit.
	DefaultRepeatInterval = 5 * time.Second
)

// RetrySpec is the declarative retry budget as written in a model or flag.
// Unset fields fall back to the defaults passed to Resolve.
type RetrySpec struct {
	// Count is the maximum number of attempts.
	Count *int `json:"count,omitempty" yaml:"count,omitempty"`

	// Interval is the backoff unit: a Go duration ("2s") or a number of seconds ("2").
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// IsZero reports whether the spec sets nothing.
func (s RetrySpec) IsZero() bool {
	return s.Count == nil && s.Interval == ""
}

// Merge returns s with unset fields taken from base.
func (s RetrySpec) Merge(base RetrySpec) RetrySpec {
	out := s
	if out.Count == nil {
		out.Count = base.Count
	}
	if out.Interval == "" {
		out.Interval = base.Interval
	}
	return out
}

// Resolve turns the spec into an immutable policy.
func (s RetrySpec) Resolve(defaults RetryPolicy) (RetryPolicy, error) {
	count := defaults.count
	if s.Count != nil {
		count = *s.Count
	}

	interval := defaults.interval
	if s.Interval != "" {
		d, err := parseInterval(s.Interval)
		if err != nil {
			return RetryPolicy{}, err
		}
		interval = d
	}

	return NewRetryPolicy(count, interval)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid retry interval %q: %w", v, err)
	}
	return d, nil
}

// RetryPolicy is the execution-ready retry budget of a node.
type RetryPolicy struct {
	count    int
	interval time.Duration
}

// NewRetryPolicy validates and creates a retry policy.
func NewRetryPolicy(count int, interval time.Duration) (RetryPolicy, error) {
	if count < 1 {
		return RetryPolicy{}, fmt.Errorf("retry count must be at least 1, got %d", count)
	}
	if interval < 0 {
		return RetryPolicy{}, fmt.Errorf("retry interval must not be negative, got %s", interval)
	}
	return RetryPolicy{count: count, interval: interval}, nil
}

// DefaultRetryPolicy returns 3 attempts with a 5s backoff unit.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{count: DefaultRepeatCount, interval: DefaultRepeatInterval}
}

// Count returns the maximum number of attempts.
func (p RetryPolicy) Count() int { return p.count }

// Interval returns the backoff unit.
func (p RetryPolicy) Interval() time.Duration { return p.interval }

// Backoff returns the sleep before the attempt following attempt n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	return time.Duration(n) * p.interval
}

// String implements fmt.Stringer.
func (p RetryPolicy) String() string {
	return fmt.Sprintf("%d x %s", p.count, p.interval)
}

// Node is one unit of work in a graph.
// All mutable fields are guarded by the owning graph's lock.
type Node struct {
	id       string
	name     string
	kind     Kind
	domain   Domain
	item     Item
	handler  Handler
	provider ContextProvider
	retry    RetryPolicy

	graph *Graph

	status    NodeStatus
	attempts  int
	performed bool
	lastErr   error
	updatedAt time.Time
}

// ID returns the node's stable identity.
func (n *Node) ID() string { return n.id }

// Name returns the human-readable name.
func (n *Node) Name() string { return n.name }

// Kind returns the item kind.
func (n *Node) Kind() Kind { return n.kind }

// Domain returns the domain the node was built for.
func (n *Node) Domain() Domain { return n.domain }

// Item returns the wrapped model item.
func (n *Node) Item() Item { return n.item }

// Retry returns the resolved retry policy.
func (n *Node) Retry() RetryPolicy { return n.retry }

// Status returns the current status.
func (n *Node) Status() NodeStatus {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	return n.status
}

// Attempts returns the number of attempts made in the latest pass.
func (n *Node) Attempts() int {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	return n.attempts
}

// Performed reports whether the forward action has succeeded and not been reversed since.
func (n *Node) Performed() bool {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	return n.performed
}

// LastError returns the error of the most recent failed attempt.
func (n *Node) LastError() error {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	return n.lastErr
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s[%s](%s)", n.kind, n.name, n.id)
}

// setStatusLocked updates the status; the graph lock must be held.
func (n *Node) setStatusLocked(s NodeStatus) {
	n.status = s
	n.updatedAt = time.Now()
}

func (n *Node) snapshotLocked() NodeSnapshot {
	return NodeSnapshot{
		ID:        n.id,
		Name:      n.name,
		Kind:      n.kind,
		Status:    n.status,
		Attempts:  n.attempts,
		Performed: n.performed,
		UpdatedAt: n.updatedAt,
	}
}
