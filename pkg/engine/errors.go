// Package engine provides the task dependency graph execution engine shared by the
// provisioning, configuration and execution phases of an orchestration.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a handler failure.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a resource with the same name already exists with another shape.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// Handlers return it to tell the engine what kind of failure occurred.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the item ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain.
// Errors without a class are reported as "unclassified".
func ClassOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return string(e.Class)
	}
	return "unclassified"
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodePanic          = "HANDLER_PANIC"
	ErrCodeCommandFailed  = "COMMAND_FAILED"
	ErrCodeCheckFailed    = "CHECK_FAILED"
	ErrCodeAuth           = "AUTH_FAILED"
)

// BuildErrorKind identifies why graph construction failed.
type BuildErrorKind string

const (
	// BuildErrorMissingTaskMapping means no handler is registered for an item kind.
	BuildErrorMissingTaskMapping BuildErrorKind = "MissingTaskMapping"

	// BuildErrorDependencyGraphCycle means the computed edges form a cycle.
	BuildErrorDependencyGraphCycle BuildErrorKind = "DependencyGraphCycle"

	// BuildErrorUnknownDependencyTarget means a dependency names an item outside the build.
	BuildErrorUnknownDependencyTarget BuildErrorKind = "UnknownDependencyTarget"

	// BuildErrorDuplicateItem means two items share one identity.
	BuildErrorDuplicateItem BuildErrorKind = "DuplicateItem"

	// BuildErrorInvalidItem means a handler factory or retry setting rejected an item.
	BuildErrorInvalidItem BuildErrorKind = "InvalidItem"
)

// Sentinel errors matched by BuildError through errors.Is.
var (
	ErrMissingTaskMapping      = errors.New("missing task mapping")
	ErrDependencyGraphCycle    = errors.New("dependency graph cycle")
	ErrUnknownDependencyTarget = errors.New("unknown dependency target")
	ErrDuplicateItem           = errors.New("duplicate item")
	ErrInvalidItem             = errors.New("invalid item")
)

// BuildError is raised synchronously while constructing a graph.
// No node of a failed build is eligible for execution.
type BuildError struct {
	Kind   BuildErrorKind
	Domain Domain
	ItemID string

	// Cycle holds the offending path for DependencyGraphCycle, first node repeated last.
	Cycle []string

	// Detail is a short human-readable explanation.
	Detail string

	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build %s graph: %s", e.Domain, e.Kind)
	if e.ItemID != "" {
		fmt.Fprintf(&sb, " (item=%s)", e.ItemID)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&sb, ": %s", formatCycle(e.Cycle))
	} else if e.Detail != "" {
		fmt.Fprintf(&sb, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *BuildError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *BuildError) sentinel() error {
	switch e.Kind {
	case BuildErrorMissingTaskMapping:
		return ErrMissingTaskMapping
	case BuildErrorDependencyGraphCycle:
		return ErrDependencyGraphCycle
	case BuildErrorUnknownDependencyTarget:
		return ErrUnknownDependencyTarget
	case BuildErrorDuplicateItem:
		return ErrDuplicateItem
	case BuildErrorInvalidItem:
		return ErrInvalidItem
	default:
		return nil
	}
}

// NodeActionError wraps a failure returned (or panicked) by a handler's
// Perform or Reverse.
type NodeActionError struct {
	NodeID    string
	NodeName  string
	Direction Direction
	Attempt   int
	Err       error

	// Stack is the goroutine stack captured when the failure was observed.
	Stack string
}

// Error implements the error interface.
func (e *NodeActionError) Error() string {
	return fmt.Sprintf("%s %s (%s) attempt %d: %v",
		e.Direction.verb(), e.NodeName, e.NodeID, e.Attempt, e.Err)
}

// Unwrap returns the handler error.
func (e *NodeActionError) Unwrap() error {
	return e.Err
}

// AbortedTask records a node that exhausted its retry budget.
type AbortedTask struct {
	Node *Node

	// ErrorKind is the EngineError class of the failure, or "unclassified".
	ErrorKind string

	Err   error
	Stack string
}

// RunAbortedError is returned by a pass that finished with aborted tasks
// or was stopped before every node completed.
type RunAbortedError struct {
	Domain    Domain
	Direction Direction
	Aborted   []AbortedTask

	// Cause is set when the pass was stopped externally (Abort or context cancellation).
	Cause error
}

// Error implements the error interface.
func (e *RunAbortedError) Error() string {
	if len(e.Aborted) == 0 && e.Cause != nil {
		return fmt.Sprintf("%s %s pass aborted: %v", e.Domain, e.Direction, e.Cause)
	}
	names := make([]string, 0, len(e.Aborted))
	for _, at := range e.Aborted {
		names = append(names, at.Node.ID())
	}
	return fmt.Sprintf("%s %s pass aborted: %d task(s) failed [%s]",
		e.Domain, e.Direction, len(e.Aborted), strings.Join(names, ", "))
}

// Unwrap returns the external cause, if any.
func (e *RunAbortedError) Unwrap() error {
	return e.Cause
}

// IsRunAborted reports whether err is a RunAbortedError.
func IsRunAborted(err error) bool {
	var e *RunAbortedError
	return errors.As(err, &e)
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
