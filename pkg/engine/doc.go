// Package engine provides the task dependency graph execution engine of orchestra.
//
// # Overview
//
// An orchestration runs a declarative model through three phases, each backed
// by its own graph of nodes:
//
//  1. Provisioning - create resources (servers, networks, buckets, secrets)
//  2. Configuration - upload scripts and run local checks against the new hosts
//  3. Execution - run remote commands
//
// Teardown reverses the provisioning graph.
//
// # Core Types
//
//   - Node: a unit of work wrapping one model item, with a Handler and a RetryPolicy
//   - Graph: the DAG of nodes for one domain, built by a GraphBuilder
//   - Scheduler: a worker pool that walks a graph forward (Perform) or in reverse (Reverse)
//   - Registry: maps (domain, kind) to handler factories, falling back along an is-a chain
//   - Orchestrator: the façade that sequences phases and exposes a status code
//
// # Scheduling
//
// A pass seeds a ready queue with nodes whose predecessors are satisfied and
// runs them on a fixed pool of workers (five by default). Each node is
// attempted up to its repeat count, sleeping attempt × interval between
// attempts. When a node exhausts its retries it is recorded as an aborted
// task, its successors stay blocked, and the pass stops dequeuing. Nodes
// already running finish their retry loop.
//
// Completion and abort are signalled through a condition variable on the
// graph lock; workers never poll.
//
// # Handlers and Run Contexts
//
// Handlers receive a RunContext created by their ContextProvider. Every
// worker lazily creates one context per provider and reuses it for all nodes
// it processes, so clients held in a context are never shared between
// goroutines.
//
// # Error Classification
//
// Graph construction fails with a BuildError (MissingTaskMapping,
// DependencyGraphCycle, UnknownDependencyTarget). Handler failures are wrapped
// in NodeActionError and retried. A pass with aborted tasks returns a
// RunAbortedError. Handlers may classify failures with EngineError; the class
// is reported as the aborted task's error kind.
package engine
