package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultWorkers is the default size of the worker pool.
	DefaultWorkers = 5

	// DefaultMaxJitter bounds the random delay before a node starts.
	DefaultMaxJitter = 3 * time.Second

	tracerName = "github.com/openfroyo/orchestra/pkg/engine"
)

// ErrAbortRequested is the cause recorded when Abort stops a pass.
var ErrAbortRequested = errors.New("abort requested")

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Workers is the size of the worker pool (default 5).
	Workers int

	// NoDelay disables the random start jitter.
	NoDelay bool

	// MaxJitter bounds the start jitter (default 3s).
	MaxJitter time.Duration

	Logger  zerolog.Logger
	Events  EventPublisher
	Metrics MetricsRecorder

	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// Scheduler walks one graph with a bounded worker pool, forward (Perform)
// or in reverse (Reverse), honoring dependency order.
type Scheduler struct {
	graph   *Graph
	workers int
	noDelay bool
	jitter  time.Duration
	logger  zerolog.Logger
	events  EventPublisher
	metrics MetricsRecorder
	tracer  trace.Tracer

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error

	// passMu serializes passes over the graph.
	passMu sync.Mutex

	// Per-pass state below is guarded by graph.mu.
	cond           *sync.Cond
	state          RunState
	direction      Direction
	queue          []*Node
	required       map[string]int
	satisfied      map[string]int
	remaining      int
	abortFlag      bool
	abortCause     error
	pendingAbort   error
	abortedTasks   []AbortedTask
	busy           int
	order          []string
	edgesTraversed int
}

// NewScheduler creates a scheduler bound to graph.
func NewScheduler(graph *Graph, opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = DefaultMaxJitter
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	s := &Scheduler{
		graph:   graph,
		workers: opts.Workers,
		noDelay: opts.NoDelay,
		jitter:  opts.MaxJitter,
		logger:  opts.Logger.With().Str("component", "scheduler").Str("domain", string(graph.domain)).Logger(),
		events:  opts.Events,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		sleep:   sleepContext,
		state:   RunStateIdle,
	}
	s.cond = sync.NewCond(&graph.mu)
	return s
}

// Graph returns the graph the scheduler walks.
func (s *Scheduler) Graph() *Graph {
	return s.graph
}

// PerformTasks runs every not-yet-performed node forward.
// It returns a RunAbortedError if any node exhausted its retries or the
// pass was stopped.
func (s *Scheduler) PerformTasks(ctx context.Context) (*RunResult, error) {
	return s.run(ctx, DirectionForward)
}

// PerformReverses runs Reverse on every previously performed node, in
// reverse dependency order. Nodes never performed are skipped.
func (s *Scheduler) PerformReverses(ctx context.Context) (*RunResult, error) {
	return s.run(ctx, DirectionReverse)
}

// AbortedTasks returns the aborted tasks of the latest pass.
func (s *Scheduler) AbortedTasks() []AbortedTask {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	return append([]AbortedTask(nil), s.abortedTasks...)
}

// State returns the state of the latest pass.
func (s *Scheduler) State() RunState {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	return s.state
}

// Abort stops the running pass: no new node is dequeued and in-flight
// nodes finish their current retry loop. On a scheduler that has not run
// yet, the next pass aborts before dequeuing any node. It is a no-op once
// a pass has finished.
func (s *Scheduler) Abort() {
	s.abort(ErrAbortRequested)
}

func (s *Scheduler) abort(cause error) {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	if s.state == RunStateIdle {
		if s.pendingAbort == nil {
			s.pendingAbort = cause
		}
		return
	}
	if s.state != RunStateRunning || s.abortFlag {
		return
	}
	s.abortFlag = true
	s.abortCause = cause
	s.cond.Broadcast()
}

// eligible reports whether n takes part in a pass in direction d.
func eligible(n *Node, d Direction) bool {
	if d == DirectionReverse {
		return n.performed
	}
	return !n.performed
}

// next returns the nodes that become closer to ready when id completes in the active direction.
func (s *Scheduler) nextLocked(id string) []string {
	if s.direction == DirectionReverse {
		return s.graph.predecessors[id]
	}
	return s.graph.successors[id]
}

// priorLocked returns the nodes that must complete before id in the active direction.
func (s *Scheduler) priorLocked(id string) []string {
	if s.direction == DirectionReverse {
		return s.graph.successors[id]
	}
	return s.graph.predecessors[id]
}

// resetLocked prepares per-pass state and seeds the ready queue.
func (s *Scheduler) resetLocked(d Direction) int {
	s.direction = d
	s.queue = s.queue[:0]
	s.required = make(map[string]int)
	s.satisfied = make(map[string]int)
	s.abortFlag = s.pendingAbort != nil
	s.abortCause = s.pendingAbort
	s.pendingAbort = nil
	s.abortedTasks = nil
	s.busy = 0
	s.order = make([]string, 0, len(s.graph.nodes))
	s.edgesTraversed = 0

	active := make([]*Node, 0, len(s.graph.nodes))
	for _, n := range s.graph.nodes {
		if eligible(n, d) {
			active = append(active, n)
			s.required[n.id] = 0
		}
	}
	for _, n := range active {
		for _, p := range s.priorLocked(n.id) {
			if _, ok := s.required[p]; ok {
				s.required[n.id]++
			}
		}
		if d == DirectionForward {
			n.setStatusLocked(NodeStatusUnstarted)
		}
		n.attempts = 0
		n.lastErr = nil
	}
	for _, n := range active {
		if s.required[n.id] == 0 {
			s.queue = append(s.queue, n)
		}
	}
	s.remaining = len(active)
	s.state = RunStateRunning
	return len(active)
}

func (s *Scheduler) run(ctx context.Context, d Direction) (*RunResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	g := s.graph
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil, fmt.Errorf("%s graph already has a pass running", g.domain)
	}
	g.running = true
	total := s.resetLocked(d)
	abortedEarly := s.abortFlag
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	result := &RunResult{
		ID:        uuid.New().String(),
		Domain:    g.domain,
		Direction: d,
		Total:     total,
		StartedAt: time.Now(),
	}
	logger := s.logger.With().Str("run_id", result.ID).Str("direction", string(d)).Logger()

	ctx, span := s.tracer.Start(ctx, "engine.pass", trace.WithAttributes(
		attribute.String("orchestra.run_id", result.ID),
		attribute.String("orchestra.domain", string(g.domain)),
		attribute.String("orchestra.direction", string(d)),
		attribute.Int("orchestra.nodes", total),
	))
	defer span.End()

	logger.Info().Int("nodes", total).Int("workers", s.workers).Msg("Pass started")
	s.publish(ctx, EventClassEngine, EventTypePassStarted, map[string]interface{}{
		"run_id":    result.ID,
		"domain":    g.domain,
		"direction": d,
		"nodes":     total,
	})

	stop := context.AfterFunc(ctx, func() { s.abort(ctx.Err()) })
	defer stop()
	if err := ctx.Err(); err != nil {
		s.abort(err)
	}

	var wg sync.WaitGroup
	if total > 0 {
		for i := 0; i < s.workers; i++ {
			wg.Add(1)
			go s.worker(ctx, i, &wg, logger)
		}
	}

	g.mu.Lock()
	for s.remaining > 0 && !s.abortFlag {
		s.cond.Wait()
	}
	s.cond.Broadcast()
	g.mu.Unlock()

	// In-flight nodes drain before the pass is finalized.
	wg.Wait()

	g.mu.Lock()
	if !abortedEarly && s.remaining == 0 && len(s.abortedTasks) == 0 {
		s.state = RunStateCompleted
	} else {
		s.state = RunStateAborted
	}
	result.State = s.state
	result.Completed = len(s.order)
	result.Order = append([]string(nil), s.order...)
	result.EdgesTraversed = s.edgesTraversed
	result.Aborted = append([]AbortedTask(nil), s.abortedTasks...)
	cause := s.abortCause
	g.mu.Unlock()

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	s.metrics.RecordPass(g.domain, d, result.State, result.Duration, result.EdgesTraversed)
	s.metrics.SetQueueDepth(g.domain, 0)
	s.metrics.SetBusyWorkers(g.domain, 0)

	payload := map[string]interface{}{
		"run_id":          result.ID,
		"domain":          g.domain,
		"direction":       d,
		"completed":       result.Completed,
		"total":           result.Total,
		"edges_traversed": result.EdgesTraversed,
		"duration_ms":     result.Duration.Milliseconds(),
	}

	if result.State == RunStateCompleted {
		logger.Info().Int("completed", result.Completed).Dur("duration", result.Duration).Msg("Pass completed")
		s.publish(ctx, EventClassEngine, EventTypePassCompleted, payload)
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	err := &RunAbortedError{
		Domain:    g.domain,
		Direction: d,
		Aborted:   result.Aborted,
		Cause:     cause,
	}
	payload["aborted"] = len(result.Aborted)
	logger.Error().Int("completed", result.Completed).Int("aborted", len(result.Aborted)).
		Dur("duration", result.Duration).Msg("Pass aborted")
	s.publish(ctx, EventClassEngine, EventTypePassAborted, payload)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return result, err
}

func (s *Scheduler) worker(ctx context.Context, id int, wg *sync.WaitGroup, logger zerolog.Logger) {
	defer wg.Done()

	contexts := newWorkerContexts(id, logger)
	defer contexts.close()

	for {
		node := s.dequeue()
		if node == nil {
			return
		}
		s.process(ctx, id, contexts, node, logger)
	}
}

// dequeue blocks until a node is ready or the pass is over.
// It returns nil once the pass has completed or been aborted.
func (s *Scheduler) dequeue() *Node {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()

	for len(s.queue) == 0 && s.remaining > 0 && !s.abortFlag {
		s.cond.Wait()
	}
	if s.remaining == 0 || s.abortFlag {
		return nil
	}

	node := s.queue[0]
	s.queue = s.queue[1:]
	s.busy++
	if s.direction == DirectionReverse {
		node.setStatusLocked(NodeStatusReversing)
	} else {
		node.setStatusLocked(NodeStatusPerforming)
	}
	s.metrics.SetQueueDepth(s.graph.domain, len(s.queue))
	s.metrics.SetBusyWorkers(s.graph.domain, s.busy)
	return node
}

// process runs one node through its retry loop.
func (s *Scheduler) process(ctx context.Context, worker int, contexts *workerContexts, node *Node, logger zerolog.Logger) {
	d := s.direction
	nlog := logger.With().Str("node_id", node.id).Str("node", node.name).Str("kind", string(node.kind)).
		Int("worker", worker).Logger()

	if !s.noDelay {
		delay := time.Duration(rand.Int63n(int64(s.jitter)))
		if err := s.sleep(ctx, delay); err != nil {
			s.fail(ctx, node, s.actionError(node, d, 0, err, ""), nlog)
			return
		}
	}

	ctx, span := s.tracer.Start(ctx, "engine.node", trace.WithAttributes(
		attribute.String("orchestra.node_id", node.id),
		attribute.String("orchestra.kind", string(node.kind)),
		attribute.String("orchestra.direction", string(d)),
	))
	defer span.End()

	s.publish(ctx, EventClassTask, EventTypeTaskStarted, node.eventPayload(d, 0, nil))

	var lastErr *NodeActionError
	count := node.retry.Count()
	for attempt := 1; attempt <= count; attempt++ {
		s.graph.mu.Lock()
		node.attempts = attempt
		s.graph.mu.Unlock()

		start := time.Now()
		err := s.attempt(ctx, contexts, node, d)
		s.metrics.RecordNodeAttempt(s.graph.domain, d, node.kind, err == nil, time.Since(start))

		if err == nil {
			s.complete(ctx, node, nlog)
			span.SetStatus(codes.Ok, "")
			return
		}

		lastErr = s.toActionError(node, d, attempt, err)
		nlog.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", count).Msg("Node attempt failed")

		if attempt == count {
			break
		}

		backoff := node.retry.Backoff(attempt)
		s.graph.mu.Lock()
		node.setStatusLocked(NodeStatusFailRetry)
		node.lastErr = lastErr
		s.graph.mu.Unlock()
		s.publish(ctx, EventClassTask, EventTypeTaskRetry, node.eventPayload(d, attempt, err))

		if serr := s.sleep(ctx, backoff); serr != nil {
			lastErr = s.actionError(node, d, attempt, serr, "")
			break
		}

		s.graph.mu.Lock()
		if d == DirectionReverse {
			node.setStatusLocked(NodeStatusReversing)
		} else {
			node.setStatusLocked(NodeStatusPerforming)
		}
		s.graph.mu.Unlock()
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	s.fail(ctx, node, lastErr, nlog)
}

// attempt runs the handler once, converting panics into errors.
func (s *Scheduler) attempt(ctx context.Context, contexts *workerContexts, node *Node, d Direction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NodeActionError{
				NodeID:    node.id,
				NodeName:  node.name,
				Direction: d,
				Err: NewPermanentError(fmt.Sprintf("handler panicked: %v", r), nil).
					WithCode(ErrCodePanic).WithResource(node.id),
				Stack: string(debug.Stack()),
			}
		}
	}()

	rc, err := contexts.get(ctx, node.provider)
	if err != nil {
		return err
	}
	if d == DirectionReverse {
		return node.handler.Reverse(ctx, rc)
	}
	return node.handler.Perform(ctx, rc)
}

func (s *Scheduler) toActionError(node *Node, d Direction, attempt int, err error) *NodeActionError {
	var nae *NodeActionError
	if errors.As(err, &nae) {
		nae.Attempt = attempt
		return nae
	}
	return s.actionError(node, d, attempt, err, "")
}

func (s *Scheduler) actionError(node *Node, d Direction, attempt int, err error, stack string) *NodeActionError {
	return &NodeActionError{
		NodeID:    node.id,
		NodeName:  node.name,
		Direction: d,
		Attempt:   attempt,
		Err:       err,
		Stack:     stack,
	}
}

// complete records a successful node and releases its ready successors.
func (s *Scheduler) complete(ctx context.Context, node *Node, logger zerolog.Logger) {
	s.graph.mu.Lock()

	d := s.direction
	status := NodeStatusSuccess
	if d == DirectionReverse {
		status = NodeStatusReversed
		node.performed = false
	} else {
		node.performed = true
	}
	node.setStatusLocked(status)
	node.lastErr = nil
	s.busy--
	s.remaining--
	s.order = append(s.order, node.id)

	// After an abort a late success is recorded but releases nothing.
	if s.remaining == 0 {
		s.cond.Broadcast()
	} else if !s.abortFlag {
		released := 0
		for _, next := range s.nextLocked(node.id) {
			req, active := s.required[next]
			if !active {
				continue
			}
			s.satisfied[next]++
			s.edgesTraversed++
			if s.satisfied[next] == req {
				s.queue = append(s.queue, s.graph.index[next])
				released++
			}
		}
		if released > 0 {
			s.cond.Broadcast()
		}
	}
	s.metrics.SetQueueDepth(s.graph.domain, len(s.queue))
	s.metrics.SetBusyWorkers(s.graph.domain, s.busy)
	s.graph.mu.Unlock()

	s.metrics.RecordNodeOutcome(s.graph.domain, d, status)
	logger.Info().Str("status", string(status)).Msg("Node completed")
	s.publish(ctx, EventClassTask, EventTypeTaskSucceeded, node.eventPayload(d, node.Attempts(), nil))
}

// fail records an aborted task and flags the pass as aborted.
func (s *Scheduler) fail(ctx context.Context, node *Node, nae *NodeActionError, logger zerolog.Logger) {
	if nae.Stack == "" {
		nae.Stack = string(debug.Stack())
	}

	s.graph.mu.Lock()
	node.setStatusLocked(NodeStatusFailFinal)
	node.lastErr = nae
	s.busy--
	s.abortedTasks = append(s.abortedTasks, AbortedTask{
		Node:      node,
		ErrorKind: ClassOf(nae.Err),
		Err:       nae,
		Stack:     nae.Stack,
	})
	s.abortFlag = true
	s.cond.Broadcast()
	s.metrics.SetBusyWorkers(s.graph.domain, s.busy)
	d := s.direction
	s.graph.mu.Unlock()

	s.metrics.RecordNodeOutcome(s.graph.domain, d, NodeStatusFailFinal)
	logger.Error().Err(nae.Err).Int("attempts", nae.Attempt).Msg("Node exhausted its retries")
	s.publish(ctx, EventClassTask, EventTypeTaskFailed, node.eventPayload(d, nae.Attempt, nae.Err))
}

func (s *Scheduler) publish(ctx context.Context, class EventClass, typ EventType, payload map[string]interface{}) {
	publishEvent(ctx, s.events, s.logger, class, typ, payload)
}

// publishEvent stamps and publishes an event; failures are logged and dropped.
func publishEvent(ctx context.Context, pub EventPublisher, logger zerolog.Logger, class EventClass, typ EventType, payload map[string]interface{}) {
	if pub == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Version:   EventSchemaVersion,
		Class:     class,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := pub.Publish(ctx, event); err != nil {
		logger.Debug().Err(err).Str("event_type", string(typ)).Msg("Failed to publish event")
	}
}

func (n *Node) eventPayload(d Direction, attempt int, err error) map[string]interface{} {
	p := map[string]interface{}{
		"node_id":   n.id,
		"name":      n.name,
		"kind":      n.kind,
		"domain":    n.domain,
		"direction": d,
	}
	if attempt > 0 {
		p["attempt"] = attempt
	}
	if err != nil {
		p["error"] = err.Error()
		p["error_kind"] = ClassOf(err)
	}
	return p
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
