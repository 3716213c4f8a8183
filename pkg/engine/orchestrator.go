package engine

import (
	"context"
	"errors"
	"fmt"
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
	// DefaultPause is the wait between provisioning and configuration.
	DefaultPause = 60 * time.Second

	// DefaultPauseStep is the logging granularity of the pause.
	DefaultPauseStep = 5 * time.Second
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Deployment names the model; snapshots are stored under it.
	Deployment string

	Workers   int
	NoDelay   bool
	MaxJitter time.Duration

	// Pause is the wait between a successful provisioning phase and the
	// configuration phase. Zero disables it.
	Pause     time.Duration
	PauseStep time.Duration

	// Retry is the default retry policy for items without an override.
	Retry RetryPolicy

	// ReverseAll makes Deprovision reverse every provisioning node, whether
	// or not it is known to have been performed.
	ReverseAll bool

	Logger  zerolog.Logger
	Events  EventPublisher
	Metrics MetricsRecorder
	Tracer  trace.Tracer

	// Sinks receive a snapshot after every phase.
	Sinks []SnapshotSink

	// Source restores node statuses before Deprovision when the
	// provisioning graph has no performed node in this process.
	Source SnapshotSource
}

// DefaultOrchestratorOptions returns options with the documented defaults.
func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		Deployment: "default",
		Workers:    DefaultWorkers,
		MaxJitter:  DefaultMaxJitter,
		Pause:      DefaultPause,
		PauseStep:  DefaultPauseStep,
		Retry:      DefaultRetryPolicy(),
		Logger:     zerolog.Nop(),
	}
}

// Orchestrator sequences the provisioning, configuration and execution
// phases over one model, and tears the provisioned resources down again.
type Orchestrator struct {
	id       string
	registry *Registry
	model    Model
	opts     OrchestratorOptions
	logger   zerolog.Logger
	tracer   trace.Tracer

	builders map[Domain]*GraphBuilder

	// runMu serializes Run and Deprovision.
	runMu sync.Mutex

	mu      sync.Mutex
	status  OrchestrationStatus
	current *Scheduler
	aborted []AbortedTask
	stopCh  chan struct{}
	stopped bool
}

// NewOrchestrator creates an orchestrator for model using the handlers in registry.
func NewOrchestrator(registry *Registry, model Model, opts OrchestratorOptions) *Orchestrator {
	if opts.Deployment == "" {
		opts.Deployment = "default"
	}
	if opts.PauseStep <= 0 {
		opts.PauseStep = DefaultPauseStep
	}
	if opts.Retry.Count() == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	o := &Orchestrator{
		id:       uuid.New().String(),
		registry: registry,
		model:    model,
		opts:     opts,
		logger: opts.Logger.With().Str("component", "orchestrator").
			Str("deployment", opts.Deployment).Logger(),
		tracer:   opts.Tracer,
		builders: make(map[Domain]*GraphBuilder, 3),
		status:   StatusNotStarted,
		stopCh:   make(chan struct{}),
	}
	for _, d := range AllDomains() {
		o.builders[d] = NewGraphBuilder(registry, d, opts.Retry)
	}
	return o
}

// ID returns the orchestration ID.
func (o *Orchestrator) ID() string {
	return o.id
}

// Status returns the current status code.
func (o *Orchestrator) Status() OrchestrationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// AbortedTasks returns the aborted tasks collected since the last Run or Deprovision began.
func (o *Orchestrator) AbortedTasks() []AbortedTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AbortedTask(nil), o.aborted...)
}

// Graph builds (or returns the already built) graph of domain.
func (o *Orchestrator) Graph(domain Domain) (*Graph, error) {
	b, ok := o.builders[domain]
	if !ok {
		return nil, fmt.Errorf("invalid domain: %s", domain)
	}
	return b.Build(o.model)
}

// Build constructs every domain graph. It fails before any execution if a
// graph cannot be built.
func (o *Orchestrator) Build() error {
	for _, d := range AllDomains() {
		g, err := o.Graph(d)
		if err != nil {
			return err
		}
		o.logger.Debug().Str("domain", string(d)).Int("nodes", g.Len()).
			Int("edges", len(g.Edges())).Msg("Graph built")
	}
	return nil
}

// Stop aborts the running phase, interrupts the pause and prevents further
// phases from starting. In-flight nodes finish their retry loop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	close(o.stopCh)
	if o.current != nil {
		o.current.Abort()
	}
	o.logger.Warn().Msg("Stop requested")
}

// Run performs provisioning, pauses, then performs configuration and execution.
// A phase abort stops the sequence and returns its RunAbortedError.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := o.begin(); err != nil {
		return err
	}
	if err := o.Build(); err != nil {
		o.logger.Error().Err(err).Msg("Failed to build graphs")
		return err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("orchestra.orchestration_id", o.id),
		attribute.String("orchestra.deployment", o.opts.Deployment),
	))
	defer span.End()

	o.logger.Info().Str("orchestration_id", o.id).Msg("Orchestration started")

	for _, d := range AllDomains() {
		if d == DomainConfiguration {
			if err := o.pauseAfterProvision(ctx); err != nil {
				_, abortStatus := phaseStatuses(d)
				o.setStatus(ctx, abortStatus)
				o.logger.Error().Err(err).Msg("Orchestration aborted")
				span.SetStatus(codes.Error, err.Error())
				return &RunAbortedError{Domain: d, Direction: DirectionForward, Cause: err}
			}
		}

		if err := o.runPhase(ctx, d, DirectionForward); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	o.setStatus(ctx, StatusComplete)
	o.logger.Info().Msg("Orchestration complete")
	span.SetStatus(codes.Ok, "")
	return nil
}

// RunPhase performs a single domain forward, without the pause.
func (o *Orchestrator) RunPhase(ctx context.Context, domain Domain) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := o.begin(); err != nil {
		return err
	}
	if _, err := o.Graph(domain); err != nil {
		return err
	}
	if err := o.runPhase(ctx, domain, DirectionForward); err != nil {
		return err
	}
	if domain == DomainExecution {
		o.setStatus(ctx, StatusComplete)
	}
	return nil
}

// Deprovision reverses the provisioning graph.
func (o *Orchestrator) Deprovision(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := o.begin(); err != nil {
		return err
	}

	g, err := o.Graph(DomainProvisioning)
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to build provisioning graph")
		return err
	}

	if o.opts.ReverseAll {
		g.MarkAllPerformed()
	} else if !anyPerformed(g) && o.opts.Source != nil {
		snap, err := o.opts.Source.LoadSnapshot(ctx, o.opts.Deployment, DomainProvisioning)
		if err != nil {
			return fmt.Errorf("failed to load provisioning snapshot: %w", err)
		}
		if snap != nil {
			n, err := g.Restore(snap.Nodes)
			if err != nil {
				return fmt.Errorf("failed to restore provisioning snapshot: %w", err)
			}
			o.logger.Info().Int("nodes", n).Time("taken_at", snap.TakenAt).Msg("Restored node statuses from snapshot")
		}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.deprovision", trace.WithAttributes(
		attribute.String("orchestra.orchestration_id", o.id),
		attribute.String("orchestra.deployment", o.opts.Deployment),
	))
	defer span.End()

	if err := o.runPhase(ctx, DomainProvisioning, DirectionReverse); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// begin resets per-run state.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return &RunAbortedError{Cause: ErrAbortRequested}
	}
	if o.current != nil {
		return errors.New("orchestration already running")
	}
	o.aborted = nil
	return nil
}

// runPhase runs one scheduler pass and maps its outcome onto the façade status.
func (o *Orchestrator) runPhase(ctx context.Context, d Domain, dir Direction) error {
	performing, abortStatus := phaseStatuses(d)
	done := performing
	phase := string(d)
	if dir == DirectionReverse {
		performing, abortStatus, done = StatusPerformingDeprov, StatusAbortDeprov, StatusDeprovComplete
		phase = "deprovisioning"
	}

	g := o.builders[d].Graph()
	sched := NewScheduler(g, SchedulerOptions{
		Workers:   o.opts.Workers,
		NoDelay:   o.opts.NoDelay,
		MaxJitter: o.opts.MaxJitter,
		Logger:    o.opts.Logger,
		Events:    o.opts.Events,
		Metrics:   o.opts.Metrics,
		Tracer:    o.tracer,
	})

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.setStatus(ctx, abortStatus)
		o.logger.Error().Msg("Orchestration aborted")
		return &RunAbortedError{Domain: d, Direction: dir, Cause: ErrAbortRequested}
	}
	o.current = sched
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}()

	o.setStatus(ctx, performing)
	ctx, span := o.tracer.Start(ctx, "orchestrator.phase", trace.WithAttributes(
		attribute.String("orchestra.phase", phase),
	))
	defer span.End()

	start := time.Now()
	var (
		result *RunResult
		err    error
	)
	if dir == DirectionReverse {
		result, err = sched.PerformReverses(ctx)
	} else {
		result, err = sched.PerformTasks(ctx)
	}

	status := done
	if err != nil {
		status = abortStatus
	}

	o.saveSnapshot(ctx, g, status, result)
	o.opts.Metrics.RecordPhase(phase, status, time.Since(start))

	if err != nil {
		var aborted []AbortedTask
		if result != nil {
			aborted = result.Aborted
		}
		o.mu.Lock()
		o.aborted = append(o.aborted, aborted...)
		o.mu.Unlock()

		o.logAborted(ctx, aborted)
		o.setStatus(ctx, abortStatus)
		o.logger.Error().Str("phase", phase).Msg("Orchestration aborted")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.setStatus(ctx, status)
	o.logger.Info().Str("phase", phase).Int("completed", result.Completed).
		Dur("duration", result.Duration).Msg("Phase complete")
	span.SetStatus(codes.Ok, "")
	return nil
}

// pauseAfterProvision waits so newly provisioned hosts become reachable.
// The pause is skipped when provisioning performed nothing in this run.
func (o *Orchestrator) pauseAfterProvision(ctx context.Context) error {
	if o.opts.Pause <= 0 {
		return nil
	}
	g := o.builders[DomainProvisioning].Graph()
	if g.Len() == 0 {
		return nil
	}

	o.logger.Info().Dur("pause", o.opts.Pause).Msg("Waiting for provisioned hosts to become reachable")

	remaining := o.opts.Pause
	for remaining > 0 {
		step := o.opts.PauseStep
		if step > remaining {
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-timer.C:
		case <-o.stopCh:
			timer.Stop()
			return ErrAbortRequested
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		remaining -= step
		o.logger.Info().Dur("remaining", remaining).Msg("Pausing before configuration")
		publishEvent(ctx, o.opts.Events, o.logger, EventClassOrchestration, EventTypePauseTick,
			map[string]interface{}{
				"orchestration_id": o.id,
				"remaining_ms":     remaining.Milliseconds(),
			})
	}
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, status OrchestrationStatus) {
	o.mu.Lock()
	prev := o.status
	o.status = status
	o.mu.Unlock()

	if prev == status {
		return
	}
	o.opts.Metrics.SetOrchestrationStatus(status)
	o.logger.Info().Str("from", string(prev)).Str("to", string(status)).Msg("Status changed")
	publishEvent(ctx, o.opts.Events, o.logger, EventClassOrchestration, EventTypeStatusChanged,
		map[string]interface{}{
			"orchestration_id": o.id,
			"deployment":       o.opts.Deployment,
			"from":             prev,
			"to":               status,
			"code":             status.Code(),
		})
}

// logAborted logs every aborted node with its root cause and stack.
func (o *Orchestrator) logAborted(ctx context.Context, aborted []AbortedTask) {
	for _, at := range aborted {
		n := at.Node
		o.logger.Error().
			Str("kind", string(n.Kind())).
			Str("name", n.Name()).
			Str("node_id", n.ID()).
			Str("error_kind", at.ErrorKind).
			Err(rootCause(at.Err)).
			Str("stack", at.Stack).
			Msg("Aborted task")
		publishEvent(ctx, o.opts.Events, o.logger, EventClassOrchestration, EventTypeAbortedTaskLog,
			map[string]interface{}{
				"orchestration_id": o.id,
				"node_id":          n.ID(),
				"name":             n.Name(),
				"kind":             n.Kind(),
				"error_kind":       at.ErrorKind,
				"error":            rootCause(at.Err).Error(),
			})
	}
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, g *Graph, status OrchestrationStatus, result *RunResult) {
	if len(o.opts.Sinks) == 0 {
		return
	}

	snap := &Snapshot{
		Deployment:      o.opts.Deployment,
		OrchestrationID: o.id,
		Domain:          g.Domain(),
		Status:          status,
		Nodes:           g.Snapshot(),
		TakenAt:         time.Now(),
	}
	if result != nil {
		for _, at := range result.Aborted {
			snap.Aborted = append(snap.Aborted, AbortedTaskSnapshot{
				NodeID:    at.Node.ID(),
				NodeName:  at.Node.Name(),
				Kind:      at.Node.Kind(),
				ErrorKind: at.ErrorKind,
				Message:   rootCause(at.Err).Error(),
				Stack:     at.Stack,
			})
		}
	}

	for _, sink := range o.opts.Sinks {
		if err := sink.SaveSnapshot(ctx, snap); err != nil {
			o.logger.Warn().Err(err).Str("domain", string(g.Domain())).Msg("Failed to save snapshot")
			continue
		}
	}
	publishEvent(ctx, o.opts.Events, o.logger, EventClassOrchestration, EventTypeSnapshotSaved,
		map[string]interface{}{
			"orchestration_id": o.id,
			"domain":           g.Domain(),
			"nodes":            len(snap.Nodes),
		})
}

func anyPerformed(g *Graph) bool {
	for _, n := range g.Nodes() {
		if n.Performed() {
			return true
		}
	}
	return false
}

// rootCause unwraps NodeActionError to the handler's error.
func rootCause(err error) error {
	var nae *NodeActionError
	if errors.As(err, &nae) && nae.Err != nil {
		return nae.Err
	}
	return err
}
