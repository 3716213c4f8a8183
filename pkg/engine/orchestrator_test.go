package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

// threePhaseModel has two provisioning items, one configuration step and one execution step.
func threePhaseModel() testModel {
	return testModel{
		DomainProvisioning: []Item{item("net"), item("web", "net")},
		DomainConfiguration: []Item{
			&testItem{id: "install", kind: KindScript},
		},
		DomainExecution: []Item{
			&testItem{id: "start", kind: KindCommand},
		},
	}
}

func testOptions() OrchestratorOptions {
	opts := DefaultOrchestratorOptions()
	opts.Deployment = "test"
	opts.NoDelay = true
	opts.Pause = 0
	opts.Retry, _ = NewRetryPolicy(1, 0)
	return opts
}

func TestOrchestrator_Run_Complete(t *testing.T) {
	r := newRecorder()
	pub := &mockEventPublisher{}
	opts := testOptions()
	opts.Events = pub

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	if o.Status() != StatusNotStarted {
		t.Fatalf("Expected NOT_STARTED, got %s", o.Status())
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if o.Status() != StatusComplete {
		t.Errorf("Expected COMPLETE, got %s", o.Status())
	}

	order := r.performOrder()
	if len(order) != 4 {
		t.Fatalf("Expected 4 performed items, got %v", order)
	}
	if indexOf(order, "web") > indexOf(order, "install") || indexOf(order, "install") > indexOf(order, "start") {
		t.Errorf("Expected phases to run in sequence, got %v", order)
	}

	var seen []OrchestrationStatus
	for _, e := range pub.ofType(EventTypeStatusChanged) {
		seen = append(seen, e.Payload["to"].(OrchestrationStatus))
	}
	want := []OrchestrationStatus{StatusPerformingProvision, StatusPerformingConfig, StatusPerformingExec, StatusComplete}
	if len(seen) != len(want) {
		t.Fatalf("Expected status sequence %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Status %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestOrchestrator_Run_ProvisionFailure(t *testing.T) {
	r := newRecorder()
	r.failPerform["web"] = true

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())
	err := o.Run(context.Background())
	if !IsRunAborted(err) {
		t.Fatalf("Expected RunAbortedError, got: %v", err)
	}
	if o.Status() != StatusAbortProvision {
		t.Errorf("Expected ABORT_PROVISION, got %s", o.Status())
	}
	if !o.Status().IsAborted() {
		t.Error("Expected aborted status")
	}
	if r.callCount("install") != 0 || r.callCount("start") != 0 {
		t.Error("Expected later phases never to run")
	}

	aborted := o.AbortedTasks()
	if len(aborted) != 1 || aborted[0].Node.ID() != "web" {
		t.Errorf("Expected web as aborted task, got %v", aborted)
	}
}

func TestOrchestrator_Run_BuildErrorBeforeExecution(t *testing.T) {
	r := newRecorder()
	model := threePhaseModel()
	model[DomainExecution] = []Item{&testItem{id: "start", kind: KindCommand, deps: []string{"missing"}}}

	o := NewOrchestrator(newTestRegistry(r), model, testOptions())
	err := o.Run(context.Background())
	if !errors.Is(err, ErrUnknownDependencyTarget) {
		t.Fatalf("Expected UnknownDependencyTarget, got: %v", err)
	}
	if o.Status() != StatusNotStarted {
		t.Errorf("Expected NOT_STARTED, got %s", o.Status())
	}
	if len(r.performOrder()) != 0 {
		t.Error("Expected nothing to run when a graph cannot be built")
	}
}

func TestOrchestrator_Run_MissingTaskMapping(t *testing.T) {
	reg := NewDefaultRegistry()
	r := newRecorder()
	_ = reg.Register(DomainProvisioning, KindResource, r.factory, nil)

	o := NewOrchestrator(reg, threePhaseModel(), testOptions())
	err := o.Run(context.Background())
	if !errors.Is(err, ErrMissingTaskMapping) {
		t.Fatalf("Expected MissingTaskMapping, got: %v", err)
	}
	if o.Status() != StatusNotStarted {
		t.Errorf("Expected NOT_STARTED, got %s", o.Status())
	}
}

func TestOrchestrator_Deprovision(t *testing.T) {
	r := newRecorder()
	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := o.Deprovision(context.Background()); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	if o.Status() != StatusDeprovComplete {
		t.Errorf("Expected DEPROV_COMPLETE, got %s", o.Status())
	}

	order := r.reverseOrder()
	if len(order) != 2 || order[0] != "web" || order[1] != "net" {
		t.Errorf("Expected provisioning reversed as [web net], got %v", order)
	}
}

func TestOrchestrator_Deprovision_Failure(t *testing.T) {
	r := newRecorder()
	r.failReverse["web"] = true
	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	err := o.Deprovision(context.Background())
	if !IsRunAborted(err) {
		t.Fatalf("Expected RunAbortedError, got: %v", err)
	}
	if o.Status() != StatusAbortDeprov {
		t.Errorf("Expected ABORT_DEPROV, got %s", o.Status())
	}
	if len(r.reverseOrder()) != 0 {
		t.Error("Expected net not to be reversed while web still exists")
	}
}

func TestOrchestrator_Deprovision_FromSnapshot(t *testing.T) {
	store := newMemSnapshots()
	r := newRecorder()

	opts := testOptions()
	opts.Sinks = []SnapshotSink{store}
	first := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	snap, _ := store.LoadSnapshot(context.Background(), "test", DomainProvisioning)
	if snap == nil || snap.OrchestrationID != first.ID() || len(snap.Nodes) != 2 {
		t.Fatalf("Expected provisioning snapshot from first run, got %+v", snap)
	}

	opts = testOptions()
	opts.Source = store
	second := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	if err := second.Deprovision(context.Background()); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	if len(r.reverseOrder()) != 2 {
		t.Errorf("Expected both restored nodes reversed, got %v", r.reverseOrder())
	}
}

func TestOrchestrator_Deprovision_NothingPerformed(t *testing.T) {
	r := newRecorder()
	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())

	if err := o.Deprovision(context.Background()); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	if len(r.reverseOrder()) != 0 {
		t.Errorf("Expected nothing reversed, got %v", r.reverseOrder())
	}
	if o.Status() != StatusDeprovComplete {
		t.Errorf("Expected DEPROV_COMPLETE, got %s", o.Status())
	}
}

func TestOrchestrator_Deprovision_ReverseAll(t *testing.T) {
	r := newRecorder()
	opts := testOptions()
	opts.ReverseAll = true
	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)

	if err := o.Deprovision(context.Background()); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	if len(r.reverseOrder()) != 2 {
		t.Errorf("Expected every provisioning node reversed, got %v", r.reverseOrder())
	}
}

func TestOrchestrator_StopDuringProvisioning(t *testing.T) {
	r := newRecorder()
	model := threePhaseModel()
	model[DomainProvisioning] = []Item{item("web")}

	o := NewOrchestrator(newTestRegistry(r), model, testOptions())
	r.onPerform = func(id string) {
		if id == "web" {
			o.Stop()
		}
	}

	err := o.Run(context.Background())
	if !errors.Is(err, ErrAbortRequested) {
		t.Fatalf("Expected ErrAbortRequested, got: %v", err)
	}
	if o.Status() != StatusAbortConfig {
		t.Errorf("Expected ABORT_CONFIG after in-flight provisioning drained, got %s", o.Status())
	}
	if r.callCount("install") != 0 {
		t.Error("Expected configuration never to run after stop")
	}

	if err := o.Run(context.Background()); !IsRunAborted(err) {
		t.Errorf("Expected a stopped orchestrator to refuse new runs, got: %v", err)
	}
}

// stopOnStatus stops o as soon as the status changes to status.
func stopOnStatus(pub *mockEventPublisher, o *Orchestrator, status OrchestrationStatus) {
	pub.onEvent = func(e *Event) {
		if e.Type == EventTypeStatusChanged && e.Payload["to"] == status {
			o.Stop()
		}
	}
}

func TestOrchestrator_StopBeforePassStarts(t *testing.T) {
	r := newRecorder()
	pub := &mockEventPublisher{}
	opts := testOptions()
	opts.Events = pub

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	stopOnStatus(pub, o, StatusPerformingProvision)

	err := o.Run(context.Background())
	if !errors.Is(err, ErrAbortRequested) {
		t.Fatalf("Expected ErrAbortRequested, got: %v", err)
	}
	if !IsRunAborted(err) {
		t.Errorf("Expected a RunAbortedError, got %T", err)
	}
	if order := r.performOrder(); len(order) != 0 {
		t.Errorf("Expected no node to run after stop, got %v", order)
	}
	if o.Status() != StatusAbortProvision {
		t.Errorf("Expected ABORT_PROVISION, got %s", o.Status())
	}
}

func TestOrchestrator_StopBeforeExecutionPass(t *testing.T) {
	r := newRecorder()
	pub := &mockEventPublisher{}
	opts := testOptions()
	opts.Events = pub

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	stopOnStatus(pub, o, StatusPerformingExec)

	err := o.RunPhase(context.Background(), DomainExecution)
	if !errors.Is(err, ErrAbortRequested) {
		t.Fatalf("Expected ErrAbortRequested, got: %v", err)
	}
	if r.callCount("start") != 0 {
		t.Error("Expected the execution step never to run after stop")
	}
	if o.Status() == StatusComplete {
		t.Error("Expected a stopped execution phase not to report COMPLETE")
	}
	if o.Status() != StatusAbortExec {
		t.Errorf("Expected ABORT_EXEC, got %s", o.Status())
	}
	for _, e := range pub.ofType(EventTypeStatusChanged) {
		if e.Payload["to"] == StatusComplete {
			t.Error("Expected no COMPLETE status event")
		}
	}
}

func TestOrchestrator_PauseTicks(t *testing.T) {
	r := newRecorder()
	pub := &mockEventPublisher{}
	opts := testOptions()
	opts.Pause = 20 * time.Millisecond
	opts.PauseStep = 10 * time.Millisecond
	opts.Events = pub

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ticks := pub.ofType(EventTypePauseTick)
	if len(ticks) != 2 {
		t.Fatalf("Expected 2 pause ticks, got %d", len(ticks))
	}
	if ticks[1].Payload["remaining_ms"].(int64) != 0 {
		t.Errorf("Expected final tick with 0 remaining, got %v", ticks[1].Payload["remaining_ms"])
	}
}

func TestOrchestrator_StopDuringPause(t *testing.T) {
	r := newRecorder()
	pub := &mockEventPublisher{}
	opts := testOptions()
	opts.Pause = time.Hour
	opts.PauseStep = 10 * time.Millisecond
	opts.Events = pub

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), opts)
	pub.onEvent = func(e *Event) {
		if e.Type == EventTypePauseTick {
			o.Stop()
		}
	}

	err := o.Run(context.Background())
	if !errors.Is(err, ErrAbortRequested) {
		t.Fatalf("Expected ErrAbortRequested, got: %v", err)
	}
	if o.Status() != StatusAbortConfig {
		t.Errorf("Expected ABORT_CONFIG, got %s", o.Status())
	}
}

func TestOrchestrator_RunPhase(t *testing.T) {
	r := newRecorder()
	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())

	if err := o.RunPhase(context.Background(), DomainExecution); err != nil {
		t.Fatalf("RunPhase failed: %v", err)
	}
	if r.callCount("start") != 1 || r.callCount("web") != 0 {
		t.Error("Expected only the execution phase to run")
	}
	if o.Status() != StatusComplete {
		t.Errorf("Expected COMPLETE after execution phase, got %s", o.Status())
	}
}

func TestOrchestrator_ContextCancel(t *testing.T) {
	r := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(newTestRegistry(r), threePhaseModel(), testOptions())
	err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if o.Status() != StatusAbortProvision {
		t.Errorf("Expected ABORT_PROVISION, got %s", o.Status())
	}
}
