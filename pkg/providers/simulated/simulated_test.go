package simulated

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
)

func testModel() *config.Model {
	return &config.Model{
		Name: "dry",
		Resources: []config.Resource{
			{ID: "net", Kind: engine.KindNetwork},
			{ID: "vm", Kind: engine.KindServer, Depends: []string{"net"}},
			{ID: "bucket", Kind: engine.KindBucket},
		},
		Configurations: []config.Step{
			{ID: "install", Kind: engine.KindScript, Host: "app", Script: "true"},
		},
		Executions: []config.Step{
			{ID: "migrate", Kind: engine.KindCommand, Host: "app", Command: "true"},
		},
	}
}

func testOptions(t *testing.T, count int) engine.OrchestratorOptions {
	t.Helper()
	opts := engine.DefaultOrchestratorOptions()
	opts.NoDelay = true
	opts.Pause = 0
	retry, err := engine.NewRetryPolicy(count, 0)
	if err != nil {
		t.Fatalf("NewRetryPolicy failed: %v", err)
	}
	opts.Retry = retry
	return opts
}

func TestRegister_ResolvesEveryKind(t *testing.T) {
	reg := engine.NewDefaultRegistry()
	if _, err := Register(reg, Options{Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	cases := map[engine.Domain][]engine.Kind{
		engine.DomainProvisioning:  {engine.KindServer, engine.KindSecurityGroup, engine.KindBucket, engine.KindSecret},
		engine.DomainConfiguration: {engine.KindScript, engine.KindCheck},
		engine.DomainExecution:     {engine.KindCommand},
	}
	for domain, kinds := range cases {
		for _, kind := range kinds {
			if _, err := reg.Lookup(domain, kind); err != nil {
				t.Errorf("Lookup(%s, %s) failed: %v", domain, kind, err)
			}
		}
	}
}

func TestDryRun_Complete(t *testing.T) {
	reg := engine.NewDefaultRegistry()
	journal, err := Register(reg, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	o := engine.NewOrchestrator(reg, testModel(), testOptions(t, 1))
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if o.Status() != engine.StatusComplete {
		t.Errorf("Expected COMPLETE, got %s", o.Status())
	}

	done := journal.Succeeded(engine.DirectionForward)
	if len(done) != 5 {
		t.Fatalf("Expected 5 actions, got %v", done)
	}
	if indexOf(done, "net") > indexOf(done, "vm") {
		t.Errorf("Expected net before vm, got %v", done)
	}
	if indexOf(done, "install") < indexOf(done, "vm") || indexOf(done, "migrate") < indexOf(done, "install") {
		t.Errorf("Expected phases in order, got %v", done)
	}
	for _, e := range journal.Entries() {
		if e.Session == 0 {
			t.Errorf("Expected a worker session for %s", e.ItemID)
		}
	}

	if err := o.Deprovision(context.Background()); err != nil {
		t.Fatalf("Deprovision failed: %v", err)
	}
	reversed := journal.Succeeded(engine.DirectionReverse)
	if len(reversed) != 3 {
		t.Fatalf("Expected 3 reversed resources, got %v", reversed)
	}
	if indexOf(reversed, "vm") > indexOf(reversed, "net") {
		t.Errorf("Expected vm reversed before net, got %v", reversed)
	}
}

func TestDryRun_Failures(t *testing.T) {
	reg := engine.NewDefaultRegistry()
	journal, err := Register(reg, Options{
		Logger:   zerolog.Nop(),
		Failures: map[string]int{"net": 2},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	o := engine.NewOrchestrator(reg, testModel(), testOptions(t, 3))
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Expected net to succeed on its third attempt, got: %v", err)
	}

	failed := 0
	for _, e := range journal.Entries() {
		if e.ItemID == "net" && e.Err != nil {
			failed++
			if !engine.IsTransient(e.Err) {
				t.Errorf("Expected a transient error, got %v", e.Err)
			}
		}
	}
	if failed != 2 {
		t.Errorf("Expected 2 failed attempts, got %d", failed)
	}
}

func TestDryRun_FailAlways(t *testing.T) {
	reg := engine.NewDefaultRegistry()
	journal, err := Register(reg, Options{
		Logger:   zerolog.Nop(),
		Failures: map[string]int{"vm": FailAlways},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	o := engine.NewOrchestrator(reg, testModel(), testOptions(t, 2))
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("Expected Run to fail")
	}
	if o.Status() != engine.StatusAbortProvision {
		t.Errorf("Expected ABORT_PROVISION, got %s", o.Status())
	}
	if indexOf(journal.Succeeded(engine.DirectionForward), "install") >= 0 {
		t.Error("Expected configuration not to run")
	}

	aborted := o.AbortedTasks()
	if len(aborted) != 1 || aborted[0].Node.ID() != "vm" {
		t.Errorf("Expected one aborted task for vm, got %+v", aborted)
	}
}

func TestHandler_Cancelled(t *testing.T) {
	reg := engine.NewDefaultRegistry()
	if _, err := Register(reg, Options{Logger: zerolog.Nop(), Delay: time.Second}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r, err := reg.Lookup(engine.DomainProvisioning, engine.KindServer)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	h, err := r.Factory(&config.Resource{ID: "vm", Kind: engine.KindServer}, engine.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Perform(ctx, &Session{ID: 1}); err == nil || !engine.IsTransient(err) {
		t.Errorf("Expected transient cancellation error, got %v", err)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
