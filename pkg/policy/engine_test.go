package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testModel() *config.Model {
	return &config.Model{
		Name: "web",
		Hosts: []config.Host{
			{ID: "app", Address: "10.0.0.5", User: "deploy", KeyFile: "~/.ssh/id_ed25519"},
		},
		Resources: []config.Resource{
			{ID: "net", Kind: engine.KindNetwork},
			{ID: "vm", Kind: engine.KindServer, Depends: []string{"net"}},
		},
		Configurations: []config.Step{
			{ID: "install", Kind: engine.KindScript, Host: "app", Script: "make install"},
		},
		Executions: []config.Step{
			{ID: "migrate", Kind: engine.KindCommand, Host: "app", Command: "make migrate", Undo: "make rollback"},
		},
	}
}

func findViolation(vs []Violation, policy, item string) bool {
	for _, v := range vs {
		if v.Policy == policy && v.Item == item {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("Expected %d built-in policies, got %d", len(BuiltinPolicies()), len(policies))
	}

	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("Expected policies sorted by name, got %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}

	for _, expected := range []string{"host-authentication", "host-key-verification", "item-naming", "reversible-commands", "protected-resources"} {
		if _, err := eng.GetPolicy(expected); err != nil {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		mutate        func(m *config.Model)
		operation     string
		expectAllowed bool
		violation     [2]string
		warning       [2]string
	}{
		{
			name:          "clean model",
			mutate:        func(m *config.Model) {},
			operation:     OperationRun,
			expectAllowed: true,
		},
		{
			name:          "host without credentials",
			mutate:        func(m *config.Model) { m.Hosts[0].KeyFile = "" },
			operation:     OperationRun,
			expectAllowed: false,
			violation:     [2]string{"host-authentication", "app"},
		},
		{
			name: "host with password secret",
			mutate: func(m *config.Model) {
				m.Hosts[0].KeyFile = ""
				m.Hosts[0].PasswordSecret = "prod/ssh"
			},
			operation:     OperationRun,
			expectAllowed: true,
		},
		{
			name:          "insecure host key",
			mutate:        func(m *config.Model) { m.Hosts[0].InsecureIgnoreHostKey = true },
			operation:     OperationRun,
			expectAllowed: true,
			warning:       [2]string{"host-key-verification", "app"},
		},
		{
			name:          "uppercase id",
			mutate:        func(m *config.Model) { m.Resources[0].ID = "Net" },
			operation:     OperationValidate,
			expectAllowed: true,
			warning:       [2]string{"item-naming", "Net"},
		},
		{
			name:          "command without undo",
			mutate:        func(m *config.Model) { m.Executions[0].Undo = "" },
			operation:     OperationRun,
			expectAllowed: true,
			warning:       [2]string{"reversible-commands", "migrate"},
		},
		{
			name: "protected resource on provision",
			mutate: func(m *config.Model) {
				m.Resources[1].Labels = map[string]string{"protected": "true"}
			},
			operation:     OperationProvision,
			expectAllowed: true,
		},
		{
			name: "protected resource on deprovision",
			mutate: func(m *config.Model) {
				m.Resources[1].Labels = map[string]string{"protected": "true"}
			},
			operation:     OperationDeprovision,
			expectAllowed: false,
			violation:     [2]string{"protected-resources", "vm"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testModel()
			tt.mutate(m)

			result, err := eng.Evaluate(ctx, m, tt.operation)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if tt.violation[0] != "" && !findViolation(result.Violations, tt.violation[0], tt.violation[1]) {
				t.Errorf("Expected violation %v, got %v", tt.violation, result.Violations)
			}
			if tt.warning[0] != "" && !findViolation(result.Warnings, tt.warning[0], tt.warning[1]) {
				t.Errorf("Expected warning %v, got %v", tt.warning, result.Warnings)
			}
			if tt.expectAllowed && tt.warning[0] == "" && len(result.Warnings) != 0 {
				t.Errorf("Expected no warnings, got %v", result.Warnings)
			}
			if len(result.EvaluatedPolicies) != len(BuiltinPolicies()) {
				t.Errorf("Expected all policies evaluated, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestResult_Err(t *testing.T) {
	eng := newTestEngine(t)
	m := testModel()
	m.Hosts[0].KeyFile = ""

	result, err := eng.Evaluate(context.Background(), m, OperationRun)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	var denied *DeniedError
	if !errors.As(result.Err(), &denied) {
		t.Fatalf("Expected DeniedError, got %v", result.Err())
	}
	if !strings.Contains(denied.Error(), "host app has no key_file") {
		t.Errorf("Unexpected message: %s", denied.Error())
	}

	if err := (&Result{Allowed: true}).Err(); err != nil {
		t.Errorf("Expected nil error for allowed result, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	m := testModel()
	m.Hosts[0].KeyFile = ""

	if err := eng.DisablePolicy("host-authentication"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(ctx, m, OperationRun)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "host-authentication" {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy("host-authentication"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(ctx, m, OperationRun)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "owner-label",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package orchestra.custom.owner

import rego.v1

deny contains msg if {
	some item in input.items
	item.kind == "server"
	not item.labels.owner
	msg := sprintf("%s has no owner", [item.id])
}

deny contains violation if {
	input.deployment == "web"
	violation := {"message": "web is noisy", "severity": "info"}
}
`,
	}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	result, err := eng.Evaluate(ctx, testModel(), OperationRun)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Message != "vm has no owner" {
		t.Errorf("Expected one owner violation, got %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityInfo {
		t.Errorf("Expected severity override to info, got %v", result.Warnings)
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{"syntax error", Policy{Name: "bad", Rego: "package bad\n\ndeny contains x if {"}},
		{"bad severity", Policy{Name: "bad", Severity: "fatal", Rego: "package bad\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(ctx, tt.policy); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := eng.GetPolicy("bad"); err == nil {
		t.Error("Invalid policy should not be stored")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "custom", Enabled: true, Rego: "package custom\n\nimport rego.v1\n\ndeny contains \"always\" if { true }\n"}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Expected custom policy to be dropped")
	}
	if len(eng.ListPolicies()) != len(BuiltinPolicies()) {
		t.Errorf("Expected only built-ins, got %d", len(eng.ListPolicies()))
	}

	bad := Policy{Name: "broken", Rego: "not rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{custom, bad}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Expected a failed replace to keep the previous policies")
	}
}

func TestNewInput(t *testing.T) {
	m := testModel()
	m.Hosts[0].Password = "hunter2"

	in := NewInput(m, OperationProvision)
	if in.Deployment != "web" || in.Operation != OperationProvision {
		t.Errorf("Unexpected header: %+v", in)
	}
	if !in.Hosts[0].HasKey || !in.Hosts[0].HasPassword {
		t.Errorf("Expected credential flags, got %+v", in.Hosts[0])
	}
	if len(in.Items) != 4 {
		t.Fatalf("Expected 4 items, got %d", len(in.Items))
	}
	domains := map[string]engine.Domain{}
	for _, item := range in.Items {
		domains[item.ID] = item.Domain
		if item.DependsOn == nil {
			t.Errorf("Expected non-nil depends_on for %s", item.ID)
		}
	}
	if domains["vm"] != engine.DomainProvisioning || domains["install"] != engine.DomainConfiguration || domains["migrate"] != engine.DomainExecution {
		t.Errorf("Unexpected domains: %v", domains)
	}
}
