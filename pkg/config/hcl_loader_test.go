package config

import (
	"errors"
	"testing"

	"github.com/openfroyo/orchestra/pkg/engine"
)

const hclModel = `
name = "web"

retry {
  count    = 5
  interval = "1s"
}

kind "container" {
  parent = "compute"
}

host "app" {
  address = "10.0.0.5"
  user    = "deploy"
  port    = 2222
  labels  = { tier = "web" }
}

resource "network" "net" {}

resource "container" "vm" {
  depends_on = ["net"]
  properties = {
    image    = "nginx:${env.ORCHESTRA_TEST_TAG}"
    replicas = 2
    ports    = [80, 443]
  }

  retry {
    count = 2
  }
}

configuration "script" "install" {
  host   = "app"
  script = "make install"
  env    = { MODE = upper("prod") }
  sudo   = true
}

execution "command" "migrate" {
  host       = "app"
  command    = "make migrate"
  undo       = "make rollback"
  timeout    = "5m"
}
`

func TestParseHCL(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_TAG", "1.27")

	m, err := ParseHCL([]byte(hclModel), "model.hcl")
	if err != nil {
		t.Fatalf("ParseHCL failed: %v", err)
	}

	if m.Name != "web" {
		t.Errorf("expected name web, got %s", m.Name)
	}
	if m.Retry.Count == nil || *m.Retry.Count != 5 || m.Retry.Interval != "1s" {
		t.Errorf("unexpected retry: %+v", m.Retry)
	}
	if len(m.Kinds) != 1 || m.Kinds[0].Name != "container" {
		t.Errorf("unexpected kinds: %+v", m.Kinds)
	}
	if len(m.Hosts) != 1 || m.Hosts[0].Port != 2222 || m.Hosts[0].Labels["tier"] != "web" {
		t.Errorf("unexpected hosts: %+v", m.Hosts)
	}

	if len(m.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(m.Resources))
	}
	net, vm := m.Resources[0], m.Resources[1]
	if net.Kind != engine.KindNetwork || net.Properties != nil || net.Retry != nil {
		t.Errorf("unexpected net: %+v", net)
	}
	if vm.Kind != "container" || vm.Depends[0] != "net" {
		t.Errorf("unexpected vm: %+v", vm)
	}
	if vm.Properties["image"] != "nginx:1.27" {
		t.Errorf("expected env interpolation, got %v", vm.Properties["image"])
	}
	if vm.Properties["replicas"] != float64(2) {
		t.Errorf("expected replicas 2, got %v (%T)", vm.Properties["replicas"], vm.Properties["replicas"])
	}
	if ports, ok := vm.Properties["ports"].([]interface{}); !ok || len(ports) != 2 {
		t.Errorf("expected ports list, got %v", vm.Properties["ports"])
	}
	if vm.Retry == nil || *vm.Retry.Count != 2 || vm.Retry.Interval != "" {
		t.Errorf("unexpected vm retry: %+v", vm.Retry)
	}

	install := m.Configurations[0]
	if install.Kind != engine.KindScript || !install.Sudo || install.Env["MODE"] != "PROD" {
		t.Errorf("unexpected install: %+v", install)
	}

	migrate := m.Executions[0]
	if migrate.Undo != "make rollback" || migrate.Timeout != "5m" {
		t.Errorf("unexpected migrate: %+v", migrate)
	}

	if err := Validate(m); err != nil {
		t.Errorf("expected a valid model, got: %v", err)
	}
}

func TestParseHCL_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `name = `},
		{"missing label", `resource "network" {}`},
		{"unknown attribute", `colour = "blue"`},
		{"missing required", `host "app" { user = "root" }`},
		{"properties not an object", `resource "network" "net" { properties = "x" }`},
		{"unknown function", `resource "network" "net" { properties = { a = nope() } }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHCL([]byte(tt.src), "bad.hcl"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseHCL_DiagnosticPosition(t *testing.T) {
	_, err := ParseHCL([]byte("name = \"web\"\ncolour = 1\n"), "bad.hcl")

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if errs[0].File != "bad.hcl" || errs[0].Line != 2 {
		t.Errorf("expected bad.hcl:2, got %s:%d", errs[0].File, errs[0].Line)
	}
}

func TestLoadHCLDir_MergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hosts.hcl", `
name = "web"
host "app" {
  address = "10.0.0.5"
  user    = "deploy"
}
`)
	writeFile(t, dir, "resources.hcl", `
name = "web"
resource "network" "net" {}
resource "server" "vm" {
  depends_on = ["net"]
}
`)

	m, err := LoadHCLDir(dir)
	if err != nil {
		t.Fatalf("LoadHCLDir failed: %v", err)
	}
	if len(m.Hosts) != 1 || len(m.Resources) != 2 {
		t.Errorf("expected files to be merged, got %d hosts and %d resources", len(m.Hosts), len(m.Resources))
	}

	writeFile(t, dir, "zz.hcl", `name = "api"`)
	if _, err := LoadHCLDir(dir); err == nil {
		t.Error("expected error for conflicting names")
	}
}

func TestLoadHCLFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "model.hcl", "name = \"web\"\nresource \"queue\" \"jobs\" {}\n")

	m, err := LoadHCLFile(path)
	if err != nil {
		t.Fatalf("LoadHCLFile failed: %v", err)
	}
	if m.Source != path || m.Resources[0].Kind != engine.KindQueue {
		t.Errorf("unexpected model: %+v", m)
	}

	if _, err := LoadHCLFile(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}
