package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Model is a declarative deployment: the hosts it reaches over SSH and the
// items of its provisioning, configuration and execution graphs.
type Model struct {
	// Name identifies the deployment; snapshots are stored under it.
	Name string `json:"name" yaml:"name" validate:"required,identifier"`

	// Retry is the default retry budget of every item.
	Retry engine.RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Kinds declares kinds beyond the default hierarchy.
	Kinds []KindDecl `json:"kinds,omitempty" yaml:"kinds,omitempty" validate:"dive"`

	Hosts          []Host     `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`
	Resources      []Resource `json:"resources,omitempty" yaml:"resources,omitempty" validate:"dive"`
	Configurations []Step     `json:"configurations,omitempty" yaml:"configurations,omitempty" validate:"dive"`
	Executions     []Step     `json:"executions,omitempty" yaml:"executions,omitempty" validate:"dive"`

	// Source is the file or directory the model was loaded from.
	Source string `json:"-" yaml:"-"`
}

var _ engine.Model = (*Model)(nil)

// KindDecl declares that Name is-a Parent.
type KindDecl struct {
	Name   engine.Kind `json:"name" yaml:"name" validate:"required,identifier"`
	Parent engine.Kind `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// Host is an SSH endpoint that configuration and execution steps target.
type Host struct {
	ID      string `json:"id" yaml:"id" validate:"required,identifier"`
	Address string `json:"address" yaml:"address" validate:"required,hostname_rfc1123|ip"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User    string `json:"user" yaml:"user" validate:"required"`

	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" validate:"excluded_with=PasswordSecret"`

	// PasswordSecret names a Secrets Manager secret holding the password.
	PasswordSecret string `json:"password_secret,omitempty" yaml:"password_secret,omitempty"`

	KnownHostsFile        string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`

	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Resource is a provisioning item.
type Resource struct {
	ID   string      `json:"id" yaml:"id" validate:"required,identifier"`
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`
	Kind engine.Kind `json:"kind" yaml:"kind" validate:"required,identifier"`

	Depends []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,identifier"`
	Retry   *engine.RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Properties are passed to the handler unchanged.
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	Labels     map[string]string      `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ItemID implements engine.Item.
func (r *Resource) ItemID() string { return r.ID }

// ItemName implements engine.Item.
func (r *Resource) ItemName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// ItemKind implements engine.Item.
func (r *Resource) ItemKind() engine.Kind { return r.Kind }

// DependsOn implements engine.Item.
func (r *Resource) DependsOn() []string { return r.Depends }

// RetrySpec implements engine.RetryConfigurer.
func (r *Resource) RetrySpec() engine.RetrySpec {
	if r.Retry == nil {
		return engine.RetrySpec{}
	}
	return *r.Retry
}

// Step is a configuration or execution item run against a host.
type Step struct {
	ID   string      `json:"id" yaml:"id" validate:"required,identifier"`
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`
	Kind engine.Kind `json:"kind" yaml:"kind" validate:"required,identifier"`

	// Host is the ID of the target host. Local checks leave it empty.
	Host string `json:"host,omitempty" yaml:"host,omitempty" validate:"omitempty,identifier"`

	Depends []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,identifier"`
	Retry   *engine.RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Script is an inline script uploaded and run by script steps.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Source is a local file uploaded instead of an inline script.
	Source string `json:"source,omitempty" yaml:"source,omitempty" validate:"excluded_with=Script"`

	// Destination is the remote path of the uploaded file.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Command runs on the host; check steps evaluate its output.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Check is a Starlark program that must set ok = True.
	Check string `json:"check,omitempty" yaml:"check,omitempty"`

	// Undo runs on the host when the step is reversed.
	Undo string `json:"undo,omitempty" yaml:"undo,omitempty"`

	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Sudo    bool              `json:"sudo,omitempty" yaml:"sudo,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ItemID implements engine.Item.
func (s *Step) ItemID() string { return s.ID }

// ItemName implements engine.Item.
func (s *Step) ItemName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ItemKind implements engine.Item.
func (s *Step) ItemKind() engine.Kind { return s.Kind }

// DependsOn implements engine.Item.
func (s *Step) DependsOn() []string { return s.Depends }

// RetrySpec implements engine.RetryConfigurer.
func (s *Step) RetrySpec() engine.RetrySpec {
	if s.Retry == nil {
		return engine.RetrySpec{}
	}
	return *s.Retry
}

// TimeoutDuration parses Timeout; zero means no timeout.
func (s *Step) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

// Items implements engine.Model.
func (m *Model) Items(domain engine.Domain) []engine.Item {
	var items []engine.Item
	switch domain {
	case engine.DomainProvisioning:
		for i := range m.Resources {
			items = append(items, &m.Resources[i])
		}
	case engine.DomainConfiguration:
		for i := range m.Configurations {
			items = append(items, &m.Configurations[i])
		}
	case engine.DomainExecution:
		for i := range m.Executions {
			items = append(items, &m.Executions[i])
		}
	}
	return items
}

// Host returns the host with the given ID.
func (m *Model) Host(id string) (*Host, bool) {
	for i := range m.Hosts {
		if m.Hosts[i].ID == id {
			return &m.Hosts[i], true
		}
	}
	return nil, false
}

// DefaultRetry resolves the model-level retry spec against the engine default.
func (m *Model) DefaultRetry() (engine.RetryPolicy, error) {
	return m.Retry.Resolve(engine.DefaultRetryPolicy())
}

// DeclareKinds declares the model's custom kinds in a registry.
func (m *Model) DeclareKinds(r *engine.Registry) error {
	for _, k := range m.Kinds {
		if err := r.DeclareKind(k.Name, k.Parent); err != nil {
			return err
		}
	}
	return nil
}

// ValidationError is a model problem with its location, when known.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path locates the field, e.g. "resources[1].depends_on".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
		if e.Path != "" {
			loc += " " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// ValidationErrors collects every problem found in a model.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(ve), strings.Join(msgs, "; "))
}
