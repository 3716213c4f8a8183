package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks that s is a known severity.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %q", s)
	}
}

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string        `json:"policy"`
	Item     string        `json:"item,omitempty"`
	Domain   engine.Domain `json:"domain,omitempty"`
	Message  string        `json:"message"`
	Severity Severity      `json:"severity"`
}

func (v Violation) String() string {
	loc := v.Policy
	if v.Item != "" {
		loc += " " + v.Item
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, loc, v.Message)
}

// Result is the outcome of evaluating every enabled policy against a model.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are blocking; Warnings are not.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the result is not allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError reports the blocking violations of a denied operation.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("denied by policy: %s", strings.Join(msgs, "; "))
}

// Input is the document policies see as input.
type Input struct {
	Deployment string      `json:"deployment"`
	Operation  string      `json:"operation"`
	Hosts      []InputHost `json:"hosts"`
	Items      []InputItem `json:"items"`
}

// InputHost describes a host without its credentials.
type InputHost struct {
	ID                    string            `json:"id"`
	Address               string            `json:"address"`
	Port                  int               `json:"port,omitempty"`
	User                  string            `json:"user"`
	HasKey                bool              `json:"has_key"`
	HasPassword           bool              `json:"has_password"`
	PasswordSecret        string            `json:"password_secret,omitempty"`
	KnownHosts            string            `json:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool              `json:"insecure_ignore_host_key"`
	Labels                map[string]string `json:"labels,omitempty"`
}

// InputItem describes one item of any domain.
type InputItem struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Kind       engine.Kind            `json:"kind"`
	Domain     engine.Domain          `json:"domain"`
	DependsOn  []string               `json:"depends_on"`
	Host       string                 `json:"host,omitempty"`
	Sudo       bool                   `json:"sudo,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Undo       string                 `json:"undo,omitempty"`
	Labels     map[string]string      `json:"labels,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// NewInput builds the policy input of a model.
func NewInput(m *config.Model, operation string) *Input {
	in := &Input{
		Deployment: m.Name,
		Operation:  operation,
		Hosts:      make([]InputHost, 0, len(m.Hosts)),
		Items:      []InputItem{},
	}

	for _, h := range m.Hosts {
		in.Hosts = append(in.Hosts, InputHost{
			ID:                    h.ID,
			Address:               h.Address,
			Port:                  h.Port,
			User:                  h.User,
			HasKey:                h.KeyFile != "",
			HasPassword:           h.Password != "",
			PasswordSecret:        h.PasswordSecret,
			KnownHosts:            h.KnownHostsFile,
			InsecureIgnoreHostKey: h.InsecureIgnoreHostKey,
			Labels:                h.Labels,
		})
	}

	for _, r := range m.Resources {
		in.Items = append(in.Items, InputItem{
			ID:         r.ID,
			Name:       r.ItemName(),
			Kind:       r.Kind,
			Domain:     engine.DomainProvisioning,
			DependsOn:  nonNil(r.Depends),
			Labels:     r.Labels,
			Properties: r.Properties,
		})
	}

	for _, sec := range []struct {
		steps  []config.Step
		domain engine.Domain
	}{
		{m.Configurations, engine.DomainConfiguration},
		{m.Executions, engine.DomainExecution},
	} {
		for _, s := range sec.steps {
			in.Items = append(in.Items, InputItem{
				ID:         s.ID,
				Name:       s.ItemName(),
				Kind:       s.Kind,
				Domain:     sec.domain,
				DependsOn:  nonNil(s.Depends),
				Host:       s.Host,
				Sudo:       s.Sudo,
				Command:    s.Command,
				Undo:       s.Undo,
				Properties: s.Properties,
			})
		}
	}
	return in
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
