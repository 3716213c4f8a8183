package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/orchestra/pkg/engine"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// NewValidator returns a validator that knows the model's custom tags and
// reports fields by their YAML names.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints and cross references of a model.
// It returns ValidationErrors listing every problem found.
func Validate(m *Model) error {
	return validateWith(NewValidator(), m)
}

func validateWith(v *validator.Validate, m *Model) error {
	var errs ValidationErrors

	if err := v.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate model: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    m.Source,
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	errs = append(errs, checkReferences(m)...)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkReferences(m *Model) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{File: m.Source, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	hosts := make(map[string]bool, len(m.Hosts))
	for i, h := range m.Hosts {
		if hosts[h.ID] {
			add(fmt.Sprintf("hosts[%d].id", i), "duplicate host %q", h.ID)
		}
		hosts[h.ID] = true
	}

	if _, err := m.DefaultRetry(); err != nil {
		add("retry", "%v", err)
	}

	sections := []struct {
		name   string
		domain engine.Domain
	}{
		{"resources", engine.DomainProvisioning},
		{"configurations", engine.DomainConfiguration},
		{"executions", engine.DomainExecution},
	}
	for _, sec := range sections {
		items := m.Items(sec.domain)
		ids := make(map[string]bool, len(items))
		for _, item := range items {
			ids[item.ItemID()] = true
		}

		seen := make(map[string]bool, len(items))
		for i, item := range items {
			path := fmt.Sprintf("%s[%d]", sec.name, i)
			if seen[item.ItemID()] {
				add(path+".id", "duplicate id %q", item.ItemID())
			}
			seen[item.ItemID()] = true

			for _, dep := range item.DependsOn() {
				if !ids[dep] {
					add(path+".depends_on", "unknown dependency %q in %s", dep, sec.name)
				}
			}

			if rc, ok := item.(engine.RetryConfigurer); ok {
				if _, err := rc.RetrySpec().Merge(m.Retry).Resolve(engine.DefaultRetryPolicy()); err != nil {
					add(path+".retry", "%v", err)
				}
			}

			if step, ok := item.(*Step); ok {
				for _, e := range checkStep(step, hosts) {
					add(path+"."+e[0], "%s", e[1])
				}
			}
		}
	}

	return errs
}

// checkStep returns (field, message) pairs for a step.
func checkStep(s *Step, hosts map[string]bool) [][2]string {
	var out [][2]string
	if s.Host != "" && !hosts[s.Host] {
		out = append(out, [2]string{"host", fmt.Sprintf("unknown host %q", s.Host)})
	}
	if _, err := s.TimeoutDuration(); err != nil {
		out = append(out, [2]string{"timeout", fmt.Sprintf("invalid timeout %q", s.Timeout)})
	}

	switch s.Kind {
	case engine.KindScript:
		if s.Script == "" && s.Source == "" {
			out = append(out, [2]string{"script", "script step needs script or source"})
		}
		if s.Host == "" {
			out = append(out, [2]string{"host", "script step needs a host"})
		}
	case engine.KindCommand:
		if s.Command == "" {
			out = append(out, [2]string{"command", "command step needs a command"})
		}
		if s.Host == "" {
			out = append(out, [2]string{"host", "command step needs a host"})
		}
	case engine.KindCheck:
		if s.Check == "" {
			out = append(out, [2]string{"check", "check step needs a check program"})
		}
		if s.Command != "" && s.Host == "" {
			out = append(out, [2]string{"host", "check step with a command needs a host"})
		}
	}
	return out
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "identifier":
		return fmt.Sprintf("%q is not a valid identifier", fe.Value())
	case "excluded_with":
		return fmt.Sprintf("cannot be combined with %s", strings.ToLower(fe.Param()))
	case "min", "max":
		return fmt.Sprintf("must be %s %s", map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
