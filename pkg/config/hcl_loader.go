package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// hclModelFile is the top-level structure of an HCL model file.
type hclModelFile struct {
	Name           string         `hcl:"name,optional"`
	Retry          *hclRetry      `hcl:"retry,block"`
	Kinds          []*hclKind     `hcl:"kind,block"`
	Hosts          []*hclHost     `hcl:"host,block"`
	Resources      []*hclResource `hcl:"resource,block"`
	Configurations []*hclStep     `hcl:"configuration,block"`
	Executions     []*hclStep     `hcl:"execution,block"`
}

type hclRetry struct {
	Count    *int   `hcl:"count,optional"`
	Interval string `hcl:"interval,optional"`
}

type hclKind struct {
	Name   string `hcl:"name,label"`
	Parent string `hcl:"parent,optional"`
}

type hclHost struct {
	ID                    string            `hcl:"id,label"`
	Address               string            `hcl:"address"`
	Port                  int               `hcl:"port,optional"`
	User                  string            `hcl:"user"`
	KeyFile               string            `hcl:"key_file,optional"`
	Password              string            `hcl:"password,optional"`
	PasswordSecret        string            `hcl:"password_secret,optional"`
	KnownHosts            string            `hcl:"known_hosts,optional"`
	InsecureIgnoreHostKey bool              `hcl:"insecure_ignore_host_key,optional"`
	Labels                map[string]string `hcl:"labels,optional"`
}

// hclResource is written as resource "<kind>" "<id>" { ... }.
type hclResource struct {
	Kind       string            `hcl:"kind,label"`
	ID         string            `hcl:"id,label"`
	Name       string            `hcl:"name,optional"`
	DependsOn  []string          `hcl:"depends_on,optional"`
	Retry      *hclRetry         `hcl:"retry,block"`
	Properties hcl.Expression    `hcl:"properties,optional"`
	Labels     map[string]string `hcl:"labels,optional"`
}

// hclStep is written as configuration|execution "<kind>" "<id>" { ... }.
type hclStep struct {
	Kind        string            `hcl:"kind,label"`
	ID          string            `hcl:"id,label"`
	Name        string            `hcl:"name,optional"`
	Host        string            `hcl:"host,optional"`
	DependsOn   []string          `hcl:"depends_on,optional"`
	Retry       *hclRetry         `hcl:"retry,block"`
	Script      string            `hcl:"script,optional"`
	Source      string            `hcl:"source,optional"`
	Destination string            `hcl:"destination,optional"`
	Command     string            `hcl:"command,optional"`
	Check       string            `hcl:"check,optional"`
	Undo        string            `hcl:"undo,optional"`
	Env         map[string]string `hcl:"env,optional"`
	Sudo        bool              `hcl:"sudo,optional"`
	Timeout     string            `hcl:"timeout,optional"`
	Properties  hcl.Expression    `hcl:"properties,optional"`
}

// LoadHCLFile loads a model from one HCL file.
func LoadHCLFile(path string) (*Model, error) {
	m, err := loadHCL([]string{path}, hclparse.NewParser())
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// LoadHCLDir loads every .hcl file of a directory into one model.
func LoadHCLDir(dir string) (*Model, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, fmt.Errorf("failed to find model files in %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .cue or .hcl model files found in %s", dir)
	}
	sort.Strings(files)

	m, err := loadHCL(files, hclparse.NewParser())
	if err != nil {
		return nil, err
	}
	m.Source = dir
	return m, nil
}

// ParseHCL decodes a model from HCL source.
func ParseHCL(src []byte, filename string) (*Model, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagnosticsToErrors(diags)
	}

	m := &Model{}
	if err := decodeHCLBody(file.Body, m); err != nil {
		return nil, err
	}
	return m, nil
}

func loadHCL(files []string, parser *hclparse.Parser) (*Model, error) {
	m := &Model{}
	for _, path := range files {
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, diagnosticsToErrors(diags)
		}
		if err := decodeHCLBody(file.Body, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// decodeHCLBody decodes one file into m, appending to its sections.
func decodeHCLBody(body hcl.Body, m *Model) error {
	evalCtx := newEvalContext()

	var f hclModelFile
	if diags := gohcl.DecodeBody(body, evalCtx, &f); diags.HasErrors() {
		return diagnosticsToErrors(diags)
	}

	if f.Name != "" {
		if m.Name != "" && m.Name != f.Name {
			return fmt.Errorf("conflicting model names %q and %q", m.Name, f.Name)
		}
		m.Name = f.Name
	}
	if f.Retry != nil {
		m.Retry = f.Retry.spec()
	}

	for _, k := range f.Kinds {
		m.Kinds = append(m.Kinds, KindDecl{Name: engine.Kind(k.Name), Parent: engine.Kind(k.Parent)})
	}

	for _, h := range f.Hosts {
		m.Hosts = append(m.Hosts, Host{
			ID:                    h.ID,
			Address:               h.Address,
			Port:                  h.Port,
			User:                  h.User,
			KeyFile:               h.KeyFile,
			Password:              h.Password,
			PasswordSecret:        h.PasswordSecret,
			KnownHostsFile:        h.KnownHosts,
			InsecureIgnoreHostKey: h.InsecureIgnoreHostKey,
			Labels:                h.Labels,
		})
	}

	for _, r := range f.Resources {
		props, err := expressionToMap(r.Properties, evalCtx)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.ID, err)
		}
		m.Resources = append(m.Resources, Resource{
			ID:         r.ID,
			Name:       r.Name,
			Kind:       engine.Kind(r.Kind),
			Depends:    r.DependsOn,
			Retry:      r.Retry.specPtr(),
			Properties: props,
			Labels:     r.Labels,
		})
	}

	for _, sec := range []struct {
		blocks []*hclStep
		dst    *[]Step
	}{
		{f.Configurations, &m.Configurations},
		{f.Executions, &m.Executions},
	} {
		for _, s := range sec.blocks {
			props, err := expressionToMap(s.Properties, evalCtx)
			if err != nil {
				return fmt.Errorf("step %s: %w", s.ID, err)
			}
			*sec.dst = append(*sec.dst, Step{
				ID:          s.ID,
				Name:        s.Name,
				Kind:        engine.Kind(s.Kind),
				Host:        s.Host,
				Depends:     s.DependsOn,
				Retry:       s.Retry.specPtr(),
				Script:      s.Script,
				Source:      s.Source,
				Destination: s.Destination,
				Command:     s.Command,
				Check:       s.Check,
				Undo:        s.Undo,
				Env:         s.Env,
				Sudo:        s.Sudo,
				Timeout:     s.Timeout,
				Properties:  props,
			})
		}
	}
	return nil
}

func (r *hclRetry) spec() engine.RetrySpec {
	return engine.RetrySpec{Count: r.Count, Interval: r.Interval}
}

func (r *hclRetry) specPtr() *engine.RetrySpec {
	if r == nil {
		return nil
	}
	s := r.spec()
	return &s
}

// newEvalContext exposes the process environment as env.NAME and a few
// string functions.
func newEvalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntaxValidName(k) {
			env[k] = cty.StringVal(v)
		}
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"join":   stdlib.JoinFunc,
			"format": stdlib.FormatFunc,
			"concat": stdlib.ConcatFunc,
		},
	}
}

func hclsyntaxValidName(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

// expressionToMap evaluates an object expression into plain Go values.
func expressionToMap(expr hcl.Expression, ctx *hcl.EvalContext) (map[string]interface{}, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diagnosticsToErrors(diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("properties must be an object, got %s", val.Type().FriendlyName())
	}

	data, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to convert properties: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to convert properties: %w", err)
	}
	return out, nil
}

func diagnosticsToErrors(diags hcl.Diagnostics) ValidationErrors {
	var out ValidationErrors
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		ve := ValidationError{Message: d.Summary}
		if d.Detail != "" {
			ve.Message += ": " + d.Detail
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		out = append(out, ve)
	}
	return out
}
