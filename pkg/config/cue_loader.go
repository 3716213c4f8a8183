package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// listSections may be written as a list or as a struct keyed by ID.
var listSections = map[string]bool{
	"kinds":          true,
	"hosts":          true,
	"resources":      true,
	"configurations": true,
	"executions":     true,
}

// CUELoader loads models written in CUE and checks them against the model schema.
type CUELoader struct {
	ctx *cue.Context
}

// NewCUELoader creates a new CUE loader.
func NewCUELoader() *CUELoader {
	return &CUELoader{ctx: cuecontext.New()}
}

// Load loads a .cue file or a directory of .cue files.
func (cl *CUELoader) Load(path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	var val cue.Value
	if info.IsDir() {
		val, err = cl.loadDirectory(path)
	} else {
		val, err = cl.loadFile(path)
	}
	if err != nil {
		return nil, err
	}

	m, err := cl.decode(val)
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// LoadString loads a model from inline CUE source.
func (cl *CUELoader) LoadString(src string) (*Model, error) {
	val := cl.ctx.CompileString(src, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cl.decode(val)
}

// loadDirectory unifies every .cue file of a directory.
func (cl *CUELoader) loadDirectory(dir string) (cue.Value, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	sort.Strings(files)

	var val cue.Value
	for _, f := range files {
		fv, err := cl.loadFile(f)
		if err != nil {
			return cue.Value{}, err
		}
		if val.Exists() {
			val = val.Unify(fv)
		} else {
			val = fv
		}
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cl *CUELoader) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	val := cl.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode normalizes keyed sections into lists, unifies the result with
// #Model and decodes it.
func (cl *CUELoader) decode(val cue.Value) (*Model, error) {
	schema, err := compileSchema(cl.ctx)
	if err != nil {
		return nil, err
	}

	normalized, err := normalize(val)
	if err != nil {
		return nil, err
	}

	unified := schema.Unify(cl.ctx.Encode(normalized))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var m Model
	if err := unified.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return &m, nil
}

func normalize(val cue.Value) (map[string]interface{}, error) {
	iter, err := val.Fields()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	out := make(map[string]interface{})
	for iter.Next() {
		name := iter.Selector().Unquoted()
		fv := iter.Value()

		if listSections[name] && fv.Kind() == cue.StructKind {
			list, err := keyedToList(name, fv)
			if err != nil {
				return nil, err
			}
			out[name] = list
			continue
		}

		var v interface{}
		if err := fv.Decode(&v); err != nil {
			return nil, convertCUEErrors(err)
		}
		out[name] = v
	}
	return out, nil
}

// keyedToList turns {web: {...}, db: {...}} into [{id: "web", ...}, ...],
// keeping declaration order. Kind declarations are keyed by name.
func keyedToList(section string, val cue.Value) ([]interface{}, error) {
	key := "id"
	if section == "kinds" {
		key = "name"
	}

	iter, err := val.Fields()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var list []interface{}
	for iter.Next() {
		var entry map[string]interface{}
		if err := iter.Value().Decode(&entry); err != nil {
			return nil, convertCUEErrors(err)
		}
		if entry == nil {
			entry = map[string]interface{}{}
		}
		if _, ok := entry[key]; !ok {
			entry[key] = iter.Selector().Unquoted()
		}
		list = append(list, entry)
	}
	return list, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    pathString(e.Path()),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func pathString(p []string) string {
	return strings.Join(p, ".")
}
