// Package template loads, validates, resolves, and applies window-layout
// templates against a live multiplexer session.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Window is one window of a template's layout.
type Window struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	CWD     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Inject  []string          `yaml:"inject,omitempty"`
}

// Template is a parsed window-layout document. Name is the filename stem,
// never the document's internal "name" field (which is ignored as a
// canonical identifier and kept only for the document author's reference).
type Template struct {
	Name    string            `yaml:"-"`
	Extends string            `yaml:"extends,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Windows []Window          `yaml:"windows"`
}

// Loader scans a built-in directory and a user-override directory for
// template YAML files.
type Loader struct {
	builtinDir  string
	overrideDir string
	logger      *slog.Logger
}

// NewLoader creates a Loader over the given directories. Either may be
// empty, in which case it is skipped.
func NewLoader(builtinDir, overrideDir string, logger *slog.Logger) *Loader {
	return &Loader{builtinDir: builtinDir, overrideDir: overrideDir, logger: logger}
}

// LoadAll scans both directories and returns every valid template, keyed
// by name. User-directory files override built-in ones of the same name.
// Parse and validation failures are logged and skipped, never fatal.
func (l *Loader) LoadAll() map[string]*Template {
	out := make(map[string]*Template)
	l.scanInto(l.builtinDir, out)
	l.scanInto(l.overrideDir, out)
	return out
}

func (l *Loader) scanInto(dir string, out map[string]*Template) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to scan template directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("failed to read template file", "path", path, "error", err)
			continue
		}

		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			l.logger.Warn("failed to parse template file", "path", path, "error", err)
			continue
		}
		tpl.Name = stem

		if err := Validate(&tpl); err != nil {
			l.logger.Warn("template failed validation", "path", path, "error", err)
			continue
		}

		out[stem] = &tpl
	}
}

// Validate checks the structural requirements on a template: a non-empty
// windows list, and per-window non-empty name (unique within the
// template) and non-empty command.
func Validate(t *Template) error {
	if len(t.Windows) == 0 {
		return fmt.Errorf("template %q: windows list is empty", t.Name)
	}
	seen := make(map[string]bool, len(t.Windows))
	for i, w := range t.Windows {
		if w.Name == "" {
			return fmt.Errorf("template %q: window %d has an empty name", t.Name, i)
		}
		if w.Command == "" {
			return fmt.Errorf("template %q: window %q has an empty command", t.Name, w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("template %q: duplicate window name %q", t.Name, w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// Resolve walks a template's single-parent `extends` chain and merges it
// into a flat template: child windows replace same-named parent windows,
// parent-only windows are prepended in parent order, and the two env maps
// merge with the child's keys winning. Cycles are detected and broken
// with a warning at the point of re-entry.
func Resolve(name string, all map[string]*Template, logger *slog.Logger) (*Template, error) {
	visited := make(map[string]bool)
	return resolve(name, all, visited, logger)
}

func resolve(name string, all map[string]*Template, visited map[string]bool, logger *slog.Logger) (*Template, error) {
	tpl, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}
	if visited[name] {
		logger.Warn("template inheritance cycle detected, breaking", "template", name)
		return cloneTemplate(tpl), nil
	}
	visited[name] = true

	if tpl.Extends == "" {
		return cloneTemplate(tpl), nil
	}

	parent, err := resolve(tpl.Extends, all, visited, logger)
	if err != nil {
		return nil, fmt.Errorf("resolve parent %q of %q: %w", tpl.Extends, name, err)
	}

	return mergeTemplates(parent, tpl), nil
}

func cloneTemplate(t *Template) *Template {
	cp := *t
	cp.Windows = append([]Window(nil), t.Windows...)
	cp.Env = cloneEnv(t.Env)
	return &cp
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	return cp
}

func mergeTemplates(parent, child *Template) *Template {
	childByName := make(map[string]Window, len(child.Windows))
	for _, w := range child.Windows {
		childByName[w.Name] = w
	}

	merged := make([]Window, 0, len(parent.Windows)+len(child.Windows))
	for _, pw := range parent.Windows {
		if _, overridden := childByName[pw.Name]; !overridden {
			merged = append(merged, pw)
		}
	}
	merged = append(merged, child.Windows...)

	env := cloneEnv(parent.Env)
	if env == nil {
		env = make(map[string]string)
	}
	for k, v := range child.Env {
		env[k] = v
	}

	return &Template{
		Name:    child.Name,
		Windows: merged,
		Env:     env,
	}
}
