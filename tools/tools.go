package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentloop/config"
	"github.com/m4xw311/agentloop/errors"
)

// Tool defines the interface for any action the agent can take.
//
// Execute receives the raw JSON input produced by the model. Handlers may be
// invoked concurrently with sibling tools of the same turn.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Validator is implemented by tools that check their input before running.
type Validator interface {
	Validate(input json.RawMessage) error
}

// Result is the outcome of one tool invocation.
type Result struct {
	Content string
	IsError bool
}

// Spec is the manifest entry of a tool sent to the model.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Func adapts a handler function to the Tool interface.
type Func struct {
	ToolName   string
	Desc       string
	Schema     map[string]any
	ValidateFn func(json.RawMessage) error
	Handler    func(ctx context.Context, input json.RawMessage) (Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) InputSchema() map[string]any {
	if f.Schema == nil {
		return ObjectSchema(nil)
	}
	return f.Schema
}

func (f *Func) Validate(input json.RawMessage) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(input)
}

func (f *Func) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	return f.Handler(ctx, input)
}

// ObjectSchema builds a JSON schema for an object with string properties.
// Every named property is required.
func ObjectSchema(props map[string]string) map[string]any {
	properties := make(map[string]any, len(props))
	required := make([]string, 0, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
		required = append(required, name)
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry holds tools by unique name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry registers the built-in tools configured by cfg.
func NewDefaultRegistry(cfg *config.Config) *Registry {
	r := NewRegistry()
	for _, t := range []Tool{
		NewReadFileTool(&cfg.FilesystemAccess),
		NewWriteFileTool(&cfg.FilesystemAccess),
		NewListDirTool(&cfg.FilesystemAccess),
		NewExecuteCommandTool(cfg.AllowedCommands),
	} {
		// Built-in names are distinct.
		_ = r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return errors.New("tool '%s' is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the manifest of all registered tools ordered by name.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, r.Len())
	for _, name := range r.Names() {
		t, _ := r.Get(name)
		specs = append(specs, Spec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return specs
}

// Filter returns a new registry with the tools whose names match at least one
// allowed pattern (all tools when allowed is empty) and no disallowed
// pattern. Patterns use doublestar glob syntax.
func (r *Registry) Filter(allowed, disallowed []string) (*Registry, error) {
	out := NewRegistry()
	for _, name := range r.Names() {
		keep := len(allowed) == 0
		if !keep {
			matched, err := matchesAny(name, allowed)
			if err != nil {
				return nil, err
			}
			keep = matched
		}
		if keep && len(disallowed) > 0 {
			denied, err := matchesAny(name, disallowed)
			if err != nil {
				return nil, err
			}
			keep = !denied
		}
		if keep {
			t, _ := r.Get(name)
			_ = out.Register(t)
		}
	}
	return out, nil
}

// Select builds the registry for a toolset. Entries are tool names or glob
// patterns; a pattern that matches nothing is an error.
func (r *Registry) Select(ts *config.Toolset) (*Registry, error) {
	out := NewRegistry()
	for _, entry := range ts.Tools {
		matched, err := r.Filter([]string{entry}, nil)
		if err != nil {
			return nil, err
		}
		if matched.Len() == 0 {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", entry, ts.Name)
		}
		for _, name := range matched.Names() {
			if _, dup := out.Get(name); dup {
				continue
			}
			t, _ := r.Get(name)
			_ = out.Register(t)
		}
	}
	return out, nil
}

func matchesAny(name string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, errors.Wrapf(err, "invalid tool pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

type toolNameKey struct{}

// WithName returns a context carrying the name of the invoked tool.
func WithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey{}, name)
}

// NameFromContext returns the name of the tool being invoked, if any.
func NameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(toolNameKey{}).(string)
	return name, ok
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
