// Package catalog implements the process-wide tool registry: named handlers
// with mode gates, result normalization, legacy URI aliases, and a dynamic
// bundle loader that interprets tool implementations at load time.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"conductor/internal/logging"
)

// Mode gates a tool to a pipeline mode.
type Mode string

const (
	ModeCode Mode = "code"
	ModeChat Mode = "chat"
	ModeAny  Mode = "any"
)

// Result statuses every tool result is normalized to.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusBlocked = "blocked"
	StatusDenied  = "denied"
)

// Handler is the uniform tool contract: args in, result out.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name         string
	Description  string
	ModeRequired Mode
	Handler      Handler
}

// Sentinel errors.
var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNameEmpty         = errors.New("tool name is empty")
	ErrToolHandlerNil        = errors.New("tool handler is nil")
)

// Catalog holds all available tools. It is thread-safe; dynamic
// registrations publish atomically (a reader sees the old set or the new
// set, never a partial one).
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	aliases map[string]string
}

// New creates an empty catalog with the default legacy aliases.
func New() *Catalog {
	return &Catalog{
		tools: make(map[string]*Tool),
		aliases: map[string]string{
			// Legacy tool URIs map to canonical dotted names.
			"tool://internet/research": "internet.research",
			"tool://memory/search":     "memory.search",
			"tool://memory/store":      "memory.store",
			"tool://file/read":         "file.read",
			"tool://file/write":        "file.write",
		},
	}
}

// Register adds a tool. Returns ErrToolAlreadyRegistered for duplicates.
func (c *Catalog) Register(t *Tool) error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return ErrToolHandlerNil
	}
	if t.ModeRequired == "" {
		t.ModeRequired = ModeAny
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, t.Name)
	}
	c.tools[t.Name] = t
	logging.ToolsDebug("registered tool %s (mode=%s)", t.Name, t.ModeRequired)
	return nil
}

// Override registers a tool, replacing any existing entry.
func (c *Catalog) Override(t *Tool) error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return ErrToolHandlerNil
	}
	if t.ModeRequired == "" {
		t.ModeRequired = ModeAny
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[t.Name] = t
	logging.ToolsDebug("registered tool %s (override, mode=%s)", t.Name, t.ModeRequired)
	return nil
}

// Unregister removes a tool by name.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, name)
}

// Get returns a tool by canonical or aliased name, or nil.
func (c *Catalog) Get(name string) *Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[c.resolveLocked(name)]
}

// Has reports whether a tool is registered.
func (c *Catalog) Has(name string) bool { return c.Get(name) != nil }

// Resolve maps a legacy URI or name to the canonical tool name.
func (c *Catalog) Resolve(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveLocked(name)
}

func (c *Catalog) resolveLocked(name string) string {
	if canonical, ok := c.aliases[name]; ok {
		return canonical
	}
	return name
}

// AddAlias registers a legacy URI alias.
func (c *Catalog) AddAlias(alias, canonical string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[alias] = canonical
}

// Names returns all registered tool names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Execute runs a tool by name with a mode gate and normalizes the result to
// a map with a status of success, error, blocked, or denied. Handler panics
// (argument mismatches included) surface as error results, not crashes.
func (c *Catalog) Execute(ctx context.Context, name string, mode Mode, args map[string]any) map[string]any {
	tool := c.Get(name)
	if tool == nil {
		return map[string]any{"status": StatusError, "error": fmt.Sprintf("tool not found: %s", name)}
	}

	if mode != "" && tool.ModeRequired != ModeAny && tool.ModeRequired != mode {
		reason := fmt.Sprintf("tool %s requires mode %s, caller is in mode %s", name, tool.ModeRequired, mode)
		logging.ToolsDebug("denied: %s", reason)
		return map[string]any{"status": StatusDenied, "reason": reason}
	}

	logging.ToolsDebug("executing tool %s", name)
	result, err := invoke(ctx, tool, args)
	if err != nil {
		logging.ToolsError("tool %s failed: %v", name, err)
		return map[string]any{"status": StatusError, "error": err.Error()}
	}
	return normalize(result)
}

// invoke calls the handler, converting panics into errors.
func invoke(ctx context.Context, tool *Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, args)
}

// normalize coerces any handler return into the uniform result map.
func normalize(result any) map[string]any {
	switch v := result.(type) {
	case map[string]any:
		if _, ok := v["status"]; !ok {
			v["status"] = StatusSuccess
		}
		return v
	case nil:
		return map[string]any{"status": StatusSuccess}
	default:
		return map[string]any{"status": StatusSuccess, "result": v}
	}
}

// Namespace returns the dotted namespace of a tool name ("internet" for
// "internet.research").
func Namespace(name string) string {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx]
	}
	return name
}
