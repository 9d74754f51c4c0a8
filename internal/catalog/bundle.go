package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"conductor/internal/frontmatter"
	"conductor/internal/logging"
)

// ToolSpec is the frontmatter of a tool spec file inside a bundle's tools/
// directory. The sibling .go file exports the named entrypoint.
type ToolSpec struct {
	Name         string `yaml:"name"`
	Entrypoint   string `yaml:"entrypoint"`
	ModeRequired string `yaml:"mode_required"`
	Description  string `yaml:"description"`
	Version      string `yaml:"version"`
	Override     bool   `yaml:"override"`
}

// Interpreted tool implementations may only import stdlib packages from this
// whitelist; filesystem, network, and exec access stay out of the sandbox.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"errors":          true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// LoadBundleTools scans a bundle's tools/ directory for *.md specs, loads
// the paired .go implementation through the interpreter, and registers each
// tool unless already present (unless the spec sets override).
// Returns the names of tools registered.
func (c *Catalog) LoadBundleTools(toolsDir string) ([]string, error) {
	fsys := os.DirFS(toolsDir)
	matches, err := doublestar.Glob(fsys, "*.md")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", toolsDir, err)
	}

	var registered []string
	for _, name := range matches {
		specPath := filepath.Join(toolsDir, name)
		toolName, err := c.loadToolSpec(specPath)
		if err != nil {
			logging.ToolsError("bundle tool %s: %v", name, err)
			continue
		}
		if toolName != "" {
			registered = append(registered, toolName)
		}
	}
	return registered, nil
}

// loadToolSpec loads a single tool spec + implementation pair. Returns the
// registered name, or "" if the tool was skipped (already present).
func (c *Catalog) loadToolSpec(specPath string) (string, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return "", err
	}

	var spec ToolSpec
	if _, err := frontmatter.Parse(string(data), &spec); err != nil {
		return "", fmt.Errorf("parse spec: %w", err)
	}
	if spec.Name == "" || spec.Entrypoint == "" {
		return "", fmt.Errorf("spec missing name or entrypoint")
	}

	if c.Has(spec.Name) && !spec.Override {
		logging.ToolsDebug("bundle tool %s already registered, skipping", spec.Name)
		return "", nil
	}

	implPath := strings.TrimSuffix(specPath, ".md") + ".go"
	source, err := os.ReadFile(implPath)
	if err != nil {
		return "", fmt.Errorf("read implementation %s: %w", implPath, err)
	}

	handler, err := InterpretTool(string(source), spec.Entrypoint)
	if err != nil {
		return "", fmt.Errorf("interpret %s: %w", implPath, err)
	}

	tool := &Tool{
		Name:         spec.Name,
		Description:  spec.Description,
		ModeRequired: Mode(spec.ModeRequired),
		Handler:      handler,
	}
	if spec.Override {
		err = c.Override(tool)
	} else {
		err = c.Register(tool)
	}
	if err != nil {
		return "", err
	}
	logging.Tools("loaded bundle tool %s from %s", spec.Name, specPath)
	return spec.Name, nil
}

// InterpretTool evaluates Go source in a sandboxed interpreter and wraps the
// named entrypoint as a Handler. The entrypoint signature is
// func(map[string]interface{}) (string, error); the wrapper adds the context
// timeout boundary.
func InterpretTool(source, entrypoint string) (Handler, error) {
	if err := validateImports(source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}

	if !strings.Contains(source, "package ") {
		source = "package main\n\n" + source
	}
	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("evaluate tool source: %w", err)
	}

	pkg := packageName(source)
	v, err := i.Eval(pkg + "." + entrypoint)
	if err != nil {
		return nil, fmt.Errorf("entrypoint %s not found: %w", entrypoint, err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) (string, error))
	if !ok {
		return nil, fmt.Errorf("entrypoint %s has wrong signature (want func(map[string]interface{}) (string, error))", entrypoint)
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		resultChan := make(chan string, 1)
		errChan := make(chan error, 1)
		go func() {
			out, err := fn(args)
			if err != nil {
				errChan <- err
				return
			}
			resultChan <- out
		}()
		select {
		case out := <-resultChan:
			return out, nil
		case err := <-errChan:
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("interpreted tool timed out: %w", ctx.Err())
		}
	}, nil
}

// ValidateSandboxImports rejects source importing anything off the sandbox
// whitelist. The forge reuses this check before sandbox test runs.
func ValidateSandboxImports(source string) error {
	return validateImports(source)
}

// validateImports rejects source importing anything off the whitelist.
func validateImports(source string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			pkg := strings.Trim(trimmed, `"`)
			if pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v (stdlib whitelist only)", forbidden)
	}
	return nil
}

func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return "main"
}
