// Package workflow implements the workflow registry and step runner:
// YAML-fronted markdown workflows with typed inputs/outputs, {{var}}
// interpolation, an ordered step list, success criteria, and fallbacks.
package workflow

import (
	"fmt"
	"os"

	"conductor/internal/frontmatter"
)

// Trigger matches a workflow to a request: either an arbitrary string or an
// intent marker.
type Trigger struct {
	Text   string
	Intent string
}

// UnmarshalYAML accepts both plain strings ("intent:<x>" included) and
// {intent: ...} objects.
func (t *Trigger) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		if len(s) > 7 && s[:7] == "intent:" {
			t.Intent = s[7:]
		} else {
			t.Text = s
		}
		return nil
	}
	var obj struct {
		Intent string `yaml:"intent"`
	}
	if err := unmarshal(&obj); err != nil {
		return err
	}
	t.Intent = obj.Intent
	return nil
}

// Input declares one typed workflow input.
type Input struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`

	// From binds the input to a pipeline source: original_query,
	// section_N, or content_reference.<field>.
	From string `yaml:"from"`
}

// Output declares one typed workflow output.
type Output struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Step is one tool invocation in the workflow's ordered list.
type Step struct {
	Name      string         `yaml:"name"`
	Tool      string         `yaml:"tool"`
	Args      map[string]any `yaml:"args"`
	Outputs   []string       `yaml:"outputs"`
	Condition string         `yaml:"condition"`
}

// Fallback names a workflow to suggest (never auto-executed) or a message
// to surface when success criteria fail.
type Fallback struct {
	Workflow string `yaml:"workflow"`
	Message  string `yaml:"message"`
}

// Workflow is a parsed workflow definition.
type Workflow struct {
	Name            string    `yaml:"name"`
	Version         string    `yaml:"version"`
	Category        string    `yaml:"category"`
	Description     string    `yaml:"description"`
	Triggers        []Trigger `yaml:"triggers"`
	Tools           []string  `yaml:"tools"`
	ToolBundle      string    `yaml:"tool_bundle"`
	Inputs          []Input   `yaml:"inputs"`
	Outputs         []Output  `yaml:"outputs"`
	Steps           []Step    `yaml:"steps"`
	SuccessCriteria []string  `yaml:"success_criteria"`
	Fallback        *Fallback `yaml:"fallback"`
	Bootstrap       bool      `yaml:"bootstrap"`

	// Body is the markdown documentation below the frontmatter.
	Body string `yaml:"-"`

	// Path is where the definition was loaded from.
	Path string `yaml:"-"`
}

// ParseFile loads and validates a workflow definition.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(string(data), path)
}

// Parse parses workflow markdown content.
func Parse(content, path string) (*Workflow, error) {
	var wf Workflow
	body, err := frontmatter.Parse(content, &wf)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	wf.Body = body
	wf.Path = path

	if wf.Name == "" {
		return nil, fmt.Errorf("workflow %s: missing name", path)
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s: no steps", wf.Name)
	}
	for i, step := range wf.Steps {
		if step.Tool == "" {
			return nil, fmt.Errorf("workflow %s: step %d has no tool", wf.Name, i)
		}
	}
	return &wf, nil
}
