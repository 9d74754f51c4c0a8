// Package forge implements self-extension: validating, sandbox-testing, and
// registering new tools at runtime, with backup and rollback around every
// write.
package forge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolSpecSchema is the structural contract for a proposed tool spec.
const toolSpecSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "entrypoint", "inputs", "outputs"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "entrypoint": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "mode_required": {"enum": ["code", "chat", "any"]},
    "inputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "required": {"type": "boolean"}
        }
      }
    },
    "outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string"}
        }
      }
    }
  }
}`

var (
	identifierRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
	versionRe    = regexp.MustCompile(`^\d+(\.\d+){0,2}$`)

	specSchema = mustCompileSchema()
)

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(toolSpecSchema))
	if err != nil {
		panic(fmt.Sprintf("tool spec schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("toolspec.json", doc); err != nil {
		panic(fmt.Sprintf("tool spec schema: %v", err))
	}
	s, err := c.Compile("toolspec.json")
	if err != nil {
		panic(fmt.Sprintf("tool spec schema: %v", err))
	}
	return s
}

// knownTypes for input/output declarations. Unknown types warn, never fail.
var knownTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"object": true, "array": true, "any": true,
}

// ValidationResult carries hard errors and soft warnings for a proposed
// spec.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the spec passed with no hard errors.
func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateSpec checks a proposed tool spec: schema shape, entrypoint
// identifier form, version format, and type sanity.
func ValidateSpec(spec map[string]any) *ValidationResult {
	res := &ValidationResult{}

	if err := specSchema.Validate(spec); err != nil {
		res.errorf("spec schema: %v", err)
		return res
	}

	name, _ := spec["name"].(string)
	entrypoint, _ := spec["entrypoint"].(string)

	if strings.ContainsAny(name, " \t/\\") {
		res.errorf("tool name %q contains whitespace or path separators", name)
	}
	if !identifierRe.MatchString(entrypoint) {
		res.errorf("entrypoint %q is not an exported Go identifier", entrypoint)
	}
	if version, ok := spec["version"].(string); ok && version != "" && !versionRe.MatchString(version) {
		res.errorf("version %q is not dotted-numeric", version)
	}

	checkDeclTypes(res, spec, "inputs")
	checkDeclTypes(res, spec, "outputs")
	return res
}

func checkDeclTypes(res *ValidationResult, spec map[string]any, field string) {
	decls, _ := spec[field].([]any)
	for _, d := range decls {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["type"].(string); ok && t != "" && !knownTypes[strings.ToLower(t)] {
			res.warnf("%s %v has unknown type %q", field, m["name"], t)
		}
	}
}
