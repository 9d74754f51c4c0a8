package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() map[string]any {
	return map[string]any{
		"name":        "text.summarize",
		"entrypoint":  "Summarize",
		"description": "Summarize a block of text",
		"version":     "1.0.0",
		"inputs": []any{
			map[string]any{"name": "text", "type": "string", "required": true},
		},
		"outputs": []any{
			map[string]any{"name": "summary", "type": "string"},
		},
	}
}

func TestValidateSpecOK(t *testing.T) {
	res := ValidateSpec(validSpec())
	assert.True(t, res.OK(), "errors: %v", res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidateSpecMissingRequired(t *testing.T) {
	spec := validSpec()
	delete(spec, "entrypoint")

	res := ValidateSpec(spec)
	require.False(t, res.OK())
	assert.Contains(t, res.Errors[0], "schema")
}

func TestValidateSpecBadEntrypoint(t *testing.T) {
	tests := []string{"summarize", "run-tool", "1Bad", "with space"}
	for _, entry := range tests {
		spec := validSpec()
		spec["entrypoint"] = entry
		res := ValidateSpec(spec)
		assert.False(t, res.OK(), "entrypoint %q should be rejected", entry)
	}
}

func TestValidateSpecBadName(t *testing.T) {
	spec := validSpec()
	spec["name"] = "has space"
	res := ValidateSpec(spec)
	require.False(t, res.OK())
	assert.Contains(t, res.Errors[0], "whitespace")
}

func TestValidateSpecBadVersion(t *testing.T) {
	spec := validSpec()
	spec["version"] = "v1.0"
	res := ValidateSpec(spec)
	assert.False(t, res.OK())
}

func TestValidateSpecBadMode(t *testing.T) {
	spec := validSpec()
	spec["mode_required"] = "root"
	res := ValidateSpec(spec)
	assert.False(t, res.OK())
}

func TestValidateSpecUnknownTypeWarns(t *testing.T) {
	spec := validSpec()
	spec["inputs"] = []any{map[string]any{"name": "blob", "type": "tensor"}}

	res := ValidateSpec(spec)
	assert.True(t, res.OK(), "unknown types warn, never fail")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "tensor")
}
