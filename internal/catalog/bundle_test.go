package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reverseSpec = `---
name: text.reverse
entrypoint: Reverse
mode_required: chat
description: Reverse a string
version: "1.0.0"
---

Reverses the input text rune by rune.
`

const reverseImpl = `package main

func Reverse(args map[string]interface{}) (string, error) {
	text, _ := args["text"].(string)
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}
`

func writeBundleTool(t *testing.T, dir, name, spec, impl string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte(spec), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".go"), []byte(impl), 0o644))
}

func TestLoadBundleTools(t *testing.T) {
	dir := t.TempDir()
	writeBundleTool(t, dir, "text.reverse", reverseSpec, reverseImpl)

	c := New()
	registered, err := c.LoadBundleTools(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"text.reverse"}, registered)

	res := c.Execute(context.Background(), "text.reverse", ModeChat, map[string]any{"text": "abc"})
	assert.Equal(t, StatusSuccess, res["status"])
	assert.Equal(t, "cba", res["result"])
}

func TestLoadBundleToolsSkipsRegistered(t *testing.T) {
	dir := t.TempDir()
	writeBundleTool(t, dir, "text.reverse", reverseSpec, reverseImpl)

	c := New()
	require.NoError(t, c.Register(&Tool{
		Name: "text.reverse",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "builtin", nil
		},
	}))

	registered, err := c.LoadBundleTools(dir)
	require.NoError(t, err)
	assert.Empty(t, registered, "existing tool wins without override")

	res := c.Execute(context.Background(), "text.reverse", ModeChat, map[string]any{"text": "abc"})
	assert.Equal(t, "builtin", res["result"])
}

func TestLoadBundleToolsOverride(t *testing.T) {
	dir := t.TempDir()
	spec := `---
name: text.reverse
entrypoint: Reverse
override: true
---
`
	writeBundleTool(t, dir, "text.reverse", spec, reverseImpl)

	c := New()
	require.NoError(t, c.Register(&Tool{
		Name: "text.reverse",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "builtin", nil
		},
	}))

	registered, err := c.LoadBundleTools(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"text.reverse"}, registered)

	res := c.Execute(context.Background(), "text.reverse", ModeChat, map[string]any{"text": "abc"})
	assert.Equal(t, "cba", res["result"])
}

func TestLoadBundleToolsBadSpecSkipped(t *testing.T) {
	dir := t.TempDir()
	// Missing entrypoint; the loader logs and moves on.
	writeBundleTool(t, dir, "broken", "---\nname: broken.tool\n---\n", reverseImpl)
	writeBundleTool(t, dir, "text.reverse", reverseSpec, reverseImpl)

	c := New()
	registered, err := c.LoadBundleTools(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"text.reverse"}, registered)
	assert.False(t, c.Has("broken.tool"))
}

func TestInterpretToolForbiddenImport(t *testing.T) {
	src := `package main

import "os/exec"

func Run(args map[string]interface{}) (string, error) {
	out, _ := exec.Command("ls").Output()
	return string(out), nil
}
`
	_, err := InterpretTool(src, "Run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden imports")
}

func TestInterpretToolWrongSignature(t *testing.T) {
	src := `package main

func Run(text string) string { return text }
`
	_, err := InterpretTool(src, "Run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong signature")
}

func TestInterpretToolMissingEntrypoint(t *testing.T) {
	_, err := InterpretTool(reverseImpl, "NoSuchFunc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
