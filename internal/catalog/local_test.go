package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileTools(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))

	c := New()
	require.NoError(t, c.RegisterLocalFileTools(root))

	res := c.Execute(context.Background(), "file.read", ModeChat, map[string]any{"path": "notes.txt"})
	assert.Equal(t, StatusSuccess, res["status"])
	assert.Equal(t, "hello", res["content"])

	res = c.Execute(context.Background(), "file.write", ModeCode, map[string]any{
		"path": "out/result.txt", "content": "written",
	})
	assert.Equal(t, StatusSuccess, res["status"])
	data, err := os.ReadFile(filepath.Join(root, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestLocalFileWriteNeedsCodeMode(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterLocalFileTools(t.TempDir()))

	res := c.Execute(context.Background(), "file.write", ModeChat, map[string]any{
		"path": "x.txt", "content": "nope",
	})
	assert.Equal(t, StatusDenied, res["status"])
}

func TestLocalFileToolsConfinement(t *testing.T) {
	root := t.TempDir()
	c := New()
	require.NoError(t, c.RegisterLocalFileTools(root))

	for _, path := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		res := c.Execute(context.Background(), "file.read", ModeChat, map[string]any{"path": path})
		assert.Equal(t, StatusBlocked, res["status"], "path %q must be blocked", path)
	}
}

func TestLocalFileToolsMissingArgs(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterLocalFileTools(t.TempDir()))

	res := c.Execute(context.Background(), "file.read", ModeChat, nil)
	assert.Equal(t, StatusError, res["status"])
}
