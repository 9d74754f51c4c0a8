package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RegisterLocalFileTools registers file.read and file.write confined to root.
// Paths that escape root resolve to a blocked result rather than an error so
// the loops can route around them.
func (c *Catalog) RegisterLocalFileTools(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	read := &Tool{
		Name:         "file.read",
		Description:  "Read a file from the workspace",
		ModeRequired: ModeAny,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, ok := args["path"].(string)
			if !ok || path == "" {
				return nil, fmt.Errorf("file.read: path argument required")
			}
			resolved, err := confine(abs, path)
			if err != nil {
				return map[string]any{"status": StatusBlocked, "reason": err.Error()}, nil
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("file.read: %w", err)
			}
			return map[string]any{"content": string(data), "path": path}, nil
		},
	}

	write := &Tool{
		Name:         "file.write",
		Description:  "Write a file inside the workspace",
		ModeRequired: ModeCode,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path, ok := args["path"].(string)
			if !ok || path == "" {
				return nil, fmt.Errorf("file.write: path argument required")
			}
			content, _ := args["content"].(string)
			resolved, err := confine(abs, path)
			if err != nil {
				return map[string]any{"status": StatusBlocked, "reason": err.Error()}, nil
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("file.write: %w", err)
			}
			return map[string]any{"path": path, "bytes": len(content)}, nil
		},
	}

	if err := c.Override(read); err != nil {
		return err
	}
	return c.Override(write)
}

// confine resolves path under root and rejects escapes.
func confine(root, path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}
