package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/catalog"
	"conductor/internal/logging"
	"conductor/internal/planstate"
)

// CreateRequest is a proposed tool: its spec, implementation source, and
// sandbox tests. SkipTests bypasses the sandbox step; the tool still has to
// pass spec validation and the import whitelist.
type CreateRequest struct {
	Spec           map[string]any
	Implementation string
	Tests          []TestFile
	SkipTests      bool
}

// CreateResult reports a successful creation.
type CreateResult struct {
	Tool     string
	Files    []string
	Warnings []string
}

// Forge drives the self-extension pipeline: validate, backup, write, sandbox
// test, then register — or roll every write back.
type Forge struct {
	catalog   *catalog.Catalog
	planState *planstate.Manager
	backups   *BackupManager
	sandbox   *Sandbox
	toolsDir  string
}

// Config bounds the forge.
type Config struct {
	ToolsDir    string
	TestTimeout time.Duration
	KeepBackups int
}

// New creates a forge writing tools under cfg.ToolsDir. ps may be nil;
// failures are then only logged.
func New(cat *catalog.Catalog, ps *planstate.Manager, cfg Config) *Forge {
	return &Forge{
		catalog:   cat,
		planState: ps,
		backups:   NewBackupManager(cfg.ToolsDir, cfg.KeepBackups),
		sandbox:   NewSandbox(cfg.TestTimeout),
		toolsDir:  cfg.ToolsDir,
	}
}

// CreateTool runs the full pipeline for one proposed tool. Any failure after
// the write step restores backups and deletes the new files, then records
// the failure in plan state.
func (f *Forge) CreateTool(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	name, _ := req.Spec["name"].(string)

	vr := ValidateSpec(req.Spec)
	if !vr.OK() {
		reason := "spec validation: " + strings.Join(vr.Errors, "; ")
		f.recordFailure(name, reason, nil)
		return nil, fmt.Errorf("%s", reason)
	}
	for _, w := range vr.Warnings {
		logging.Forge("tool %s: %s", name, w)
	}

	entrypoint, _ := req.Spec["entrypoint"].(string)
	if _, err := catalog.InterpretTool(req.Implementation, entrypoint); err != nil {
		reason := fmt.Sprintf("implementation rejected: %v", err)
		f.recordFailure(name, reason, nil)
		return nil, fmt.Errorf("%s", reason)
	}

	specPath := filepath.Join(f.toolsDir, name+".md")
	implPath := filepath.Join(f.toolsDir, name+".go")

	// Snapshot anything we are about to overwrite.
	snapshots := map[string]string{}
	for _, path := range []string{specPath, implPath} {
		snap, err := f.backups.Backup(path)
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", path, err)
		}
		if snap != "" {
			snapshots[path] = snap
		}
	}

	specDoc, err := renderSpec(req.Spec)
	if err != nil {
		return nil, fmt.Errorf("render spec: %w", err)
	}
	if err := os.MkdirAll(f.toolsDir, 0755); err != nil {
		return nil, err
	}
	written := []string{specPath, implPath}
	if err := os.WriteFile(specPath, []byte(specDoc), 0644); err != nil {
		return nil, fmt.Errorf("write spec: %w", err)
	}
	if err := os.WriteFile(implPath, []byte(req.Implementation), 0644); err != nil {
		f.rollback(name, "write failed", written, snapshots)
		return nil, fmt.Errorf("write implementation: %w", err)
	}

	if req.SkipTests {
		logging.Forge("tool %s: sandbox tests skipped by request", name)
		vr.Warnings = append(vr.Warnings, "sandbox tests skipped")
	} else if err := f.sandbox.Run(ctx, req.Implementation, req.Tests); err != nil {
		reason := fmt.Sprintf("sandbox tests failed: %v", err)
		f.rollback(name, reason, written, snapshots)
		return nil, fmt.Errorf("%s", reason)
	}

	if _, err := f.catalog.LoadBundleTools(f.toolsDir); err != nil {
		reason := fmt.Sprintf("registration failed: %v", err)
		f.rollback(name, reason, written, snapshots)
		return nil, fmt.Errorf("%s", reason)
	}
	if !f.catalog.Has(name) {
		reason := "registration failed: tool not present after load"
		f.rollback(name, reason, written, snapshots)
		return nil, fmt.Errorf("%s", reason)
	}

	logging.Forge("created tool %s (%d test files passed)", name, len(req.Tests))
	return &CreateResult{Tool: name, Files: written, Warnings: vr.Warnings}, nil
}

// rollback restores overwritten files from their snapshots and deletes files
// that did not exist before, then records the failure.
func (f *Forge) rollback(name, reason string, written []string, snapshots map[string]string) {
	for _, path := range written {
		if snap, ok := snapshots[path]; ok {
			if err := f.backups.Restore(snap, path); err != nil {
				logging.ForgeError("rollback restore %s: %v", path, err)
			}
		} else {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logging.ForgeError("rollback remove %s: %v", path, err)
			}
		}
	}
	f.recordFailure(name, reason, written)
	logging.Forge("rolled back tool %s: %s", name, reason)
}

func (f *Forge) recordFailure(name, reason string, paths []string) {
	if f.planState != nil {
		if err := f.planState.RecordToolCreationFailure(name, reason, paths); err != nil {
			logging.ForgeError("record failure: %v", err)
		}
	}
}

// renderSpec serializes the spec map as the frontmatter of the tool's .md
// file, with the description repeated as the body.
func renderSpec(spec map[string]any) (string, error) {
	header, err := yaml.Marshal(spec)
	if err != nil {
		return "", err
	}
	desc, _ := spec["description"].(string)
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	if desc != "" {
		sb.WriteString(desc)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
