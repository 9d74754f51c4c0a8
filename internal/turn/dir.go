// Package turn implements the per-request filesystem layout: turn directory
// allocation, document naming, path resolution, and manifest accounting.
//
// A turn directory is named turn_NNNNNN (zero-padded, monotonically
// increasing per base path) and holds every artifact the request produced.
package turn

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"conductor/internal/logging"
)

// PathType selects how a document path is resolved.
type PathType string

const (
	// PathTurnLocal resolves inside the turn directory.
	PathTurnLocal PathType = "turn_local"

	// PathRepoRelative resolves against the repo scope (code mode).
	PathRepoRelative PathType = "repo_relative"

	// PathAbsolute is used verbatim.
	PathAbsolute PathType = "absolute"

	// PathSession resolves against the session directory; the literal
	// "{session_id}" placeholder in the name is substituted.
	PathSession PathType = "session"
)

// Canonical per-turn document names.
const (
	DocUserQuery        = "user_query.md"
	DocManifest         = "manifest.json"
	DocContext          = "context.md"
	DocQueryAnalysis    = "query_analysis.json"
	DocConstraints      = "constraints.json"
	DocPlanState        = "plan_state.json"
	DocToolResults      = "toolresults.md"
	DocTicket           = "ticket.md"
	DocSelfExtension    = "self_extension.json"
	DocExecutionState   = "execution_state.json"
	DocArtifactManifest = "artifact_manifest.json"
	DocRetryContext     = "retry_context.json"
)

// Dir is one turn directory, owned exclusively by its request.
type Dir struct {
	mu sync.Mutex

	// ID is the directory name (turn_000001).
	ID string

	// Number is the numeric part of ID.
	Number int

	// Path is the absolute/relative filesystem path of the turn directory.
	Path string

	basePath  string
	repoPath  string
	sessionID string

	manifest *Manifest
}

var allocMu sync.Mutex

// Allocate creates the next turn directory under basePath and writes
// user_query.md plus an initial manifest.
func Allocate(basePath, sessionID, traceID, mode, query string) (*Dir, error) {
	allocMu.Lock()
	defer allocMu.Unlock()

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create turns base: %w", err)
	}

	next := maxExistingTurn(basePath) + 1
	id := fmt.Sprintf("turn_%06d", next)
	path := filepath.Join(basePath, id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create turn dir: %w", err)
	}

	d := &Dir{
		ID:        id,
		Number:    next,
		Path:      path,
		basePath:  basePath,
		sessionID: sessionID,
		manifest:  newManifest(id, sessionID, traceID, mode),
	}

	if err := d.WriteDoc(DocUserQuery, []byte(query)); err != nil {
		return nil, err
	}
	logging.Turn("Allocated %s (session=%s trace=%s mode=%s)", id, sessionID, traceID, mode)
	return d, nil
}

// Open loads an existing turn directory and its manifest.
func Open(basePath, id string) (*Dir, error) {
	path := filepath.Join(basePath, id)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("turn %s not found under %s", id, basePath)
	}

	m, err := loadManifest(filepath.Join(path, DocManifest))
	if err != nil {
		return nil, err
	}

	num := 0
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "turn_")); err == nil {
		num = n
	}
	return &Dir{ID: id, Number: num, Path: path, basePath: basePath, sessionID: m.SessionID, manifest: m}, nil
}

// List returns the turn directory names under basePath in ascending order.
func List(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "turn_") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func maxExistingTurn(basePath string) int {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "turn_") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, "turn_")); err == nil && n > max {
			max = n
		}
	}
	return max
}

// SetRepo sets the repo scope used by repo-relative path resolution.
func (d *Dir) SetRepo(repoPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.repoPath = repoPath
}

// DocPath resolves a document name against the chosen scope.
func (d *Dir) DocPath(name string, pathType PathType) string {
	switch pathType {
	case PathRepoRelative:
		d.mu.Lock()
		repo := d.repoPath
		d.mu.Unlock()
		return filepath.Join(repo, name)
	case PathAbsolute:
		return name
	case PathSession:
		resolved := strings.ReplaceAll(name, "{session_id}", d.sessionID)
		return filepath.Join(d.basePath, "sessions", d.sessionID, resolved)
	default:
		return filepath.Join(d.Path, name)
	}
}

// WriteDoc writes a turn-local document and records it in the manifest.
// The manifest is persisted after every mutation.
func (d *Dir) WriteDoc(name string, content []byte) error {
	path := filepath.Join(d.Path, name)
	if dir := filepath.Dir(path); dir != d.Path {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create doc dir: %w", err)
		}
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	d.mu.Lock()
	d.manifest.addCreated(name)
	d.mu.Unlock()
	logging.TurnDebug("%s: wrote %s (%d bytes)", d.ID, name, len(content))
	return d.saveManifest()
}

// ReadDoc reads a turn-local document.
func (d *Dir) ReadDoc(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Path, name))
}

// HasDoc reports whether a turn-local document exists.
func (d *Dir) HasDoc(name string) bool {
	_, err := os.Stat(filepath.Join(d.Path, name))
	return err == nil
}

// Reference records a document the turn read but did not create.
func (d *Dir) Reference(name string) {
	d.mu.Lock()
	d.manifest.addReferenced(name)
	d.mu.Unlock()
	_ = d.saveManifest()
}

// RecordTokens adds token usage for a phase.
func (d *Dir) RecordTokens(phase string, tokens int) {
	d.mu.Lock()
	if d.manifest.TokensByPhase == nil {
		d.manifest.TokensByPhase = make(map[string]int)
	}
	d.manifest.TokensByPhase[phase] += tokens
	d.mu.Unlock()
	_ = d.saveManifest()
}

// RecordCacheHit increments the cache-hit counter.
func (d *Dir) RecordCacheHit() {
	d.mu.Lock()
	d.manifest.CacheHits++
	d.mu.Unlock()
	_ = d.saveManifest()
}

// Manifest returns a copy of the current manifest.
func (d *Dir) Manifest() Manifest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manifest.clone()
}

// SessionID returns the owning session id.
func (d *Dir) SessionID() string { return d.sessionID }

// Finalize seals the turn with the given status and stamps archived_at.
func (d *Dir) Finalize(status Status) error {
	d.mu.Lock()
	d.manifest.finalize(status)
	d.mu.Unlock()
	logging.Turn("%s: finalized status=%s", d.ID, status)
	return d.saveManifest()
}

func (d *Dir) saveManifest() error {
	d.mu.Lock()
	data, err := d.manifest.marshal()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.Path, DocManifest), data, 0644)
}
