package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"conductor/internal/catalog"
	"conductor/internal/logging"
)

// ErrNotFound is returned when no workflow matches a name or trigger.
var ErrNotFound = fmt.Errorf("workflow not found")

// Registry indexes workflows by name, intent trigger, and string trigger.
// Bundles register their tools into the shared catalog as they load.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Workflow
	byIntent map[string]string // intent -> workflow name
	triggers map[string]string // lowercased trigger text -> workflow name

	catalog *catalog.Catalog
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates an empty registry. cat may be nil when bundle tools are
// not needed (tests).
func NewRegistry(cat *catalog.Catalog) *Registry {
	return &Registry{
		byName:   make(map[string]*Workflow),
		byIntent: make(map[string]string),
		triggers: make(map[string]string),
		catalog:  cat,
	}
}

// Register adds or replaces a workflow and its trigger indexes.
func (r *Registry) Register(wf *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(wf)
}

func (r *Registry) registerLocked(wf *Workflow) {
	if old, ok := r.byName[wf.Name]; ok {
		r.dropTriggersLocked(old)
	}
	r.byName[wf.Name] = wf
	for _, t := range wf.Triggers {
		if t.Intent != "" {
			r.byIntent[t.Intent] = wf.Name
		}
		if t.Text != "" {
			r.triggers[strings.ToLower(t.Text)] = wf.Name
		}
	}
	logging.Workflow("registered workflow %s (%d steps)", wf.Name, len(wf.Steps))
}

// Unregister removes a workflow and its triggers. Returns ErrNotFound when
// the name is unknown.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.dropTriggersLocked(wf)
	delete(r.byName, name)
	return nil
}

func (r *Registry) dropTriggersLocked(wf *Workflow) {
	for _, t := range wf.Triggers {
		if t.Intent != "" && r.byIntent[t.Intent] == wf.Name {
			delete(r.byIntent, t.Intent)
		}
		if t.Text != "" && r.triggers[strings.ToLower(t.Text)] == wf.Name {
			delete(r.triggers, strings.ToLower(t.Text))
		}
	}
}

// Get returns a workflow by exact name.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return wf, nil
}

// Has reports whether a workflow is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// FindByIntent returns the workflow bound to an intent trigger.
func (r *Registry) FindByIntent(intent string) (*Workflow, error) {
	r.mu.RLock()
	name, ok := r.byIntent[intent]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: intent %s", ErrNotFound, intent)
	}
	return r.Get(name)
}

// Match finds a workflow whose string trigger appears in the query
// (case-insensitive). Exact trigger matches win over substring matches;
// among substring matches the longest trigger wins.
func (r *Registry) Match(query string) (*Workflow, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	r.mu.RLock()
	if name, ok := r.triggers[lower]; ok {
		r.mu.RUnlock()
		return r.Get(name)
	}
	best := ""
	bestName := ""
	for trigger, name := range r.triggers {
		if strings.Contains(lower, trigger) && len(trigger) > len(best) {
			best = trigger
			bestName = name
		}
	}
	r.mu.RUnlock()
	if bestName == "" {
		return nil, ErrNotFound
	}
	return r.Get(bestName)
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CatalogSummary renders the registered workflows as the listing the
// coordinator prompt embeds.
func (r *Registry) CatalogSummary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		wf := r.byName[name]
		sb.WriteString(fmt.Sprintf("- %s: %s\n", wf.Name, wf.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// LoadDir loads every *.md workflow under dir. Parse failures are logged and
// skipped so one bad file cannot take the registry down.
func (r *Registry) LoadDir(dir string) (int, error) {
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, "**/*.md")
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}

	loaded := 0
	for _, name := range matches {
		wf, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			logging.WorkflowError("%v", err)
			continue
		}
		r.Register(wf)
		loaded++
	}
	return loaded, nil
}

// LoadBundles loads every bundle under dir. A bundle is a directory holding
// workflow.md and optionally tools/ with spec+implementation pairs; bundle
// tools register into the catalog before the workflow so its steps resolve.
func (r *Registry) LoadBundles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read bundles dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := r.loadBundle(filepath.Join(dir, entry.Name())); err != nil {
			logging.WorkflowError("bundle %s: %v", entry.Name(), err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (r *Registry) loadBundle(bundleDir string) error {
	wfPath := filepath.Join(bundleDir, "workflow.md")
	wf, err := ParseFile(wfPath)
	if err != nil {
		return err
	}

	toolsDir := filepath.Join(bundleDir, "tools")
	if r.catalog != nil {
		if info, statErr := os.Stat(toolsDir); statErr == nil && info.IsDir() {
			names, loadErr := r.catalog.LoadBundleTools(toolsDir)
			if loadErr != nil {
				return loadErr
			}
			logging.Workflow("bundle %s loaded %d tools", wf.Name, len(names))
		}
	}

	r.Register(wf)
	return nil
}

// SaveAndRegister persists a dynamically created workflow under dir and
// registers it. The file name is the workflow name.
func (r *Registry) SaveAndRegister(wf *Workflow, content, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, wf.Name+".md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("persist workflow: %w", err)
	}
	wf.Path = path
	r.Register(wf)
	return nil
}

// Watch reloads bundles when their directory changes. Events are debounced
// because editors fire several per save.
func (r *Registry) Watch(bundlesDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(bundlesDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", bundlesDir, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if n, err := r.LoadBundles(bundlesDir); err != nil {
					logging.WorkflowError("bundle reload: %v", err)
				} else {
					logging.Workflow("bundle reload: %d bundles", n)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.WorkflowError("watcher: %v", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Close stops the bundle watcher if one is running.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
}
