// Package loop implements the three nested control loops: the planning loop
// routes a strategic plan, the executor loop turns plan steps into commands,
// and the coordinator loop drives workflows per command. All three share the
// research guard, circular-call detection, and the intervention rendezvous.
package loop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
)

// ResearchGuard blocks duplicate research calls and tracks exhaustion. A
// second identical query inside one turn is refused outright; after any
// research attempt comes back with zero findings, research is exhausted for
// the turn.
type ResearchGuard struct {
	mu        sync.Mutex
	seen      map[string]bool
	exhausted bool
	calls     int
	maxCalls  int
}

// NewResearchGuard creates a guard with a per-turn call cap (0 = no cap).
func NewResearchGuard(maxCalls int) *ResearchGuard {
	return &ResearchGuard{seen: make(map[string]bool), maxCalls: maxCalls}
}

// Allow reports whether a research call with this query may proceed, with a
// refusal reason when not.
func (g *ResearchGuard) Allow(query string) (bool, string) {
	key := strings.ToLower(strings.TrimSpace(query))
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exhausted {
		return false, "research exhausted: a prior attempt returned no findings"
	}
	if g.seen[key] {
		return false, "already called with same query"
	}
	if g.maxCalls > 0 && g.calls >= g.maxCalls {
		return false, "research call cap reached"
	}
	return true, ""
}

// Record marks a research call as made and, when it returned no findings,
// flips the exhausted flag.
func (g *ResearchGuard) Record(query string, findings int) {
	key := strings.ToLower(strings.TrimSpace(query))
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key] = true
	g.calls++
	if findings == 0 {
		g.exhausted = true
		logging.LoopWarn("research exhausted after empty result for %q", query)
	}
}

// Exhausted reports whether research has been marked exhausted.
func (g *ResearchGuard) Exhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exhausted
}

// Calls returns how many research calls have been made.
func (g *ResearchGuard) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// CallHistory detects circular call patterns over (tool, args) steps.
type CallHistory struct {
	mu    sync.Mutex
	steps []string
}

// NewCallHistory creates an empty history.
func NewCallHistory() *CallHistory {
	return &CallHistory{}
}

// ArgsHash produces a stable hash of a call's arguments.
func ArgsHash(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		if data, err := json.Marshal(args[k]); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Push appends a call and reports whether it closes a circular pattern:
// any 4-step window where steps[i]==steps[i+2] and steps[i+1]==steps[i+3]
// (which covers both A-B-A-B and A-A-A-A), or three identical calls in a
// row.
func (h *CallHistory) Push(tool string, args map[string]any) bool {
	key := tool + "#" + ArgsHash(args)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, key)

	n := len(h.steps)
	if n >= 3 && h.steps[n-1] == h.steps[n-2] && h.steps[n-2] == h.steps[n-3] {
		logging.LoopWarn("circular call detected: %s repeated 3x", tool)
		return true
	}
	if n >= 4 && h.steps[n-4] == h.steps[n-2] && h.steps[n-3] == h.steps[n-1] {
		logging.LoopWarn("circular call detected: alternating pattern ending in %s", tool)
		return true
	}
	return false
}

// Len returns the number of recorded calls.
func (h *CallHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.steps)
}

// Intervention choices for category-B (critical) tool failures.
const (
	InterventionProceed = "proceed"
	InterventionSkip    = "skip"
	InterventionCancel  = "cancel"
)

// criticalFailureMarkers classify a tool error as category B: the loop must
// ask the user instead of retrying.
var criticalFailureMarkers = []string{
	"authentication", "unauthorized", "permission", "forbidden",
	"service unavailable", "service_unavailable", "rate limit", "rate_limit",
	"invalid tool", "invalid_tool", "unknown tool", "schema validation", "schema_validation",
}

// IsCriticalFailure reports whether an error string matches the category-B
// taxonomy.
func IsCriticalFailure(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range criticalFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// InterventionRequest is published to listeners when a loop needs a user
// decision.
type InterventionRequest struct {
	RequestID string
	Tool      string
	Reason    string
	Choices   []string
}

// Intervention is the rendezvous for category-B failures: the loop blocks
// until the user answers proceed/skip/cancel, or the timeout elapses and the
// answer defaults to skip.
type Intervention struct {
	mu        sync.Mutex
	pending   map[string]chan string
	listeners []chan InterventionRequest
	timeout   time.Duration
}

// NewIntervention creates a rendezvous with the given timeout.
func NewIntervention(timeout time.Duration) *Intervention {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Intervention{pending: make(map[string]chan string), timeout: timeout}
}

// Subscribe returns a channel receiving intervention requests.
func (iv *Intervention) Subscribe() <-chan InterventionRequest {
	ch := make(chan InterventionRequest, 4)
	iv.mu.Lock()
	iv.listeners = append(iv.listeners, ch)
	iv.mu.Unlock()
	return ch
}

// Respond answers a pending intervention.
func (iv *Intervention) Respond(requestID, choice string) bool {
	iv.mu.Lock()
	ch, ok := iv.pending[requestID]
	if ok {
		delete(iv.pending, requestID)
	}
	iv.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- choice:
	default:
	}
	return true
}

// Ask publishes a request and blocks for the user's choice. Timeout and
// cancellation both resolve to skip.
func (iv *Intervention) Ask(ctx context.Context, tool, reason string) string {
	id := uuid.NewString()
	ch := make(chan string, 1)

	iv.mu.Lock()
	iv.pending[id] = ch
	listeners := append([]chan InterventionRequest(nil), iv.listeners...)
	iv.mu.Unlock()

	req := InterventionRequest{
		RequestID: id,
		Tool:      tool,
		Reason:    reason,
		Choices:   []string{InterventionProceed, InterventionSkip, InterventionCancel},
	}
	for _, l := range listeners {
		select {
		case l <- req:
		default:
		}
	}
	logging.Loop("intervention requested for %s: %s", tool, reason)

	timer := time.NewTimer(iv.timeout)
	defer timer.Stop()
	select {
	case choice := <-ch:
		return choice
	case <-timer.C:
	case <-ctx.Done():
	}

	iv.mu.Lock()
	delete(iv.pending, id)
	iv.mu.Unlock()
	logging.LoopWarn("intervention for %s timed out, defaulting to skip", tool)
	return InterventionSkip
}
