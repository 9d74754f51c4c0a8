// Package gate implements per-call permission checks and the user-approval
// rendezvous. A tool call's decision to execute is determined by the current
// mode and scope; failures block the call before it reaches the tool.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/catalog"
	"conductor/internal/logging"
)

// Verdict is the gate's decision for one call.
type Verdict string

const (
	Allowed       Verdict = "ALLOWED"
	Denied        Verdict = "DENIED"
	NeedsApproval Verdict = "NEEDS_APPROVAL"
)

// Decision is the full gate outcome.
type Decision struct {
	Verdict   Verdict
	Reason    string
	RequestID string
}

// PendingRequest is published when a call needs user approval.
type PendingRequest struct {
	RequestID string
	Tool      string
	Args      map[string]any
	SessionID string
	CreatedAt time.Time
}

// Gate validates tool calls against mode and repo scope and brokers
// approvals.
type Gate struct {
	catalog *catalog.Catalog

	mu sync.Mutex
	// approvalRequired lists tools that always need user sign-off.
	approvalRequired map[string]bool
	// pending holds in-flight approval rendezvous.
	pending map[string]chan bool
	// listeners receive published pending requests (UI side channel).
	listeners []func(PendingRequest)

	approvalTimeout time.Duration
}

// New creates a gate over the catalog.
func New(cat *catalog.Catalog, approvalTimeout time.Duration) *Gate {
	if approvalTimeout == 0 {
		approvalTimeout = 180 * time.Second
	}
	return &Gate{
		catalog: cat,
		approvalRequired: map[string]bool{
			"git.push":    true,
			"git.commit":  true,
			"file.delete": true,
		},
		pending:         make(map[string]chan bool),
		approvalTimeout: approvalTimeout,
	}
}

// RequireApproval marks a tool as needing user approval for every call.
func (g *Gate) RequireApproval(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approvalRequired[tool] = true
}

// Subscribe registers a listener for pending approval requests.
func (g *Gate) Subscribe(fn func(PendingRequest)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Check validates one call. Repo-scoped tools (git.*, file.* with
// repo-relative paths) are denied outside code mode; approval-listed tools
// get a NEEDS_APPROVAL with a fresh request id.
func (g *Gate) Check(tool string, args map[string]any, mode catalog.Mode, sessionID string) Decision {
	name := g.catalog.Resolve(tool)

	if t := g.catalog.Get(name); t != nil {
		if mode != "" && t.ModeRequired != catalog.ModeAny && t.ModeRequired != mode {
			reason := fmt.Sprintf("tool %s requires mode %s", name, t.ModeRequired)
			logging.GateDebug("DENIED %s: %s", name, reason)
			return Decision{Verdict: Denied, Reason: reason}
		}
	}

	// Repo-scoped namespaces stay inside code mode.
	ns := catalog.Namespace(name)
	if ns == "git" && mode != catalog.ModeCode {
		reason := fmt.Sprintf("tool %s is repo-scoped and requires code mode", name)
		logging.GateDebug("DENIED %s: %s", name, reason)
		return Decision{Verdict: Denied, Reason: reason}
	}

	// Repo escape check for file tools.
	if ns == "file" {
		if p, ok := args["path"].(string); ok && strings.Contains(p, "..") {
			reason := fmt.Sprintf("path %q escapes the repo scope", p)
			logging.GateDebug("DENIED %s: %s", name, reason)
			return Decision{Verdict: Denied, Reason: reason}
		}
	}

	g.mu.Lock()
	needsApproval := g.approvalRequired[name]
	g.mu.Unlock()
	if needsApproval {
		id := uuid.NewString()
		logging.GateDebug("NEEDS_APPROVAL %s request=%s", name, id)
		g.publish(PendingRequest{
			RequestID: id,
			Tool:      name,
			Args:      args,
			SessionID: sessionID,
			CreatedAt: time.Now(),
		})
		return Decision{Verdict: NeedsApproval, RequestID: id}
	}

	return Decision{Verdict: Allowed}
}

// publish announces a pending request and opens its rendezvous channel.
func (g *Gate) publish(req PendingRequest) {
	g.mu.Lock()
	g.pending[req.RequestID] = make(chan bool, 1)
	listeners := append([]func(PendingRequest){}, g.listeners...)
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(req)
	}
}

// Respond fulfills a pending approval. Unknown ids are ignored.
func (g *Gate) Respond(requestID string, approve bool) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if ok {
		select {
		case ch <- approve:
		default:
		}
	}
}

// Await blocks on the approval rendezvous. A deny or a timeout yields
// approval_denied (false).
func (g *Gate) Await(ctx context.Context, requestID string) bool {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	defer func() {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.approvalTimeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		logging.GateDebug("approval %s resolved: %v", requestID, approved)
		return approved
	case <-timer.C:
		logging.GateDebug("approval %s timed out, treating as denied", requestID)
		return false
	case <-ctx.Done():
		return false
	}
}
