// Package toolexec implements the single tool-call contract: constraint
// check, permission gate, argument enrichment, invocation, and claim
// extraction.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/internal/catalog"
	"conductor/internal/constraint"
	"conductor/internal/contextdoc"
	"conductor/internal/gate"
	"conductor/internal/logging"
	"conductor/internal/planstate"
	"conductor/internal/turn"
)

// Result is the normalized outcome of one tool call.
type Result struct {
	Tool          string             `json:"tool"`
	Status        string             `json:"status"`
	Description   string             `json:"description,omitempty"`
	RawResult     map[string]any     `json:"raw_result,omitempty"`
	Claims        []contextdoc.Claim `json:"claims,omitempty"`
	ResolvedQuery string             `json:"resolved_query,omitempty"`
	Reason        string             `json:"reason,omitempty"`

	// UnsourcedClaims counts claims the tool returned without url or
	// source_ref. They never enter the context document; the coordinator
	// treats any nonzero count as a critical failure.
	UnsourcedClaims int `json:"unsourced_claims,omitempty"`
}

// Config bounds tool execution.
type Config struct {
	Timeout         time.Duration
	ResearchTimeout time.Duration
}

// DefaultConfig returns the standing timeouts: research tools get the long
// bound, everything else the ordinary one.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Minute,
		ResearchTimeout: 60 * time.Minute,
	}
}

// Executor runs single tool calls for one turn.
type Executor struct {
	catalog   *catalog.Catalog
	gate      *gate.Gate
	planState *planstate.Manager
	doc       *contextdoc.Document
	turnDir   *turn.Dir
	cfg       Config

	// phase labels violations for plan-state attribution.
	phase string
}

// New creates an executor bound to one turn.
func New(cat *catalog.Catalog, g *gate.Gate, ps *planstate.Manager, doc *contextdoc.Document, dir *turn.Dir, cfg Config) *Executor {
	if cfg.Timeout == 0 {
		cfg = DefaultConfig()
	}
	return &Executor{catalog: cat, gate: g, planState: ps, doc: doc, turnDir: dir, cfg: cfg, phase: "execution"}
}

// SetPhase sets the phase label used in violation records.
func (e *Executor) SetPhase(phase string) { e.phase = phase }

// isResearchTool reports whether the tool gets the long timeout and the
// research context enrichment.
func isResearchTool(name string) bool {
	ns := catalog.Namespace(name)
	return ns == "internet" || ns == "browser" || strings.HasSuffix(name, ".research")
}

// Execute runs one tool call through the full contract.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) (*Result, error) {
	name := e.catalog.Resolve(toolName)

	// 1. Constraint check against the turn's persisted constraints.
	set, err := constraint.Load(e.turnDir.DocPath(turn.DocConstraints, turn.PathTurnLocal))
	if err != nil {
		return nil, fmt.Errorf("load constraints: %w", err)
	}
	checker := constraint.NewChecker(set)
	if v := checker.Check(name, args, e.doc.Query); v != nil {
		if e.planState != nil {
			_ = e.planState.RecordViolation(v.ConstraintID, v.Reason, e.phase)
		}
		logging.Tools("blocked %s: %s", name, v.Reason)
		return &Result{Tool: name, Status: catalog.StatusBlocked, Reason: v.Reason}, nil
	}

	// 2. Permission gate, with the approval rendezvous when required.
	decision := e.gate.Check(name, args, catalog.Mode(e.doc.Mode), e.doc.SessionID)
	switch decision.Verdict {
	case gate.Denied:
		return &Result{Tool: name, Status: catalog.StatusDenied, Reason: decision.Reason}, nil
	case gate.NeedsApproval:
		if !e.gate.Await(ctx, decision.RequestID) {
			return &Result{Tool: name, Status: catalog.StatusDenied, Reason: "approval_denied"}, nil
		}
	}

	// 3. Enrich the request.
	enriched := e.enrich(name, args)
	resolvedQuery, _ := enriched["query"].(string)

	// 4. Invoke with the per-class timeout.
	timeout := e.cfg.Timeout
	if isResearchTool(name) {
		timeout = e.cfg.ResearchTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw := e.catalog.Execute(callCtx, name, catalog.Mode(e.doc.Mode), enriched)
	status, _ := raw["status"].(string)

	// 5. Extract claims; unsourced claims are dropped and reported, claims
	// citing a blocked URL are dropped silently.
	claims, unsourced := extractClaims(raw, name)
	kept := claims[:0]
	for _, c := range claims {
		if err := e.doc.AddClaim(c); err != nil {
			if errors.Is(err, contextdoc.ErrBlockedURL) {
				logging.Tools("tool %s: dropped claim citing blocked url %s", name, c.URL)
				continue
			}
			unsourced++
			continue
		}
		kept = append(kept, c)
	}
	if unsourced > 0 {
		logging.Tools("tool %s returned %d unsourced claims (rejected)", name, unsourced)
	}

	desc, _ := raw["description"].(string)
	return &Result{
		Tool:            name,
		Status:          status,
		Description:     desc,
		RawResult:       raw,
		Claims:          kept,
		ResolvedQuery:   resolvedQuery,
		UnsourcedClaims: unsourced,
	}, nil
}

// ExecutePlan runs a multi-step plan sequentially; a blocked step halts
// execution and the partial results are returned.
func (e *Executor) ExecutePlan(ctx context.Context, steps []PlanStep) ([]*Result, error) {
	var results []*Result
	for _, step := range steps {
		res, err := e.Execute(ctx, step.Tool, step.Args)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Status == catalog.StatusBlocked {
			logging.Tools("plan halted at %s: %s", step.Tool, res.Reason)
			break
		}
	}
	return results, nil
}

// PlanStep is one step of a multi-step tool plan.
type PlanStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// enrich injects the standing per-call fields: query (preferring the
// planner-resolved query from the plan section), session identity, repo for
// code tools, goal for scope discovery, and the research context for
// research tools.
func (e *Executor) enrich(name string, args map[string]any) map[string]any {
	enriched := make(map[string]any, len(args)+6)
	for k, v := range args {
		enriched[k] = v
	}

	if _, ok := enriched["query"]; !ok {
		enriched["query"] = e.resolvedQuery()
	}
	enriched["session_id"] = e.doc.SessionID
	enriched["turn_number"] = e.doc.TurnNumber

	ns := catalog.Namespace(name)
	if e.doc.Mode == "code" && (ns == "git" || ns == "file" || ns == "repo") {
		enriched["repo"] = e.doc.Repo
	}
	if name == "repo.discover_scope" {
		if _, ok := enriched["goal"]; !ok {
			enriched["goal"] = e.doc.ActionNeeded()
		}
	}
	if isResearchTool(name) {
		enriched["research_context"] = e.researchContext()
	}
	return enriched
}

// resolvedQuery prefers the planner-resolved query embedded in the plan
// section over the raw user query.
func (e *Executor) resolvedQuery() string {
	plan := e.doc.GetSection(contextdoc.SectionPlan)
	for _, line := range strings.Split(plan, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "resolved_query:") {
			if q := strings.TrimSpace(strings.TrimPrefix(trimmed, "resolved_query:")); q != "" {
				return q
			}
		}
	}
	return e.doc.Query
}

// researchContext assembles the intent object research tools receive.
func (e *Executor) researchContext() map[string]any {
	intent := e.doc.ActionNeeded()
	if reqs := e.doc.DataRequirements(); len(reqs) > 0 {
		intent += " (" + strings.Join(reqs, ", ") + ")"
	}

	rc := map[string]any{
		"intent":       intent,
		"user_purpose": e.doc.UserPurpose(),
	}
	if prior := e.doc.PriorContext(); prior != "" {
		rc["prior_context"] = prior
	}
	if gathered := e.doc.GetSection(contextdoc.SectionContext); gathered != "" {
		rc["topic"] = firstLine(gathered)
		rc["preferences"] = gathered
	}
	if validation := e.doc.GetSection(contextdoc.SectionValidation); validation != "" {
		rc["prior_turn_summary"] = firstLine(validation)
	}
	if ref := e.doc.ContentReference(); len(ref) > 0 {
		rc["content_reference"] = ref
	}
	if skip := e.doc.BlockedURLs(); len(skip) > 0 {
		rc["skip_urls"] = skip
	}
	return rc
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// extractClaims pulls sourced claims out of a raw tool result. Returns the
// valid claims and the count of rejected unsourced ones.
func extractClaims(raw map[string]any, toolName string) ([]contextdoc.Claim, int) {
	rawClaims, ok := raw["claims"].([]any)
	if !ok {
		return nil, 0
	}

	var claims []contextdoc.Claim
	unsourced := 0
	for _, rc := range rawClaims {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		c := contextdoc.Claim{
			Content:   str(m["content"]),
			Source:    str(m["source"]),
			URL:       str(m["url"]),
			SourceRef: str(m["source_ref"]),
		}
		if c.Source == "" {
			c.Source = toolName
		}
		if conf, ok := m["confidence"].(float64); ok {
			c.Confidence = conf
		} else {
			c.Confidence = 0.5
		}
		if ttl, ok := m["ttl_hours"].(float64); ok {
			c.TTLHours = int(ttl)
		}
		if c.Validate() != nil {
			unsourced++
			continue
		}
		claims = append(claims, c)
	}
	return claims, unsourced
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
