// Package contextdoc implements the numbered-section context document that
// every LLM call in a turn reads. Sections 0..8 are written in ascending
// order across phases and never reordered; the serialized form (context.md)
// is deterministic, with the claims table at the end.
package contextdoc

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"conductor/internal/logging"
)

// Section numbers, fixed for the life of the system.
const (
	SectionQueryAnalysis = 0
	SectionValidation    = 1
	SectionContext       = 2
	SectionPlan          = 3
	SectionExecution     = 4
	SectionReserved      = 5
	SectionSynthesis     = 6
	SectionResponseCheck = 7
	SectionSave          = 8
)

// sectionTitles are the canonical titles used when a section is created
// without an explicit title (reserved gap-fill).
var sectionTitles = map[int]string{
	SectionQueryAnalysis: "Query Analysis",
	SectionValidation:    "Validation",
	SectionContext:       "Context",
	SectionPlan:          "Plan",
	SectionExecution:     "Execution",
	SectionReserved:      "Reserved",
	SectionSynthesis:     "Synthesis",
	SectionResponseCheck: "Validation",
	SectionSave:          "Save",
}

// Section is one numbered block of the document.
type Section struct {
	Number int
	Title  string
	Body   string
}

// ExecutionState tracks where the pipeline currently is.
type ExecutionState struct {
	CurrentPhase      float64 `json:"current_phase"`
	PhaseName         string  `json:"phase_name"`
	Iteration         int     `json:"iteration"`
	MaxIterations     int     `json:"max_iterations"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
}

// Decision records one routed decision for the audit trail.
type Decision struct {
	Phase     string `json:"phase"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// QueryAnalysis holds the typed fields of section 0.
type QueryAnalysis struct {
	ActionNeeded     string            `json:"action_needed"`
	DataRequirements []string          `json:"data_requirements"`
	UserPurpose      string            `json:"user_purpose"`
	ContentReference map[string]string `json:"content_reference,omitempty"`
	PriorContext     string            `json:"prior_context,omitempty"`
	IsMultiTask      bool              `json:"is_multi_task,omitempty"`
	TaskBreakdown    []string          `json:"task_breakdown,omitempty"`
}

// Document is the in-memory context document for one turn.
type Document struct {
	mu sync.Mutex

	Query      string
	SessionID  string
	TurnNumber int
	Mode       string // chat | code
	TraceID    string

	// Workflow is an optional workflow hint carried across retries.
	Workflow string

	// Repo is the repo scope in code mode.
	Repo string

	sections    []Section
	claims      []Claim
	blockedURLs map[string]bool
	sourceRefs  []string
	decisions   []Decision
	analysis    *QueryAnalysis
	execState   ExecutionState
}

// New creates an empty document for a turn.
func New(query, sessionID string, turnNumber int, mode, traceID string) *Document {
	return &Document{
		Query:      query,
		SessionID:  sessionID,
		TurnNumber: turnNumber,
		Mode:       mode,
		TraceID:    traceID,
	}
}

// AppendSection adds section n. Gaps below n are filled with empty reserved
// sections so numbering stays contiguous from 0. Appending an existing
// section replaces nothing; use UpdateSection or AppendToSection instead.
func (d *Document) AppendSection(n int, title, body string) error {
	if n < 0 {
		return fmt.Errorf("invalid section number %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasSectionLocked(n) {
		return fmt.Errorf("section %d already exists", n)
	}
	for gap := len(d.sections); gap < n; gap++ {
		d.sections = append(d.sections, Section{Number: gap, Title: sectionTitles[gap]})
	}
	if title == "" {
		title = sectionTitles[n]
	}
	d.sections = append(d.sections, Section{Number: n, Title: title, Body: body})
	logging.ContextDebug("turn %d: appended section %d (%s, %d chars)", d.TurnNumber, n, title, len(body))
	return nil
}

// UpdateSection replaces the body of an existing section in place.
func (d *Document) UpdateSection(n int, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sections {
		if d.sections[i].Number == n {
			d.sections[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("section %d not found", n)
}

// AppendToSection appends text to an existing section's body, creating the
// section if absent.
func (d *Document) AppendToSection(n int, text, separator string) error {
	d.mu.Lock()
	exists := d.hasSectionLocked(n)
	d.mu.Unlock()

	if !exists {
		return d.AppendSection(n, "", text)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sections {
		if d.sections[i].Number == n {
			if d.sections[i].Body == "" {
				d.sections[i].Body = text
			} else {
				d.sections[i].Body += separator + text
			}
			return nil
		}
	}
	return fmt.Errorf("section %d not found", n)
}

// GetSection returns section n's body, or "" if absent.
func (d *Document) GetSection(n int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sections {
		if s.Number == n {
			return s.Body
		}
	}
	return ""
}

// HasSection reports whether section n has been written.
func (d *Document) HasSection(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasSectionLocked(n)
}

func (d *Document) hasSectionLocked(n int) bool {
	for _, s := range d.sections {
		if s.Number == n {
			return true
		}
	}
	return false
}

// HighestSection returns the highest written section number, or -1.
func (d *Document) HighestSection() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sections) == 0 {
		return -1
	}
	return d.sections[len(d.sections)-1].Number
}

// AddSourceRef records a source reference gathered during Phase 2.
func (d *Document) AddSourceRef(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.sourceRefs {
		if existing == ref {
			return
		}
	}
	d.sourceRefs = append(d.sourceRefs, ref)
}

// SourceRefs returns the gathered source references.
func (d *Document) SourceRefs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sourceRefs...)
}

// RecordDecision appends a routing decision to the audit trail.
func (d *Document) RecordDecision(phase, decision, rationale string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions = append(d.decisions, Decision{Phase: phase, Decision: decision, Rationale: rationale})
}

// Decisions returns the recorded decisions.
func (d *Document) Decisions() []Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Decision(nil), d.decisions...)
}

// UpdateExecutionState moves the execution-state record forward. Zero-valued
// optional fields leave the prior value intact.
func (d *Document) UpdateExecutionState(phase float64, name string, iteration, maxIterations, consecutiveErrors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execState.CurrentPhase = phase
	d.execState.PhaseName = name
	if iteration > 0 {
		d.execState.Iteration = iteration
	}
	if maxIterations > 0 {
		d.execState.MaxIterations = maxIterations
	}
	if consecutiveErrors >= 0 {
		d.execState.ConsecutiveErrors = consecutiveErrors
	}
}

// ExecState returns the current execution state.
func (d *Document) ExecState() ExecutionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execState
}

// SetQueryAnalysis stores the typed section 0 fields and writes section 0
// with the analysis embedded as a JSON block.
func (d *Document) SetQueryAnalysis(qa *QueryAnalysis) error {
	data, err := json.MarshalIndent(qa, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal query analysis: %w", err)
	}
	body := "```json\n" + string(data) + "\n```"
	if d.HasSection(SectionQueryAnalysis) {
		if err := d.UpdateSection(SectionQueryAnalysis, body); err != nil {
			return err
		}
	} else if err := d.AppendSection(SectionQueryAnalysis, "", body); err != nil {
		return err
	}
	d.mu.Lock()
	d.analysis = qa
	d.mu.Unlock()
	return nil
}

// Analysis returns the typed section 0 fields, or an empty value if Phase 0
// has not run.
func (d *Document) Analysis() QueryAnalysis {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.analysis == nil {
		return QueryAnalysis{}
	}
	return *d.analysis
}

// Typed section 0 accessors.

func (d *Document) ActionNeeded() string               { return d.Analysis().ActionNeeded }
func (d *Document) DataRequirements() []string         { return d.Analysis().DataRequirements }
func (d *Document) UserPurpose() string                { return d.Analysis().UserPurpose }
func (d *Document) ContentReference() map[string]string { return d.Analysis().ContentReference }
func (d *Document) PriorContext() string               { return d.Analysis().PriorContext }

// Markdown serializes the document deterministically: header, sections in
// fixed order, claims table last.
func (d *Document) Markdown() string {
	d.mu.Lock()
	sections := append([]Section(nil), d.sections...)
	claims := make([]Claim, 0, len(d.claims))
	for _, c := range d.claims {
		if !c.Invalid {
			claims = append(claims, c)
		}
	}
	query, session, turnNum, mode, trace := d.Query, d.SessionID, d.TurnNumber, d.Mode, d.TraceID
	d.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("# Context Document\n\n")
	sb.WriteString(fmt.Sprintf("- query: %s\n", query))
	sb.WriteString(fmt.Sprintf("- session: %s\n", session))
	sb.WriteString(fmt.Sprintf("- turn: %d\n", turnNum))
	sb.WriteString(fmt.Sprintf("- mode: %s\n", mode))
	sb.WriteString(fmt.Sprintf("- trace: %s\n\n", trace))

	for _, s := range sections {
		sb.WriteString(fmt.Sprintf("## §%d: %s\n\n", s.Number, s.Title))
		if s.Body != "" {
			sb.WriteString(s.Body)
			sb.WriteString("\n\n")
		}
	}

	if table := claimsTable(claims); table != "" {
		sb.WriteString(table)
	}
	return sb.String()
}
