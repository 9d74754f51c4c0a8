package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"conductor/internal/catalog"
	"conductor/internal/config"
	"conductor/internal/contextdoc"
	"conductor/internal/events"
	"conductor/internal/forge"
	"conductor/internal/gate"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/loop"
	"conductor/internal/pack"
	"conductor/internal/planstate"
	"conductor/internal/toolexec"
	"conductor/internal/turn"
	"conductor/internal/usage"
	"conductor/internal/validation"
	"conductor/internal/workflow"
)

// Response is what a request handler returns to the caller.
type Response struct {
	TurnID                string  `json:"turn_id"`
	Text                  string  `json:"text"`
	NeedsClarification    bool    `json:"needs_clarification,omitempty"`
	ClarificationQuestion string  `json:"clarification_question,omitempty"`
	Decision              string  `json:"decision,omitempty"`
	Confidence            float64 `json:"confidence,omitempty"`
	RetryCount            int     `json:"retry_count,omitempty"`
}

// MultiTaskHandler takes over when Phase 0 detects a multi-part request.
type MultiTaskHandler func(ctx context.Context, breakdown []string) (*Response, error)

// Runner owns the process-wide collaborators and handles requests, one turn
// each.
type Runner struct {
	cfg       *config.Config
	llm       llm.Client
	catalog   *catalog.Catalog
	workflows *workflow.Registry
	gate      *gate.Gate
	events    *events.Sink
	usage     *usage.Store
	multiTask MultiTaskHandler
}

// NewRunner assembles a phase runner. events and usageStore may be nil.
func NewRunner(cfg *config.Config, client llm.Client, cat *catalog.Catalog, registry *workflow.Registry, g *gate.Gate, sink *events.Sink, usageStore *usage.Store) *Runner {
	if sink == nil {
		sink = events.Nop()
	}
	return &Runner{
		cfg:       cfg,
		llm:       client,
		catalog:   cat,
		workflows: registry,
		gate:      g,
		events:    sink,
		usage:     usageStore,
	}
}

// WithMultiTaskHandler installs the multi-task delegate.
func (r *Runner) WithMultiTaskHandler(h MultiTaskHandler) *Runner {
	r.multiTask = h
	return r
}

// turnState carries everything bound to one turn.
type turnState struct {
	cfg       *config.Config
	basePath  string
	dir       *turn.Dir
	doc       *contextdoc.Document
	llm       llm.Client
	packs     *pack.Builder
	tools     *toolexec.Executor
	catalog   *catalog.Catalog
	workflows *workflow.Registry
	forge     *forge.Forge
	planState *planstate.Manager
	events    *events.Sink
	started   time.Time
}

// callRole serializes context.md, builds the named recipe's pack, and calls
// the LLM, charging tokens to phase.
func (t *turnState) callRole(ctx context.Context, recipeName string, role llm.Role, phase string) (string, error) {
	if err := t.dir.WriteDoc(turn.DocContext, []byte(t.doc.Markdown())); err != nil {
		return "", err
	}
	recipe, err := pack.LoadRecipe(filepath.Join(t.cfg.RecipesDir(), recipeName))
	if err != nil {
		return "", err
	}
	p, err := t.packs.Build(ctx, recipe)
	if err != nil {
		return "", err
	}
	resp, err := t.llm.Complete(ctx, llm.Request{
		Role:        role,
		Prompt:      p.Prompt(),
		MaxTokens:   recipe.LLMParams.MaxTokens,
		Temperature: recipe.LLMParams.Temperature,
	})
	if err != nil {
		return "", err
	}
	t.dir.RecordTokens(phase, resp.Usage.PromptTokens+resp.Usage.CompletionTokens)
	return resp.Text, nil
}

// Handle processes one user request end to end. Save always runs, even on
// cancellation or error.
func (r *Runner) Handle(ctx context.Context, query, sessionID, mode, repo string) (resp *Response, err error) {
	traceID := uuid.NewString()

	dir, err := turn.Allocate(r.cfg.TurnsDir(), sessionID, traceID, mode, query)
	if err != nil {
		return nil, err
	}
	doc := contextdoc.New(query, sessionID, dir.Number, mode, traceID)
	doc.Repo = repo
	dir.SetRepo(repo)

	ps, err := planstate.NewManager(dir.DocPath(turn.DocPlanState, turn.PathTurnLocal))
	if err != nil {
		return nil, err
	}

	counter := pack.NewTokenCounter()
	compressor := pack.NewCompressor(counter).WithClient(r.llm)
	packs := pack.NewBuilder(counter, compressor, dir)

	tools := toolexec.New(r.catalog, r.gate, ps, doc, dir, toolexec.Config{
		Timeout:         r.cfg.Tools.Timeout,
		ResearchTimeout: r.cfg.Tools.ResearchTimeout,
	})

	forgeDir := filepath.Join(r.cfg.BundlesDir(), "forged", "tools")
	f := forge.New(r.catalog, ps, forge.Config{
		ToolsDir:    forgeDir,
		TestTimeout: r.cfg.Forge.TestTimeout,
		KeepBackups: r.cfg.Forge.KeepBackups,
	})

	t := &turnState{
		cfg:       r.cfg,
		basePath:  r.cfg.TurnsDir(),
		dir:       dir,
		doc:       doc,
		llm:       r.llm,
		packs:     packs,
		tools:     tools,
		catalog:   r.catalog,
		workflows: r.workflows,
		forge:     f,
		planState: ps,
		events:    r.events,
		started:   time.Now(),
	}

	// Save must run even on cancellation or mid-phase failure.
	defer func() {
		saveErr := t.save(resp, err)
		if err == nil && saveErr != nil {
			err = saveErr
		}
		r.recordUsage(dir)
	}()

	return r.runPhases(ctx, t)
}

func (r *Runner) runPhases(ctx context.Context, t *turnState) (*Response, error) {
	// Phase 0.
	qa, err := t.analyzeQuery(ctx)
	if err != nil {
		return nil, err
	}
	if qa.IsMultiTask && r.multiTask != nil {
		logging.Phase("delegating multi-task request (%d parts)", len(qa.TaskBreakdown))
		return r.multiTask(ctx, qa.TaskBreakdown)
	}

	// Phase 1.5.
	gateResult, err := t.reflectGate(ctx)
	if err != nil {
		return nil, err
	}
	if gateResult.Decision == "CLARIFY" {
		return &Response{
			TurnID:                t.dir.ID,
			Text:                  gateResult.ClarificationQuestion,
			NeedsClarification:    true,
			ClarificationQuestion: gateResult.ClarificationQuestion,
		}, nil
	}

	// Phase 2 and 2.5.
	if err := t.gatherContext(ctx); err != nil {
		return nil, err
	}
	if err := t.extractConstraints(); err != nil {
		return nil, err
	}

	// Retry loop: plan, synthesize, validate.
	return r.retryLoop(ctx, t)
}

// bestSeen tracks the highest-confidence attempt for retry exhaustion.
type bestSeen struct {
	response   string
	confidence float64
	decision   string
	set        bool
}

func (b *bestSeen) offer(response string, confidence float64, decision string) {
	if !b.set || confidence > b.confidence {
		*b = bestSeen{response: response, confidence: confidence, decision: decision, set: true}
	}
}

func (r *Runner) retryLoop(ctx context.Context, t *turnState) (*Response, error) {
	maxRetries := r.cfg.Validation.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	guard := loop.NewResearchGuard(r.cfg.Loops.MaxResearchCalls)
	intervention := loop.NewIntervention(r.cfg.Tools.InterventionTimeout)
	deps := &loop.Deps{
		LLM:        r.llm,
		Packs:      t.packs,
		RecipesDir: r.cfg.RecipesDir(),
		Doc:        t.doc,
		TurnDir:    t.dir,
		Tools:      t.tools,
		Catalog:    r.catalog,
		Workflows:  r.workflows,
		Forge:      t.forge,
		PlanState:  t.planState,
		Events:     r.events,
		Loops:      r.cfg.Loops,
	}
	validator := validation.NewController(r.llm, t.packs, r.cfg.RecipesDir(), t.doc, t.dir, t.planState, r.cfg.Validation)

	best := &bestSeen{}
	planner := loop.NewPlanner(deps, guard, intervention, t)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		t.doc.UpdateExecutionState(3, "retry_loop", attempt+1, maxRetries+1, -1)

		planResult, err := planner.Run(ctx)
		if err != nil {
			return nil, err
		}
		if planResult.Ticket != "" {
			if err := t.dir.WriteDoc(turn.DocTicket, []byte(planResult.Ticket)); err != nil {
				return nil, err
			}
		}
		if planResult.ToolResults != "" && !t.dir.HasDoc(turn.DocToolResults) {
			if err := t.dir.WriteDoc(turn.DocToolResults, []byte(planResult.ToolResults)); err != nil {
				return nil, err
			}
		}

		syn, err := t.synthesize(ctx)
		if err != nil {
			return nil, err
		}
		if syn.Invalid {
			if isResearchFailure(syn.InvalidReason) {
				// Retrying cannot conjure findings that are not there.
				return &Response{
					TurnID:   t.dir.ID,
					Text:     politeFailure,
					Decision: validation.DecisionFail,
				}, nil
			}
			logging.Phase("attempt %d: synthesis INVALID (%s), retrying", attempt+1, syn.InvalidReason)
			continue
		}

		outcome, err := validator.Validate(ctx, syn.Answer)
		if err != nil {
			return nil, err
		}
		d := outcome.Decision
		best.offer(outcome.Response, d.Confidence, d.Decision)

		switch d.Decision {
		case validation.DecisionApprove:
			return r.accept(t, outcome.Response, d, validator.RetryCount()), nil

		case validation.DecisionApprovePartial, validation.DecisionRevise:
			text := outcome.Response
			if partial := partialGoalsNote(t.planState); d.Decision == validation.DecisionApprovePartial && partial != "" {
				text += "\n\n" + partial
			}
			return r.accept(t, text, d, validator.RetryCount()), nil

		case validation.DecisionFail:
			return r.exhausted(t, best, validator.RetryCount()), nil

		case validation.DecisionRetry:
			if d.Workflow != "" {
				t.doc.Workflow = d.Workflow
			}
			// URLs that failed the cross-check are dead for the rest of the
			// turn; the next pass must not re-fetch or re-cite them.
			if d.FailureContext != nil && len(d.FailureContext.FailedURLs) > 0 {
				t.doc.BlockURLs(d.FailureContext.FailedURLs)
			}
			logging.Phase("attempt %d: RETRY (%s)", attempt+1, d.Reasoning)
		}
	}
	return r.exhausted(t, best, maxRetries), nil
}

func (r *Runner) accept(t *turnState, text string, d *validation.Decision, retries int) *Response {
	final := sanitizeResponse(text)
	_ = t.doc.AppendSection(contextdoc.SectionResponseCheck, "",
		fmt.Sprintf("decision: %s\nconfidence: %.2f\nretries: %d", d.Decision, d.Confidence, retries))
	return &Response{
		TurnID:     t.dir.ID,
		Text:       final,
		Decision:   d.Decision,
		Confidence: d.Confidence,
		RetryCount: retries,
	}
}

// exhausted returns the best-seen response; malformed best-seen counts as
// absent and yields the polite failure.
func (r *Runner) exhausted(t *turnState, best *bestSeen, retries int) *Response {
	text := politeFailure
	decision := validation.DecisionFail
	confidence := 0.0
	if best.set {
		if sanitized := sanitizeResponse(best.response); sanitized != politeFailure {
			text = sanitized
			decision = best.decision
			confidence = best.confidence
		}
	}
	_ = t.doc.AppendSection(contextdoc.SectionResponseCheck, "",
		fmt.Sprintf("decision: %s (retries exhausted)\nconfidence: %.2f\nretries: %d", decision, confidence, retries))
	return &Response{
		TurnID:     t.dir.ID,
		Text:       text,
		Decision:   decision,
		Confidence: confidence,
		RetryCount: retries,
	}
}

// partialGoalsNote states which goals were fulfilled for APPROVE_PARTIAL.
func partialGoalsNote(ps *planstate.Manager) string {
	if ps == nil {
		return ""
	}
	state := ps.State()
	var fulfilled, unfulfilled []string
	for _, g := range state.Goals {
		if g.Status == planstate.GoalFulfilled {
			fulfilled = append(fulfilled, g.Description)
		} else {
			unfulfilled = append(unfulfilled, g.Description)
		}
	}
	if len(fulfilled) == 0 && len(unfulfilled) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Completed: ")
	sb.WriteString(strings.Join(fulfilled, "; "))
	if len(unfulfilled) > 0 {
		sb.WriteString(". Not completed: ")
		sb.WriteString(strings.Join(unfulfilled, "; "))
		sb.WriteString(".")
	}
	return sb.String()
}

// save runs Phase 8: seal the turn with final metrics. It tolerates partial
// state so cancelled turns still flush.
func (t *turnState) save(resp *Response, runErr error) error {
	t.doc.UpdateExecutionState(8, "save", 1, 1, -1)
	done := t.events.Stage(t.doc.TraceID, "save")

	manifest := t.dir.Manifest()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("duration_ms: %d\n", time.Since(t.started).Milliseconds()))
	sb.WriteString("tokens_by_phase:\n")
	for phase, tokens := range manifest.TokensByPhase {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", phase, tokens))
	}
	sb.WriteString(fmt.Sprintf("decisions: %d\n", len(t.doc.Decisions())))
	sb.WriteString(fmt.Sprintf("claims: %d\n", t.doc.ClaimCount()))
	if resp != nil {
		sb.WriteString(fmt.Sprintf("validation: %s\n", resp.Decision))
		sb.WriteString(fmt.Sprintf("quality_score: %.2f\n", resp.Confidence))
		sb.WriteString(fmt.Sprintf("retries: %d\n", resp.RetryCount))
	}
	if runErr != nil {
		sb.WriteString(fmt.Sprintf("error: %v\n", runErr))
	}
	// Only turns that progressed past the reflection gate get the §8 seal;
	// a clarification early-out keeps its short section list instead of
	// gap-filling §3-§7.
	if t.doc.HasSection(contextdoc.SectionContext) && !t.doc.HasSection(contextdoc.SectionSave) {
		_ = t.doc.AppendSection(contextdoc.SectionSave, "", sb.String())
	}

	if stateData, err := json.MarshalIndent(t.doc.ExecState(), "", "  "); err == nil {
		_ = t.dir.WriteDoc(turn.DocExecutionState, stateData)
	}
	if artData, err := json.MarshalIndent(manifest.DocsCreated, "", "  "); err == nil {
		_ = t.dir.WriteDoc(turn.DocArtifactManifest, artData)
	}
	if err := t.dir.WriteDoc(turn.DocContext, []byte(t.doc.Markdown())); err != nil {
		done("failed", 0)
		return err
	}

	status := turn.StatusCompleted
	if runErr != nil {
		status = turn.StatusError
	}
	done("completed", 0)
	return t.dir.Finalize(status)
}

// recordUsage flushes the turn's token accounting into the usage store.
func (r *Runner) recordUsage(dir *turn.Dir) {
	if r.usage == nil {
		return
	}
	manifest := dir.Manifest()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for phase, tokens := range manifest.TokensByPhase {
		if err := r.usage.RecordTokens(ctx, manifest.SessionID, dir.ID, phase, "", tokens); err != nil {
			logging.PhaseError("usage record: %v", err)
			return
		}
	}
}
