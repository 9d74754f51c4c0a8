package loop

import (
	"context"
	"fmt"
	"strings"

	"conductor/internal/catalog"
	"conductor/internal/contextdoc"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/toolexec"
	"conductor/internal/turn"
	"conductor/internal/workflow"
)

// ReasonMissingSource is the forced BLOCKED reason when a tool returns
// claims without source metadata.
const ReasonMissingSource = "critical_failure:missing_source_metadata"

// CoordinatorResult is the outcome of one coordinator run.
type CoordinatorResult struct {
	Status      string `json:"status"` // DONE | BLOCKED
	Reason      string `json:"reason"`
	Iterations  int    `json:"iterations"`
	ToolCalls   int    `json:"tool_calls"`
	ClaimsAdded int    `json:"claims_added"`
	Ticket      string `json:"-"`
}

// Coordinator drives workflows toward one goal inside a bounded loop. Every
// tool call flows through the coordinator's observing invoker, which applies
// the research guard and circular-call detection before delegating to the
// tool executor.
type Coordinator struct {
	deps         *Deps
	guard        *ResearchGuard
	history      *CallHistory
	intervention *Intervention

	maxSteps int

	toolCalls   int
	claimsAdded int
	unsourced   int
	circular    bool
	resultsLog  []string
	rejected    []string
}

// NewCoordinator creates a coordinator sharing the turn's guard and
// intervention rendezvous with the outer loops.
func NewCoordinator(deps *Deps, guard *ResearchGuard, intervention *Intervention) *Coordinator {
	maxSteps := deps.Loops.MaxCoordinatorSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Coordinator{
		deps:         deps,
		guard:        guard,
		history:      NewCallHistory(),
		intervention: intervention,
		maxSteps:     maxSteps,
	}
}

// Execute implements workflow.Invoker: guard, circular detection, then the
// tool executor, with per-call bookkeeping.
func (c *Coordinator) Execute(ctx context.Context, tool string, args map[string]any) (*toolexec.Result, error) {
	name := tool
	query, _ := args["query"].(string)

	if isResearchCall(name) {
		if ok, reason := c.guard.Allow(query); !ok {
			logging.Loop("research call refused: %s", reason)
			return &toolexec.Result{Tool: name, Status: catalog.StatusBlocked, Reason: reason}, nil
		}
	}
	if c.history.Push(name, args) {
		c.circular = true
		return &toolexec.Result{Tool: name, Status: catalog.StatusBlocked, Reason: "circular call pattern detected"}, nil
	}

	res, err := c.deps.Tools.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	c.toolCalls++
	c.claimsAdded += len(res.Claims)
	c.unsourced += res.UnsourcedClaims

	if isResearchCall(name) {
		c.guard.Record(query, len(res.Claims))
	}

	c.resultsLog = append(c.resultsLog, formatResult(res))
	return res, nil
}

func isResearchCall(name string) bool {
	ns := catalog.Namespace(name)
	return ns == "internet" || ns == "browser" || strings.HasSuffix(name, ".research")
}

// Run executes the coordinator loop for a goal. workflowHint, when set,
// biases workflow resolution on the first WORKFLOW_CALL.
func (c *Coordinator) Run(ctx context.Context, goal, workflowHint string) (*CoordinatorResult, error) {
	doc := c.deps.Doc
	runner := workflow.NewRunner(c, doc)

	_ = doc.AppendToSection(contextdoc.SectionExecution,
		fmt.Sprintf("### Coordinator goal\n%s", goal), "\n\n")

	parseFailures := 0
	iterations := 0
	status, reason := "BLOCKED", "max coordinator steps reached"

steps:
	for step := 1; step <= c.maxSteps; step++ {
		iterations = step
		doc.UpdateExecutionState(4, "coordination", step, c.maxSteps, -1)

		text, err := c.deps.callRole(ctx, "coordinator.yaml", llm.RoleCoordinator, "coordination")
		if err != nil {
			return nil, fmt.Errorf("coordinator call: %w", err)
		}

		directive, err := ParseDirective(text, ActionWorkflowCall, ActionBlocked, ActionDone)
		if err != nil {
			parseFailures++
			logging.LoopWarn("coordinator step %d: %v", step, err)
			if parseFailures >= 2 {
				status, reason = "BLOCKED", "coordinator responses unparseable"
				break
			}
			continue
		}
		parseFailures = 0

		switch directive.Action {
		case ActionDone:
			status, reason = "DONE", orDefault(directive.Reason, "goal satisfied")
			break steps
		case ActionBlocked:
			status, reason = "BLOCKED", orDefault(directive.Reason, "coordinator blocked")
			break steps
		}

		hint := workflowHint
		workflowHint = ""
		outcome := c.runWorkflow(ctx, runner, directive, hint)

		if c.unsourced > 0 {
			status, reason = "BLOCKED", ReasonMissingSource
			break
		}
		if c.circular {
			status, reason = "BLOCKED", "circular call pattern detected"
			break
		}

		switch outcome.kind {
		case outcomeCancel:
			status, reason = "BLOCKED", "cancelled by user intervention"
			break steps
		case outcomeFailed:
			c.rejected = append(c.rejected, orDefault(directive.Workflow, "workflow")+" | "+outcome.detail)
		case outcomeOK:
			if done, why := c.earlyTermination(step); done {
				status, reason = "DONE", why
				break steps
			}
		}
	}

	if status == "BLOCKED" && reason == "max coordinator steps reached" && c.claimsAdded > 0 {
		// Useful claims were gathered even though no DONE arrived.
		status, reason = "DONE", "step budget exhausted with claims gathered"
	}

	result := &CoordinatorResult{
		Status:      status,
		Reason:      reason,
		Iterations:  iterations,
		ToolCalls:   c.toolCalls,
		ClaimsAdded: c.claimsAdded,
	}
	if err := c.finalize(result); err != nil {
		return nil, err
	}
	return result, nil
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeFailed
	outcomeCancel
)

type workflowOutcome struct {
	kind   outcomeKind
	detail string
}

// runWorkflow resolves and executes one WORKFLOW_CALL, routing critical
// failures through the intervention rendezvous.
func (c *Coordinator) runWorkflow(ctx context.Context, runner *workflow.Runner, d *Directive, hint string) workflowOutcome {
	doc := c.deps.Doc
	name := d.Workflow
	if name == "" {
		name = hint
	}

	wf, err := c.deps.Workflows.Get(name)
	if err != nil && hint != "" {
		wf, err = c.deps.Workflows.Get(hint)
	}
	if err != nil {
		wf, err = c.deps.Workflows.Match(name)
	}
	if err != nil {
		c.note(fmt.Sprintf("workflow %q not found", name))
		return workflowOutcome{kind: outcomeFailed, detail: "workflow not found"}
	}

	doc.RecordDecision("coordination", "WORKFLOW_CALL:"+wf.Name, d.Rationale)
	res, err := runner.Run(ctx, wf, d.WorkflowArgs)
	if err != nil {
		if IsCriticalFailure(err.Error()) {
			choice := c.intervention.Ask(ctx, wf.Name, err.Error())
			if choice == InterventionCancel {
				return workflowOutcome{kind: outcomeCancel}
			}
			c.note(fmt.Sprintf("workflow %s failed critically (%v), user chose %s", wf.Name, err, choice))
			return workflowOutcome{kind: outcomeFailed, detail: err.Error()}
		}
		c.note(fmt.Sprintf("workflow %s failed: %v", wf.Name, err))
		return workflowOutcome{kind: outcomeFailed, detail: err.Error()}
	}

	if !res.Success {
		if res.FallbackWorkflow != "" {
			c.note(fmt.Sprintf("workflow %s failed criteria; fallback %s suggested (not executed)", wf.Name, res.FallbackWorkflow))
		} else if res.FallbackMessage != "" {
			c.note(fmt.Sprintf("workflow %s: %s", wf.Name, res.FallbackMessage))
		} else {
			c.note(fmt.Sprintf("workflow %s did not meet success criteria %v", wf.Name, res.FailedCriteria))
		}
		return workflowOutcome{kind: outcomeFailed, detail: "success criteria failed"}
	}

	c.note(fmt.Sprintf("workflow %s succeeded: %d steps, %d outputs", wf.Name, len(res.Steps), len(res.Outputs)))
	return workflowOutcome{kind: outcomeOK}
}

// earlyTermination applies the claim-count exit rules after a successful
// iteration.
func (c *Coordinator) earlyTermination(iteration int) (bool, string) {
	switch classifyTask(c.deps.Doc) {
	case taskNavigational:
		if c.claimsAdded >= 2 {
			return true, "navigational task satisfied with sufficient claims"
		}
	case taskCommerce:
		if c.claimsAdded >= 5 && iteration >= 3 {
			return true, "commerce task satisfied with sufficient claims"
		}
	}
	return false, ""
}

type taskKind int

const (
	taskGeneric taskKind = iota
	taskNavigational
	taskCommerce
)

var commerceMarkers = []string{"buy", "price", "cheapest", "cheap", "cost", "$", "purchase", "shop", "order"}
var navigationalMarkers = []string{"find the", "url", "link", "where is", "navigate", "homepage", "website"}

func classifyTask(doc *contextdoc.Document) taskKind {
	text := strings.ToLower(doc.Query + " " + doc.ActionNeeded())
	for _, m := range commerceMarkers {
		if strings.Contains(text, m) {
			return taskCommerce
		}
	}
	for _, m := range navigationalMarkers {
		if strings.Contains(text, m) {
			return taskNavigational
		}
	}
	return taskGeneric
}

// note appends a line to the execution section and the results log.
func (c *Coordinator) note(line string) {
	c.resultsLog = append(c.resultsLog, line)
	_ = c.deps.Doc.AppendToSection(contextdoc.SectionExecution, "- "+line, "\n")
	logging.Loop("%s", line)
}

// finalize writes the execution summary, the ticket content, and
// toolresults.md.
func (c *Coordinator) finalize(result *CoordinatorResult) error {
	doc := c.deps.Doc

	var summary strings.Builder
	summary.WriteString("### Coordinator summary\n")
	summary.WriteString(fmt.Sprintf("- status: %s\n", result.Status))
	summary.WriteString(fmt.Sprintf("- iterations: %d\n", result.Iterations))
	summary.WriteString(fmt.Sprintf("- tool_calls: %d\n", result.ToolCalls))
	summary.WriteString(fmt.Sprintf("- claims: %d\n", result.ClaimsAdded))
	summary.WriteString(fmt.Sprintf("- termination: %s\n", result.Reason))
	if len(c.rejected) > 0 {
		summary.WriteString("\n| Rejected | Reason |\n|---|---|\n")
		for _, r := range c.rejected {
			summary.WriteString("| " + r + " |\n")
		}
	}
	if err := doc.AppendToSection(contextdoc.SectionExecution, summary.String(), "\n\n"); err != nil {
		return err
	}

	var results strings.Builder
	results.WriteString("# Tool Results\n\n")
	for _, line := range c.resultsLog {
		results.WriteString("- " + line + "\n")
	}
	if err := c.deps.TurnDir.WriteDoc(turn.DocToolResults, []byte(results.String())); err != nil {
		return err
	}

	result.Ticket = fmt.Sprintf("## Execution Ticket\n\nStatus: %s\nReason: %s\n\n%s",
		result.Status, result.Reason, results.String())
	return nil
}

func formatResult(res *toolexec.Result) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s: %s", res.Tool, res.Status))
	if res.Description != "" {
		parts = append(parts, res.Description)
	}
	for _, cl := range res.Claims {
		if cl.URL != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", cl.Content, cl.URL))
		} else {
			parts = append(parts, cl.Content)
		}
	}
	if res.Reason != "" {
		parts = append(parts, res.Reason)
	}
	return strings.Join(parts, " | ")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
