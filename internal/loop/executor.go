package loop

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/internal/contextdoc"
	"conductor/internal/forge"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/turn"
	"conductor/internal/workflow"
)

// ExecutorResult is the outcome of one executor-loop run.
type ExecutorResult struct {
	Status       string `json:"status"` // COMPLETE | BLOCKED | EXHAUSTED
	Reason       string `json:"reason"`
	Iterations   int    `json:"iterations"`
	Commands     int    `json:"commands"`
	ToolFailures int    `json:"tool_failures"`
	Ticket       string `json:"-"`
}

// Executor is the middle control loop: it turns the strategic plan into
// natural-language commands, each executed by workflow match or a fresh
// coordinator.
type Executor struct {
	deps         *Deps
	guard        *ResearchGuard
	intervention *Intervention

	maxIterations  int
	maxConsecutive int
	maxFailures    int

	priorCommands map[string]bool
	consecutive   int
	failures      int
	ticketLog     []string
}

// NewExecutor creates an executor loop sharing the turn's research guard and
// intervention rendezvous.
func NewExecutor(deps *Deps, guard *ResearchGuard, intervention *Intervention) *Executor {
	maxIter := deps.Loops.MaxExecutorIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	maxConsecutive := deps.Loops.MaxConsecutiveCommands
	if maxConsecutive <= 0 {
		maxConsecutive = 5
	}
	maxFailures := deps.Loops.MaxToolFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Executor{
		deps:           deps,
		guard:          guard,
		intervention:   intervention,
		maxIterations:  maxIter,
		maxConsecutive: maxConsecutive,
		maxFailures:    maxFailures,
		priorCommands:  make(map[string]bool),
	}
}

// Run executes the bounded executor loop.
func (e *Executor) Run(ctx context.Context) (*ExecutorResult, error) {
	doc := e.deps.Doc
	result := &ExecutorResult{Status: "EXHAUSTED", Reason: "max executor iterations reached"}

iterations:
	for iter := 1; iter <= e.maxIterations; iter++ {
		result.Iterations = iter
		doc.UpdateExecutionState(4, "execution", iter, e.maxIterations, -1)
		e.deps.emit("executor", "started", map[string]any{"iteration": iter})

		text, err := e.deps.callRole(ctx, "executor.yaml", llm.RoleExecutor, "execution")
		if err != nil {
			return nil, fmt.Errorf("executor call: %w", err)
		}

		directive, err := ParseDirective(text,
			ActionCommand, ActionAnalyze, ActionComplete, ActionBlocked, ActionCreateWorkflow, ActionCreateTool)
		if err != nil {
			e.log(fmt.Sprintf("iteration %d: unparseable response", iter))
			e.failures++
			if e.failures >= e.maxFailures {
				result.Status, result.Reason = "BLOCKED", "too many unparseable responses"
				break
			}
			continue
		}

		switch directive.Action {
		case ActionComplete:
			result.Status, result.Reason = "COMPLETE", orDefault(directive.Reason, "plan completed")
			break iterations

		case ActionBlocked:
			result.Status, result.Reason = "BLOCKED", orDefault(directive.Reason, "executor blocked")
			break iterations

		case ActionAnalyze:
			e.consecutive = 0
			analysis := orDefault(directive.Analysis, directive.Reason)
			e.log("analysis: " + analysis)

		case ActionCreateTool:
			// Discouraged path: nudge toward CREATE_WORKFLOW instead.
			e.log("CREATE_TOOL rejected; declare the tool inside a CREATE_WORKFLOW spec")

		case ActionCreateWorkflow:
			if err := e.createWorkflow(ctx, directive.WorkflowSpec); err != nil {
				e.log(fmt.Sprintf("workflow creation failed: %v", err))
				result.Status, result.Reason = "BLOCKED", fmt.Sprintf("workflow creation failed: %v", err)
				break iterations
			}
			e.log("workflow created and registered")

		case ActionCommand:
			if stop, status, reason := e.runCommand(ctx, directive); stop {
				result.Status, result.Reason = status, reason
				break iterations
			}
		}
	}

	e.deps.emit("executor", "completed", map[string]any{
		"status": result.Status, "iterations": result.Iterations,
	})
	result.Commands = len(e.priorCommands)
	result.ToolFailures = e.failures
	result.Ticket = e.buildTicket(result)
	return result, nil
}

// runCommand handles one COMMAND directive. Returns stop=true with terminal
// status when the loop must end.
func (e *Executor) runCommand(ctx context.Context, d *Directive) (stop bool, status, reason string) {
	command := strings.TrimSpace(d.Command)
	key := strings.ToLower(command)

	if e.priorCommands[key] {
		e.log(fmt.Sprintf("duplicate command skipped: %q", command))
		return false, "", ""
	}

	if e.consecutive >= e.maxConsecutive {
		// Force a reflection beat before more commands.
		e.log("consecutive command cap reached; analysis required before further commands")
		_ = e.deps.Doc.AppendToSection(contextdoc.SectionExecution,
			"- REQUIRED: issue ANALYZE before the next COMMAND", "\n")
		e.consecutive = 0
		return false, "", ""
	}

	if looksLikeSearch(command) {
		if ok, why := e.guard.Allow(command); !ok {
			e.log(fmt.Sprintf("research command refused: %s", why))
			return false, "", ""
		}
	}

	e.priorCommands[key] = true
	e.consecutive++

	// Workflow match first, coordinator fallback.
	ok := e.tryWorkflow(ctx, command, d.WorkflowHint)
	if !ok {
		coord := NewCoordinator(e.deps, e.guard, e.intervention)
		res, err := coord.Run(ctx, command, d.WorkflowHint)
		if err != nil {
			return true, "BLOCKED", fmt.Sprintf("coordinator failed: %v", err)
		}
		e.log(fmt.Sprintf("command %q via coordinator: %s (%s)", command, res.Status, res.Reason))
		if res.Status == "BLOCKED" {
			if res.Reason == ReasonMissingSource || strings.Contains(res.Reason, "cancelled") {
				return true, "BLOCKED", res.Reason
			}
			e.failures++
		}
	}

	if e.failures >= e.maxFailures {
		return true, "BLOCKED", fmt.Sprintf("%d tool failures", e.failures)
	}
	return false, "", ""
}

// tryWorkflow attempts direct workflow execution for a command. Returns
// false when no workflow matched, sending the command to a coordinator.
func (e *Executor) tryWorkflow(ctx context.Context, command, hint string) bool {
	var wf *workflow.Workflow
	var err error
	if hint != "" {
		wf, err = e.deps.Workflows.Get(hint)
	}
	if wf == nil {
		wf, err = e.deps.Workflows.Match(command)
	}
	if err != nil || wf == nil {
		return false
	}

	invoker := NewCoordinator(e.deps, e.guard, e.intervention)
	runner := workflow.NewRunner(invoker, e.deps.Doc)
	res, err := runner.Run(ctx, wf, map[string]any{"query": command})
	if err != nil {
		e.failures++
		e.log(fmt.Sprintf("workflow %s failed: %v", wf.Name, err))
		return true
	}
	if !res.Success {
		e.failures++
	}
	e.log(fmt.Sprintf("command %q via workflow %s: success=%t", command, wf.Name, res.Success))
	return true
}

// createWorkflow handles CREATE_WORKFLOW: every declared tool needs a
// matching tool_specs entry; tools are created through the forge, verified
// against the catalog, then the workflow registers.
func (e *Executor) createWorkflow(ctx context.Context, spec map[string]any) error {
	if spec == nil {
		return fmt.Errorf("no workflow spec provided")
	}
	name, _ := spec["name"].(string)
	if name == "" {
		return fmt.Errorf("workflow spec missing name")
	}

	tools := stringSlice(spec["tools"])
	toolSpecs, _ := spec["tool_specs"].(map[string]any)

	for _, tool := range tools {
		if e.deps.Catalog != nil && e.deps.Catalog.Has(tool) {
			continue
		}
		entry, ok := toolSpecs[tool].(map[string]any)
		if !ok {
			return fmt.Errorf("tool %s has no tool_specs entry", tool)
		}
		if err := e.createTool(ctx, tool, entry); err != nil {
			return fmt.Errorf("create tool %s: %w", tool, err)
		}
	}

	// validate_tools: every declared tool must now resolve.
	for _, tool := range tools {
		if e.deps.Catalog != nil && !e.deps.Catalog.Has(tool) {
			return fmt.Errorf("tool %s not registered after creation", tool)
		}
	}

	wf, content, err := workflowFromSpec(spec)
	if err != nil {
		return err
	}
	dir := e.deps.TurnDir.DocPath("workflows", turn.PathSession)
	return e.deps.Workflows.SaveAndRegister(wf, content, dir)
}

func (e *Executor) createTool(ctx context.Context, name string, entry map[string]any) error {
	if e.deps.Forge == nil {
		return fmt.Errorf("self-extension unavailable")
	}
	specMap, _ := entry["spec"].(map[string]any)
	if specMap == nil {
		specMap = map[string]any{}
		for k, v := range entry {
			if k != "implementation" && k != "tests" {
				specMap[k] = v
			}
		}
	}
	if _, ok := specMap["name"]; !ok {
		specMap["name"] = name
	}
	impl, _ := entry["implementation"].(string)
	testSrc, _ := entry["tests"].(string)

	req := forge.CreateRequest{Spec: specMap, Implementation: impl}
	if testSrc != "" {
		req.Tests = []forge.TestFile{{Name: name + "_test", Source: testSrc}}
	}
	_, err := e.deps.Forge.CreateTool(ctx, req)
	return err
}

// workflowFromSpec renders a workflow definition file from the executor's
// spec map and parses it back so registration sees exactly what was saved.
func workflowFromSpec(spec map[string]any) (*workflow.Workflow, string, error) {
	header := make(map[string]any, len(spec))
	for k, v := range spec {
		if k != "tool_specs" && k != "body" {
			header[k] = v
		}
	}
	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, "", err
	}
	body, _ := spec["body"].(string)
	content := "---\n" + string(data) + "---\n\n" + body

	wf, err := workflow.Parse(content, "")
	if err != nil {
		return nil, "", err
	}
	return wf, content, nil
}

func (e *Executor) log(line string) {
	e.ticketLog = append(e.ticketLog, line)
	_ = e.deps.Doc.AppendToSection(contextdoc.SectionExecution, "- "+line, "\n")
	logging.Loop("executor: %s", line)
}

func (e *Executor) buildTicket(result *ExecutorResult) string {
	var sb strings.Builder
	sb.WriteString("## Execution Ticket\n\n")
	if plan := e.deps.Doc.GetSection(contextdoc.SectionPlan); plan != "" {
		sb.WriteString("### Strategic plan\n\n")
		sb.WriteString(plan)
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("### Step log (%s: %s)\n\n", result.Status, result.Reason))
	for _, line := range e.ticketLog {
		sb.WriteString("- " + line + "\n")
	}
	return sb.String()
}

var searchMarkers = []string{"search", "research", "find ", "look up", "lookup", "browse"}

func looksLikeSearch(command string) bool {
	lower := strings.ToLower(command)
	for _, m := range searchMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
