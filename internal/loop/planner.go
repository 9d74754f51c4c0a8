package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/internal/constraint"
	"conductor/internal/contextdoc"
	"conductor/internal/forge"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/planstate"
	"conductor/internal/turn"
)

// Refresher re-gathers context mid-plan. The context gatherer phase
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PlanningResult is the planning loop's outcome, consumed by synthesis.
type PlanningResult struct {
	Route       string          `json:"route"`
	Ticket      string          `json:"-"`
	ToolResults string          `json:"-"`
	PlanJSON    string          `json:"-"`
	Executor    *ExecutorResult `json:"-"`
}

// Planner is Phase 3's outer controller: strategic plan first, legacy loop
// as fallback.
type Planner struct {
	deps         *Deps
	guard        *ResearchGuard
	intervention *Intervention
	refresher    Refresher

	// refreshUsed gates refresh_context to a single attempt per turn.
	refreshUsed bool

	// selfExtended gates self_extension to a single executor re-route.
	selfExtended bool
}

// NewPlanner creates a planner. refresher may be nil; refresh_context then
// degrades to an immediate replan.
func NewPlanner(deps *Deps, guard *ResearchGuard, intervention *Intervention, refresher Refresher) *Planner {
	return &Planner{deps: deps, guard: guard, intervention: intervention, refresher: refresher}
}

// Run produces the turn's plan and, when routed, its execution artifacts.
func (p *Planner) Run(ctx context.Context) (*PlanningResult, error) {
	doc := p.deps.Doc
	doc.UpdateExecutionState(3, "planning", 1, 1, -1)
	p.deps.emit("planning", "started", nil)

	text, err := p.deps.callRole(ctx, "planner.yaml", llm.RolePlanner, "planning")
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	plan, err := ParseStrategicPlan(text)
	if err != nil {
		logging.LoopWarn("strategic plan unparseable (%v), entering legacy loop", err)
		return p.legacyLoop(ctx)
	}
	return p.routePlan(ctx, plan, true)
}

// routePlan dispatches one parsed strategic plan. allowExecutor gates
// executor (re-)entry: the replan after an executor run must not re-enter.
func (p *Planner) routePlan(ctx context.Context, plan *StrategicPlan, allowExecutor bool) (*PlanningResult, error) {
	doc := p.deps.Doc
	p.writePlanSection(plan)
	p.initPlanState(plan)
	doc.RecordDecision("planning", "route_to:"+plan.RouteTo, plan.Rationale)
	p.deps.emit("planning", "completed", map[string]any{"route": plan.RouteTo})

	switch plan.RouteTo {
	case RouteSynthesis:
		return &PlanningResult{
			Route:       RouteSynthesis,
			Ticket:      planTicket(plan),
			ToolResults: "No tools were executed; the answer derives from gathered context.\n",
			PlanJSON:    plan.Raw,
		}, nil

	case RouteClarify, RouteBrainstorm:
		return &PlanningResult{Route: plan.RouteTo, Ticket: plan.Raw, PlanJSON: plan.Raw}, nil

	case RouteRefreshContext:
		if p.refreshUsed {
			// Refresh already had its chance; treat as synthesis.
			return &PlanningResult{Route: RouteSynthesis, Ticket: planTicket(plan), PlanJSON: plan.Raw}, nil
		}
		p.refreshUsed = true
		if p.refresher != nil {
			if err := p.refresher.Refresh(ctx); err != nil {
				logging.LoopWarn("context refresh failed: %v", err)
			}
		}
		return p.replan(ctx, allowExecutor)

	case RouteSelfExtension:
		if p.selfExtended || !allowExecutor {
			return &PlanningResult{Route: RouteSynthesis, Ticket: planTicket(plan), PlanJSON: plan.Raw}, nil
		}
		p.selfExtended = true
		if err := p.selfExtend(ctx, plan); err != nil {
			logging.LoopWarn("self-extension failed: %v", err)
		}
		fallthrough

	case RouteExecutor:
		if !allowExecutor {
			return &PlanningResult{Route: RouteSynthesis, Ticket: planTicket(plan), PlanJSON: plan.Raw}, nil
		}
		return p.runExecutor(ctx, plan)
	}
	return nil, fmt.Errorf("unhandled route %q", plan.RouteTo)
}

// runExecutor calls C11 once, then replans against the updated context. The
// replan may reroute the result but never re-enters the executor.
func (p *Planner) runExecutor(ctx context.Context, plan *StrategicPlan) (*PlanningResult, error) {
	exec := NewExecutor(p.deps, p.guard, p.intervention)
	execResult, err := exec.Run(ctx)
	if err != nil {
		return nil, err
	}

	result := &PlanningResult{
		Route:    RouteExecutor,
		Ticket:   execResult.Ticket,
		PlanJSON: plan.Raw,
		Executor: execResult,
	}
	if data, readErr := p.deps.TurnDir.ReadDoc(turn.DocToolResults); readErr == nil {
		result.ToolResults = string(data)
	}

	// Replan once: the planner sees the execution record and may adjust the
	// final routing, but execution stays single-shot.
	text, err := p.deps.callRole(ctx, "planner.yaml", llm.RolePlanner, "planning")
	if err != nil {
		logging.LoopWarn("replan call failed: %v", err)
		return result, nil
	}
	replanned, err := ParseStrategicPlan(text)
	if err != nil {
		return result, nil
	}
	if replanned.RouteTo == RouteClarify || replanned.RouteTo == RouteBrainstorm {
		rerouted, err := p.routePlan(ctx, replanned, false)
		if err != nil {
			return result, nil
		}
		rerouted.Executor = execResult
		if rerouted.ToolResults == "" {
			rerouted.ToolResults = result.ToolResults
		}
		return rerouted, nil
	}
	return result, nil
}

func (p *Planner) replan(ctx context.Context, allowExecutor bool) (*PlanningResult, error) {
	text, err := p.deps.callRole(ctx, "planner.yaml", llm.RolePlanner, "planning")
	if err != nil {
		return nil, fmt.Errorf("replan call: %w", err)
	}
	plan, err := ParseStrategicPlan(text)
	if err != nil {
		return p.legacyLoop(ctx)
	}
	if plan.RouteTo == RouteRefreshContext {
		plan.RouteTo = RouteSynthesis
	}
	return p.routePlan(ctx, plan, allowExecutor)
}

// selfExtensionRecord is persisted as self_extension.json.
type selfExtensionRecord struct {
	Requested []string `json:"requested"`
	Created   []string `json:"created"`
	Failed    []string `json:"failed,omitempty"`
}

// selfExtend generates and forges each missing tool, then records the
// outcome in self_extension.json.
func (p *Planner) selfExtend(ctx context.Context, plan *StrategicPlan) error {
	record := selfExtensionRecord{Requested: plan.MissingTools}

	for _, tool := range plan.MissingTools {
		req, err := p.generateTool(ctx, tool)
		if err != nil {
			record.Failed = append(record.Failed, tool)
			logging.LoopWarn("tool generation for %s failed: %v", tool, err)
			continue
		}
		if _, err := p.deps.Forge.CreateTool(ctx, *req); err != nil {
			record.Failed = append(record.Failed, tool)
			continue
		}
		record.Created = append(record.Created, tool)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := p.deps.TurnDir.WriteDoc(turn.DocSelfExtension, data); err != nil {
		return err
	}
	if len(record.Created) == 0 && len(record.Requested) > 0 {
		return fmt.Errorf("no tools could be created")
	}
	return nil
}

// generateTool asks the LLM for a spec+implementation+tests triple for one
// missing tool.
func (p *Planner) generateTool(ctx context.Context, tool string) (*forge.CreateRequest, error) {
	_ = p.deps.Doc.AppendToSection(contextdoc.SectionPlan,
		fmt.Sprintf("generating_tool: %s", tool), "\n")

	text, err := p.deps.callRole(ctx, "tool_generator.yaml", llm.RolePlanner, "self_extension")
	if err != nil {
		return nil, err
	}

	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("generator returned no JSON")
	}
	var gen struct {
		Spec           map[string]any `json:"spec"`
		Implementation string         `json:"implementation"`
		Tests          string         `json:"tests"`
		SkipTests      bool           `json:"skip_tests"`
	}
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		return nil, fmt.Errorf("parse generator output: %w", err)
	}
	if gen.Spec == nil || gen.Implementation == "" {
		return nil, fmt.Errorf("generator output incomplete")
	}
	if _, ok := gen.Spec["name"]; !ok {
		gen.Spec["name"] = tool
	}

	req := &forge.CreateRequest{Spec: gen.Spec, Implementation: gen.Implementation, SkipTests: gen.SkipTests}
	if gen.Tests != "" {
		req.Tests = []forge.TestFile{{Name: tool + "_test", Source: gen.Tests}}
	}
	return req, nil
}

// legacyLoop is the bounded EXECUTE/REFRESH_CONTEXT/COMPLETE fallback when
// strategic planning fails. REFRESH_CONTEXT is demoted to EXECUTE for the
// life of the loop.
func (p *Planner) legacyLoop(ctx context.Context) (*PlanningResult, error) {
	doc := p.deps.Doc
	maxIter := p.deps.Loops.MaxPlanningIterations
	if maxIter <= 0 {
		maxIter = 5
	}

	if !doc.HasSection(contextdoc.SectionPlan) {
		_ = doc.AppendSection(contextdoc.SectionPlan, "",
			"Legacy planning: no strategic plan available.\nresolved_query: "+doc.Query)
	}

	var log []string
	for iter := 1; iter <= maxIter; iter++ {
		doc.UpdateExecutionState(3, "legacy_planning", iter, maxIter, -1)

		text, err := p.deps.callRole(ctx, "planner.yaml", llm.RolePlanner, "planning")
		if err != nil {
			return nil, fmt.Errorf("legacy planner call: %w", err)
		}
		directive, err := ParseDirective(text, ActionExecute, ActionRefreshContext, ActionComplete)
		if err != nil {
			log = append(log, fmt.Sprintf("iteration %d: unparseable, stopping", iter))
			break
		}

		if directive.Action == ActionComplete {
			log = append(log, fmt.Sprintf("iteration %d: COMPLETE", iter))
			break
		}
		if directive.Action == ActionRefreshContext {
			// Demoted permanently: refresh had its chance before the loop.
			logging.LoopWarn("legacy loop: REFRESH_CONTEXT demoted to EXECUTE")
			directive.Action = ActionExecute
		}

		coord := NewCoordinator(p.deps, p.guard, p.intervention)
		res, err := coord.Run(ctx, doc.Query, "")
		if err != nil {
			return nil, err
		}
		log = append(log, fmt.Sprintf("iteration %d: EXECUTE -> %s (%s)", iter, res.Status, res.Reason))
		if res.Status == "BLOCKED" {
			break
		}
	}

	result := &PlanningResult{
		Route:  RouteExecutor,
		Ticket: "## Execution Ticket (legacy)\n\n- " + strings.Join(log, "\n- ") + "\n",
	}
	if data, err := p.deps.TurnDir.ReadDoc(turn.DocToolResults); err == nil {
		result.ToolResults = string(data)
	}
	return result, nil
}

// writePlanSection records the plan as §3 with the resolved query on its own
// line for downstream enrichment.
func (p *Planner) writePlanSection(plan *StrategicPlan) {
	var sb strings.Builder
	sb.WriteString("```json\n")
	sb.WriteString(plan.Raw)
	sb.WriteString("\n```\n")
	if plan.ResolvedQuery != "" {
		sb.WriteString("resolved_query: " + plan.ResolvedQuery + "\n")
	}
	doc := p.deps.Doc
	if doc.HasSection(contextdoc.SectionPlan) {
		_ = doc.AppendToSection(contextdoc.SectionPlan, sb.String(), "\n\n")
	} else {
		_ = doc.AppendSection(contextdoc.SectionPlan, "", sb.String())
	}
}

// initPlanState seeds plan_state.json with normalized goals and the turn's
// extracted constraint ids.
func (p *Planner) initPlanState(plan *StrategicPlan) {
	if p.deps.PlanState == nil {
		return
	}
	goals := planstate.NormalizeGoals(plan.Goals)

	var constraintIDs []string
	if set, err := constraint.Load(p.deps.TurnDir.DocPath(turn.DocConstraints, turn.PathTurnLocal)); err == nil {
		for _, c := range set.Constraints {
			constraintIDs = append(constraintIDs, c.ID)
		}
	}
	if err := p.deps.PlanState.Initialize(goals, constraintIDs, "planning"); err != nil {
		logging.LoopWarn("plan state init: %v", err)
	}
}

func planTicket(plan *StrategicPlan) string {
	var sb strings.Builder
	sb.WriteString("## Plan Ticket\n\n")
	sb.WriteString("Route: " + plan.RouteTo + "\n")
	if plan.Rationale != "" {
		sb.WriteString("Rationale: " + plan.Rationale + "\n")
	}
	for _, step := range plan.Steps {
		sb.WriteString("- " + step + "\n")
	}
	return sb.String()
}
