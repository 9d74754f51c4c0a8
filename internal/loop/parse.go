package loop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Coordinator actions.
const (
	ActionWorkflowCall = "WORKFLOW_CALL"
	ActionBlocked      = "BLOCKED"
	ActionDone         = "DONE"
)

// Executor actions.
const (
	ActionCommand        = "COMMAND"
	ActionAnalyze        = "ANALYZE"
	ActionComplete       = "COMPLETE"
	ActionCreateWorkflow = "CREATE_WORKFLOW"
	ActionCreateTool     = "CREATE_TOOL"
)

// Legacy planning-loop actions.
const (
	ActionExecute        = "EXECUTE"
	ActionRefreshContext = "REFRESH_CONTEXT"
)

// Directive is one parsed loop-LLM response. Fields are populated per
// action; unused fields stay zero.
type Directive struct {
	Action       string         `json:"action"`
	Workflow     string         `json:"workflow_selected,omitempty"`
	WorkflowArgs map[string]any `json:"workflow_args,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Command      string         `json:"command,omitempty"`
	WorkflowHint string         `json:"workflow_hint,omitempty"`
	Analysis     string         `json:"analysis,omitempty"`
	WorkflowSpec map[string]any `json:"workflow_spec,omitempty"`
}

// extractJSON returns the first JSON object in text, honoring fenced blocks.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+7:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate := strings.TrimSpace(rest[:end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '{':
			depth++
		case !inString && ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ParseDirective parses a loop-LLM response: a JSON object with an action
// field, or a textual "ACTION: detail" line. Unrecognized responses come
// back as an error so the loop can count them against its failure budget.
func ParseDirective(text string, allowed ...string) (*Directive, error) {
	if raw := extractJSON(text); raw != "" {
		var d Directive
		if err := json.Unmarshal([]byte(raw), &d); err == nil && d.Action != "" {
			d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
			if isAllowed(d.Action, allowed) {
				return &d, nil
			}
			return nil, fmt.Errorf("unexpected action %q", d.Action)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, action := range allowed {
			if !strings.HasPrefix(strings.ToUpper(trimmed), action) {
				continue
			}
			rest := strings.TrimSpace(trimmed[len(action):])
			rest = strings.TrimLeft(rest, ":-( ")
			rest = strings.TrimRight(rest, ")")
			d := &Directive{Action: action}
			switch action {
			case ActionCommand:
				d.Command = rest
			case ActionAnalyze:
				d.Analysis = rest
			case ActionWorkflowCall:
				d.Workflow = rest
			default:
				d.Reason = rest
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("no directive found in response")
}

func isAllowed(action string, allowed []string) bool {
	for _, a := range allowed {
		if a == action {
			return true
		}
	}
	return false
}

// Planning routes.
const (
	RouteSynthesis      = "synthesis"
	RouteExecutor       = "executor"
	RouteRefreshContext = "refresh_context"
	RouteClarify        = "clarify"
	RouteBrainstorm     = "brainstorm"
	RouteSelfExtension  = "self_extension"
)

// StrategicPlan is the planner's structured response.
type StrategicPlan struct {
	RouteTo       string   `json:"route_to"`
	ResolvedQuery string   `json:"resolved_query,omitempty"`
	Goals         []any    `json:"goals,omitempty"`
	Steps         []string `json:"steps,omitempty"`
	MissingTools  []string `json:"missing_tools,omitempty"`
	Rationale     string   `json:"rationale,omitempty"`
	Raw           string   `json:"-"`
}

var validRoutes = map[string]bool{
	RouteSynthesis:      true,
	RouteExecutor:       true,
	RouteRefreshContext: true,
	RouteClarify:        true,
	RouteBrainstorm:     true,
	RouteSelfExtension:  true,
}

// ParseStrategicPlan parses the STRATEGIC_PLAN format. The plan may sit at
// the top level or under a strategic_plan key. An unknown or missing
// route_to fails parsing, which sends the planning loop down the legacy
// path.
func ParseStrategicPlan(text string) (*StrategicPlan, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in planner response")
	}

	var envelope struct {
		StrategicPlan *StrategicPlan `json:"strategic_plan"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil && envelope.StrategicPlan != nil && envelope.StrategicPlan.RouteTo != "" {
		envelope.StrategicPlan.Raw = raw
		return validatePlan(envelope.StrategicPlan)
	}

	var plan StrategicPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parse strategic plan: %w", err)
	}
	plan.Raw = raw
	return validatePlan(&plan)
}

func validatePlan(plan *StrategicPlan) (*StrategicPlan, error) {
	plan.RouteTo = strings.ToLower(strings.TrimSpace(plan.RouteTo))
	if !validRoutes[plan.RouteTo] {
		return nil, fmt.Errorf("invalid route_to %q", plan.RouteTo)
	}
	return plan, nil
}
