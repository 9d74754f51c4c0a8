package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"conductor/internal/catalog"
	"conductor/internal/contextdoc"
	"conductor/internal/logging"
	"conductor/internal/toolexec"
)

// Invoker executes one tool call. *toolexec.Executor satisfies it.
type Invoker interface {
	Execute(ctx context.Context, tool string, args map[string]any) (*toolexec.Result, error)
}

// StepResult records one executed step.
type StepResult struct {
	Step    string         `json:"step"`
	Tool    string         `json:"tool"`
	Status  string         `json:"status"`
	Skipped bool           `json:"skipped,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// Result is the outcome of a workflow run.
type Result struct {
	Workflow         string         `json:"workflow"`
	Success          bool           `json:"success"`
	Steps            []StepResult   `json:"steps"`
	Outputs          map[string]any `json:"outputs"`
	FailedCriteria   []string       `json:"failed_criteria,omitempty"`
	FallbackWorkflow string         `json:"fallback_workflow,omitempty"`
	FallbackMessage  string         `json:"fallback_message,omitempty"`
	Error            string         `json:"error,omitempty"`
	Elapsed          time.Duration  `json:"-"`
}

// Runner executes workflows step by step against a tool invoker and the
// turn's context document.
type Runner struct {
	invoker Invoker
	doc     *contextdoc.Document
}

// NewRunner creates a runner. doc may be nil; from-bindings then resolve to
// empty values.
func NewRunner(invoker Invoker, doc *contextdoc.Document) *Runner {
	return &Runner{invoker: invoker, doc: doc}
}

// Run executes the workflow. Explicit inputs win over from-bindings, which
// win over defaults. A missing required input fails before any step runs.
// Failed success criteria record the fallback without executing it.
func (r *Runner) Run(ctx context.Context, wf *Workflow, inputs map[string]any) (*Result, error) {
	start := time.Now()
	res := &Result{Workflow: wf.Name, Outputs: map[string]any{}}

	vars, err := r.resolveInputs(wf, inputs)
	if err != nil {
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		return res, err
	}

	for _, step := range wf.Steps {
		sr := StepResult{Step: step.Name, Tool: step.Tool}

		if step.Condition != "" {
			pass, condErr := evalExpr(step.Condition, vars)
			if condErr != nil {
				logging.WorkflowDebug("workflow %s step %s condition error: %v", wf.Name, step.Name, condErr)
			}
			if !pass {
				sr.Skipped = true
				sr.Reason = "condition not met"
				res.Steps = append(res.Steps, sr)
				continue
			}
		}

		args, err := InterpolateArgs(step.Args, vars)
		if err != nil {
			sr.Status = catalog.StatusError
			sr.Reason = err.Error()
			res.Steps = append(res.Steps, sr)
			res.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("step %s: %w", step.Name, err)
		}

		call, err := r.invoker.Execute(ctx, step.Tool, args)
		if err != nil {
			sr.Status = catalog.StatusError
			sr.Reason = err.Error()
			res.Steps = append(res.Steps, sr)
			res.Error = fmt.Sprintf("step %s: %v", step.Name, err)
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("step %s: %w", step.Name, err)
		}

		sr.Status = call.Status
		sr.Outputs = bindOutputs(step, call)
		res.Steps = append(res.Steps, sr)

		// A failed tool is a workflow error; the caller decides whether the
		// failure class warrants intervention.
		if call.Status == catalog.StatusError {
			sr.Reason = stepFailReason(call)
			res.Steps[len(res.Steps)-1] = sr
			res.Error = fmt.Sprintf("step %s failed: %s", step.Name, sr.Reason)
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("step %s failed: %s", step.Name, sr.Reason)
		}

		if call.Status == catalog.StatusBlocked || call.Status == catalog.StatusDenied {
			sr.Reason = call.Reason
			res.Steps[len(res.Steps)-1] = sr
			res.Error = fmt.Sprintf("step %s %s: %s", step.Name, call.Status, call.Reason)
			res.Elapsed = time.Since(start)
			return res, nil
		}

		for name, value := range sr.Outputs {
			vars[name] = value
		}
	}

	for _, criterion := range wf.SuccessCriteria {
		pass, err := evalExpr(criterion, vars)
		if err != nil || !pass {
			res.FailedCriteria = append(res.FailedCriteria, criterion)
		}
	}

	if len(res.FailedCriteria) > 0 {
		res.Success = false
		if wf.Fallback != nil {
			res.FallbackWorkflow = wf.Fallback.Workflow
			res.FallbackMessage = wf.Fallback.Message
		}
		logging.Workflow("workflow %s failed criteria %v", wf.Name, res.FailedCriteria)
	} else {
		res.Success = true
	}

	for _, out := range wf.Outputs {
		if v, ok := vars[out.Name]; ok {
			res.Outputs[out.Name] = v
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// resolveInputs builds the initial variable context.
func (r *Runner) resolveInputs(wf *Workflow, inputs map[string]any) (map[string]any, error) {
	vars := make(map[string]any)
	for k, v := range inputs {
		vars[k] = v
	}
	for _, in := range wf.Inputs {
		if _, ok := vars[in.Name]; ok {
			continue
		}
		if in.From != "" {
			if v, ok := r.fromBinding(in.From); ok {
				vars[in.Name] = v
				continue
			}
		}
		if in.Default != nil {
			vars[in.Name] = in.Default
			continue
		}
		if in.Required {
			return nil, fmt.Errorf("workflow %s: missing required input %s", wf.Name, in.Name)
		}
	}
	return vars, nil
}

// fromBinding resolves a pipeline source reference: original_query,
// section_N, or content_reference.<field>.
func (r *Runner) fromBinding(from string) (any, bool) {
	if r.doc == nil {
		return nil, false
	}
	switch {
	case from == "original_query":
		return r.doc.Query, true
	case strings.HasPrefix(from, "section_"):
		n, err := strconv.Atoi(strings.TrimPrefix(from, "section_"))
		if err != nil {
			return nil, false
		}
		if !r.doc.HasSection(n) {
			return nil, false
		}
		return r.doc.GetSection(n), true
	case strings.HasPrefix(from, "content_reference."):
		ref := r.doc.ContentReference()
		v, ok := ref[strings.TrimPrefix(from, "content_reference.")]
		return v, ok
	}
	return nil, false
}

// stepFailReason prefers the normalized reason, falling back to the raw
// error field tool handlers report.
func stepFailReason(call *toolexec.Result) string {
	if call.Reason != "" {
		return call.Reason
	}
	if call.RawResult != nil {
		if msg, ok := call.RawResult["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return "tool error"
}

// bindOutputs maps a step's declared outputs from the tool result. A named
// field in the raw result wins; a single declared output with no matching
// field binds the whole result payload.
func bindOutputs(step Step, call *toolexec.Result) map[string]any {
	if len(step.Outputs) == 0 {
		return nil
	}
	out := make(map[string]any, len(step.Outputs))
	for _, name := range step.Outputs {
		if call.RawResult != nil {
			if v, ok := call.RawResult[name]; ok {
				out[name] = v
				continue
			}
		}
		if len(step.Outputs) == 1 {
			if call.RawResult != nil {
				if v, ok := call.RawResult["result"]; ok {
					out[name] = v
					continue
				}
			}
			out[name] = call.RawResult
		}
	}
	return out
}

// evalExpr evaluates a condition or success criterion against vars.
// Supported forms: "name", "name exists", "name == value", "name != value",
// "name contains value", and numeric comparisons with >, >=, <, <=.
func evalExpr(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx > 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.TrimSpace(expr[idx+len(op):])
			return evalComparison(left, op, right, vars)
		}
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		lv, _ := lookup(strings.TrimSpace(parts[0]), vars)
		needle := unquote(strings.TrimSpace(parts[1]))
		return strings.Contains(stringify(lv), needle), nil
	}

	name := strings.TrimSuffix(expr, " exists")
	v, ok := lookup(strings.TrimSpace(name), vars)
	if strings.HasSuffix(expr, " exists") {
		return ok, nil
	}
	if !ok {
		return false, nil
	}
	return truthy(v), nil
}

func evalComparison(left, op, right string, vars map[string]any) (bool, error) {
	lv, ok := lookup(left, vars)
	if !ok {
		if op == "!=" {
			return unquote(right) != "", nil
		}
		return false, nil
	}
	rs := unquote(right)

	lf, lErr := toFloat(lv)
	rf, rErr := strconv.ParseFloat(rs, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls := stringify(lv)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	}
	return false, fmt.Errorf("non-numeric operands for %s", op)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not numeric")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
