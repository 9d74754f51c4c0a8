package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/catalog"
	"conductor/internal/contextdoc"
	"conductor/internal/toolexec"
)

// fakeInvoker records calls and replays scripted results per tool name.
type fakeInvoker struct {
	calls   []string
	args    []map[string]any
	results map[string]*toolexec.Result
}

func (f *fakeInvoker) Execute(ctx context.Context, tool string, args map[string]any) (*toolexec.Result, error) {
	f.calls = append(f.calls, tool)
	f.args = append(f.args, args)
	if r, ok := f.results[tool]; ok {
		return r, nil
	}
	return &toolexec.Result{Tool: tool, Status: catalog.StatusSuccess}, nil
}

func testWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf, err := Parse(sampleWorkflow, "test.md")
	require.NoError(t, err)
	return wf
}

func TestRunnerHappyPath(t *testing.T) {
	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"internet.research": {
			Status:    catalog.StatusSuccess,
			RawResult: map[string]any{"findings": "the price is $199"},
		},
		"extract.price": {
			Status:    catalog.StatusSuccess,
			RawResult: map[string]any{"price": "$199"},
		},
	}}
	runner := NewRunner(inv, nil)

	res, err := runner.Run(context.Background(), testWorkflow(t), map[string]any{"product": "headphones"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.FailedCriteria)
	assert.Equal(t, []string{"internet.research", "extract.price"}, inv.calls)
	assert.Equal(t, "current price of headphones", inv.args[0]["query"])
	assert.Equal(t, "the price is $199", inv.args[1]["text"])
	assert.Equal(t, "$199", res.Outputs["price"])
}

func TestRunnerMissingRequiredInput(t *testing.T) {
	runner := NewRunner(&fakeInvoker{}, nil)
	wf := testWorkflow(t)

	_, err := runner.Run(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required input product")
}

func TestRunnerFromBinding(t *testing.T) {
	doc := contextdoc.New("price of headphones", "s1", 1, "chat", "trace")
	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"extract.price": {Status: catalog.StatusSuccess, RawResult: map[string]any{"price": "$10"}},
	}}
	runner := NewRunner(inv, doc)

	res, err := runner.Run(context.Background(), testWorkflow(t), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "current price of price of headphones", inv.args[0]["query"])
}

func TestRunnerBlockedStepHalts(t *testing.T) {
	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"internet.research": {Status: catalog.StatusBlocked, Reason: "already called with same query"},
	}}
	runner := NewRunner(inv, nil)

	res, err := runner.Run(context.Background(), testWorkflow(t), map[string]any{"product": "x"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Len(t, inv.calls, 1, "blocked step must halt the workflow")
	assert.Contains(t, res.Error, "already called with same query")
}

func TestRunnerErrorStepHaltsWithError(t *testing.T) {
	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"internet.research": {
			Status:    catalog.StatusError,
			RawResult: map[string]any{"status": catalog.StatusError, "error": "rate limit exceeded"},
		},
	}}
	runner := NewRunner(inv, nil)

	res, err := runner.Run(context.Background(), testWorkflow(t), map[string]any{"product": "x"})
	require.Error(t, err, "a failed step is a workflow error")
	assert.Contains(t, err.Error(), "rate limit exceeded")

	assert.Len(t, inv.calls, 1, "execution stops at the failed step")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, catalog.StatusError, res.Steps[0].Status)
	assert.Equal(t, "rate limit exceeded", res.Steps[0].Reason)
	assert.Contains(t, res.Error, "step search failed")
}

func TestRunnerFailedCriteriaRecordsFallback(t *testing.T) {
	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"internet.research": {Status: catalog.StatusSuccess, RawResult: map[string]any{"findings": "nothing"}},
		"extract.price":     {Status: catalog.StatusSuccess, RawResult: map[string]any{}},
	}}
	runner := NewRunner(inv, nil)

	res, err := runner.Run(context.Background(), testWorkflow(t), map[string]any{"product": "x"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, []string{"price exists"}, res.FailedCriteria)
	assert.Equal(t, "GeneralResearch", res.FallbackWorkflow)
	// The fallback is only recorded; both steps ran, nothing more.
	assert.Len(t, inv.calls, 2)
}

func TestRunnerConditionSkips(t *testing.T) {
	content := `---
name: Conditional
steps:
  - name: always
    tool: a
    outputs:
      - found
  - name: maybe
    tool: b
    condition: "found == 'yes'"
---
`
	wf, err := Parse(content, "cond.md")
	require.NoError(t, err)

	inv := &fakeInvoker{results: map[string]*toolexec.Result{
		"a": {Status: catalog.StatusSuccess, RawResult: map[string]any{"found": "no"}},
	}}
	res, err := NewRunner(inv, nil).Run(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[1].Skipped)
	assert.Equal(t, []string{"a"}, inv.calls)
}

func TestEvalExpr(t *testing.T) {
	vars := map[string]any{
		"count":    float64(3),
		"status":   "success",
		"findings": "price is $20",
		"empty":    "",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"count >= 2", true},
		{"count > 3", false},
		{"count == 3", true},
		{"status == 'success'", true},
		{"status != 'error'", true},
		{"findings contains '$20'", true},
		{"findings contains 'euros'", false},
		{"status exists", true},
		{"missing exists", false},
		{"empty", false},
		{"findings", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, _ := evalExpr(tt.expr, vars)
			assert.Equal(t, tt.want, got)
		})
	}
}
