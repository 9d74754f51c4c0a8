package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/catalog"
	"conductor/internal/config"
	"conductor/internal/contextdoc"
	"conductor/internal/gate"
	"conductor/internal/llm"
	"conductor/internal/pack"
	"conductor/internal/planstate"
	"conductor/internal/toolexec"
	"conductor/internal/turn"
	"conductor/internal/workflow"
)

// scriptedLLM replays canned responses in order, repeating the last one.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return &llm.Response{Text: s.responses[idx], Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

const priceWorkflow = `---
name: FindProductPrice
description: Look up a product price
triggers:
  - price of
inputs:
  - name: query
    from: original_query
    required: true
steps:
  - name: research
    tool: internet.research
    args:
      query: "{{query}}"
    outputs: [findings]
success_criteria:
  - findings exists
---

Research the product price and report findings.
`

const recallWorkflow = `---
name: RecallMemory
description: Search session memory
triggers:
  - recall
steps:
  - name: search
    tool: memory.search
    args:
      query: "stored notes"
---

Search memory for stored notes.
`

type coordHarness struct {
	deps  *Deps
	coord *Coordinator
	llm   *scriptedLLM

	researchCalls int
}

// newCoordHarness wires a full coordinator stack around a fake research tool.
// claims controls what internet.research returns.
func newCoordHarness(t *testing.T, responses []string, claims []any) *coordHarness {
	t.Helper()
	h := &coordHarness{llm: &scriptedLLM{responses: responses}}

	base := t.TempDir()
	dir, err := turn.Allocate(base, "sess-1", "trace-1", "chat", "price of eggs")
	require.NoError(t, err)

	doc := contextdoc.New("price of eggs", "sess-1", dir.Number, "chat", "trace-1")

	cat := catalog.New()
	require.NoError(t, cat.Register(&catalog.Tool{
		Name: "internet.research",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			h.researchCalls++
			out := map[string]any{"status": "success", "findings": "eggs cost $4.20"}
			if claims != nil {
				out["claims"] = claims
			}
			return out, nil
		},
	}))
	require.NoError(t, cat.Register(&catalog.Tool{
		Name: "memory.search",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"status": "success"}, nil
		},
	}))

	ps, err := planstate.NewManager(dir.DocPath(turn.DocPlanState, turn.PathTurnLocal))
	require.NoError(t, err)

	g := gate.New(cat, time.Second)
	exec := toolexec.New(cat, g, ps, doc, dir, toolexec.Config{Timeout: time.Second, ResearchTimeout: time.Second})

	registry := workflow.NewRegistry(cat)
	for _, src := range []string{priceWorkflow, recallWorkflow} {
		wf, err := workflow.Parse(src, "")
		require.NoError(t, err)
		registry.Register(wf)
	}

	recipes := filepath.Join(base, "recipes")
	require.NoError(t, os.MkdirAll(filepath.Join(recipes, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(recipes, "prompts", "coordinator.md"),
		[]byte("Pick the next workflow or report DONE."), 0o644))
	for _, name := range []string{"coordinator", "executor", "planner", "tool_generator"} {
		require.NoError(t, os.WriteFile(filepath.Join(recipes, name+".yaml"), []byte(`name: `+name+`
prompt_fragments:
  - prompts/coordinator.md
input_docs:
  - path: context.md
    path_type: turn_local
token_budget:
  total: 8000
  output: 1000
  buffer: 200
llm_params:
  temperature: 0.6
  max_tokens: 1000
`), 0o644))
	}

	counter := pack.NewTokenCounter()
	h.deps = &Deps{
		LLM:        h.llm,
		Packs:      pack.NewBuilder(counter, pack.NewCompressor(counter), dir),
		RecipesDir: recipes,
		Doc:        doc,
		TurnDir:    dir,
		Tools:      exec,
		Catalog:    cat,
		Workflows:  registry,
		PlanState:  ps,
		Loops:      config.LoopsConfig{MaxCoordinatorSteps: 6, MaxResearchCalls: 3},
	}
	h.coord = NewCoordinator(h.deps, NewResearchGuard(3), NewIntervention(20*time.Millisecond))
	return h
}

func workflowCall(name string) string {
	return `{"action": "WORKFLOW_CALL", "workflow_selected": "` + name + `", "rationale": "next step"}`
}

func TestCoordinatorHappyPath(t *testing.T) {
	sourced := []any{
		map[string]any{"content": "eggs cost $4.20", "confidence": 0.9, "url": "https://example.com/eggs"},
	}
	h := newCoordHarness(t, []string{
		workflowCall("FindProductPrice"),
		`{"action": "DONE", "reason": "price found"}`,
	}, sourced)

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	assert.Equal(t, "DONE", res.Status)
	assert.Equal(t, "price found", res.Reason)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 1, res.ClaimsAdded)
	assert.Equal(t, 2, res.Iterations)

	// toolresults.md holds the per-call log with the evidence URL.
	data, err := h.deps.TurnDir.ReadDoc(turn.DocToolResults)
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://example.com/eggs")

	assert.Contains(t, res.Ticket, "Status: DONE")
	assert.Contains(t, h.deps.Doc.GetSection(contextdoc.SectionExecution), "Coordinator summary")
}

func TestCoordinatorDuplicateResearchRefused(t *testing.T) {
	sourced := []any{
		map[string]any{"content": "eggs cost $4.20", "confidence": 0.9, "url": "https://example.com/eggs"},
	}
	h := newCoordHarness(t, []string{
		workflowCall("FindProductPrice"),
		workflowCall("FindProductPrice"),
		`{"action": "DONE", "reason": "enough"}`,
	}, sourced)

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	assert.Equal(t, "DONE", res.Status)
	assert.Equal(t, 1, res.ToolCalls, "second identical query never reaches the tool")
	assert.Equal(t, 1, h.researchCalls)
	assert.Equal(t, 1, h.coord.guard.Calls())
}

func TestCoordinatorUnsourcedClaimsBlock(t *testing.T) {
	unsourced := []any{
		map[string]any{"content": "rumor with no source", "confidence": 0.8},
	}
	h := newCoordHarness(t, []string{workflowCall("FindProductPrice")}, unsourced)

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	assert.Equal(t, "BLOCKED", res.Status)
	assert.Equal(t, ReasonMissingSource, res.Reason)
	assert.Equal(t, 0, res.ClaimsAdded)
}

func TestCoordinatorResearchExhaustion(t *testing.T) {
	h := newCoordHarness(t, []string{
		workflowCall("FindProductPrice"),
		`{"action": "WORKFLOW_CALL", "workflow_selected": "FindProductPrice", "workflow_args": {"query": "organic egg prices"}}`,
		`{"action": "DONE", "reason": "giving up"}`,
	}, nil) // zero claims from research

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	assert.Equal(t, "DONE", res.Status)
	assert.Equal(t, 1, res.ToolCalls, "exhausted guard refuses the refined query too")
	assert.True(t, h.coord.guard.Exhausted())
}

func TestCoordinatorCircularPatternBlocks(t *testing.T) {
	h := newCoordHarness(t, []string{
		workflowCall("RecallMemory"),
		workflowCall("RecallMemory"),
		workflowCall("RecallMemory"),
	}, nil)

	res, err := h.coord.Run(context.Background(), "recall stored notes", "")
	require.NoError(t, err)

	assert.Equal(t, "BLOCKED", res.Status)
	assert.Equal(t, "circular call pattern detected", res.Reason)
	assert.Equal(t, 2, res.ToolCalls, "the third identical call is refused")
}

func TestCoordinatorCriticalFailureAsksIntervention(t *testing.T) {
	h := newCoordHarness(t, []string{
		workflowCall("FindProductPrice"),
		`{"action": "DONE", "reason": "stopping"}`,
	}, nil)
	require.NoError(t, h.deps.Catalog.Override(&catalog.Tool{
		Name: "internet.research",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"status": catalog.StatusError, "error": "rate limit exceeded"}, nil
		},
	}))

	iv := NewIntervention(30 * time.Millisecond)
	reqs := iv.Subscribe()
	coord := NewCoordinator(h.deps, NewResearchGuard(3), iv)

	res, err := coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	select {
	case req := <-reqs:
		assert.Contains(t, req.Reason, "rate limit exceeded")
	default:
		t.Fatal("rate-limit tool failure must reach the intervention rendezvous")
	}
	assert.Equal(t, "DONE", res.Status)
}

func TestCoordinatorUnparseableResponses(t *testing.T) {
	h := newCoordHarness(t, []string{
		"I think we should probably research something.",
		"Still no directive here.",
	}, nil)

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "")
	require.NoError(t, err)

	assert.Equal(t, "BLOCKED", res.Status)
	assert.Equal(t, "coordinator responses unparseable", res.Reason)
}

func TestCoordinatorUnknownWorkflowRejected(t *testing.T) {
	h := newCoordHarness(t, []string{
		workflowCall("NoSuchWorkflow"),
		`{"action": "BLOCKED", "reason": "nothing applicable"}`,
	}, nil)

	res, err := h.coord.Run(context.Background(), "do something", "")
	require.NoError(t, err)

	assert.Equal(t, "BLOCKED", res.Status)
	assert.Equal(t, "nothing applicable", res.Reason)
	assert.Equal(t, 0, res.ToolCalls)
}

func TestCoordinatorHintResolvesWorkflow(t *testing.T) {
	sourced := []any{
		map[string]any{"content": "eggs cost $4.20", "confidence": 0.9, "url": "https://example.com/eggs"},
	}
	h := newCoordHarness(t, []string{
		`{"action": "WORKFLOW_CALL"}`, // no workflow named; the hint decides
		`{"action": "DONE", "reason": "done"}`,
	}, sourced)

	res, err := h.coord.Run(context.Background(), "find the price of eggs", "FindProductPrice")
	require.NoError(t, err)

	assert.Equal(t, "DONE", res.Status)
	assert.Equal(t, 1, res.ToolCalls)
}
