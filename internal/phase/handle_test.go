package phase

import (
	"context"
	"encoding/json"
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
	return &llm.Response{Text: s.responses[idx], Usage: llm.Usage{PromptTokens: 20, CompletionTokens: 10}}, nil
}

var recipeNames = []string{
	"query_analyzer", "reflection", "planner", "coordinator",
	"executor", "synthesizer", "validator", "revision", "tool_generator",
}

// newRunner builds a Runner over a temp base path with one shared recipe per
// role.
func newRunner(t *testing.T, responses []string) (*Runner, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.BasePath = t.TempDir()
	cfg.Tools.ApprovalTimeout = 50 * time.Millisecond
	cfg.Tools.InterventionTimeout = 50 * time.Millisecond

	recipes := cfg.RecipesDir()
	require.NoError(t, os.MkdirAll(filepath.Join(recipes, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(recipes, "prompts", "role.md"),
		[]byte("Do your part of the turn."), 0o644))
	for _, name := range recipeNames {
		require.NoError(t, os.WriteFile(filepath.Join(recipes, name+".yaml"), []byte(`name: `+name+`
prompt_fragments:
  - prompts/role.md
input_docs:
  - path: context.md
    path_type: turn_local
    optional: true
token_budget:
  total: 8000
  output: 1000
  buffer: 200
llm_params:
  temperature: 0.6
  max_tokens: 1000
`), 0o644))
	}

	cat := catalog.New()
	registry := workflow.NewRegistry(cat)
	g := gate.New(cat, cfg.Tools.ApprovalTimeout)
	client := &scriptedLLM{responses: responses}
	return NewRunner(cfg, client, cat, registry, g, nil, nil), cfg
}

const analyzerOK = `{"action_needed": "state the capital of France", "data_requirements": ["capital"], "user_purpose": "general knowledge"}`
const reflectionProceed = `{"decision": "PROCEED", "reason": "answerable as asked"}`
const planSynthesis = `{"route_to": "synthesis", "resolved_query": "capital of France", "rationale": "known fact, no tools needed"}`

func TestHandleSynthesisApproved(t *testing.T) {
	r, cfg := newRunner(t, []string{
		analyzerOK,
		reflectionProceed,
		planSynthesis,
		"The capital of France is Paris.",
		`{"decision": "APPROVE", "confidence": 0.92, "reasoning": "direct factual answer"}`,
	})

	resp, err := r.Handle(context.Background(), "capital of France", "sess-1", "chat", "")
	require.NoError(t, err)

	assert.Equal(t, "The capital of France is Paris.", resp.Text)
	assert.Equal(t, "APPROVE", resp.Decision)
	assert.InDelta(t, 0.92, resp.Confidence, 1e-9)
	assert.Equal(t, 0, resp.RetryCount)
	assert.False(t, resp.NeedsClarification)

	// The sealed turn carries the full artifact set.
	dir, err := turn.Open(cfg.TurnsDir(), resp.TurnID)
	require.NoError(t, err)
	m := dir.Manifest()
	assert.Equal(t, turn.StatusCompleted, m.Status)
	assert.False(t, m.ArchivedAt.IsZero())
	assert.Positive(t, m.TokensByPhase["query_analysis"])
	assert.Positive(t, m.TokensByPhase["synthesis"])
	assert.Positive(t, m.TokensByPhase["validation"])

	var qa contextdoc.QueryAnalysis
	data, err := dir.ReadDoc(turn.DocQueryAnalysis)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &qa))
	assert.Equal(t, "state the capital of France", qa.ActionNeeded)

	ctxDoc, err := dir.ReadDoc(turn.DocContext)
	require.NoError(t, err)
	assert.Contains(t, string(ctxDoc), "Paris")
	assert.True(t, dir.HasDoc(turn.DocConstraints))
	assert.True(t, dir.HasDoc(turn.DocTicket))
}

func TestHandleClarification(t *testing.T) {
	r, cfg := newRunner(t, []string{
		analyzerOK,
		`{"decision": "CLARIFY", "reason": "ambiguous", "clarification_question": "Do you mean the country or the commune?"}`,
	})

	resp, err := r.Handle(context.Background(), "capital of France", "sess-1", "chat", "")
	require.NoError(t, err)

	assert.True(t, resp.NeedsClarification)
	assert.Equal(t, "Do you mean the country or the commune?", resp.Text)
	assert.Equal(t, resp.Text, resp.ClarificationQuestion)

	// The turn still seals on the clarification early-out, but keeps its
	// short section list: nothing past the reflection gate is gap-filled.
	dir, err := turn.Open(cfg.TurnsDir(), resp.TurnID)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusCompleted, dir.Manifest().Status)

	ctxDoc, err := dir.ReadDoc(turn.DocContext)
	require.NoError(t, err)
	assert.Contains(t, string(ctxDoc), "## §0:")
	for _, header := range []string{"## §3:", "## §4:", "## §6:", "## §7:", "## §8:"} {
		assert.NotContains(t, string(ctxDoc), header)
	}
}

func TestHandleResearchFailureIsTerminal(t *testing.T) {
	r, _ := newRunner(t, []string{
		analyzerOK,
		reflectionProceed,
		planSynthesis,
		`{"_type": "INVALID", "reason": "no findings from research"}`,
	})

	resp, err := r.Handle(context.Background(), "capital of France", "sess-1", "chat", "")
	require.NoError(t, err)

	assert.Equal(t, "FAIL", resp.Decision)
	assert.Contains(t, resp.Text, "wasn't able to find reliable information")
}

func TestHandleRetryThenApprove(t *testing.T) {
	r, cfg := newRunner(t, []string{
		analyzerOK,
		reflectionProceed,
		planSynthesis,
		"The capital of France is Paris, see https://example.com/unbacked.",
		`{"decision": "APPROVE", "confidence": 0.9}`, // cross-check forces RETRY
		planSynthesis,
		"The capital of France is Paris.",
		`{"decision": "APPROVE", "confidence": 0.88}`,
	})

	resp, err := r.Handle(context.Background(), "capital of France", "sess-1", "chat", "")
	require.NoError(t, err)

	assert.Equal(t, "APPROVE", resp.Decision)
	assert.Equal(t, "The capital of France is Paris.", resp.Text)
	assert.Equal(t, 1, resp.RetryCount)

	// The failed attempt is archived verbatim with its retry context, and
	// the failed URL is on the retry pass's skip-list.
	dir, err := turn.Open(cfg.TurnsDir(), resp.TurnID)
	require.NoError(t, err)
	rcData, err := dir.ReadDoc(turn.DocRetryContext)
	require.NoError(t, err)
	var rc struct {
		SkipURLs []string `json:"skip_urls"`
	}
	require.NoError(t, json.Unmarshal(rcData, &rc))
	assert.Contains(t, rc.SkipURLs, "https://example.com/unbacked")
	archived, err := dir.ReadDoc(filepath.Join("attempt_1", "draft_response.md"))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "unbacked")
}

func TestHandleMultiTaskDelegation(t *testing.T) {
	r, _ := newRunner(t, []string{
		`{"action_needed": "two things", "data_requirements": [], "user_purpose": "multi",
		  "is_multi_task": true, "task_breakdown": ["first part", "second part"]}`,
	})

	var got []string
	r.WithMultiTaskHandler(func(ctx context.Context, breakdown []string) (*Response, error) {
		got = breakdown
		return &Response{Text: "delegated"}, nil
	})

	resp, err := r.Handle(context.Background(), "do two things", "sess-1", "chat", "")
	require.NoError(t, err)
	assert.Equal(t, "delegated", resp.Text)
	assert.Equal(t, []string{"first part", "second part"}, got)
}

func TestHandleExhaustionReturnsBestSeen(t *testing.T) {
	r, _ := newRunner(t, []string{
		analyzerOK,
		reflectionProceed,
		// Every attempt validates as RETRY; the loop must exhaust and fall
		// back to the best response seen.
		planSynthesis,
		"Attempt one answer about the capital of France: Paris.",
		`{"decision": "RETRY", "confidence": 0.40, "reasoning": "weak sourcing"}`,
		planSynthesis,
		"Attempt two answer about the capital of France: Paris.",
		`{"decision": "RETRY", "confidence": 0.65, "reasoning": "still weak"}`,
	})

	resp, err := r.Handle(context.Background(), "capital of France", "sess-1", "chat", "")
	require.NoError(t, err)

	assert.Equal(t, "RETRY", resp.Decision)
	assert.InDelta(t, 0.65, resp.Confidence, 1e-9)
	assert.Contains(t, resp.Text, "Attempt two")
}
