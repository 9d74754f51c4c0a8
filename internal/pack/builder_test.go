package pack

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/turn"
)

// dirResolver resolves every doc path against a flat directory.
type dirResolver struct{ root string }

func (r dirResolver) DocPath(name string, _ turn.PathType) string {
	return filepath.Join(r.root, name)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newBuilder(root string) *Builder {
	counter := NewTokenCounter()
	return NewBuilder(counter, NewCompressor(counter), dirResolver{root: root})
}

func TestBuildAssemblesPromptThenDocs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "prompts/synthesizer.md", "You are the synthesizer.")
	writeFile(t, root, "context.md", "# Context Document\n\ngathered facts")
	writeFile(t, root, "toolresults.md", "findings: eggs cost $4.20")

	recipe := &Recipe{
		Name:            "synthesis",
		PromptFragments: []string{"prompts/synthesizer.md"},
		InputDocs: []InputDocSpec{
			{Path: "context.md", PathType: turn.PathTurnLocal},
			{Path: "toolresults.md", PathType: turn.PathTurnLocal},
		},
		Budget: TokenBudget{Total: 8000, Output: 1000, Buffer: 200},
		dir:    root,
	}

	p, err := newBuilder(root).Build(context.Background(), recipe)
	require.NoError(t, err)

	prompt := p.Prompt()
	assert.True(t, strings.HasPrefix(prompt, "You are the synthesizer."))
	assert.Contains(t, prompt, "\n---\n# context.md\n\ngathered facts")
	assert.Contains(t, prompt, "\n---\n# toolresults.md\n\nfindings: eggs cost $4.20")
	// Docs follow the prompt, in recipe order.
	assert.Less(t, strings.Index(prompt, "# context.md"), strings.Index(prompt, "# toolresults.md"))
	assert.Equal(t, 1000, p.OutputReserve)
}

func TestBuildMissingRequiredDoc(t *testing.T) {
	root := t.TempDir()
	recipe := &Recipe{
		Name:      "r",
		InputDocs: []InputDocSpec{{Path: "missing.md"}},
		Budget:    TokenBudget{Total: 1000, Output: 100, Buffer: 50},
		dir:       root,
	}
	_, err := newBuilder(root).Build(context.Background(), recipe)
	assert.ErrorIs(t, err, ErrMissingDoc)
}

func TestBuildOptionalDocSkippedSilently(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "context.md", "facts")
	recipe := &Recipe{
		Name: "r",
		InputDocs: []InputDocSpec{
			{Path: "context.md"},
			{Path: "retry_context.json", Optional: true},
		},
		Budget: TokenBudget{Total: 1000, Output: 100, Buffer: 50},
		dir:    root,
	}
	p, err := newBuilder(root).Build(context.Background(), recipe)
	require.NoError(t, err)
	assert.Len(t, p.Items, 1)
}

func TestBuildPromptFragmentsOverBudget(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "huge.md", strings.Repeat("prompt text ", 500))
	recipe := &Recipe{
		Name:            "r",
		PromptFragments: []string{"huge.md"},
		Budget:          TokenBudget{Total: 400, Output: 100, Buffer: 50},
		dir:             root,
	}
	_, err := newBuilder(root).Build(context.Background(), recipe)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestBuildCompressesOversizedDoc(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("filler sentence with detail. ", 400)
	writeFile(t, root, "notes.md", big)
	recipe := &Recipe{
		Name:      "r",
		InputDocs: []InputDocSpec{{Path: "notes.md", MaxTokens: 200}},
		Budget:    TokenBudget{Total: 1200, Output: 100, Buffer: 50},
		dir:       root,
	}
	p, err := newBuilder(root).Build(context.Background(), recipe)
	require.NoError(t, err)
	require.Len(t, p.Items, 1)
	assert.LessOrEqual(t, p.Items[0].Tokens, 200)
	assert.LessOrEqual(t, p.Tokens(), recipe.Budget.Input())
}

func TestDocBudgetsSplit(t *testing.T) {
	specs := []InputDocSpec{
		{Path: "a.md", MaxTokens: 500},
		{Path: "b.md"},
		{Path: "c.md"},
	}
	budgets := docBudgets(specs, 2500)
	assert.Equal(t, []int{500, 1000, 1000}, budgets)
}

func TestDocBudgetsFloor(t *testing.T) {
	budgets := docBudgets([]InputDocSpec{{Path: "a.md"}, {Path: "b.md"}}, 50)
	assert.Equal(t, []int{minDocBudget, minDocBudget}, budgets)
}

func TestTrimOrderHonorsPriority(t *testing.T) {
	p := &Pack{Items: []Item{
		{Kind: ItemPrompt, Name: "prompt.md"},
		{Kind: ItemInputDoc, Name: "context.md"},
		{Kind: ItemInputDoc, Name: "history.md"},
		{Kind: ItemInputDoc, Name: "toolresults.md"},
	}}
	recipe := &Recipe{Trimming: TrimmingStrategy{Priority: []string{"history.md"}}}

	order := trimOrder(p, recipe)
	// Priority doc first, then remaining docs last-to-first; prompts never.
	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestBuildDropOldestWhenStillOver(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.md", strings.Repeat("old history detail. ", 300))
	writeFile(t, root, "new.md", strings.Repeat("fresh finding. ", 300))
	recipe := &Recipe{
		Name: "r",
		InputDocs: []InputDocSpec{
			{Path: "old.md", MaxTokens: 600},
			{Path: "new.md", MaxTokens: 600},
		},
		Budget:   TokenBudget{Total: 450, Output: 100, Buffer: 50},
		Trimming: TrimmingStrategy{Method: TrimDropOldest},
		dir:      root,
	}
	p, err := newBuilder(root).Build(context.Background(), recipe)
	require.NoError(t, err)
	assert.LessOrEqual(t, p.Tokens(), recipe.Budget.Input())
	for _, it := range p.Items {
		assert.NotEqual(t, "old.md", it.Name, "oldest doc should have been dropped")
	}
}

func TestTokenBudgetInput(t *testing.T) {
	b := TokenBudget{Total: 8000, Output: 1000, Buffer: 200}
	assert.Equal(t, 6800, b.Input())
}
