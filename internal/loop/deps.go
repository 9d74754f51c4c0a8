package loop

import (
	"context"
	"fmt"
	"path/filepath"

	"conductor/internal/catalog"
	"conductor/internal/config"
	"conductor/internal/contextdoc"
	"conductor/internal/events"
	"conductor/internal/forge"
	"conductor/internal/llm"
	"conductor/internal/pack"
	"conductor/internal/planstate"
	"conductor/internal/toolexec"
	"conductor/internal/turn"
	"conductor/internal/workflow"
)

// Deps bundles the per-turn collaborators every loop needs.
type Deps struct {
	LLM        llm.Client
	Packs      *pack.Builder
	RecipesDir string
	Doc        *contextdoc.Document
	TurnDir    *turn.Dir
	Tools      *toolexec.Executor
	Catalog    *catalog.Catalog
	Workflows  *workflow.Registry
	Forge      *forge.Forge
	PlanState  *planstate.Manager
	Events     *events.Sink
	Loops      config.LoopsConfig
}

// callRole serializes context.md, builds the pack for the named recipe, and
// completes it with the role. Token usage is charged to phase in the
// manifest.
func (d *Deps) callRole(ctx context.Context, recipeName string, role llm.Role, phase string) (string, error) {
	if err := d.TurnDir.WriteDoc(turn.DocContext, []byte(d.Doc.Markdown())); err != nil {
		return "", fmt.Errorf("serialize context: %w", err)
	}

	recipe, err := pack.LoadRecipe(filepath.Join(d.RecipesDir, recipeName))
	if err != nil {
		return "", err
	}
	p, err := d.Packs.Build(ctx, recipe)
	if err != nil {
		return "", err
	}

	req := llm.Request{
		Role:        role,
		Prompt:      p.Prompt(),
		MaxTokens:   recipe.LLMParams.MaxTokens,
		Temperature: recipe.LLMParams.Temperature,
	}
	resp, err := d.LLM.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	d.TurnDir.RecordTokens(phase, resp.Usage.PromptTokens+resp.Usage.CompletionTokens)
	return resp.Text, nil
}

// emit sends a thinking event when a sink is attached.
func (d *Deps) emit(stage, status string, details map[string]any) {
	if d.Events == nil {
		return
	}
	d.Events.Emit(events.Event{
		TraceID: d.Doc.TraceID,
		Stage:   stage,
		Status:  status,
		Details: details,
	})
}
