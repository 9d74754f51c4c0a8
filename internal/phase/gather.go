package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/internal/catalog"
	"conductor/internal/constraint"
	"conductor/internal/contextdoc"
	"conductor/internal/logging"
	"conductor/internal/turn"
)

// priorTurnWindow bounds how many recent turns Phase 2 reads back.
const priorTurnWindow = 3

// gatherContext runs Phase 2: prior turns and memory are folded into §2
// with source references. It also backs the planner's refresh_context route.
func (t *turnState) gatherContext(ctx context.Context) error {
	t.doc.UpdateExecutionState(2, "context_gathering", 1, 1, -1)
	done := t.events.Stage(t.doc.TraceID, "context_gathering")

	var sb strings.Builder

	prior := t.priorTurns()
	if prior != "" {
		sb.WriteString("### Prior turns\n\n")
		sb.WriteString(prior)
	}

	if memory := t.searchMemory(ctx); memory != "" {
		sb.WriteString("### Memory\n\n")
		sb.WriteString(memory)
	}

	body := strings.TrimSpace(sb.String())
	if body == "" {
		body = "No prior context available."
	}

	if t.doc.HasSection(contextdoc.SectionContext) {
		if err := t.doc.UpdateSection(contextdoc.SectionContext, body); err != nil {
			done("failed", 0)
			return err
		}
	} else if err := t.doc.AppendSection(contextdoc.SectionContext, "", body); err != nil {
		done("failed", 0)
		return err
	}
	done("completed", 0)
	return nil
}

// Refresh satisfies loop.Refresher: the planner's refresh_context route
// re-runs the gatherer against the current state.
func (t *turnState) Refresh(ctx context.Context) error {
	logging.Phase("refreshing context for %s", t.dir.ID)
	return t.gatherContext(ctx)
}

// priorTurns reads the tail of recent turns' queries and responses.
func (t *turnState) priorTurns() string {
	ids, err := turn.List(t.basePath)
	if err != nil || len(ids) == 0 {
		return ""
	}

	var sb strings.Builder
	count := 0
	for i := len(ids) - 1; i >= 0 && count < priorTurnWindow; i-- {
		if ids[i] == t.dir.ID {
			continue
		}
		prev, err := turn.Open(t.basePath, ids[i])
		if err != nil {
			continue
		}
		query, _ := prev.ReadDoc(turn.DocUserQuery)
		if len(query) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %q", prev.ID, strings.TrimSpace(string(query))))
		if resp, err := prev.ReadDoc("draft_response.md"); err == nil {
			sb.WriteString(" -> " + firstLineOf(string(resp)))
		}
		sb.WriteString("\n")
		t.doc.AddSourceRef(prev.ID)
		t.dir.Reference(prev.ID + "/" + turn.DocUserQuery)
		count++
	}
	return sb.String()
}

// searchMemory queries the memory tool when the catalog has one.
func (t *turnState) searchMemory(ctx context.Context) string {
	if t.catalog == nil || !t.catalog.Has("memory.search") {
		return ""
	}
	res, err := t.tools.Execute(ctx, "memory.search", map[string]any{"query": t.doc.Query})
	if err != nil || res.Status != catalog.StatusSuccess {
		return ""
	}

	var sb strings.Builder
	if res.Description != "" {
		sb.WriteString(res.Description + "\n")
	}
	for _, c := range res.Claims {
		sb.WriteString("- " + c.Content + "\n")
		if c.SourceRef != "" {
			t.doc.AddSourceRef(c.SourceRef)
		}
	}
	return sb.String()
}

// extractConstraints runs Phase 2.5: deterministic constraint extraction
// from the query and gathered context, persisted as constraints.json and
// summarized into §1.
func (t *turnState) extractConstraints() error {
	t.doc.UpdateExecutionState(2.5, "constraint_extraction", 1, 1, -1)

	set := constraint.BuildSet(t.doc.Query, t.doc.GetSection(contextdoc.SectionContext))
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	if err := t.dir.WriteDoc(turn.DocConstraints, data); err != nil {
		return fmt.Errorf("persist constraints: %w", err)
	}

	if err := t.doc.AppendToSection(contextdoc.SectionValidation, set.Summary(), "\n\n"); err != nil {
		return err
	}
	logging.Phase("extracted %d constraints", len(set.Constraints))
	return nil
}

func firstLineOf(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
