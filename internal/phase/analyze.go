// Package phase implements the top-level phase runner: query analysis, the
// clarification gate, context gathering, constraint extraction, the
// plan/synthesize/validate retry loop, and the final save.
package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/internal/contextdoc"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/turn"
)

// analyzeQuery runs Phase 0: the query analyzer produces the typed §0
// fields and query_analysis.json. An unparseable analyzer response degrades
// to a minimal analysis instead of failing the turn.
func (t *turnState) analyzeQuery(ctx context.Context) (*contextdoc.QueryAnalysis, error) {
	t.doc.UpdateExecutionState(0, "query_analysis", 1, 1, -1)
	done := t.events.Stage(t.doc.TraceID, "query_analysis")

	text, err := t.callRole(ctx, "query_analyzer.yaml", llm.RoleReflection, "query_analysis")
	if err != nil {
		done("failed", 0)
		return nil, fmt.Errorf("query analyzer: %w", err)
	}

	qa := parseAnalysis(text)
	if qa == nil {
		logging.PhaseDebug("query analysis unparseable, using fallback")
		qa = &contextdoc.QueryAnalysis{
			ActionNeeded: t.doc.Query,
			UserPurpose:  "answer the user's request",
		}
	}

	if err := t.doc.SetQueryAnalysis(qa); err != nil {
		done("failed", 0)
		return nil, err
	}
	data, err := json.MarshalIndent(qa, "", "  ")
	if err != nil {
		done("failed", 0)
		return nil, err
	}
	if err := t.dir.WriteDoc(turn.DocQueryAnalysis, data); err != nil {
		done("failed", 0)
		return nil, err
	}
	done("completed", 0)
	return qa, nil
}

func parseAnalysis(text string) *contextdoc.QueryAnalysis {
	raw := extractJSON(text)
	if raw == "" {
		return nil
	}
	var qa contextdoc.QueryAnalysis
	if err := json.Unmarshal([]byte(raw), &qa); err != nil {
		return nil
	}
	if qa.ActionNeeded == "" {
		return nil
	}
	return &qa
}

// reflection is the Phase 1.5 gate verdict.
type reflection struct {
	Decision              string `json:"decision"` // PROCEED | CLARIFY
	Reason                string `json:"reason,omitempty"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
}

// reflectGate runs Phase 1.5: a fast classifier deciding whether the query
// is answerable or needs clarification. Writes §1 either way.
func (t *turnState) reflectGate(ctx context.Context) (*reflection, error) {
	t.doc.UpdateExecutionState(1.5, "reflection", 1, 1, -1)
	done := t.events.Stage(t.doc.TraceID, "reflection")

	text, err := t.callRole(ctx, "reflection.yaml", llm.RoleReflection, "reflection")
	if err != nil {
		done("failed", 0)
		return nil, fmt.Errorf("reflection gate: %w", err)
	}

	r := parseReflection(text)
	body := fmt.Sprintf("decision: %s\nreason: %s", r.Decision, r.Reason)
	if r.ClarificationQuestion != "" {
		body += "\nclarification_question: " + r.ClarificationQuestion
	}
	if err := t.doc.AppendSection(contextdoc.SectionValidation, "", body); err != nil {
		done("failed", 0)
		return nil, err
	}
	t.doc.RecordDecision("reflection", r.Decision, r.Reason)
	done("completed", 0)
	return r, nil
}

func parseReflection(text string) *reflection {
	if raw := extractJSON(text); raw != "" {
		var r reflection
		if err := json.Unmarshal([]byte(raw), &r); err == nil && r.Decision != "" {
			r.Decision = strings.ToUpper(strings.TrimSpace(r.Decision))
			if r.Decision == "CLARIFY" && r.ClarificationQuestion == "" {
				r.ClarificationQuestion = "Could you clarify what you are asking for?"
			}
			return &r
		}
	}
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "CLARIFY") {
		return &reflection{
			Decision:              "CLARIFY",
			Reason:                "query is ambiguous",
			ClarificationQuestion: firstQuestion(text),
		}
	}
	return &reflection{Decision: "PROCEED"}
}

func firstQuestion(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, "?") {
			return trimmed
		}
	}
	return "Could you clarify what you are asking for?"
}
