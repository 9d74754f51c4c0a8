package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/internal/contextdoc"
	"conductor/internal/llm"
	"conductor/internal/logging"
)

// politeFailure is the user-visible message when research came up empty and
// retrying cannot help.
const politeFailure = "I wasn't able to find reliable information for that request. " +
	"The sources I tried came back empty, so rather than guess I'd suggest rephrasing " +
	"the question or trying again later."

// synthesisResult is one synthesizer attempt.
type synthesisResult struct {
	Answer    string
	Checklist []string

	// Invalid is set when the synthesizer refused (_type: INVALID).
	Invalid       bool
	InvalidReason string
}

// researchFailureMarkers classify an INVALID reason as unrecoverable by
// retrying: the research itself failed.
var researchFailureMarkers = []string{
	"no results", "no findings", "empty findings", "research failed",
	"unable to find", "nothing found", "no sources",
}

func isResearchFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, m := range researchFailureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// synthesize runs one synthesizer call against the packed context and writes
// §6 with the draft.
func (t *turnState) synthesize(ctx context.Context) (*synthesisResult, error) {
	done := t.events.Stage(t.doc.TraceID, "synthesis")

	text, err := t.callRole(ctx, "synthesizer.yaml", llm.RoleSynthesizer, "synthesis")
	if err != nil {
		done("failed", 0)
		return nil, fmt.Errorf("synthesizer: %w", err)
	}

	res := parseSynthesis(text)
	if res.Invalid {
		logging.Phase("synthesizer returned INVALID: %s", res.InvalidReason)
		done("failed", 0)
		return res, nil
	}

	body := res.Answer
	if len(res.Checklist) > 0 {
		body += "\n\nvalidation_checklist:\n- " + strings.Join(res.Checklist, "\n- ")
	}
	if t.doc.HasSection(contextdoc.SectionSynthesis) {
		_ = t.doc.UpdateSection(contextdoc.SectionSynthesis, body)
	} else {
		_ = t.doc.AppendSection(contextdoc.SectionSynthesis, "", body)
	}
	done("completed", 0)
	return res, nil
}

// parseSynthesis accepts either the structured JSON form or plain text.
func parseSynthesis(text string) *synthesisResult {
	raw := extractJSON(text)
	if raw == "" {
		return &synthesisResult{Answer: strings.TrimSpace(text)}
	}

	var structured struct {
		Type      string   `json:"_type"`
		Reason    string   `json:"reason"`
		Answer    string   `json:"answer"`
		Checklist []string `json:"validation_checklist"`
	}
	if err := json.Unmarshal([]byte(raw), &structured); err != nil {
		return &synthesisResult{Answer: strings.TrimSpace(text)}
	}

	if strings.EqualFold(structured.Type, "INVALID") {
		return &synthesisResult{Invalid: true, InvalidReason: structured.Reason}
	}
	if structured.Answer != "" {
		return &synthesisResult{Answer: structured.Answer, Checklist: structured.Checklist}
	}
	return &synthesisResult{Answer: strings.TrimSpace(text)}
}

// sanitizeResponse is the malformed-response guard: raw JSON envelopes,
// INVALID markers, and solver-history dumps never reach the user.
func sanitizeResponse(response string) string {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return politeFailure
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "```json") {
		raw := extractJSON(trimmed)
		var probe map[string]any
		if raw != "" && json.Unmarshal([]byte(raw), &probe) == nil {
			if tp, _ := probe["_type"].(string); strings.EqualFold(tp, "INVALID") {
				return politeFailure
			}
			if answer, _ := probe["answer"].(string); answer != "" {
				return answer
			}
			if _, solverOnly := probe["solver_history"]; solverOnly && len(probe) == 1 {
				return politeFailure
			}
			// A bare JSON object with no extractable answer is not a user
			// response.
			if len(trimmed) == len(raw) {
				return politeFailure
			}
		}
	}
	return trimmed
}
