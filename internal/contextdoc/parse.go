package contextdoc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sectionHeaderRe = regexp.MustCompile(`^## §(\d+): (.*)$`)

// Parse reconstructs sections and the typed section 0 fields from a
// serialized context.md. Claims are not reconstructed; the ledger lives only
// in memory and in tool results.
func Parse(markdown string) (*Document, error) {
	d := &Document{}

	lines := strings.Split(markdown, "\n")
	var current *Section
	var body []string

	flush := func() {
		if current != nil {
			current.Body = strings.TrimSpace(strings.Join(body, "\n"))
			d.sections = append(d.sections, *current)
		}
		current = nil
		body = nil
	}

	for _, line := range lines {
		if m := sectionHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			n, _ := strconv.Atoi(m[1])
			current = &Section{Number: n, Title: m[2]}
			continue
		}
		if strings.HasPrefix(line, "## Claims") {
			flush()
			break
		}
		if current != nil {
			body = append(body, line)
			continue
		}
		// Header metadata lines.
		switch {
		case strings.HasPrefix(line, "- query: "):
			d.Query = strings.TrimPrefix(line, "- query: ")
		case strings.HasPrefix(line, "- session: "):
			d.SessionID = strings.TrimPrefix(line, "- session: ")
		case strings.HasPrefix(line, "- turn: "):
			d.TurnNumber, _ = strconv.Atoi(strings.TrimPrefix(line, "- turn: "))
		case strings.HasPrefix(line, "- mode: "):
			d.Mode = strings.TrimPrefix(line, "- mode: ")
		case strings.HasPrefix(line, "- trace: "):
			d.TraceID = strings.TrimPrefix(line, "- trace: ")
		}
	}
	flush()

	if qaBody := d.GetSection(SectionQueryAnalysis); qaBody != "" {
		qa, err := parseAnalysisBlock(qaBody)
		if err != nil {
			return nil, err
		}
		d.analysis = qa
	}
	return d, nil
}

func parseAnalysisBlock(body string) (*QueryAnalysis, error) {
	jsonText := body
	if idx := strings.Index(body, "```json"); idx >= 0 {
		rest := body[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			jsonText = rest[:end]
		}
	}
	var qa QueryAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(jsonText)), &qa); err != nil {
		return nil, fmt.Errorf("parse section 0 analysis: %w", err)
	}
	return &qa, nil
}
