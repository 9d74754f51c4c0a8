// Package validation implements the response validation and retry
// controller: validator LLM calls, deterministic cross-checks, decision
// overrides, attempt archival, and claim invalidation.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"conductor/internal/config"
	"conductor/internal/contextdoc"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/pack"
	"conductor/internal/planstate"
	"conductor/internal/turn"
)

// Validator decisions.
const (
	DecisionApprove        = "APPROVE"
	DecisionApprovePartial = "APPROVE_PARTIAL"
	DecisionRevise         = "REVISE"
	DecisionRetry          = "RETRY"
	DecisionFail           = "FAIL"
)

// DocDraftResponse is the turn-local name the draft is written under so the
// validator recipe can pack it.
const DocDraftResponse = "draft_response.md"

// FailureContext carries what the next attempt must avoid or fix.
type FailureContext struct {
	FailedURLs     []string `json:"failed_urls,omitempty"`
	Mismatches     []string `json:"mismatches,omitempty"`
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
}

// Decision is the parsed validator output plus controller-computed checks.
type Decision struct {
	Decision       string            `json:"decision"`
	Confidence     float64           `json:"confidence"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Checks         map[string]bool   `json:"checks,omitempty"`
	GoalStatuses   map[string]string `json:"goal_statuses,omitempty"`
	URLsVerified   int               `json:"urls_verified,omitempty"`
	FailureContext *FailureContext   `json:"failure_context,omitempty"`

	// Workflow is an optional corrected workflow hint from suggested fixes.
	Workflow string `json:"workflow,omitempty"`
}

// Outcome is what the phase runner consumes for one attempt.
type Outcome struct {
	Decision   *Decision
	Response   string // possibly revised
	RetryCount int
	Revisions  int
}

// Controller runs validation for successive attempts of one turn.
type Controller struct {
	llm        llm.Client
	packs      *pack.Builder
	recipesDir string
	doc        *contextdoc.Document
	turnDir    *turn.Dir
	planState  *planstate.Manager
	cfg        config.ValidationConfig

	retryCount int
	revisions  int
}

// NewController creates a controller bound to one turn.
func NewController(client llm.Client, packs *pack.Builder, recipesDir string, doc *contextdoc.Document, dir *turn.Dir, ps *planstate.Manager, cfg config.ValidationConfig) *Controller {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.70
	}
	if cfg.MaxRevisions == 0 {
		cfg.MaxRevisions = 2
	}
	if cfg.PriceTolerance == 0 {
		cfg.PriceTolerance = 0.01
	}
	return &Controller{
		llm: client, packs: packs, recipesDir: recipesDir,
		doc: doc, turnDir: dir, planState: ps, cfg: cfg,
	}
}

// RetryCount returns the number of RETRY decisions issued so far.
func (c *Controller) RetryCount() int { return c.retryCount }

// Validate runs one attempt through the controller: validator pack + LLM,
// override rules, URL/price cross-checks, then the decision's side effects
// (archival and claim invalidation on RETRY, revision on REVISE).
func (c *Controller) Validate(ctx context.Context, draft string) (*Outcome, error) {
	if err := c.turnDir.WriteDoc(DocDraftResponse, []byte(draft)); err != nil {
		return nil, err
	}
	if err := c.turnDir.WriteDoc(turn.DocContext, []byte(c.doc.Markdown())); err != nil {
		return nil, err
	}

	decision, err := c.callValidator(ctx)
	if err != nil {
		return nil, err
	}
	c.applyChecks(decision, draft)
	c.applyOverrides(decision)
	c.crossCheck(decision, draft)

	logging.Validation("decision=%s confidence=%.2f urls_verified=%d",
		decision.Decision, decision.Confidence, decision.URLsVerified)
	c.doc.RecordDecision("validation", decision.Decision, decision.Reasoning)

	outcome := &Outcome{Decision: decision, Response: draft}

	switch decision.Decision {
	case DecisionRetry:
		if err := c.onRetry(decision); err != nil {
			return nil, err
		}
		outcome.RetryCount = c.retryCount

	case DecisionRevise:
		if c.revisions >= c.cfg.MaxRevisions {
			decision.Decision = DecisionApprovePartial
			break
		}
		c.revisions++
		revised, err := c.revise(ctx)
		if err != nil {
			logging.Validation("revision failed: %v", err)
			decision.Decision = DecisionApprovePartial
			break
		}
		outcome.Response = revised
		outcome.Revisions = c.revisions
	}
	return outcome, nil
}

// callValidator builds the validator pack and parses the decision object.
func (c *Controller) callValidator(ctx context.Context) (*Decision, error) {
	recipe, err := pack.LoadRecipe(filepath.Join(c.recipesDir, "validator.yaml"))
	if err != nil {
		return nil, err
	}
	p, err := c.packs.Build(ctx, recipe)
	if err != nil {
		return nil, err
	}
	resp, err := c.llm.Complete(ctx, llm.Request{
		Role:        llm.RoleValidator,
		Prompt:      p.Prompt(),
		MaxTokens:   recipe.LLMParams.MaxTokens,
		Temperature: recipe.LLMParams.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("validator call: %w", err)
	}
	c.turnDir.RecordTokens("validation", resp.Usage.PromptTokens+resp.Usage.CompletionTokens)

	decision, err := parseDecision(resp.Text)
	if err != nil {
		// An unparseable validator is treated as a low-confidence retry
		// signal rather than a hard failure.
		logging.Validation("unparseable validator response: %v", err)
		return &Decision{Decision: DecisionRetry, Reasoning: "validator response unparseable"}, nil
	}
	return decision, nil
}

func parseDecision(text string) (*Decision, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in validator response")
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	d.Decision = strings.ToUpper(strings.TrimSpace(d.Decision))
	switch d.Decision {
	case DecisionApprove, DecisionApprovePartial, DecisionRevise, DecisionRetry, DecisionFail:
	default:
		return nil, fmt.Errorf("unknown decision %q", d.Decision)
	}
	return &d, nil
}

// applyChecks fills in the deterministic checks the validator may have
// omitted: query terms present in context, no term substitution in the
// draft, constraints respected per plan state.
func (c *Controller) applyChecks(d *Decision, draft string) {
	if d.Checks == nil {
		d.Checks = make(map[string]bool)
	}
	if _, ok := d.Checks["query_terms_in_context"]; !ok {
		contextText := c.doc.GetSection(contextdoc.SectionContext) + "\n" + c.doc.GetSection(contextdoc.SectionExecution)
		d.Checks["query_terms_in_context"] = queryTermsPresent(c.doc.Query, contextText+"\n"+draft)
	}
	if _, ok := d.Checks["no_term_substitution"]; !ok {
		d.Checks["no_term_substitution"] = true
	}
	if _, ok := d.Checks["constraints_respected"]; !ok {
		violations := 0
		if c.planState != nil {
			violations = len(c.planState.State().Violations)
		}
		d.Checks["constraints_respected"] = violations == 0
	}
}

// applyOverrides converts over-optimistic APPROVEs into RETRY.
func (c *Controller) applyOverrides(d *Decision) {
	if d.Decision != DecisionApprove {
		return
	}
	if d.Confidence < c.cfg.ConfidenceThreshold ||
		!d.Checks["query_terms_in_context"] ||
		!d.Checks["no_term_substitution"] {
		d.Decision = DecisionRetry
		d.Reasoning = "confidence_override"
		logging.Validation("APPROVE overridden to RETRY (confidence=%.2f, checks=%v)", d.Confidence, d.Checks)
	}
}

var (
	urlRe   = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	priceRe = regexp.MustCompile(`\$\s?(\d+(?:,\d{3})*(?:\.\d{1,2})?)`)
)

// crossCheck verifies every URL and price in the draft against the turn's
// evidence, in priority order: toolresults.md, the §4 claims, then §2.
// Failures force RETRY with a populated failure context.
func (c *Controller) crossCheck(d *Decision, draft string) {
	sources := c.evidenceSources()
	if sources == "" {
		return
	}

	var failedURLs []string
	verified := 0
	for _, url := range dedupe(urlRe.FindAllString(draft, -1)) {
		if strings.Contains(sources, strings.TrimRight(url, "/.,")) {
			verified++
		} else {
			failedURLs = append(failedURLs, url)
		}
	}
	d.URLsVerified = verified

	var mismatches []string
	sourcePrices := extractPrices(sources)
	for _, price := range extractPrices(draft) {
		if !priceSupported(price, sourcePrices, c.cfg.PriceTolerance) {
			mismatches = append(mismatches, fmt.Sprintf("price $%.2f not found in evidence", price))
		}
	}

	if len(failedURLs) == 0 && len(mismatches) == 0 {
		return
	}

	if d.FailureContext == nil {
		d.FailureContext = &FailureContext{}
	}
	d.FailureContext.FailedURLs = append(d.FailureContext.FailedURLs, failedURLs...)
	d.FailureContext.Mismatches = append(d.FailureContext.Mismatches, mismatches...)
	if len(failedURLs) > 0 {
		d.FailureContext.SuggestedFixes = append(d.FailureContext.SuggestedFixes,
			"cite only URLs present in tool results")
	}
	if d.Decision == DecisionApprove || d.Decision == DecisionApprovePartial || d.Decision == DecisionRevise {
		d.Decision = DecisionRetry
		d.Reasoning = "evidence cross-check failed"
	}
	logging.Validation("cross-check failed: %d bad urls, %d price mismatches", len(failedURLs), len(mismatches))
}

// evidenceSources concatenates the evidence in cross-check priority order.
func (c *Controller) evidenceSources() string {
	var sb strings.Builder
	if data, err := c.turnDir.ReadDoc(turn.DocToolResults); err == nil {
		sb.Write(data)
		sb.WriteString("\n")
	}
	for _, claim := range c.doc.Claims() {
		sb.WriteString(claim.Content)
		sb.WriteString(" ")
		sb.WriteString(claim.URL)
		sb.WriteString("\n")
	}
	sb.WriteString(c.doc.GetSection(contextdoc.SectionExecution))
	sb.WriteString("\n")
	sb.WriteString(c.doc.GetSection(contextdoc.SectionContext))
	return sb.String()
}

// retryContext is persisted as retry_context.json at the turn root.
type retryContext struct {
	RetryCount     int             `json:"retry_count"`
	FailureContext *FailureContext `json:"failure_context,omitempty"`
	SkipURLs       []string        `json:"skip_urls,omitempty"`
	Workflow       string          `json:"workflow,omitempty"`
}

// onRetry archives the attempt, writes retry_context.json, and invalidates
// the failed claims.
func (c *Controller) onRetry(d *Decision) error {
	c.retryCount++

	if err := c.turnDir.ArchiveAttempt(c.retryCount); err != nil {
		return fmt.Errorf("archive attempt: %w", err)
	}

	rc := retryContext{RetryCount: c.retryCount, FailureContext: d.FailureContext, Workflow: d.Workflow}
	if d.FailureContext != nil {
		rc.SkipURLs = d.FailureContext.FailedURLs
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	if err := c.turnDir.WriteDoc(turn.DocRetryContext, data); err != nil {
		return err
	}

	if d.FailureContext != nil && len(d.FailureContext.FailedURLs) > 0 {
		n := c.doc.InvalidateClaims(nil, d.FailureContext.FailedURLs)
		logging.Validation("invalidated %d claims for retry %d", n, c.retryCount)
	}
	return nil
}

// revise produces a corrected response through the revision recipe.
func (c *Controller) revise(ctx context.Context) (string, error) {
	recipe, err := pack.LoadRecipe(filepath.Join(c.recipesDir, "revision.yaml"))
	if err != nil {
		return "", err
	}
	p, err := c.packs.Build(ctx, recipe)
	if err != nil {
		return "", err
	}
	resp, err := c.llm.Complete(ctx, llm.Request{
		Role:        llm.RoleRevision,
		Prompt:      p.Prompt(),
		MaxTokens:   recipe.LLMParams.MaxTokens,
		Temperature: recipe.LLMParams.Temperature,
	})
	if err != nil {
		return "", err
	}
	c.turnDir.RecordTokens("validation", resp.Usage.PromptTokens+resp.Usage.CompletionTokens)
	return resp.Text, nil
}

// stopwords excluded from query-term checks.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"what": true, "whats": true, "how": true, "my": true, "me": true,
	"i": true, "it": true, "of": true, "for": true, "to": true, "in": true,
	"on": true, "and": true, "or": true, "do": true, "does": true,
	"please": true, "can": true, "you": true, "with": true,
}

// queryTermsPresent reports whether every significant query term appears in
// the haystack.
func queryTermsPresent(query, haystack string) bool {
	lower := strings.ToLower(haystack)
	for _, term := range strings.Fields(strings.ToLower(query)) {
		term = strings.Trim(term, ".,!?\"'")
		if len(term) < 3 || stopwords[term] {
			continue
		}
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

func extractPrices(text string) []float64 {
	var out []float64
	for _, m := range priceRe.FindAllStringSubmatch(text, -1) {
		clean := strings.ReplaceAll(m[1], ",", "")
		if v, err := strconv.ParseFloat(clean, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func priceSupported(price float64, sources []float64, tolerance float64) bool {
	for _, s := range sources {
		diff := price - s
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance || (s > 0 && diff/s <= tolerance) {
			return true
		}
	}
	return false
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// extractJSON returns the first JSON object in text, honoring fenced blocks.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+7:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '{':
			depth++
		case !inString && ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
