package pack

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"conductor/internal/llm"
	"conductor/internal/logging"
)

// Strategy selects a compression method for a single document.
type Strategy string

const (
	StrategyTruncate     Strategy = "truncate"
	StrategyExtractKey   Strategy = "extract_key"
	StrategySummarize    Strategy = "summarize"
	StrategyBulletPoints Strategy = "bullet_points"
)

// criticalDocs must never be blindly truncated when a smarter path is
// available; they carry structure the downstream prompts depend on.
var criticalDocs = map[string]bool{
	"context.md":    true,
	"bundle.json":   true,
	"findings.json": true,
}

// compressorInputCap bounds what we send to the compressor endpoint.
const compressorInputCap = 24000 // tokens

var (
	urlRe      = regexp.MustCompile(`https?://\S+`)
	numberRe   = regexp.MustCompile(`\b\d[\d,.]*\b`)
	currencyRe = regexp.MustCompile(`[$€£¥]\s?\d|\b\d+\s?(USD|EUR|GBP)\b`)
)

// Compressor reduces documents to a token allotment.
type Compressor struct {
	counter *TokenCounter

	// client is the compressor LLM endpoint. Nil disables the summarize
	// path (deterministic mode under test).
	client llm.Client

	// keywords bias extract-key scoring toward the current query terms.
	keywords []string
}

// NewCompressor creates a compressor with the given counter.
func NewCompressor(counter *TokenCounter) *Compressor {
	return &Compressor{counter: counter}
}

// WithClient enables LLM-backed summarization.
func (c *Compressor) WithClient(client llm.Client) *Compressor {
	c.client = client
	return c
}

// WithKeywords sets the scoring keywords for extract-key.
func (c *Compressor) WithKeywords(kws []string) *Compressor {
	c.keywords = kws
	return c
}

// Compress reduces content to at most budget tokens using the given
// strategy. Critical documents are upgraded from truncate to extract-key.
func (c *Compressor) Compress(ctx context.Context, name, content string, budget int, strategy Strategy) (string, error) {
	if c.counter.Count(content) <= budget {
		return content, nil
	}

	if criticalDocs[name] && strategy == StrategyTruncate {
		strategy = StrategyExtractKey
		logging.PackDebug("doc %s is critical, upgrading truncate to extract_key", name)
	}

	switch strategy {
	case StrategyTruncate:
		return c.truncate(content, budget), nil
	case StrategyExtractKey:
		return c.extractKey(content, budget), nil
	case StrategySummarize, StrategyBulletPoints:
		out, err := c.summarize(ctx, content, budget, strategy)
		if err != nil {
			logging.PackDebug("summarize of %s failed (%v), falling back to extract_key", name, err)
			return c.extractKey(content, budget), nil
		}
		return out, nil
	default:
		return c.truncate(content, budget), nil
	}
}

// truncate cuts content to the budget. With an exact tokenizer the cut is
// token-accurate; otherwise it is a character-ratio cut snapped to a
// sentence or word boundary, with a trailing ellipsis.
func (c *Compressor) truncate(content string, budget int) string {
	if budget <= 0 {
		return ""
	}

	if c.counter.Exact() {
		// Binary search the largest prefix within budget.
		lo, hi := 0, len(content)
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if c.counter.Count(content[:mid]) <= budget {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		return content[:runeBoundary(content, lo)]
	}

	limit := c.counter.CharsFor(budget)
	if limit >= len(content) {
		return content
	}
	cut := content[:runeBoundary(content, limit)]

	// Prefer a sentence boundary in the back half of the cut, else a word
	// boundary.
	if idx := strings.LastIndexAny(cut, ".!?\n"); idx > limit/2 {
		cut = cut[:idx+1]
	} else if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \n") + "…"
}

// runeBoundary snaps a byte offset back to the nearest rune start so a cut
// never emits invalid UTF-8.
func runeBoundary(s string, idx int) int {
	for idx > 0 && idx < len(s) && !utf8.RuneStart(s[idx]) {
		idx--
	}
	return idx
}

type scoredLine struct {
	index int
	text  string
	score float64
}

// extractKey scores lines by keyword hits, position bonuses, and the
// presence of numbers, URLs, and currency markers, then keeps top-scored
// lines until the budget is spent, reconstructing them in original order.
func (c *Compressor) extractKey(content string, budget int) string {
	lines := strings.Split(content, "\n")
	scored := make([]scoredLine, 0, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		s := scoredLine{index: i, text: line}

		lower := strings.ToLower(trimmed)
		for _, kw := range c.keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				s.score += 3
			}
		}

		// Early lines and headers carry document structure.
		if i < 5 {
			s.score += 2
		}
		if strings.HasPrefix(trimmed, "#") {
			s.score += 2
		}

		if urlRe.MatchString(trimmed) {
			s.score += 2.5
		}
		if currencyRe.MatchString(trimmed) {
			s.score += 2
		}
		if numberRe.MatchString(trimmed) {
			s.score += 1
		}

		scored = append(scored, s)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	used := 0
	keep := make(map[int]bool)
	for _, s := range scored {
		t := c.counter.Count(s.text) + 1
		if used+t > budget {
			continue
		}
		keep[s.index] = true
		used += t
	}

	var out []string
	for i, line := range lines {
		if keep[i] {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// summarize asks the compressor endpoint for a budget-bounded summary.
func (c *Compressor) summarize(ctx context.Context, content string, budget int, strategy Strategy) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("no compressor client configured")
	}

	// Respect the compressor's own input cap.
	if c.counter.Count(content) > compressorInputCap {
		content = c.truncate(content, compressorInputCap)
	}

	style := "a dense prose summary"
	if strategy == StrategyBulletPoints {
		style = "terse bullet points"
	}
	prompt := fmt.Sprintf(
		"Compress the following document into %s of at most %d tokens. Preserve every URL, number, and price exactly.\n\n%s",
		style, budget, content)

	resp, err := c.client.Complete(ctx, llm.Request{
		Role:      llm.RoleCompressor,
		Prompt:    prompt,
		MaxTokens: budget,
	})
	if err != nil {
		return "", err
	}
	if resp.Text == "" {
		return "", fmt.Errorf("compressor returned empty summary")
	}

	// The model may overshoot; hard-bound the result.
	if c.counter.Count(resp.Text) > budget {
		return c.extractKey(resp.Text, budget), nil
	}
	return resp.Text, nil
}
