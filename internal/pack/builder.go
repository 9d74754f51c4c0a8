package pack

import (
	"context"
	"fmt"
	"os"
	"strings"

	"conductor/internal/logging"
	"conductor/internal/turn"
)

// ItemKind distinguishes prompt fragments from input documents.
type ItemKind string

const (
	ItemPrompt   ItemKind = "prompt"
	ItemInputDoc ItemKind = "input_doc"
)

// Item is one ordered element of a pack.
type Item struct {
	Kind    ItemKind
	Name    string
	Content string
	Tokens  int
}

// Pack is the concrete prompt built from a recipe for one LLM call.
type Pack struct {
	Recipe        string
	Items         []Item
	OutputReserve int

	counter *TokenCounter
}

// Tokens returns the pack's current input token count.
func (p *Pack) Tokens() int {
	total := 0
	for _, it := range p.Items {
		total += it.Tokens
	}
	return total
}

// Prompt emits the final prompt: prompt fragments concatenated first, then
// each input doc prefixed by a named separator.
func (p *Pack) Prompt() string {
	var sb strings.Builder
	for _, it := range p.Items {
		if it.Kind == ItemPrompt {
			sb.WriteString(it.Content)
			sb.WriteString("\n")
		}
	}
	for _, it := range p.Items {
		if it.Kind == ItemInputDoc {
			sb.WriteString(fmt.Sprintf("\n---\n# %s\n\n", it.Name))
			sb.WriteString(it.Content)
		}
	}
	return sb.String()
}

// PathResolver resolves input-doc paths; *turn.Dir satisfies it.
type PathResolver interface {
	DocPath(name string, pathType turn.PathType) string
}

// Builder assembles packs from recipes under hard budgets.
type Builder struct {
	counter    *TokenCounter
	compressor *Compressor
	resolver   PathResolver

	// strategy is the per-doc compression policy. Critical docs are
	// upgraded inside the compressor regardless.
	strategy Strategy
}

// NewBuilder creates a builder. compressor may carry an LLM client for the
// summarize path; without one, compression is fully deterministic.
func NewBuilder(counter *TokenCounter, compressor *Compressor, resolver PathResolver) *Builder {
	return &Builder{
		counter:    counter,
		compressor: compressor,
		resolver:   resolver,
		strategy:   StrategyTruncate,
	}
}

// WithStrategy overrides the default per-doc compression strategy.
func (b *Builder) WithStrategy(s Strategy) *Builder {
	b.strategy = s
	return b
}

// minDocBudget is the floor for any input doc's allotment.
const minDocBudget = 100

// Build assembles a pack from the recipe:
//
//  1. Load every prompt fragment in order; fail if the fragments alone
//     exceed the input budget.
//  2. Reserve the output budget.
//  3. Compute per-doc budgets: explicit max_tokens first, remainder split
//     equally with a floor.
//  4. Resolve each input doc; optional docs are skipped silently when
//     missing, required ones fail.
//  5. Compress each doc to its allotment.
//  6. If the assembled pack still exceeds the input budget, apply the
//     recipe's trimming strategy (never trimming a doc by more than 50%
//     per pass); fail hard if it still does not fit.
func (b *Builder) Build(ctx context.Context, recipe *Recipe) (*Pack, error) {
	inputBudget := recipe.Budget.Input()
	p := &Pack{Recipe: recipe.Name, OutputReserve: recipe.Budget.Output, counter: b.counter}

	// 1. Prompt fragments.
	promptTokens := 0
	for _, frag := range recipe.PromptFragments {
		data, err := os.ReadFile(recipe.fragmentPath(frag))
		if err != nil {
			return nil, fmt.Errorf("%w: prompt fragment %s: %v", ErrConfiguration, frag, err)
		}
		content := string(data)
		t := b.counter.Count(content)
		promptTokens += t
		p.Items = append(p.Items, Item{Kind: ItemPrompt, Name: frag, Content: content, Tokens: t})
	}
	if promptTokens > inputBudget {
		return nil, fmt.Errorf("%w: recipe %s prompt fragments alone are %d tokens (budget %d)",
			ErrBudgetExceeded, recipe.Name, promptTokens, inputBudget)
	}

	// 2-3. Per-doc budgets from what remains after prompts.
	remaining := inputBudget - promptTokens
	budgets := docBudgets(recipe.InputDocs, remaining)

	// 4-5. Resolve and compress.
	for i, spec := range recipe.InputDocs {
		path := b.resolver.DocPath(spec.Path, spec.PathType)
		data, err := os.ReadFile(path)
		if err != nil {
			if spec.Optional {
				logging.PackDebug("optional doc %s missing, skipping", spec.Path)
				continue
			}
			return nil, fmt.Errorf("%w: %s (%s)", ErrMissingDoc, spec.Path, path)
		}

		content, err := b.compressor.Compress(ctx, docName(spec.Path), string(data), budgets[i], b.strategy)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", spec.Path, err)
		}
		p.Items = append(p.Items, Item{
			Kind:    ItemInputDoc,
			Name:    spec.Path,
			Content: content,
			Tokens:  b.counter.Count(content),
		})
	}

	// 6. Trim to fit.
	if p.Tokens() > inputBudget {
		if err := b.trim(ctx, p, recipe, inputBudget); err != nil {
			return nil, err
		}
	}

	logging.Pack("built pack %s: %d items, %d/%d tokens (output reserve %d)",
		recipe.Name, len(p.Items), p.Tokens(), inputBudget, recipe.Budget.Output)
	return p, nil
}

// docBudgets allocates the remaining input budget across docs: explicit
// max_tokens are honored first, the remainder is split equally with a floor.
func docBudgets(specs []InputDocSpec, remaining int) []int {
	budgets := make([]int, len(specs))
	unallocated := remaining
	implicit := 0

	for i, spec := range specs {
		if spec.MaxTokens > 0 {
			budgets[i] = spec.MaxTokens
			unallocated -= spec.MaxTokens
		} else {
			implicit++
		}
	}

	if implicit > 0 {
		share := unallocated / implicit
		if share < minDocBudget {
			share = minDocBudget
		}
		for i, spec := range specs {
			if spec.MaxTokens == 0 {
				budgets[i] = share
			}
		}
	}
	return budgets
}

// trim applies the recipe's trimming strategy over input docs until the pack
// fits the budget. A doc is never trimmed by more than 50% in one pass.
// Budget overruns after trimming fail hard.
func (b *Builder) trim(ctx context.Context, p *Pack, recipe *Recipe, inputBudget int) error {
	const maxPasses = 6

	for pass := 0; pass < maxPasses && p.Tokens() > inputBudget; pass++ {
		over := p.Tokens() - inputBudget
		progressed := false

		for _, idx := range trimOrder(p, recipe) {
			if over <= 0 {
				break
			}
			it := &p.Items[idx]
			if it.Tokens <= minDocBudget {
				continue
			}

			target := it.Tokens - over
			if floor := it.Tokens / 2; target < floor {
				target = floor // never more than 50% per pass
			}
			if target < minDocBudget {
				target = minDocBudget
			}
			if target >= it.Tokens {
				continue
			}

			strategy := b.strategy
			if recipe.Trimming.Method == TrimSummarize {
				strategy = StrategySummarize
			}
			content, err := b.compressor.Compress(ctx, docName(it.Name), it.Content, target, strategy)
			if err != nil {
				return fmt.Errorf("trim %s: %w", it.Name, err)
			}

			newTokens := b.counter.Count(content)
			if newTokens < it.Tokens {
				over -= it.Tokens - newTokens
				it.Content = content
				it.Tokens = newTokens
				progressed = true
			}
		}

		if recipe.Trimming.Method == TrimDropOldest && p.Tokens() > inputBudget {
			if dropOldestDoc(p) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if p.Tokens() > inputBudget {
		return fmt.Errorf("%w: recipe %s still %d tokens over after trimming",
			ErrBudgetExceeded, recipe.Name, p.Tokens()-inputBudget)
	}
	return nil
}

// trimOrder yields input-doc item indices in trimming order: recipe priority
// names first, then remaining docs last-to-first.
func trimOrder(p *Pack, recipe *Recipe) []int {
	var order []int
	seen := make(map[int]bool)

	for _, name := range recipe.Trimming.Priority {
		for i, it := range p.Items {
			if it.Kind == ItemInputDoc && it.Name == name && !seen[i] {
				order = append(order, i)
				seen[i] = true
			}
		}
	}
	for i := len(p.Items) - 1; i >= 0; i-- {
		if p.Items[i].Kind == ItemInputDoc && !seen[i] {
			order = append(order, i)
			seen[i] = true
		}
	}
	return order
}

// dropOldestDoc removes the first input doc entirely. Returns false when no
// input docs remain.
func dropOldestDoc(p *Pack) bool {
	for i, it := range p.Items {
		if it.Kind == ItemInputDoc {
			logging.PackDebug("drop_oldest: removing %s (%d tokens)", it.Name, it.Tokens)
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
			return true
		}
	}
	return false
}

func docName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
