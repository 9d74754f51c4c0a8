// Package pack builds LLM prompts from declarative recipes under hard token
// budgets, compressing or trimming input documents to fit.
package pack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"conductor/internal/turn"
)

// Sentinel errors. These are the unrecoverable configuration failures of the
// error taxonomy; callers surface them to the retry loop.
var (
	ErrConfiguration  = errors.New("recipe configuration error")
	ErrBudgetExceeded = errors.New("pack exceeds token budget")
	ErrMissingDoc     = errors.New("required input doc missing")
)

// TrimMethod selects how an over-budget pack is reduced.
type TrimMethod string

const (
	TrimTruncateEnd TrimMethod = "truncate_end"
	TrimDropOldest  TrimMethod = "drop_oldest"
	TrimSummarize   TrimMethod = "summarize"
)

// InputDocSpec declares one input document for a recipe.
type InputDocSpec struct {
	Path      string        `yaml:"path"`
	PathType  turn.PathType `yaml:"path_type"`
	MaxTokens int           `yaml:"max_tokens,omitempty"`
	Optional  bool          `yaml:"optional,omitempty"`
}

// TokenBudget declares the hard budget for one recipe.
type TokenBudget struct {
	Total  int `yaml:"total"`
	Output int `yaml:"output"`
	Buffer int `yaml:"buffer"`
}

// Input returns the tokens available for prompts plus input docs.
func (b TokenBudget) Input() int { return b.Total - b.Output - b.Buffer }

// TrimmingStrategy declares how to reduce an over-budget pack.
type TrimmingStrategy struct {
	Method   TrimMethod `yaml:"method"`
	Priority []string   `yaml:"priority,omitempty"`
}

// LLMParams carries the raw model parameters for the recipe's call.
type LLMParams struct {
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Recipe pairs prompt fragments, input docs, a token budget, and model
// params for one LLM call.
type Recipe struct {
	Name            string           `yaml:"name"`
	PromptFragments []string         `yaml:"prompt_fragments"`
	InputDocs       []InputDocSpec   `yaml:"input_docs"`
	Budget          TokenBudget      `yaml:"token_budget"`
	Trimming        TrimmingStrategy `yaml:"trimming_strategy"`
	LLMParams       LLMParams        `yaml:"llm_params"`

	// dir is where the recipe file lives; prompt fragments resolve
	// relative to it.
	dir string
}

// LoadRecipe reads and validates a recipe file.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}

	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	r.dir = filepath.Dir(path)

	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recipe) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: recipe has no name", ErrConfiguration)
	}
	if r.Budget.Total <= 0 {
		return fmt.Errorf("%w: recipe %s has no total budget", ErrConfiguration, r.Name)
	}
	if r.Budget.Input() <= 0 {
		return fmt.Errorf("%w: recipe %s output+buffer consume the whole budget", ErrConfiguration, r.Name)
	}
	if r.Trimming.Method == "" {
		r.Trimming.Method = TrimTruncateEnd
	}
	switch r.Trimming.Method {
	case TrimTruncateEnd, TrimDropOldest, TrimSummarize:
	default:
		return fmt.Errorf("%w: recipe %s has unknown trimming method %q", ErrConfiguration, r.Name, r.Trimming.Method)
	}
	return nil
}

// fragmentPath resolves a prompt-fragment path against the recipe directory.
func (r *Recipe) fragmentPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.dir, p)
}
