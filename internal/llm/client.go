// Package llm implements the role-routed HTTP client for the LLM backend.
//
// The backend is OpenAI-wire compatible: POST <base>/chat/completions with
// {model, messages, max_tokens, temperature} and a bearer token, returning
// {choices:[{message:{content}}], usage:{prompt_tokens, completion_tokens}}.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"conductor/internal/logging"
)

// Role identifies the caller of an LLM request. Roles map to temperature
// bands: reflex (classifiers, validators), mind (planners), voice
// (synthesizer, revision).
type Role string

const (
	RoleReflection  Role = "reflection"
	RoleValidator   Role = "validator"
	RoleCompressor  Role = "compressor"
	RolePlanner     Role = "planner"
	RoleExecutor    Role = "executor"
	RoleCoordinator Role = "coordinator"
	RoleSynthesizer Role = "synthesizer"
	RoleRevision    Role = "revision"
)

// Temperature returns the band temperature for the role.
func (r Role) Temperature() float64 {
	switch r {
	case RoleReflection, RoleValidator, RoleCompressor:
		return 0.4
	case RolePlanner, RoleExecutor, RoleCoordinator:
		return 0.6
	case RoleSynthesizer, RoleRevision:
		return 0.7
	default:
		return 0.6
	}
}

// Request is a single completion request.
type Request struct {
	Role        Role
	Prompt      string
	MaxTokens   int
	Temperature float64 // 0 means use the role band
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the completion plus accounting.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the minimal interface the pipeline uses to call an LLM.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	ResearchTimeout time.Duration
}

// HTTPClient is the production Client speaking the OpenAI wire format.
type HTTPClient struct {
	cfg         Config
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a client against the configured endpoint.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.ResearchTimeout == 0 {
		cfg.ResearchTimeout = 60 * time.Minute
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ResearchTimeout},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// timeoutFor returns the per-call timeout for the role. Planner-family roles
// sit upstream of research tools and get the longer bound.
func (c *HTTPClient) timeoutFor(role Role) time.Duration {
	switch role {
	case RolePlanner, RoleExecutor, RoleCoordinator:
		return c.cfg.ResearchTimeout
	default:
		return c.cfg.Timeout
	}
}

// Complete sends a request and returns the completion.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeoutFor(req.Role))
		defer cancel()
	}

	start := time.Now()
	logging.LLMDebug("[%s] Complete: prompt_len=%d max_tokens=%d", req.Role, len(req.Prompt), req.MaxTokens)

	temp := req.Temperature
	if temp == 0 {
		temp = req.Role.Temperature()
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	// Client-side pacing between requests.
	c.mu.Lock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	body := wireRequest{
		Model:       c.cfg.Model,
		Messages:    []wireMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: temp,
	}

	// Retry loop for rate limits and transient network failures.
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
		}

		var wire wireResponse
		if err := json.Unmarshal(respBody, &wire); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if wire.Error != nil {
			return nil, fmt.Errorf("API error: %s", wire.Error.Message)
		}
		if len(wire.Choices) == 0 {
			logging.LLMError("[%s] no completion returned", req.Role)
			return nil, fmt.Errorf("no completion returned")
		}

		text := strings.TrimSpace(wire.Choices[0].Message.Content)
		logging.LLM("[%s] completed in %v response_len=%d tokens=%d+%d",
			req.Role, time.Since(start), len(text), wire.Usage.PromptTokens, wire.Usage.CompletionTokens)
		return &Response{Text: text, Usage: wire.Usage}, nil
	}

	logging.LLMError("[%s] max retries exceeded after %v: %v", req.Role, time.Since(start), lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
