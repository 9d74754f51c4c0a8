// Package config loads conductor configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all conductor configuration.
type Config struct {
	// BasePath is the per-user directory holding turns, recipes, workflows,
	// bundles, and logs.
	BasePath string `yaml:"base_path"`

	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Loops      LoopsConfig      `yaml:"loops"`
	Validation ValidationConfig `yaml:"validation"`
	Forge      ForgeConfig      `yaml:"forge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig configures the LLM backend.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// Timeout is the default per-call timeout. Research-adjacent roles get
	// ResearchTimeout instead.
	Timeout         time.Duration `yaml:"timeout"`
	ResearchTimeout time.Duration `yaml:"research_timeout"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	ServerURL string `yaml:"server_url"`

	// Timeout bounds ordinary tool calls; ResearchTimeout bounds
	// internet.research and friends.
	Timeout         time.Duration `yaml:"timeout"`
	ResearchTimeout time.Duration `yaml:"research_timeout"`

	// ApprovalTimeout bounds the user-approval rendezvous.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// InterventionTimeout bounds the critical-failure intervention rendezvous.
	InterventionTimeout time.Duration `yaml:"intervention_timeout"`
}

// LoopsConfig bounds the three nested control loops.
type LoopsConfig struct {
	MaxCoordinatorSteps    int `yaml:"max_coordinator_steps"`
	MaxExecutorIterations  int `yaml:"max_executor_iterations"`
	MaxPlanningIterations  int `yaml:"max_planning_iterations"`
	MaxResearchCalls       int `yaml:"max_research_calls"`
	MaxConsecutiveCommands int `yaml:"max_consecutive_commands"`
	MaxToolFailures        int `yaml:"max_tool_failures"`
}

// ValidationConfig configures the validation and retry controller.
type ValidationConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxRevisions        int     `yaml:"max_revisions"`
	PriceTolerance      float64 `yaml:"price_tolerance"`
}

// ForgeConfig configures the self-extension pipeline.
type ForgeConfig struct {
	TestTimeout time.Duration `yaml:"test_timeout"`
	KeepBackups int           `yaml:"keep_backups"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		BasePath: ".conductor",
		LLM: LLMConfig{
			BaseURL:         "http://localhost:8080/v1",
			Model:           "default",
			Timeout:         30 * time.Minute,
			ResearchTimeout: 60 * time.Minute,
		},
		Tools: ToolsConfig{
			ServerURL:           "http://localhost:8090",
			Timeout:             30 * time.Minute,
			ResearchTimeout:     60 * time.Minute,
			ApprovalTimeout:     180 * time.Second,
			InterventionTimeout: 180 * time.Second,
		},
		Loops: LoopsConfig{
			MaxCoordinatorSteps:    10,
			MaxExecutorIterations:  10,
			MaxPlanningIterations:  5,
			MaxResearchCalls:       2,
			MaxConsecutiveCommands: 5,
			MaxToolFailures:        3,
		},
		Validation: ValidationConfig{
			MaxRetries:          3,
			ConfidenceThreshold: 0.70,
			MaxRevisions:        2,
			PriceTolerance:      0.01,
		},
		Forge: ForgeConfig{
			TestTimeout: 30 * time.Second,
			KeepBackups: 5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from path, falling back to defaults for absent fields,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.BasePath == "" {
		cfg.BasePath = ".conductor"
	}
	return cfg, nil
}

// applyEnvOverrides applies CONDUCTOR_* environment variables on top of the
// file-loaded config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONDUCTOR_BASE_PATH"); v != "" {
		c.BasePath = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("CONDUCTOR_TOOL_SERVER"); v != "" {
		c.Tools.ServerURL = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Validation.MaxRetries = n
		}
	}
	if v := os.Getenv("CONDUCTOR_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// TurnsDir returns the directory holding per-turn artifacts.
func (c *Config) TurnsDir() string { return filepath.Join(c.BasePath, "turns") }

// RecipesDir returns the directory holding pack recipes.
func (c *Config) RecipesDir() string { return filepath.Join(c.BasePath, "recipes") }

// WorkflowsDir returns the built-in workflows directory.
func (c *Config) WorkflowsDir() string { return filepath.Join(c.BasePath, "workflows") }

// BundlesDir returns the root for workflow bundles.
func (c *Config) BundlesDir() string { return filepath.Join(c.BasePath, "bundles") }
