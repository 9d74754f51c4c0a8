package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conductor/internal/catalog"
	"conductor/internal/events"
	"conductor/internal/gate"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/phase"
	"conductor/internal/usage"
	"conductor/internal/workflow"
)

// engine bundles the process-wide collaborators behind the phase runner.
type engine struct {
	runner    *phase.Runner
	catalog   *catalog.Catalog
	workflows *workflow.Registry
	gate      *gate.Gate
	events    *events.Sink
	usage     *usage.Store
}

// buildEngine wires catalog, workflows, gate, events, usage, and the LLM
// client into a phase runner. Close releases everything it opened.
func buildEngine(ctx context.Context, workspace string) (*engine, error) {
	client := llm.NewHTTPClient(llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		ResearchTimeout: cfg.LLM.ResearchTimeout,
	})

	cat := catalog.New()
	if err := cat.RegisterLocalFileTools(workspace); err != nil {
		return nil, fmt.Errorf("register file tools: %w", err)
	}
	if cfg.Tools.ServerURL != "" {
		remoteCfg := catalog.RemoteConfig{ServerURL: cfg.Tools.ServerURL, Timeout: cfg.Tools.ResearchTimeout}
		discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		n, err := cat.RegisterRemote(discoverCtx, remoteCfg,
			"internet.research", "internet.fetch", "memory.search", "memory.store")
		cancel()
		if err != nil {
			return nil, fmt.Errorf("register remote tools: %w", err)
		}
		logging.Tools("registered %d remote tools from %s", n, cfg.Tools.ServerURL)
	}

	registry := workflow.NewRegistry(cat)
	if n, err := registry.LoadDir(cfg.WorkflowsDir()); err == nil && n > 0 {
		logging.Workflow("loaded %d workflows from %s", n, cfg.WorkflowsDir())
	}
	if n, err := registry.LoadBundles(cfg.BundlesDir()); err == nil && n > 0 {
		logging.Workflow("loaded %d bundles from %s", n, cfg.BundlesDir())
	}
	if err := registry.Watch(cfg.BundlesDir()); err != nil {
		logging.Workflow("bundle watch unavailable: %v", err)
	}

	g := gate.New(cat, cfg.Tools.ApprovalTimeout)
	g.Subscribe(terminalApprover(g))

	sink, err := events.NewSink(filepath.Join(cfg.BasePath, "logs", "events.jsonl"))
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("open event sink: %w", err)
	}

	store, err := usage.Open(filepath.Join(cfg.BasePath, "usage.db"))
	if err != nil {
		registry.Close()
		sink.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	e := &engine{
		runner:    phase.NewRunner(cfg, client, cat, registry, g, sink, store),
		catalog:   cat,
		workflows: registry,
		gate:      g,
		events:    sink,
		usage:     store,
	}
	e.runner.WithMultiTaskHandler(e.handleMultiTask)
	return e, nil
}

func (e *engine) Close() {
	e.workflows.Close()
	e.events.Close()
	e.usage.Close()
}

// handleMultiTask runs each detected sub-task as its own turn and joins the
// responses in order.
func (e *engine) handleMultiTask(ctx context.Context, breakdown []string) (*phase.Response, error) {
	var parts []string
	var last *phase.Response
	for i, task := range breakdown {
		resp, err := e.runner.Handle(ctx, task, askSession, askMode, askRepo)
		if err != nil {
			return nil, fmt.Errorf("sub-task %d: %w", i+1, err)
		}
		last = resp
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, resp.Text))
	}
	if last == nil {
		return nil, fmt.Errorf("multi-task breakdown was empty")
	}
	return &phase.Response{
		TurnID:     last.TurnID,
		Text:       strings.Join(parts, "\n\n"),
		Decision:   last.Decision,
		Confidence: last.Confidence,
	}, nil
}

// terminalApprover prompts on the terminal for tools that need sign-off.
func terminalApprover(g *gate.Gate) func(gate.PendingRequest) {
	return func(req gate.PendingRequest) {
		go func() {
			fmt.Printf("\nTool %s requests approval (args: %v). Allow? [y/N] ", req.Tool, req.Args)
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			approved := err == nil && strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
			g.Respond(req.RequestID, approved)
		}()
	}
}
