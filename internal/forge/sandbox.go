package forge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/errgroup"

	"conductor/internal/catalog"
	"conductor/internal/logging"
)

// TestFile is one sandbox test source. It must export func RunTests() error.
type TestFile struct {
	Name   string
	Source string
}

// Sandbox runs forge test files in isolated interpreters. Each test file is
// evaluated alongside the implementation source so the tests can call the
// entrypoint directly.
type Sandbox struct {
	timeout time.Duration
}

// NewSandbox creates a sandbox with a per-file timeout.
func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sandbox{timeout: timeout}
}

// Run evaluates every test file against the implementation in parallel; the
// first failure cancels the rest. Returns nil only if all RunTests calls
// succeed.
func (s *Sandbox) Run(ctx context.Context, implementation string, tests []TestFile) error {
	if len(tests) == 0 {
		return fmt.Errorf("no test files provided")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tf := range tests {
		g.Go(func() error {
			if err := s.runOne(gctx, implementation, tf); err != nil {
				return fmt.Errorf("%s: %w", tf.Name, err)
			}
			logging.ForgeDebug("sandbox test %s passed", tf.Name)
			return nil
		})
	}
	return g.Wait()
}

// runOne evaluates one implementation+test pair with the per-file timeout.
// Interpreter evaluation cannot be preempted, so the goroutine may outlive
// the deadline; the error is reported either way.
func (s *Sandbox) runOne(ctx context.Context, implementation string, tf TestFile) error {
	if err := catalog.ValidateSandboxImports(implementation); err != nil {
		return err
	}
	if err := catalog.ValidateSandboxImports(tf.Source); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- evalAndRun(implementation, tf.Source)
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		return fmt.Errorf("sandbox test timed out after %s: %w", s.timeout, runCtx.Err())
	}
}

func evalAndRun(implementation, testSource string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("load stdlib: %w", err)
	}

	for _, src := range []string{implementation, testSource} {
		if !strings.Contains(src, "package ") {
			src = "package main\n\n" + src
		}
		if _, err := i.Eval(src); err != nil {
			return fmt.Errorf("evaluate source: %w", err)
		}
	}

	v, err := i.Eval(packageOf(testSource) + ".RunTests")
	if err != nil {
		return fmt.Errorf("RunTests not found: %w", err)
	}
	fn, ok := v.Interface().(func() error)
	if !ok {
		return fmt.Errorf("RunTests has wrong signature (want func() error)")
	}
	return fn()
}

func packageOf(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return "main"
}
