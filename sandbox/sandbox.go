// Package sandbox checks and runs short Go-syntax snippets supplied by an
// authenticated caller. A snippet is parsed with go/parser and every node is
// matched against a closed whitelist before anything runs; execution is a
// small tree-walking interpreter that only sees whitelisted builtins,
// imported modules and the bindings it is given.
//
// This is defense in depth for a localhost caller, not a boundary for fully
// untrusted code.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/machinefabric/gisgate-go/fault"
)

// Outcome is the result of a successful run.
type Outcome struct {
	Value  any
	Output []string
	Steps  int
	Took   time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithModule adds or replaces an importable module. It is still subject to
// the policy's module allowlist.
func WithModule(name string, mod Module) Option {
	return func(e *Evaluator) { e.modules[name] = mod }
}

// WithBinding exposes a value to every snippet under name.
func WithBinding(name string, v any) Option {
	return func(e *Evaluator) { e.bindings[name] = normalize(v) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// Evaluator checks and runs snippets under a fixed Policy. It is safe for
// concurrent use; each run gets its own interpreter state.
type Evaluator struct {
	policy   *Policy
	modules  map[string]Module
	bindings map[string]any
	logger   *slog.Logger
}

// New creates an Evaluator. A nil policy means DefaultPolicy.
func New(policy *Policy, opts ...Option) *Evaluator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	e := &Evaluator{
		policy:   policy,
		modules:  stdModules(),
		bindings: make(map[string]any),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Policy() *Policy { return e.policy }

// Check validates src without running it.
func (e *Evaluator) Check(src string) error {
	_, err := e.check(src, e.bindings)
	return err
}

func (e *Evaluator) check(src string, bindings map[string]any) (*program, error) {
	if len(src) > e.policy.MaxSourceLength() {
		return nil, fault.SandboxViolation("too_long",
			fmt.Sprintf("code exceeds maximum length of %d bytes", e.policy.MaxSourceLength()))
	}
	prog, err := parseSnippet(src)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(bindings))
	for name := range bindings {
		names[name] = true
	}
	if err := newChecker(prog, e.policy, e.modules, names).run(); err != nil {
		return nil, err
	}
	return prog, nil
}

// Exec runs src and returns its result: the value of a top-level return, or
// else the final value of a variable named result.
func (e *Evaluator) Exec(ctx context.Context, src string, bindings map[string]any) (any, error) {
	out, err := e.Run(ctx, src, bindings)
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Run is Exec that also returns printed output and accounting.
func (e *Evaluator) Run(ctx context.Context, src string, bindings map[string]any) (*Outcome, error) {
	merged := make(map[string]any, len(e.bindings)+len(bindings))
	for k, v := range e.bindings {
		merged[k] = v
	}
	for k, v := range bindings {
		merged[k] = normalize(v)
	}

	prog, err := e.check(src, merged)
	if err != nil {
		e.logger.Warn("sandbox rejected code", "error", err)
		return nil, err
	}

	imported := make(map[string]Module)
	for _, imp := range prog.file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		imported[path] = e.modules[path]
	}

	ctx, cancel := context.WithTimeout(ctx, e.policy.MaxEvalTime())
	defer cancel()

	m := &machine{
		ctx:      ctx,
		prog:     prog,
		policy:   e.policy,
		modules:  imported,
		bindings: merged,
		limit:    e.policy.MaxEvalTime(),
		maxSteps: e.policy.MaxSteps(),
	}
	start := time.Now()
	value, err := m.run()
	if err == nil {
		if err = measure(ctx, value, maxResultValues); err != nil {
			err = m.ctxErr(err)
		}
	}
	took := time.Since(start)
	if err != nil {
		if fault.IsKind(err, fault.KindSandboxTimeout) {
			e.logger.Warn("sandbox execution timed out", "steps", m.steps, "took", took)
		}
		return nil, err
	}
	e.logger.Debug("sandbox execution finished", "steps", m.steps, "took", took)
	return &Outcome{Value: value, Output: m.output, Steps: m.steps, Took: took}, nil
}
