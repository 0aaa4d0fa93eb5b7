package settlement

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator runs policy autoReleaseCondition expressions. Compiled
// programs are cached by expression text.
type ConditionEvaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("signal", cel.StringType),
		cel.Variable("amountCents", cel.IntType),
		cel.Variable("releaseRatePct", cel.IntType),
	)
}

// NewConditionEvaluator creates an evaluator over the settlement variables
// signal, amountCents and releaseRatePct.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// CheckCondition reports whether expr compiles to a boolean expression.
func CheckCondition(expr string) error {
	env, err := newConditionEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("autoReleaseCondition: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("autoReleaseCondition must be boolean, got %s", ast.OutputType())
	}
	return nil
}

// Eval evaluates expr. An empty expression holds.
func (e *ConditionEvaluator) Eval(expr, signal string, amountCents int64, releaseRatePct int) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"signal":         signal,
		"amountCents":    amountCents,
		"releaseRatePct": int64(releaseRatePct),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return allowed, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
