package engine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/reportflow/reportflow/pkg/schema"
)

// ConditionEngine evaluates step skip conditions written in CEL. A condition
// that evaluates to false marks the step skipped and the run continues.
// Thread-safe: compiled programs are cached and reused across goroutines.
//
// The environment exposes three top-level variables:
//   - inputs:  map(string, dyn): the plan's step inputs
//   - outputs: map(string, dyn): prior step outputs keyed by step name
//   - run:     map(string, dyn): run metadata (run_id, workflow_name, ...)
type ConditionEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEngine creates a CEL engine with the sandboxed environment.
func NewConditionEngine() (*ConditionEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("inputs", mapType),
		cel.Variable("outputs", mapType),
		cel.Variable("run", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &ConditionEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// ShouldRun evaluates a step condition. An empty condition always runs. A
// non-boolean result is a validation error: conditions must be predicates.
func (e *ConditionEngine) ShouldRun(condition string, data map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(condition)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", condition, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"condition": condition})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q did not evaluate to a boolean", condition)
	}
	return b, nil
}

func (e *ConditionEngine) getOrCompile(condition string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", condition, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error for %q: %s", condition, err.Error()).
			WithCause(err)
	}

	e.cache[condition] = prg
	return prg, nil
}

// buildActivation fills missing keys with empty maps so a sparse data map
// cannot cause CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 3)
	for _, key := range []string{"inputs", "outputs", "run"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}
