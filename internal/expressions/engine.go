// Package expressions holds the cached expression engines the pipeline steps
// evaluate user-authored logic with: Expr for validation rules, GoJQ for
// field mappings. Step skip conditions use CEL and live with the engine.
package expressions

import "context"

// Engine evaluates expressions against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
