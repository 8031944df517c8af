// Package steps holds the built-in implementations of the report pipeline
// steps. Each step decodes its own params from the frozen plan, reads prior
// outputs through the step context, and reports success, a retryable
// failure, or a fatal failure.
package steps

import (
	"encoding/json"

	"github.com/reportflow/reportflow/internal/artifacts"
	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/internal/expressions"
	"github.com/reportflow/reportflow/internal/secrets"
	"github.com/reportflow/reportflow/pkg/schema"
)

// Deps are the collaborators the built-in steps are wired with. Sources and
// Deliverers are keyed by the name the plan params reference. Vault is
// optional; without it, secret:// destination options fail fatally.
type Deps struct {
	Sources    map[string]DataSource
	Deliverers map[string]Deliverer
	Artifacts  artifacts.ObjectStore
	Vault      secrets.Vault
	Expr       *expressions.ExprEngine
	JQ         *expressions.GoJQEngine
}

// RegisterBuiltins binds every built-in step implementation into the
// registry. Missing engines are created with defaults.
func RegisterBuiltins(reg *engine.Registry, deps Deps) {
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}

	reg.Register(schema.StepInitialize, &InitializeStep{})
	reg.Register(schema.StepFetchData, &FetchStep{sources: deps.Sources})
	reg.Register(schema.StepPreValidation, &ValidateStep{name: schema.StepPreValidation, expr: deps.Expr, input: schema.StepFetchData})
	reg.Register(schema.StepTransform, &TransformStep{jq: deps.JQ})
	reg.Register(schema.StepPostValidation, &ValidateStep{name: schema.StepPostValidation, expr: deps.Expr, input: schema.StepTransform})
	reg.Register(schema.StepGenerateArtifacts, &GenerateStep{})
	reg.Register(schema.StepDeliver, &DeliverStep{deliverers: deps.Deliverers, artifacts: deps.Artifacts, vault: deps.Vault})
}

// Dataset is the tabular payload flowing between fetch, validation,
// transform and artifact generation. Rows are JSON objects keyed by column.
type Dataset struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// env builds the expression environment shared by validation rules.
func (d *Dataset) env(inputs map[string]any) map[string]any {
	rows := make([]any, len(d.Rows))
	for i, r := range d.Rows {
		rows[i] = r
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{
		"rows":      rows,
		"row_count": d.RowCount,
		"columns":   d.Columns,
		"inputs":    inputs,
	}
}

// decodeParams unmarshals a step's raw params into dst. Absent params leave
// dst at its zero value.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step params: %s", err.Error()).WithCause(err)
	}
	return nil
}

// decodeOutput re-decodes a prior step's output into dst. Outputs arrive
// either as live Go values (same driver) or as generic JSON values after a
// resume, so a JSON round trip normalizes both.
func decodeOutput(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// datasetFrom extracts the dataset a step consumes, preferring the named
// producer but falling back through the alternatives for plans that skip
// optional steps.
func datasetFrom(sc *engine.StepContext, producers ...schema.StepName) (*Dataset, schema.StepName, error) {
	for _, name := range producers {
		v, ok := sc.Outputs[name]
		if !ok || v == nil {
			continue
		}
		var ds Dataset
		if err := decodeOutput(v, &ds); err != nil {
			return nil, name, schema.NewErrorf(schema.ErrCodeExecution,
				"output of step %s is not a dataset: %s", name, err.Error()).WithCause(err)
		}
		return &ds, name, nil
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
		"no dataset available; expected output from %v", producers)
}
