package steps

import (
	"context"
	"fmt"

	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/internal/expressions"
	"github.com/reportflow/reportflow/pkg/schema"
)

// FieldMapping derives one output column from a jq expression evaluated per
// row with {"row": ..., "inputs": ...} as input.
type FieldMapping struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
}

// transformParams configure the transform step.
type transformParams struct {
	// Filter is an optional jq predicate; rows where it is not true are
	// dropped before mapping.
	Filter   string         `json:"filter,omitempty"`
	Mappings []FieldMapping `json:"mappings"`
}

// TransformStep reshapes the fetched dataset with jq field mappings. With no
// mappings configured the rows pass through unchanged (filter still
// applies). Mapping errors are fatal: the same rows would fail again on
// retry.
type TransformStep struct {
	jq *expressions.GoJQEngine
}

func (s *TransformStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params transformParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}

	ds, _, err := datasetFrom(sc, schema.StepFetchData)
	if err != nil {
		return engine.Fatal("", err)
	}

	out := &Dataset{Columns: ds.Columns, Rows: make([]map[string]any, 0, len(ds.Rows))}
	if len(params.Mappings) > 0 {
		out.Columns = make([]string, len(params.Mappings))
		for i, m := range params.Mappings {
			out.Columns[i] = m.Field
		}
	}

	for i, row := range ds.Rows {
		rowEnv := map[string]any{"row": row, "inputs": sc.Inputs}

		if params.Filter != "" {
			keep, err := s.jq.Evaluate(ctx, params.Filter, rowEnv)
			if err != nil {
				return engine.Fatal(fmt.Sprintf("filter failed on row %d: %s", i, err.Error()), err)
			}
			if keep != true {
				continue
			}
		}

		if len(params.Mappings) == 0 {
			out.Rows = append(out.Rows, row)
			continue
		}

		mapped := make(map[string]any, len(params.Mappings))
		for _, m := range params.Mappings {
			if m.Field == "" || m.Expression == "" {
				return engine.Fatal("field mappings need both a field and an expression", nil)
			}
			v, err := s.jq.Evaluate(ctx, m.Expression, rowEnv)
			if err != nil {
				return engine.Fatal(fmt.Sprintf("mapping %q failed on row %d: %s", m.Field, i, err.Error()), err)
			}
			mapped[m.Field] = v
		}
		out.Rows = append(out.Rows, mapped)
	}
	out.RowCount = len(out.Rows)

	sc.Logger.InfoContext(ctx, "dataset transformed",
		"rows_in", len(ds.Rows), "rows_out", out.RowCount)
	return engine.Succeed(out)
}
