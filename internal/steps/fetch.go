package steps

import (
	"context"
	"fmt"

	"github.com/reportflow/reportflow/internal/engine"
)

// FetchQuery is the request a fetch step hands to its data source.
type FetchQuery struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DataSource pulls the report's raw rows from an upstream system (warehouse,
// API, file drop). Implementations must honor ctx cancellation.
type DataSource interface {
	Fetch(ctx context.Context, query FetchQuery) (*Dataset, error)
}

// fetchParams configure the fetch_data step.
type fetchParams struct {
	Source     string         `json:"source"`
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// FetchStep pulls the dataset from the configured source. Source resolution
// problems are fatal (the plan is wrong); fetch errors are retryable (the
// upstream may recover).
type FetchStep struct {
	sources map[string]DataSource
}

func (s *FetchStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params fetchParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}
	if params.Source == "" {
		return engine.Fatal("fetch_data params must name a source", nil)
	}

	source, ok := s.sources[params.Source]
	if !ok {
		return engine.Fatal(fmt.Sprintf("unknown data source %q", params.Source), nil)
	}

	ds, err := source.Fetch(ctx, FetchQuery{Query: params.Query, Parameters: params.Parameters})
	if err != nil {
		return engine.Retryable(fmt.Sprintf("fetch from %s failed: %s", params.Source, err.Error()), err)
	}
	ds.RowCount = len(ds.Rows)

	sc.Logger.InfoContext(ctx, "dataset fetched",
		"source", params.Source, "rows", ds.RowCount)
	return engine.Succeed(ds)
}
