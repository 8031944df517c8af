package steps

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/pkg/schema"
)

// generateParams configure the generate_artifacts step.
type generateParams struct {
	Format   string `json:"format"`   // "csv" or "json"; default "csv"
	Filename string `json:"filename"` // default "report.<format>"
}

// GenerateStep renders the pipeline's dataset into the report artifact. The
// artifact itself travels through the object store; the step output only
// records what was produced.
type GenerateStep struct{}

func (s *GenerateStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params generateParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}
	if params.Format == "" {
		params.Format = "csv"
	}

	ds, _, err := datasetFrom(sc, schema.StepTransform, schema.StepFetchData)
	if err != nil {
		return engine.Fatal("", err)
	}

	var data []byte
	var contentType string
	switch params.Format {
	case "csv":
		data, err = renderCSV(ds)
		contentType = "text/csv"
	case "json":
		data, err = json.MarshalIndent(ds.Rows, "", "  ")
		contentType = "application/json"
	default:
		return engine.Fatal(fmt.Sprintf("unsupported artifact format %q", params.Format), nil)
	}
	if err != nil {
		return engine.Fatal(fmt.Sprintf("render %s artifact: %s", params.Format, err.Error()), err)
	}

	name := params.Filename
	if name == "" {
		name = "report." + params.Format
	}

	sc.Logger.InfoContext(ctx, "artifact generated",
		"name", name, "format", params.Format, "bytes", len(data))
	return engine.SucceedWithArtifact(
		map[string]any{"artifact": name, "format": params.Format, "bytes": len(data), "rows": ds.RowCount},
		&schema.Artifact{Name: name, ContentType: contentType, Data: data},
	)
}

// renderCSV writes the dataset with a stable column order: declared columns
// first, then any extra row keys alphabetically.
func renderCSV(ds *Dataset) ([]byte, error) {
	columns := append([]string{}, ds.Columns...)
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	extra := map[string]bool{}
	for _, row := range ds.Rows {
		for k := range row {
			if !known[k] && !extra[k] {
				extra[k] = true
			}
		}
	}
	extras := make([]string, 0, len(extra))
	for k := range extra {
		extras = append(extras, k)
	}
	sort.Strings(extras)
	columns = append(columns, extras...)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	record := make([]string, len(columns))
	for _, row := range ds.Rows {
		for i, c := range columns {
			record[i] = cellString(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
