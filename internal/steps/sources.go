package steps

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSource serves datasets from JSON files under a root directory. The
// fetch query is the file path relative to the root. Files hold either a
// bare array of row objects or a {"columns": [...], "rows": [...]} document.
type FileSource struct {
	Root string
}

func (s *FileSource) Fetch(ctx context.Context, query FetchQuery) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := filepath.Clean(query.Query)
	if rel == "" || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return nil, fmt.Errorf("file source query must be a relative path, got %q", query.Query)
	}

	data, err := os.ReadFile(filepath.Join(s.Root, rel))
	if err != nil {
		return nil, err
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err == nil && ds.Rows != nil {
		return &ds, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("file %s is neither a dataset nor a row array: %w", rel, err)
	}
	return &Dataset{Rows: rows}, nil
}

// SQLSource serves datasets from a SQL database. The fetch query is executed
// verbatim; parameters bind as named arguments (:name).
type SQLSource struct {
	DB *sql.DB
}

func (s *SQLSource) Fetch(ctx context.Context, query FetchQuery) (*Dataset, error) {
	args := make([]any, 0, len(query.Parameters))
	for name, value := range query.Parameters {
		args = append(args, sql.Named(name, value))
	}

	rows, err := s.DB.QueryContext(ctx, query.Query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	ds := &Dataset{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scans := make([]any, len(columns))
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ds, nil
}
