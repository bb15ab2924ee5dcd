package collector

import (
	"context"
	"fmt"

	"github.com/clickmon/clickmon/internal/queries"
)

// executeQuery runs a static definition, emitting every mapped metric
// with the global tag set and recording each column's last raw value for
// reuse by later routines in the same cycle. Rows stream one at a time;
// the full result set is never buffered. Any driver error is wrapped as
// a QueryExecutionError naming the implicated source tables.
func (c *Check) executeQuery(ctx context.Context, def queries.Definition) (map[string]any, error) {
	rows, err := c.query(ctx, def.Query)
	if err != nil {
		return nil, c.execError(err.Error(), def)
	}
	defer rows.Close()

	result := make(map[string]any, len(def.Columns))
	for rows.Next() {
		values, err := scanRow(rows, len(def.Columns))
		if err != nil {
			return nil, c.execError(err.Error(), def)
		}
		for i, col := range def.Columns {
			value := values[i]
			for _, m := range col.Metrics {
				v, err := toFloat(value)
				if err != nil {
					return nil, c.execError(fmt.Sprintf("column %q: %v", col.Name, err), def)
				}
				c.submit(m.Kind, m.Name, v, c.tags)
			}
			result[col.Name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, c.execError(err.Error(), def)
	}
	return result, nil
}

func (c *Check) execError(msg string, def queries.Definition) *QueryExecutionError {
	return &QueryExecutionError{
		Message: c.sanitizer.Clean(msg),
		Source:  def.SourceList(),
	}
}

// scanRow reads the current row into a generic value slice. When want is
// positive the column count must match it exactly.
func scanRow(rows Rows, want int) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if want > 0 && len(cols) != want {
		return nil, fmt.Errorf("expected %d column(s), got %d", want, len(cols))
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}
