package collector

import (
	"context"

	"github.com/clickmon/clickmon/internal/types"
)

type metricCandidate struct {
	name  string
	value float64
	kind  types.SubmissionKind
}

// runCustomQueries executes every configured custom query independently.
// A failure in one never blocks the rest.
func (c *Check) runCustomQueries(ctx context.Context) {
	for _, cq := range c.customQueries {
		c.runCustomQuery(ctx, cq)
	}
}

func (c *Check) runCustomQuery(ctx context.Context, cq types.CustomQuery) {
	if cq.Query == "" {
		c.log.Error("custom query field `query` is required")
		return
	}
	if len(cq.Columns) == 0 {
		c.log.Error("custom query field `columns` is required")
		return
	}

	c.log.Debug("running custom query")
	rows, err := c.query(ctx, cq.Query)
	if err != nil {
		c.log.Errorf("error executing custom query: %s", c.sanitizer.Clean(err.Error()))
		return
	}
	defer rows.Close()

	for rows.Next() {
		values, err := scanRow(rows, 0)
		if err != nil {
			c.log.Errorf("error reading custom query row: %s", c.sanitizer.Clean(err.Error()))
			rowsSkipped.WithLabelValues(c.name, "scan").Inc()
			continue
		}
		c.processCustomRow(cq, values)
	}
	if err := rows.Err(); err != nil {
		c.log.Errorf("error iterating custom query: %s", c.sanitizer.Clean(err.Error()))
	}
}

// processCustomRow walks columns and values pairwise, buffering metric
// candidates and collecting row tags. Emissions are flushed only when
// every column validated: a garbled row must never produce partial
// metrics.
func (c *Check) processCustomRow(cq types.CustomQuery, values []any) {
	if len(values) == 0 {
		c.log.Debug("custom query returned an empty result")
		return
	}
	if len(cq.Columns) != len(values) {
		c.log.Errorf("custom query result expected %d column(s), got %d", len(cq.Columns), len(values))
		rowsSkipped.WithLabelValues(c.name, "shape").Inc()
		return
	}

	queryTags := make([]string, 0, len(c.tags)+len(cq.Tags)+len(cq.Columns))
	queryTags = append(queryTags, c.tags...)
	queryTags = append(queryTags, cq.Tags...)

	metrics := make([]metricCandidate, 0, len(cq.Columns))
	for i, column := range cq.Columns {
		// Columns can be ignored via an empty spec entry.
		if column.IsZero() {
			continue
		}
		if column.Name == "" {
			c.log.Error("column field `name` is required")
			rowsSkipped.WithLabelValues(c.name, "column_spec").Inc()
			return
		}
		if column.Type == "" {
			c.log.Errorf("column field `type` is required for column `%s`", column.Name)
			rowsSkipped.WithLabelValues(c.name, "column_spec").Inc()
			return
		}
		if column.Type == "tag" {
			queryTags = append(queryTags, column.Name+":"+formatTagValue(values[i]))
			continue
		}
		kind, err := types.ParseSubmissionKind(column.Type)
		if err != nil {
			c.log.Errorf("invalid submission method `%s` for metric column `%s`", column.Type, column.Name)
			rowsSkipped.WithLabelValues(c.name, "kind").Inc()
			return
		}
		value, err := toFloat(values[i])
		if err != nil {
			c.log.Errorf("non-numeric value `%v` for metric column `%s`", values[i], column.Name)
			rowsSkipped.WithLabelValues(c.name, "coercion").Inc()
			return
		}
		metrics = append(metrics, metricCandidate{name: column.Name, value: value, kind: kind})
	}

	for _, m := range metrics {
		c.submit(m.kind, m.name, m.value, queryTags)
	}
}
