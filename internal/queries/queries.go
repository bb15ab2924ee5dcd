// Package queries holds the compiled-in query definitions. Each
// definition pivots a system table into a single row whose columns line
// up one-to-one with the definition's descriptors.
package queries

import (
	"sort"
	"strings"

	"github.com/clickmon/clickmon/internal/types"
)

// MetricMapping ties a result column to one metric emission.
type MetricMapping struct {
	Name string
	Kind types.SubmissionKind
}

// ColumnDef maps one result column to zero or more metric emissions.
// A column with no mappings is recorded in the result map only.
type ColumnDef struct {
	Name    string
	Metrics []MetricMapping
}

// Definition is an immutable static query: text, ordered column
// descriptors, and the source tables referenced for error attribution.
type Definition struct {
	Name    string
	Query   string
	Columns []ColumnDef
	Views   []string
}

// SourceList returns the sorted, comma-joined source table names.
func (d Definition) SourceList() string {
	views := make([]string, len(d.Views))
	copy(views, d.Views)
	sort.Strings(views)
	return strings.Join(views, ", ")
}

// SystemMetrics samples instantaneous server state.
// https://clickhouse.com/docs/en/operations/system-tables/metrics
var SystemMetrics = Definition{
	Name: "system_metrics",
	Query: `
SELECT
    sumIf(value, metric = 'Query')                 AS running_queries,
    sumIf(value, metric = 'TCPConnection')         AS tcp_connections,
    sumIf(value, metric = 'HTTPConnection')        AS http_connections,
    sumIf(value, metric = 'InterserverConnection') AS interserver_connections,
    sumIf(value, metric = 'MemoryTracking')        AS memory_tracking,
    sumIf(value, metric = 'OpenFileForRead')       AS open_files_read,
    sumIf(value, metric = 'OpenFileForWrite')      AS open_files_write,
    sumIf(value, metric = 'ReadonlyReplica')       AS readonly_replicas,
    sumIf(value, metric = 'DistributedSend')       AS distributed_sends,
    count()                                        AS metric_count
FROM system.metrics`,
	Columns: []ColumnDef{
		{Name: "running_queries", Metrics: []MetricMapping{{Name: "clickhouse.query.active", Kind: types.KindGauge}}},
		{Name: "tcp_connections", Metrics: []MetricMapping{{Name: "clickhouse.connection.tcp", Kind: types.KindGauge}}},
		{Name: "http_connections", Metrics: []MetricMapping{{Name: "clickhouse.connection.http", Kind: types.KindGauge}}},
		{Name: "interserver_connections", Metrics: []MetricMapping{{Name: "clickhouse.connection.interserver", Kind: types.KindGauge}}},
		{Name: "memory_tracking", Metrics: []MetricMapping{{Name: "clickhouse.memory.tracked", Kind: types.KindGauge}}},
		{Name: "open_files_read", Metrics: []MetricMapping{{Name: "clickhouse.file.open.read", Kind: types.KindGauge}}},
		{Name: "open_files_write", Metrics: []MetricMapping{{Name: "clickhouse.file.open.write", Kind: types.KindGauge}}},
		{Name: "readonly_replicas", Metrics: []MetricMapping{{Name: "clickhouse.replica.readonly", Kind: types.KindGauge}}},
		{Name: "distributed_sends", Metrics: []MetricMapping{{Name: "clickhouse.distributed.send.active", Kind: types.KindGauge}}},
		// Recorded for reuse by later routines, never emitted.
		{Name: "metric_count"},
	},
	Views: []string{"system.metrics"},
}

// SystemEvents samples cumulative event counters.
// https://clickhouse.com/docs/en/operations/system-tables/events
var SystemEvents = Definition{
	Name: "system_events",
	Query: `
SELECT
    sumIf(value, event = 'Query')               AS queries,
    sumIf(value, event = 'SelectQuery')         AS select_queries,
    sumIf(value, event = 'InsertQuery')         AS insert_queries,
    sumIf(value, event = 'FailedQuery')         AS failed_queries,
    sumIf(value, event = 'InsertedRows')        AS inserted_rows,
    sumIf(value, event = 'InsertedBytes')       AS inserted_bytes,
    sumIf(value, event = 'ReadCompressedBytes') AS read_compressed_bytes,
    sumIf(value, event = 'MergedRows')          AS merged_rows,
    sumIf(value, event = 'MergedUncompressedBytes') AS merged_bytes
FROM system.events`,
	Columns: []ColumnDef{
		{Name: "queries", Metrics: []MetricMapping{
			{Name: "clickhouse.query.total", Kind: types.KindCount},
			{Name: "clickhouse.query.rate", Kind: types.KindRate},
		}},
		{Name: "select_queries", Metrics: []MetricMapping{{Name: "clickhouse.query.select.total", Kind: types.KindCount}}},
		{Name: "insert_queries", Metrics: []MetricMapping{{Name: "clickhouse.query.insert.total", Kind: types.KindCount}}},
		{Name: "failed_queries", Metrics: []MetricMapping{{Name: "clickhouse.query.failed.total", Kind: types.KindCount}}},
		{Name: "inserted_rows", Metrics: []MetricMapping{{Name: "clickhouse.rows.inserted.total", Kind: types.KindCount}}},
		{Name: "inserted_bytes", Metrics: []MetricMapping{{Name: "clickhouse.bytes.inserted.total", Kind: types.KindCount}}},
		{Name: "read_compressed_bytes", Metrics: []MetricMapping{{Name: "clickhouse.bytes.read.compressed.total", Kind: types.KindCount}}},
		{Name: "merged_rows", Metrics: []MetricMapping{{Name: "clickhouse.rows.merged.total", Kind: types.KindCount}}},
		{Name: "merged_bytes", Metrics: []MetricMapping{{Name: "clickhouse.bytes.merged.total", Kind: types.KindCount}}},
	},
	Views: []string{"system.events"},
}
