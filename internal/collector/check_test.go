package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickmon/clickmon/internal/queries"
	"github.com/clickmon/clickmon/internal/sink"
	"github.com/clickmon/clickmon/internal/types"
)

type emission struct {
	kind  string
	name  string
	value float64
	tags  []string
}

type serviceCheck struct {
	name    string
	status  sink.Status
	message string
	tags    []string
}

// recordingSink captures emissions in memory.
type recordingSink struct {
	emissions []emission
	checks    []serviceCheck
}

func (r *recordingSink) record(kind, name string, value float64, tags []string) error {
	copied := make([]string, len(tags))
	copy(copied, tags)
	r.emissions = append(r.emissions, emission{kind: kind, name: name, value: value, tags: copied})
	return nil
}

func (r *recordingSink) Gauge(name string, value float64, tags []string) error {
	return r.record("gauge", name, value, tags)
}

func (r *recordingSink) Count(name string, value float64, tags []string) error {
	return r.record("count", name, value, tags)
}

func (r *recordingSink) Rate(name string, value float64, tags []string) error {
	return r.record("rate", name, value, tags)
}

func (r *recordingSink) Histogram(name string, value float64, tags []string) error {
	return r.record("histogram", name, value, tags)
}

func (r *recordingSink) ServiceCheck(name string, status sink.Status, message string, tags []string) error {
	r.checks = append(r.checks, serviceCheck{name: name, status: status, message: message, tags: tags})
	return nil
}

func (r *recordingSink) Close() error { return nil }

// fakeRows replays a fixed result set.
type fakeRows struct {
	cols   []string
	rows   [][]any
	idx    int
	errOut error
	closed bool
}

func (f *fakeRows) Next() bool {
	if f.idx < len(f.rows) {
		f.idx++
		return true
	}
	return false
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		*(dest[i].(*any)) = v
	}
	return nil
}

func (f *fakeRows) Columns() ([]string, error) { return f.cols, nil }
func (f *fakeRows) Err() error                 { return f.errOut }
func (f *fakeRows) Close() error               { f.closed = true; return nil }

// fakeConn serves canned rows per query text.
type fakeConn struct {
	results map[string]*fakeRows
	err     error
	queries []string
}

func (f *fakeConn) Query(ctx context.Context, query string) (Rows, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	rows, ok := f.results[query]
	if !ok {
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
	return rows, nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }
func (f *fakeConn) Close() error                   { return nil }

func boolPtr(b bool) *bool { return &b }

func testInstance() types.Instance {
	return types.Instance{
		Server:                "localhost",
		Port:                  9000,
		DB:                    "default",
		User:                  "default",
		Password:              "hunter2",
		Tags:                  []string{"env:test"},
		MinCollectionInterval: 15,
	}
}

func newTestCheck(t *testing.T, customQueries []types.CustomQuery) (*Check, *recordingSink, *fakeConn) {
	t.Helper()
	rec := &recordingSink{}
	conn := &fakeConn{results: make(map[string]*fakeRows)}
	c := New(testInstance(), customQueries, rec, types.GlobalConfig{})
	c.dial = func(ctx context.Context) (Conn, error) { return conn, nil }
	require.NoError(t, c.EnsureConnection(context.Background()))
	// Drop the connection service check; tests below inspect emissions.
	rec.checks = nil
	return c, rec, conn
}

func globalTags() []string {
	return []string{"env:test", "server:localhost", "port:9000", "db:default"}
}

func TestGlobalTagsComputedOnce(t *testing.T) {
	c, _, _ := newTestCheck(t, nil)
	assert.Equal(t, globalTags(), c.tags)
	assert.Equal(t, "localhost:9000", c.Name())
}

func TestExecuteQueryEmitsMappedMetrics(t *testing.T) {
	c, rec, conn := newTestCheck(t, nil)

	def := queries.Definition{
		Name:  "test",
		Query: "SELECT 42",
		Columns: []queries.ColumnDef{
			{Name: "foo_col", Metrics: []queries.MetricMapping{{Name: "foo", Kind: types.KindGauge}}},
		},
		Views: []string{"system.metrics"},
	}
	conn.results["SELECT 42"] = &fakeRows{cols: []string{"foo_col"}, rows: [][]any{{uint64(42)}}}

	result, err := c.executeQuery(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, rec.emissions, 1)
	assert.Equal(t, emission{kind: "gauge", name: "foo", value: 42.0, tags: globalTags()}, rec.emissions[0])
	assert.Equal(t, uint64(42), result["foo_col"])
}

func TestExecuteQueryMultipleMappingsAndRecordOnly(t *testing.T) {
	c, rec, conn := newTestCheck(t, nil)

	def := queries.Definition{
		Name:  "test",
		Query: "q",
		Columns: []queries.ColumnDef{
			{Name: "total", Metrics: []queries.MetricMapping{
				{Name: "thing.total", Kind: types.KindCount},
				{Name: "thing.rate", Kind: types.KindRate},
			}},
			// No mappings: recorded for reuse, never emitted.
			{Name: "raw"},
		},
		Views: []string{"system.events"},
	}
	conn.results["q"] = &fakeRows{cols: []string{"total", "raw"}, rows: [][]any{{int64(7), "x"}}}

	result, err := c.executeQuery(context.Background(), def)
	require.NoError(t, err)

	require.Len(t, rec.emissions, 2)
	assert.Equal(t, "count", rec.emissions[0].kind)
	assert.Equal(t, "thing.total", rec.emissions[0].name)
	assert.Equal(t, "rate", rec.emissions[1].kind)
	assert.Equal(t, "thing.rate", rec.emissions[1].name)
	assert.Equal(t, "x", result["raw"])
}

func TestExecuteQueryColumnCountMismatchIsExecutionError(t *testing.T) {
	c, rec, conn := newTestCheck(t, nil)

	def := queries.Definition{
		Name:  "test",
		Query: "q",
		Columns: []queries.ColumnDef{
			{Name: "a", Metrics: []queries.MetricMapping{{Name: "a", Kind: types.KindGauge}}},
			{Name: "b", Metrics: []queries.MetricMapping{{Name: "b", Kind: types.KindGauge}}},
		},
		Views: []string{"system.metrics"},
	}
	conn.results["q"] = &fakeRows{cols: []string{"a"}, rows: [][]any{{int64(1)}}}

	_, err := c.executeQuery(context.Background(), def)
	var qe *QueryExecutionError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Message, "expected 2 column(s)")
	assert.Empty(t, rec.emissions)
}

func TestExecuteQueryErrorIsSanitizedAndAttributed(t *testing.T) {
	c, _, conn := newTestCheck(t, nil)
	conn.err = fmt.Errorf("auth failed for password hunter2")

	def := queries.Definition{
		Name:  "test",
		Query: "q",
		Views: []string{"system.z_table", "system.a_table"},
	}
	_, err := c.executeQuery(context.Background(), def)

	var qe *QueryExecutionError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "system.a_table, system.z_table", qe.Source)
	assert.NotContains(t, qe.Message, "hunter2")
	assert.NotContains(t, qe.Error(), "hunter2")
}

func TestRunCycleIsolatesRoutineFailures(t *testing.T) {
	c, _, _ := newTestCheck(t, nil)

	var first, second int
	c.routines = []routine{
		{name: "failing", run: func(ctx context.Context) error {
			first++
			return &QueryExecutionError{Message: "boom", Source: "system.metrics"}
		}},
		{name: "succeeding", run: func(ctx context.Context) error {
			second++
			return nil
		}},
	}

	c.RunCycle(context.Background())
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestRunCycleContinuesOnUnexpectedError(t *testing.T) {
	c, _, _ := newTestCheck(t, nil)

	var calls []string
	c.routines = []routine{
		{name: "weird", run: func(ctx context.Context) error {
			calls = append(calls, "weird")
			return fmt.Errorf("some unexpected condition")
		}},
		{name: "ok", run: func(ctx context.Context) error {
			calls = append(calls, "ok")
			return nil
		}},
	}

	c.RunCycle(context.Background())
	assert.Equal(t, []string{"weird", "ok"}, calls)
}

func TestEnsureConnectionFailureSanitizesAndGoesCritical(t *testing.T) {
	rec := &recordingSink{}
	instance := testInstance()
	instance.RetryConnectionOnFailure = boolPtr(false)
	c := New(instance, nil, rec, types.GlobalConfig{})

	dials := 0
	c.dial = func(ctx context.Context) (Conn, error) {
		dials++
		return nil, fmt.Errorf("code: 516, authentication failed: password hunter2 rejected")
	}

	err := c.EnsureConnection(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.NotContains(t, ce.Message, "hunter2")
	assert.Contains(t, ce.Message, "unable to connect to ClickHouse")
	assert.False(t, c.Connected())

	require.Len(t, rec.checks, 1)
	assert.Equal(t, ServiceCheckConnect, rec.checks[0].name)
	assert.Equal(t, sink.StatusCritical, rec.checks[0].status)
	assert.NotContains(t, rec.checks[0].message, "hunter2")
	assert.Equal(t, globalTags(), rec.checks[0].tags)

	// Retry disabled: the failure is sticky and no new dial happens.
	err = c.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, dials)
}

func TestEnsureConnectionRetryIsThrottled(t *testing.T) {
	rec := &recordingSink{}
	c := New(testInstance(), nil, rec, types.GlobalConfig{RetryConnInterval: 3600})

	dials := 0
	c.dial = func(ctx context.Context) (Conn, error) {
		dials++
		return nil, fmt.Errorf("connection refused")
	}

	require.Error(t, c.EnsureConnection(context.Background()))
	assert.Equal(t, 1, dials)

	// The bucket starts full, so one lazy retry goes through.
	require.Error(t, c.EnsureConnection(context.Background()))
	assert.Equal(t, 2, dials)

	// Further attempts are throttled until the bucket refills.
	require.Error(t, c.EnsureConnection(context.Background()))
	assert.Equal(t, 2, dials)
}

func TestEnsureConnectionSuccessReportsOK(t *testing.T) {
	rec := &recordingSink{}
	c := New(testInstance(), nil, rec, types.GlobalConfig{})
	c.dial = func(ctx context.Context) (Conn, error) {
		return &fakeConn{results: make(map[string]*fakeRows)}, nil
	}

	require.NoError(t, c.EnsureConnection(context.Background()))
	assert.True(t, c.Connected())
	require.Len(t, rec.checks, 1)
	assert.Equal(t, sink.StatusOK, rec.checks[0].status)

	// Already connected: no further dial or service check.
	require.NoError(t, c.EnsureConnection(context.Background()))
	assert.Len(t, rec.checks, 1)
}

// signalRows reports its own closing on a channel, so tests can wait
// for a close that happens on another goroutine.
type signalRows struct {
	fakeRows
	closedCh chan struct{}
}

func (s *signalRows) Close() error {
	s.fakeRows.Close()
	close(s.closedCh)
	return nil
}

// stalledConn answers only after a fixed delay, ignoring the query
// context the way a stalled network read would.
type stalledConn struct {
	delay time.Duration
	rows  Rows
	ctxCh chan context.Context
}

func (s *stalledConn) Query(ctx context.Context, query string) (Rows, error) {
	s.ctxCh <- ctx
	time.Sleep(s.delay)
	return s.rows, nil
}

func (s *stalledConn) Ping(ctx context.Context) error { return nil }
func (s *stalledConn) Close() error                   { return nil }

func TestQueryBreakerTimeoutReleasesRows(t *testing.T) {
	instance := testInstance()
	instance.Server = "slowhost"
	global := types.GlobalConfig{}
	global.CircuitBreakerConfig.Timeout = 20
	c := New(instance, nil, &recordingSink{}, global)

	rows := &signalRows{closedCh: make(chan struct{})}
	conn := &stalledConn{delay: 200 * time.Millisecond, rows: rows, ctxCh: make(chan context.Context, 1)}
	c.dial = func(ctx context.Context) (Conn, error) { return conn, nil }
	require.NoError(t, c.EnsureConnection(context.Background()))

	_, err := c.query(context.Background(), "SELECT slow")
	require.Error(t, err)

	// The breaker abandoned the call, but the driver goroutine still
	// produced a result set; it must be released, not left pinning the
	// connection.
	select {
	case <-rows.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("rows returned after a breaker timeout were never closed")
	}

	// The per-query context is cancelled so the driver call itself can
	// abort and hand the connection back to the pool.
	qctx := <-conn.ctxCh
	assert.Error(t, qctx.Err())
}

func TestCloseDuringRunIsSafe(t *testing.T) {
	c, _, _ := newTestCheck(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	c.routines = []routine{{name: "slow", run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	<-started
	require.NoError(t, c.Close())
	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Connected())
}

func TestRunSkipsCollectionWhenDisconnected(t *testing.T) {
	rec := &recordingSink{}
	instance := testInstance()
	instance.RetryConnectionOnFailure = boolPtr(false)
	c := New(instance, nil, rec, types.GlobalConfig{})
	c.dial = func(ctx context.Context) (Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	ran := false
	c.routines = []routine{{name: "r", run: func(ctx context.Context) error {
		ran = true
		return nil
	}}}

	require.Error(t, c.Run(context.Background()))
	assert.False(t, ran)
}
