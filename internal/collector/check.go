// Package collector implements the ClickHouse check: one lazily
// established session per instance, a fixed set of system-table
// collection routines, and configuration-driven custom queries.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"

	"github.com/clickmon/clickmon/internal/db"
	"github.com/clickmon/clickmon/internal/queries"
	"github.com/clickmon/clickmon/internal/sanitize"
	"github.com/clickmon/clickmon/internal/sink"
	"github.com/clickmon/clickmon/internal/types"
)

// ServiceCheckConnect is the service check reporting connectivity.
const ServiceCheckConnect = "clickhouse.can_connect"

// Rows is the lazy row stream returned by query execution. *sql.Rows
// satisfies it; tests provide fakes.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Conn is the opaque synchronous query executor owned by a check.
type Conn interface {
	Query(ctx context.Context, query string) (Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes a new session. Replaced in tests.
type Dialer func(ctx context.Context) (Conn, error)

type routine struct {
	name string
	run  func(ctx context.Context) error
}

// Check collects telemetry from a single ClickHouse instance. Cycles
// are serial; the scheduler guarantees they never overlap. Close may be
// called from another goroutine, so session state is mutex-guarded.
type Check struct {
	name          string
	log           *logrus.Entry
	sink          sink.Sink
	sanitizer     *sanitize.Sanitizer
	tags          []string
	customQueries []types.CustomQuery
	routines      []routine
	breaker       string

	dial        Dialer
	retryBucket *ratelimit.Bucket

	mu      sync.Mutex
	conn    Conn
	connErr *ConnectionError
}

// New builds a check from a resolved instance configuration. The custom
// query list must already be merged and deduplicated. Global tags are
// computed here once and never mutated afterwards.
func New(instance types.Instance, customQueries []types.CustomQuery, s sink.Sink, global types.GlobalConfig) *Check {
	name := fmt.Sprintf("%s:%d", instance.Server, instance.Port)

	tags := make([]string, 0, len(instance.Tags)+3)
	tags = append(tags, instance.Tags...)
	tags = append(tags,
		"server:"+instance.Server,
		fmt.Sprintf("port:%d", instance.Port),
		"db:"+instance.DB,
	)

	c := &Check{
		name:          name,
		log:           logrus.WithFields(logrus.Fields{"component": "collector", "instance": name}),
		sink:          s,
		sanitizer:     sanitize.New(instance.Password),
		tags:          tags,
		customQueries: customQueries,
		breaker:       "clickhouse:" + name,
	}

	if instance.RetryConnection() {
		interval := time.Duration(global.RetryConnInterval) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		c.retryBucket = ratelimit.NewBucket(interval, 1)
	}

	cb := global.CircuitBreakerConfig
	hystrix.ConfigureCommand(c.breaker, hystrix.CommandConfig{
		Timeout:               orDefault(cb.Timeout, 10000),
		MaxConcurrentRequests: orDefault(cb.MaxConcurrent, 10),
		ErrorPercentThreshold: orDefault(cb.ErrorPercent, 50),
		SleepWindow:           orDefault(cb.SleepWindow, 5000),
	})

	settings := db.Settings{
		Server:         instance.Server,
		Port:           instance.Port,
		Database:       instance.DB,
		User:           instance.User,
		Password:       instance.Password,
		ConnectTimeout: seconds(instance.ConnectTimeout),
		ReadTimeout:    seconds(instance.ReadTimeout),
		PingTimeout:    seconds(instance.PingTimeout),
		Compression:    instance.Compression,
		TLSEnabled:     instance.TLSEnabled,
		TLSVerify:      instance.TLSVerify,
		// Unique per check instance for server-side log attribution.
		ClientID: fmt.Sprintf("clickmon-%x", time.Now().UnixNano()),
	}
	c.dial = func(ctx context.Context) (Conn, error) {
		client, err := db.Connect(ctx, settings)
		if err != nil {
			return nil, err
		}
		return sqlConn{client}, nil
	}

	c.routines = []routine{
		{name: "query_system_metrics", run: c.querySystemMetrics},
		{name: "query_system_events", run: c.querySystemEvents},
	}
	return c
}

// sqlConn adapts *db.Client to the Conn interface.
type sqlConn struct {
	*db.Client
}

func (s sqlConn) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := s.Client.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Name identifies the instance as server:port.
func (c *Check) Name() string {
	return c.name
}

// Connected reports whether a live session is established.
func (c *Check) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// EnsureConnection establishes the session if none exists. On failure
// the service check goes CRITICAL with a doubly sanitized message and a
// ConnectionError carrying only that message is returned. A previous
// failure is sticky unless lazy retry is enabled, in which case new
// attempts are throttled by the retry bucket.
func (c *Check) EnsureConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	if c.connErr != nil {
		if c.retryBucket == nil || c.retryBucket.TakeAvailable(1) == 0 {
			return c.connErr
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		msg := fmt.Sprintf("unable to connect to ClickHouse: %s",
			c.sanitizer.Clean(c.sanitizer.Scrub(err.Error())))
		c.connErr = &ConnectionError{Message: msg}
		connectionUp.WithLabelValues(c.name).Set(0)
		if scErr := c.sink.ServiceCheck(ServiceCheckConnect, sink.StatusCritical, msg, c.tags); scErr != nil {
			c.log.Warnf("submitting service check: %v", scErr)
		}
		return c.connErr
	}

	c.conn = conn
	c.connErr = nil
	connectionUp.WithLabelValues(c.name).Set(1)
	if scErr := c.sink.ServiceCheck(ServiceCheckConnect, sink.StatusOK, "", c.tags); scErr != nil {
		c.log.Warnf("submitting service check: %v", scErr)
	}
	return nil
}

// Run performs one full collection: connection, static routines, then
// custom queries when configured.
func (c *Check) Run(ctx context.Context) error {
	if err := c.EnsureConnection(ctx); err != nil {
		c.log.Errorf("cannot collect: %v", err)
		return err
	}
	c.RunCycle(ctx)
	if len(c.customQueries) > 0 {
		c.runCustomQueries(ctx)
	}
	return nil
}

// RunCycle invokes the fixed collection routines in order. Each routine
// is isolated: a failure is logged and the cycle moves on, so one broken
// query never suppresses the others.
func (c *Check) RunCycle(ctx context.Context) {
	start := time.Now()
	for _, r := range c.routines {
		err := r.run(ctx)
		if err == nil {
			continue
		}
		var qe *QueryExecutionError
		if errors.As(err, &qe) {
			queryErrors.WithLabelValues(c.name, qe.Source).Inc()
			c.log.Errorf("error querying %s: %s", qe.Source, qe.Message)
			continue
		}
		queryErrors.WithLabelValues(c.name, r.name).Inc()
		c.log.Errorf("unexpected error running `%s`: %v", r.name, err)
	}
	cycleDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
}

func (c *Check) querySystemMetrics(ctx context.Context) error {
	_, err := c.executeQuery(ctx, queries.SystemMetrics)
	return err
}

func (c *Check) querySystemEvents(ctx context.Context) error {
	_, err := c.executeQuery(ctx, queries.SystemEvents)
	return err
}

// query runs one statement through the circuit breaker. The breaker can
// abandon a slow call while the driver goroutine is still executing it;
// the result set must still be released then, or the single pooled
// connection stays pinned and every later query blocks on it.
func (c *Check) query(ctx context.Context, query string) (Rows, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("no live connection")
	}

	qctx, cancel := context.WithCancel(ctx)
	var (
		mu        sync.Mutex
		abandoned bool
		rows      Rows
	)
	err := hystrix.Do(c.breaker, func() error {
		r, qerr := conn.Query(qctx, query)
		if qerr != nil {
			return qerr
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			// The breaker already handed the caller a timeout; nobody
			// will read these rows.
			r.Close()
			return nil
		}
		rows = r
		return nil
	}, nil)
	if err != nil {
		mu.Lock()
		abandoned = true
		leaked := rows
		rows = nil
		mu.Unlock()
		// Abort the in-flight driver call so the connection is returned
		// to the pool, and release any rows that raced in.
		cancel()
		if leaked != nil {
			leaked.Close()
		}
		return nil, err
	}
	return &breakerRows{Rows: rows, cancel: cancel}, nil
}

// breakerRows ties the per-query context to the row stream lifetime.
type breakerRows struct {
	Rows
	cancel context.CancelFunc
}

func (b *breakerRows) Close() error {
	err := b.Rows.Close()
	b.cancel()
	return err
}

func (c *Check) submit(kind types.SubmissionKind, name string, value float64, tags []string) {
	var err error
	switch kind {
	case types.KindGauge:
		err = c.sink.Gauge(name, value, tags)
	case types.KindCount:
		err = c.sink.Count(name, value, tags)
	case types.KindRate:
		err = c.sink.Rate(name, value, tags)
	case types.KindHistogram:
		err = c.sink.Histogram(name, value, tags)
	default:
		err = &types.UnknownKindError{Kind: kind.String()}
	}
	if err != nil {
		c.log.Warnf("submitting metric %s: %v", name, err)
	}
}

// Close tears down the session. A new one requires EnsureConnection.
func (c *Check) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	connectionUp.WithLabelValues(c.name).Set(0)
	return err
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
