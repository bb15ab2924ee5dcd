package db

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Settings holds everything needed to open one ClickHouse session.
type Settings struct {
	Server         string
	Port           int
	Database       string
	User           string
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	Compression    bool
	TLSEnabled     bool
	TLSVerify      bool
	// ClientID is sent as the client name so server-side logs can
	// attribute queries to this collector instance.
	ClientID string
}

// Client is a single live session to one ClickHouse server. It is owned
// exclusively by one collector instance and never shared across cycles.
type Client struct {
	conn *sql.DB
}

// Options builds the driver options for a session.
func Options(s Settings) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", s.Server, s.Port)},
		Auth: clickhouse.Auth{
			Database: s.Database,
			Username: s.User,
			Password: s.Password,
		},
		DialTimeout: s.ConnectTimeout,
		ReadTimeout: s.ReadTimeout,
		// Keep server responses lean; stack traces never reach logs.
		Settings: clickhouse.Settings{
			"calculate_text_stack_trace": 0,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "clickmon", Version: s.ClientID},
			},
		},
	}
	if s.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	if s.TLSEnabled {
		opts.TLS = &tls.Config{InsecureSkipVerify: !s.TLSVerify}
	}
	return opts
}

// Connect opens a session and verifies it with a ping bounded by the
// configured ping timeout.
func Connect(ctx context.Context, s Settings) (*Client, error) {
	conn := clickhouse.OpenDB(Options(s))
	// One session per collector instance; cycles never overlap.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, s.PingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Query(ctx context.Context, query string) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
