// Package pgclient owns the PostgreSQL side of the shim: one Client per
// backend connection, carrying the session settings the translated statements
// rely on and a bounded cache of server-side prepared statements.
package pgclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

const (
	appName         = "plex-pg-shim"
	deallocTimeout  = 2 * time.Second
	defaultConnWait = 30 * time.Second
)

// Client is one live backend connection plus its prepared-statement cache.
// A Client is not safe for concurrent use; the pool hands each one to a
// single owner at a time.
type Client struct {
	conn *pgconn.PgConn
	cfg  *config.PostgresConfig

	stmts       *lru.Cache
	skipDealloc bool

	connectedAt time.Time
}

// Connect dials PostgreSQL and applies the session settings every redirected
// statement depends on (schema search path, server-side statement timeout).
//
// Connection parameters go through url.URL so values with special characters
// need no manual escaping.
func Connect(ctx context.Context, cfg *config.PostgresConfig, stmtCapacity int) (*Client, error) {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Database,
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	q.Set("application_name", appName)
	u.RawQuery = q.Encode()

	cc, err := pgconn.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cc.ConnectTimeout = cfg.ConnectTimeout.Duration
	if cc.ConnectTimeout <= 0 {
		cc.ConnectTimeout = defaultConnWait
	}
	dialer := &net.Dialer{
		KeepAlive: 30 * time.Second,
		Timeout:   30 * time.Second,
	}
	cc.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	conn, err := pgconn.ConnectConfig(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	c := &Client{
		conn:        conn,
		cfg:         cfg,
		connectedAt: time.Now(),
	}
	if stmtCapacity <= 0 {
		stmtCapacity = 128
	}
	c.stmts, err = lru.NewWithEvict(stmtCapacity, c.onEvict)
	if err != nil {
		conn.Close(context.Background())
		return nil, err
	}

	if err := c.ApplySessionSettings(ctx); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	logger.Debug("postgres connected pid=%d host=%s db=%s", conn.PID(), cfg.Host, cfg.Database)
	return c, nil
}

// ApplySessionSettings (re)issues the per-session SETs. Called on connect and
// again when the pool revives a connection after an error.
func (c *Client) ApplySessionSettings(ctx context.Context) error {
	ms := c.cfg.StatementTimeout.Milliseconds()
	if ms <= 0 {
		ms = 10000
	}
	sql := fmt.Sprintf("SET search_path TO %s, public; SET statement_timeout = '%dms'", c.cfg.Schema, ms)
	if _, err := c.conn.Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("failed to apply session settings: %w", err)
	}
	return nil
}

// ResetSession returns a warm connection to a clean state before it serves a
// new owner: a transaction the previous owner left open is rolled back and
// the per-session SETs are reissued. pgconn tracks the transaction status
// from the last ReadyForQuery, so the rollback only runs when one is open.
func (c *Client) ResetSession(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("postgres connection closed")
	}
	if c.conn.TxStatus() != 'I' {
		logger.Warn("rolling back abandoned transaction pid=%d", c.conn.PID())
		if _, err := c.conn.Exec(ctx, "ROLLBACK").ReadAll(); err != nil {
			return fmt.Errorf("failed to roll back abandoned transaction: %w", err)
		}
	}
	return c.ApplySessionSettings(ctx)
}

func (c *Client) onEvict(key, _ interface{}) {
	if c.skipDealloc || c.conn == nil || c.conn.IsClosed() {
		return
	}
	name, ok := key.(string)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deallocTimeout)
	defer cancel()
	if err := c.conn.Deallocate(ctx, name); err != nil {
		logger.Debug("deallocate %s: %v", name, err)
	}
}

// PrepareCached prepares sql under name unless this connection already has
// it. The returned description carries the result fields, so column metadata
// is available before the first execution.
func (c *Client) PrepareCached(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	if v, ok := c.stmts.Get(name); ok {
		return v.(*pgconn.StatementDescription), nil
	}
	sd, err := c.conn.Prepare(ctx, name, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres prepare: %w", err)
	}
	c.stmts.Add(name, sd)
	return sd, nil
}

// HasStatement reports whether name is cached on this connection.
func (c *Client) HasStatement(name string) bool {
	return c.stmts.Contains(name)
}

// StatementCount reports how many prepared statements the connection holds.
func (c *Client) StatementCount() int { return c.stmts.Len() }

// Exec runs sql (possibly multiple statements) discarding any rows.
func (c *Client) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql).ReadAll()
	return err
}

// ExecPrepared executes a cached statement with text-format parameters and
// materializes the full result.
func (c *Client) ExecPrepared(ctx context.Context, name string, params [][]byte) (*Result, error) {
	rr := c.conn.ExecPrepared(ctx, name, params, nil, nil)
	return readResult(rr)
}

// ExecParams executes sql unnamed with text-format parameters.
func (c *Client) ExecParams(ctx context.Context, sql string, params [][]byte) (*Result, error) {
	rr := c.conn.ExecParams(ctx, sql, params, nil, nil, nil)
	return readResult(rr)
}

// Ping verifies the server still answers.
func (c *Client) Ping(ctx context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("postgres connection closed")
	}
	return c.conn.Ping(ctx)
}

// IsClosed reports whether the underlying connection is gone.
func (c *Client) IsClosed() bool { return c.conn == nil || c.conn.IsClosed() }

// PID returns the backend process id, for diagnostics.
func (c *Client) PID() uint32 { return c.conn.PID() }

// ConnectedAt reports when the connection was established.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// PurgeStatements drops the statement cache. With deallocate=false the
// server side is untouched, for connections already known dead.
func (c *Client) PurgeStatements(deallocate bool) {
	if c.stmts == nil {
		return
	}
	if !deallocate {
		c.skipDealloc = true
	}
	c.stmts.Purge()
	c.skipDealloc = false
}

// Close terminates the connection politely.
func (c *Client) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	c.PurgeStatements(false)
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// Abandon drops the raw socket without sending Terminate. After a fork the
// child shares the parent's socket; a protocol-level close would corrupt the
// parent's session.
func (c *Client) Abandon() {
	if c.conn == nil {
		return
	}
	c.PurgeStatements(false)
	if raw := c.conn.Conn(); raw != nil {
		raw.Close()
	}
	c.conn = nil
}
