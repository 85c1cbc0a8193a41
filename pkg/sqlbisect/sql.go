package sqlbisect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// A SQLExecutor runs statements against a cluster
type SQLExecutor interface {
	// Execute runs the statements of batch in order on a single connection and returns the rendered rows of all of them.
	// A driver error of any statement aborts the batch.
	Execute(ctx context.Context, endpoint Endpoint, batch string) (string, error)
	// Ping checks whether the endpoint accepts connections
	Ping(ctx context.Context, endpoint Endpoint) error
}

// A MySQLExecutor talks to clusters using the MySQL protocol
type MySQLExecutor struct {
	User     string
	Database string
	Timeout  time.Duration // Dial timeout

	// open opens a database handle for a DSN. Defaults to sql.Open with the mysql driver
	open func(dsn string) (*sql.DB, error)
}

func NewMySQLExecutor() *MySQLExecutor {
	return &MySQLExecutor{
		User:     "root",
		Database: "test",
		Timeout:  20 * time.Second,
	}
}

func (e *MySQLExecutor) dsn(endpoint Endpoint) string {
	cfg := mysql.NewConfig()
	cfg.User = e.User
	cfg.Net = "tcp"
	cfg.Addr = endpoint.Address()
	cfg.DBName = e.Database
	cfg.Timeout = e.Timeout
	return cfg.FormatDSN()
}

func (e *MySQLExecutor) connect(endpoint Endpoint) (*sql.DB, error) {
	open := e.open
	if open == nil {
		open = func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		}
	}
	return open(e.dsn(endpoint))
}

func (e *MySQLExecutor) Ping(ctx context.Context, endpoint Endpoint) error {
	db, err := e.connect(endpoint)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (e *MySQLExecutor) Execute(ctx context.Context, endpoint Endpoint, batch string) (string, error) {
	db, err := e.connect(endpoint)
	if err != nil {
		return "", err
	}
	defer db.Close()

	// Statements like USE only affect the connection they are run on
	conn, err := db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var out []string
	for _, stmt := range splitStatements(batch) {
		rendered, err := queryAndRender(ctx, conn, stmt)
		if err != nil {
			return strings.Join(out, "\n"), errors.Join(fmt.Errorf("statement %q failed", stmt), err)
		}
		out = append(out, rendered)
	}
	return strings.Join(out, "\n"), nil
}

// splitStatements splits a batch into its non-empty statements
func splitStatements(batch string) []string {
	var stmts []string
	for _, stmt := range strings.Split(batch, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// queryAndRender runs a single statement and renders its rows as [(a, b), (c, d)].
// Statements without a result set render as [].
func queryAndRender(ctx context.Context, conn *sql.Conn, stmt string) (string, error) {
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var rendered []string
	for rows.Next() {
		values := make([]sql.RawBytes, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return "", err
		}

		fields := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				fields[i] = "NULL"
			} else {
				fields[i] = string(v)
			}
		}
		rendered = append(rendered, "("+strings.Join(fields, ", ")+")")
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return "[" + strings.Join(rendered, ", ") + "]", nil
}
