package pgpubsub

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Notification is a single LISTEN/NOTIFY delivery: a channel name, its
// payload, and the server-side backend process id that issued it. The pid
// is used for self-message filtering (Options.Filtered).
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Conn is the transport this package depends on: a single persistent
// database connection offering command execution and an async notification
// stream. spec.md treats the underlying transport client as an external
// collaborator and explicitly puts it out of scope; Conn is the seam that
// lets this package depend on that collaborator as an interface instead of
// a concrete *pgx.Conn, so the connection supervisor, the channel lock, and
// the facade can all be unit tested without a live database.
//
// The production implementation is pgxConn, a thin adapter over *pgx.Conn.
type Conn interface {
	// Exec runs a command that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// QueryRow runs a command expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// WaitForNotification blocks until a notification arrives or ctx is
	// done. It is called in a loop by the connection supervisor's
	// dispatch goroutine.
	WaitForNotification(ctx context.Context) (*Notification, error)

	// PID returns this connection's server-side backend process id.
	PID() uint32

	// Close closes the connection.
	Close(ctx context.Context) error
}

// pgxConn adapts a *pgx.Conn to the Conn interface.
type pgxConn struct {
	conn *pgx.Conn
}

// dialPgx opens a new *pgx.Conn for dsn and wraps it as a Conn.
func dialPgx(ctx context.Context, dsn string) (Conn, error) {
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

func (p *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.conn.Exec(ctx, sql, args...)
}

func (p *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.conn.QueryRow(ctx, sql, args...)
}

func (p *pgxConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := p.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

func (p *pgxConn) PID() uint32 {
	return p.conn.PgConn().PID()
}

func (p *pgxConn) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

// quoteIdent escapes an identifier (a channel name) for safe interpolation
// into LISTEN/UNLISTEN/NOTIFY commands, which do not support bind
// parameters for the channel name itself.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteQualifiedIdent escapes a schema-qualified identifier such as
// "schema.lock" for safe interpolation into DDL/DML.
func quoteQualifiedIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// quoteLiteral escapes a string literal (a NOTIFY payload) for
// interpolation into a NOTIFY command, which does not support bind
// parameters either. It doubles single quotes and leaves backslashes
// unchanged, which is a complete escape only when the server runs with
// standard_conforming_strings on.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
