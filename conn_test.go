package pgpubsub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// execCall records a single Exec invocation for assertions in tests.
type execCall struct {
	sql  string
	args []any
}

// fakeRow implements pgx.Row against a fixed set of scan targets, letting
// tests stub QueryRow results (e.g. the lock schema's existence probe)
// without a live database. Grounded on the transport/notification
// interface split in other_examples/youssefsiam38-agentpg__listener.go.
type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.values) {
			break
		}
		switch ptr := d.(type) {
		case *bool:
			*ptr, _ = r.values[i].(bool)
		case *string:
			*ptr, _ = r.values[i].(string)
		case *int:
			*ptr, _ = r.values[i].(int)
		}
	}
	return nil
}

// fakeConn is an in-process double for Conn, letting the supervisor,
// channel lock, schema bootstrap, and facade be tested without a live
// Postgres connection.
type fakeConn struct {
	mu sync.Mutex

	pid    uint32
	closed bool

	execErr   error
	execFn    func(sql string, args []any) error
	execCalls []execCall

	row   *fakeRow
	rowFn func(sql string, args []any) *fakeRow

	notifications chan *Notification
}

// newFakeConn builds a fake connection whose lock-schema existence probe
// reports true by default, so most tests exercise lock/supervisor/facade
// logic without also running the bootstrap DDL; schema_test.go exercises
// the bootstrap path explicitly by overriding row.
func newFakeConn(pid uint32) *fakeConn {
	return &fakeConn{
		pid:           pid,
		notifications: make(chan *Notification, 16),
		row:           &fakeRow{values: []any{true}},
	}
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execCalls = append(c.execCalls, execCall{sql: sql, args: args})
	fn := c.execFn
	staticErr := c.execErr
	c.mu.Unlock()

	if fn != nil {
		if err := fn(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	if staticErr != nil {
		return pgconn.CommandTag{}, staticErr
	}
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rowFn != nil {
		return c.rowFn(sql, args)
	}
	return c.row
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	select {
	case n, ok := <-c.notifications:
		if !ok {
			return nil, errors.New("fakeConn: closed")
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) PID() uint32 { return c.pid }

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.notifications)
	return nil
}

// directExec is a connExecutor that runs fn inline against conn. It lets
// tests drive a channelLock straight against a fakeConn without a
// supervisor and its dispatch loop in front of it.
type directExec struct{ conn Conn }

func (d directExec) withConn(ctx context.Context, fn func(Conn) error) error {
	return fn(d.conn)
}

// deliver pushes a notification into the connection's dispatch loop, as if
// the server had sent it.
func (c *fakeConn) deliver(n *Notification) {
	c.notifications <- n
}

// setExecError makes every subsequent Exec fail with err.
func (c *fakeConn) setExecError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr = err
}

// callsMatching returns every recorded Exec call whose SQL contains
// substr, case-insensitively.
func (c *fakeConn) callsMatching(substr string) []execCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []execCall
	for _, call := range c.execCalls {
		if containsIgnoreCase(call.sql, substr) {
			out = append(out, call)
		}
	}
	return out
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
