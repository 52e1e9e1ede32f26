package pgpubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

var errConnDown = errors.New("connection down")

func TestEnsureSchemaSkipsDDLWhenSchemaExists(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{values: []any{true}}

	if err := ensureSchema(context.Background(), conn, "pgip_lock", nil); err != nil {
		t.Fatalf("ensureSchema: %v", err)
	}
	if len(conn.callsMatching("CREATE")) != 0 {
		t.Error("ensureSchema should not issue DDL when the schema already exists")
	}
}

func TestEnsureSchemaRunsBootstrapDDLWhenMissing(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{values: []any{false}}

	if err := ensureSchema(context.Background(), conn, "pgip_lock", nil); err != nil {
		t.Fatalf("ensureSchema: %v", err)
	}

	if len(conn.callsMatching("CREATE SCHEMA")) != 1 {
		t.Error("ensureSchema should create the schema exactly once")
	}
	if len(conn.callsMatching("CREATE TABLE")) != 1 {
		t.Error("ensureSchema should create the lock table exactly once")
	}
	if len(conn.callsMatching("CREATE CONSTRAINT TRIGGER")) != 1 {
		t.Error("ensureSchema should create the deferred notify trigger exactly once")
	}
	if len(conn.callsMatching("deadlock_check")) != 1 {
		t.Error("ensureSchema should create the deadlock_check function exactly once")
	}
}

func TestEnsureSchemaSwallowsConcurrentDuplicateObject(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{values: []any{false}}
	conn.execFn = func(sql string, args []any) error {
		if containsIgnoreCase(sql, "CREATE TABLE") {
			return &pgconn.PgError{Code: "42P07"}
		}
		return nil
	}

	if err := ensureSchema(context.Background(), conn, "pgip_lock", nil); err != nil {
		t.Fatalf("ensureSchema should swallow a concurrent duplicate_table race, got: %v", err)
	}
}

func TestEnsureSchemaPropagatesUnexpectedError(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{values: []any{false}}
	conn.execFn = func(sql string, args []any) error {
		if containsIgnoreCase(sql, "CREATE SCHEMA") {
			return &pgconn.PgError{Code: "42501"} // insufficient_privilege
		}
		return nil
	}

	if err := ensureSchema(context.Background(), conn, "pgip_lock", nil); err == nil {
		t.Fatal("ensureSchema should propagate a non-duplicate-object error")
	}
}

func TestEnsureSchemaPropagatesProbeError(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{err: errConnDown}

	if err := ensureSchema(context.Background(), conn, "pgip_lock", nil); err == nil {
		t.Fatal("ensureSchema should propagate a probe failure")
	}
}

func TestIsDuplicateObject(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate_schema", &pgconn.PgError{Code: "42P06"}, true},
		{"duplicate_table", &pgconn.PgError{Code: "42P07"}, true},
		{"duplicate_function", &pgconn.PgError{Code: "42723"}, true},
		{"duplicate_object", &pgconn.PgError{Code: "42710"}, true},
		{"unrelated code", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errConnDown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDuplicateObject(tc.err); got != tc.want {
				t.Errorf("isDuplicateObject(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSchemaExistsScansProbeResult(t *testing.T) {
	conn := newFakeConn(1)
	conn.row = &fakeRow{values: []any{true}}

	exists, err := schemaExists(context.Background(), conn, "pgip_lock")
	if err != nil {
		t.Fatalf("schemaExists: %v", err)
	}
	if !exists {
		t.Error("schemaExists should report true when the probe scans true")
	}
}
