package pgpubsub

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewApplicationNameUnique(t *testing.T) {
	a := newApplicationName()
	b := newApplicationName()
	if a == b {
		t.Error("newApplicationName must return a unique value on each call")
	}
	if !strings.HasPrefix(a, applicationNamePrefix+":") {
		t.Errorf("newApplicationName() = %q, want prefix %q", a, applicationNamePrefix+":")
	}
}

func TestAssignIdentity(t *testing.T) {
	conn := newFakeConn(7777)
	name, err := assignIdentity(context.Background(), conn)
	if err != nil {
		t.Fatalf("assignIdentity: %v", err)
	}
	if name == "" {
		t.Error("assignIdentity returned an empty name")
	}

	calls := conn.callsMatching("SET application_name")
	if len(calls) != 1 {
		t.Fatalf("got %d SET application_name calls, want 1", len(calls))
	}
	if !strings.Contains(calls[0].sql, name) {
		t.Errorf("SET statement %q does not contain assigned name %q", calls[0].sql, name)
	}
}

func TestAssignIdentityPropagatesExecError(t *testing.T) {
	conn := newFakeConn(1)
	conn.setExecError(errors.New("connection down"))

	if _, err := assignIdentity(context.Background(), conn); err == nil {
		t.Error("assignIdentity should propagate a failing Exec as an error")
	}
}
