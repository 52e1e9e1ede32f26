package pgpubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestChannelLockAcquireSuccess(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)

	if err := l.Init(context.Background(), directExec{conn: conn}, "app-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer l.Destroy(context.Background())

	acquired, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !acquired {
		t.Fatal("Acquire should have succeeded against an unlocked channel")
	}
	if !l.IsAcquired() {
		t.Error("IsAcquired should be true after a successful Acquire")
	}
}

func TestChannelLockInitSubscribesInternalChannel(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)

	if err := l.Init(context.Background(), directExec{conn: conn}, "app-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer l.Destroy(context.Background())

	calls := conn.callsMatching("LISTEN " + quoteIdent(l.mangled))
	if len(calls) != 1 {
		t.Errorf("got %d LISTEN calls for internal channel, want 1", len(calls))
	}
}

func TestChannelLockAcquireSwallowsLockedError(t *testing.T) {
	conn := newFakeConn(1)
	conn.execFn = func(sql string, args []any) error {
		return &pgconn.PgError{Code: "P0001", Detail: "LOCKED"}
	}
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	acquired, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire should swallow LockedError, got err: %v", err)
	}
	if acquired {
		t.Fatal("Acquire should report non-acquisition when contended")
	}
	if l.IsAcquired() {
		t.Error("IsAcquired should be false after a contended Acquire")
	}
}

func TestChannelLockAcquireLogsUnexpectedError(t *testing.T) {
	conn := newFakeConn(1)
	conn.setExecError(errors.New("connection reset"))
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	acquired, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire should not propagate unexpected errors, got: %v", err)
	}
	if acquired {
		t.Fatal("Acquire should report non-acquisition on unexpected error")
	}
}

func TestChannelLockReleaseNoopWhenNotAcquired(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release on unacquired lock: %v", err)
	}
	if len(conn.callsMatching("DELETE FROM")) != 0 {
		t.Error("Release should not issue DELETE when not acquired")
	}
}

func TestChannelLockReleaseClearsFlag(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.IsAcquired() {
		t.Error("IsAcquired should be false after Release")
	}
	if len(conn.callsMatching("DELETE FROM")) != 1 {
		t.Error("Release should issue exactly one DELETE")
	}
}

func TestChannelLockReleaseClearsFlagEvenOnError(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	conn.setExecError(errors.New("network error"))

	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release should not return the database error: %v", err)
	}
	if l.IsAcquired() {
		t.Error("IsAcquired should be cleared even when the DELETE fails")
	}
}

func TestChannelLockOnReleaseDoubleInstallFails(t *testing.T) {
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)

	if err := l.OnRelease(func(string) {}); err != nil {
		t.Fatalf("first OnRelease: %v", err)
	}
	if err := l.OnRelease(func(string) {}); !errors.Is(err, ErrOnReleaseAlreadySet) {
		t.Errorf("second OnRelease = %v, want ErrOnReleaseAlreadySet", err)
	}
}

func TestChannelLockNotifyTriggersOnReleaseHandler(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	var gotChannel string
	l.OnRelease(func(channel string) { gotChannel = channel })

	l.notify(context.Background())

	if gotChannel != "orders" {
		t.Errorf("onRelease handler received %q, want %q (unmangled)", gotChannel, "orders")
	}
}

func TestChannelLockFailoverAcquiresOnNotify(t *testing.T) {
	// spec.md §8 scenario 4: a peer's release notification triggers an
	// Acquire attempt, which succeeds against a database that has no
	// live row anymore, and fires onAcquired.
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-2"

	var acquiredFired bool
	l.setOnAcquired(func(context.Context) { acquiredFired = true })

	l.notify(context.Background())

	if !l.IsAcquired() {
		t.Error("lock should be acquired after a failover notify against a free row")
	}
	if !acquiredFired {
		t.Error("onAcquired callback should fire on a successful failover acquire")
	}
}

func TestChannelLockNotifyDoesNotReacquireIfAlreadyHeld(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	l.exec = directExec{conn: conn}
	l.app = "app-1"

	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before := len(conn.callsMatching("INSERT INTO"))

	l.notify(context.Background())

	after := len(conn.callsMatching("INSERT INTO"))
	if after != before {
		t.Error("notify should not re-attempt Acquire when already acquired")
	}
}

func TestChannelLockDestroyUnsubscribesAndReleases(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)

	if err := l.Init(context.Background(), directExec{conn: conn}, "app-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := l.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if len(conn.callsMatching("UNLISTEN "+quoteIdent(l.mangled))) != 1 {
		t.Error("Destroy should UNLISTEN the internal channel exactly once")
	}
	if len(conn.callsMatching("DELETE FROM")) != 1 {
		t.Error("Destroy should release the row exactly once")
	}
	if l.IsAcquired() {
		t.Error("IsAcquired should be false after Destroy")
	}
}

func TestChannelLockDestroyIsSafeWithoutInit(t *testing.T) {
	l := newChannelLock("orders", "pgip_lock", time.Hour, nil)
	if err := l.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy without Init: %v", err)
	}
}

func TestChannelLockDestroyRemovesFromRoster(t *testing.T) {
	conn := newFakeConn(1)
	l := newChannelLock("orders-"+t.Name(), "pgip_lock", time.Hour, nil)

	if err := l.Init(context.Background(), directExec{conn: conn}, "app-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	found := false
	for _, reg := range globalRoster.snapshot() {
		if reg == l {
			found = true
		}
	}
	if !found {
		t.Fatal("Init should register the lock in the process-wide roster")
	}

	if err := l.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	for _, reg := range globalRoster.snapshot() {
		if reg == l {
			t.Error("Destroy should remove the lock from the process-wide roster")
		}
	}
}

func TestIsLockedError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"other pg error", &pgconn.PgError{Code: "23505"}, false},
		{"locked sentinel", &pgconn.PgError{Code: "P0001", Detail: "LOCKED"}, true},
		{"right code wrong detail", &pgconn.PgError{Code: "P0001", Detail: "other"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isLockedError(tc.err); got != tc.want {
				t.Errorf("isLockedError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
