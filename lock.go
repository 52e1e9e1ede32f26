package pgpubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Lock is the capability set both the database-backed channel lock and the
// no-op lock implement (spec.md §4.4/§4.5, "Polymorphic lock" in §9): a
// tagged variant selected at PubSub construction time based on
// Options.SingleListener.
type Lock interface {
	// Init bootstraps the lock schema if necessary, subscribes to the
	// lock's internal release channel, and arms the periodic re-acquire
	// timer. exec is the serialization point every subsequent database
	// command runs through (spec.md §5, "serialize access to ... the
	// connection handle"). Safe to call more than once, and is called again
	// with a fresh exec after every reconnect (spec.md §9, "re-
	// initialisation of timers and handlers must be idempotent").
	Init(ctx context.Context, exec connExecutor, app string) error

	// Acquire attempts to take ownership of the channel. It returns
	// whether acquisition succeeded; failure is not itself an error -
	// contention is an expected, silent outcome.
	Acquire(ctx context.Context) (bool, error)

	// Release gives up ownership. A no-op if not currently acquired.
	Release(ctx context.Context) error

	// IsAcquired reports whether this process currently holds the lock.
	IsAcquired() bool

	// OnRelease installs a handler invoked, with the unmangled channel
	// name, whenever the lock's row is deleted by anyone. Installing a
	// second handler returns ErrOnReleaseAlreadySet.
	OnRelease(fn func(channel string)) error

	// Destroy detaches the release handler, cancels the re-acquire timer,
	// unsubscribes the internal channel, releases the row, and removes
	// the lock from the process-wide roster.
	Destroy(ctx context.Context) error
}

// channelLock is the database-backed implementation of Lock. It implements
// the failover, silent-loss cover, and deadlock-check algorithms of
// spec.md §4.4 against a single shared Conn.
type channelLock struct {
	channel    string
	mangled    string
	schemaName string
	logger     *slog.Logger

	acquireInterval time.Duration

	mu         sync.Mutex
	exec       connExecutor
	app        string
	acquired   bool
	timer      *time.Timer
	timerDone  bool
	onRelease  func(channel string)
	onAcquired func(ctx context.Context)
	registered bool
}

func newChannelLock(channel, schemaName string, acquireInterval time.Duration, logger *slog.Logger) *channelLock {
	return &channelLock{
		channel:         channel,
		mangled:         mangle(channel),
		schemaName:      schemaName,
		logger:          orDefault(logger),
		acquireInterval: acquireInterval,
	}
}

// Init bootstraps the lock schema if necessary, records app as this
// process's lock-owner identity, issues LISTEN on the mangled internal
// channel so release notifications reach notify(), registers in the
// process-wide roster, and arms the re-acquire timer. Called once per
// connection - including again, with a new exec and app, after a
// reconnect. Both database commands run through exec, never against a raw
// Conn, so they serialize against the supervisor's dispatch loop.
func (l *channelLock) Init(ctx context.Context, exec connExecutor, app string) error {
	if err := exec.withConn(ctx, func(conn Conn) error {
		return ensureSchema(ctx, conn, l.schemaName, l.logger)
	}); err != nil {
		return err
	}

	if err := exec.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(l.mangled)))
		return err
	}); err != nil {
		return fmt.Errorf("pgpubsub: failed to listen on internal lock channel for %q: %w", l.channel, err)
	}

	l.mu.Lock()
	l.exec = exec
	l.app = app
	if !l.registered {
		l.registered = true
		globalRoster.register(l)
	}
	l.mu.Unlock()

	l.armTimer()
	return nil
}

// setOnAcquired installs a callback fired when Acquire succeeds from
// within notify() or the re-acquire timer - the two paths that can
// transition the lock from unacquired to acquired behind the facade's
// back. The facade uses this to issue the deferred user-channel LISTEN and
// emit "listen" once a contended lock is finally won (spec.md §4.4
// failover scenario).
func (l *channelLock) setOnAcquired(fn func(ctx context.Context)) {
	l.mu.Lock()
	l.onAcquired = fn
	l.mu.Unlock()
}

// Acquire runs the INSERT ... ON CONFLICT DO UPDATE ... deadlock_check(...)
// statement of spec.md §4.4. A LockedError is logged at Debug level and
// reported as non-acquisition; any other error is logged at Error level and
// also reported as non-acquisition - acquisition failure is always
// recoverable via the re-acquire timer or a subsequent release
// notification, so it is never returned as a hard error here. The one error
// Acquire does return is ErrNoConnection, when it is called before Init.
func (l *channelLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	exec, app := l.exec, l.app
	l.mu.Unlock()
	if exec == nil {
		return false, ErrNoConnection
	}

	table := lockTableIdent(l.schemaName)
	deadlockCheck := deadlockCheckIdent(l.schemaName)

	sql := fmt.Sprintf(`
		INSERT INTO %s (channel, app) VALUES ($1, $2)
		ON CONFLICT (channel) DO UPDATE
		SET app = %s(%s.app, EXCLUDED.app)
	`, table, deadlockCheck, table)

	err := exec.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, sql, l.mangled, app)
		return err
	})
	if err != nil {
		if isLockedError(err) {
			l.logger.Debug("pgpubsub: lock contended", "error", &LockedError{Channel: l.channel})
			l.setAcquired(false)
			return false, nil
		}
		l.logger.Error("pgpubsub: unexpected error acquiring lock", "channel", l.channel, "error", err)
		l.setAcquired(false)
		return false, nil
	}

	l.setAcquired(true)
	l.stopTimer()
	return true, nil
}

// Release deletes the lock row, which fires the deferred constraint
// trigger and notifies every peer subscribed to the internal channel once
// this transaction (the implicit one wrapping Exec) commits.
func (l *channelLock) Release(ctx context.Context) error {
	if !l.IsAcquired() {
		return nil
	}

	l.mu.Lock()
	exec := l.exec
	l.mu.Unlock()
	if exec == nil {
		l.setAcquired(false)
		return nil
	}

	table := lockTableIdent(l.schemaName)
	sql := fmt.Sprintf(`DELETE FROM %s WHERE channel = $1`, table)
	if err := exec.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, sql, l.mangled)
		return err
	}); err != nil {
		l.logger.Error("pgpubsub: error releasing lock", "channel", l.channel, "error", err)
	}

	l.setAcquired(false)
	l.armTimer()
	return nil
}

func (l *channelLock) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

func (l *channelLock) setAcquired(v bool) {
	l.mu.Lock()
	l.acquired = v
	l.mu.Unlock()
}

// OnRelease wires fn to fire whenever a notification arrives on this
// lock's internal channel, unmangling the channel name first.
func (l *channelLock) OnRelease(fn func(channel string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onRelease != nil {
		return ErrOnReleaseAlreadySet
	}
	l.onRelease = fn
	return nil
}

// notify is invoked by the facade's demux for every notification received
// on l.mangled. It runs the installed onRelease handler (if any), then
// attempts to acquire the now-possibly-free lock (spec.md §4.4 "Algorithm
// - failover": every peer subscribed to the internal channel attempts
// Acquire when notified of a release; the first INSERT wins), firing
// onAcquired if that attempt wins.
func (l *channelLock) notify(ctx context.Context) {
	l.mu.Lock()
	handler := l.onRelease
	l.mu.Unlock()

	if handler != nil {
		handler(l.channel)
	}

	if l.IsAcquired() {
		return
	}
	acquired, err := l.Acquire(ctx)
	if err != nil {
		l.logger.Error("pgpubsub: error re-acquiring lock after release notification", "channel", l.channel, "error", err)
		return
	}
	if acquired {
		l.fireOnAcquired(ctx)
	}
}

func (l *channelLock) fireOnAcquired(ctx context.Context) {
	l.mu.Lock()
	fn := l.onAcquired
	l.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

// armTimer schedules the next silent-loss-cover re-acquire attempt
// (spec.md §4.4 "Algorithm - silent-loss cover"). It rearms itself after
// every failed attempt and stops rearming once Acquire succeeds
// (stopTimer) or Destroy is called.
func (l *channelLock) armTimer() {
	l.mu.Lock()
	if l.timerDone {
		l.mu.Unlock()
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.acquireInterval, l.onTimer)
	l.mu.Unlock()
}

func (l *channelLock) onTimer() {
	if l.IsAcquired() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	acquired, err := l.Acquire(ctx)
	if err != nil {
		l.logger.Error("pgpubsub: error during periodic re-acquire", "channel", l.channel, "error", err)
	}
	if acquired {
		l.fireOnAcquired(ctx)
	}
	l.armTimer()
}

func (l *channelLock) stopTimer() {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
}

// Destroy tears the lock down in the order spec.md §4.4/§9 prescribes for
// breaking the lifecycle cycle between a lock and its connection: handlers
// first, then the timer, then the internal channel unsubscribe, then the
// row release, then deregistration.
func (l *channelLock) Destroy(ctx context.Context) error {
	l.mu.Lock()
	l.onRelease = nil
	l.onAcquired = nil
	l.timerDone = true
	if l.timer != nil {
		l.timer.Stop()
	}
	exec := l.exec
	registered := l.registered
	l.registered = false
	l.mu.Unlock()

	if exec != nil {
		if err := exec.withConn(ctx, func(conn Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("UNLISTEN %s", quoteIdent(l.mangled)))
			return err
		}); err != nil {
			l.logger.Error("pgpubsub: error unsubscribing internal lock channel", "channel", l.channel, "error", err)
		}
	}

	err := l.Release(ctx)

	if registered {
		globalRoster.deregister(l)
	}

	return err
}

// isLockedError reports whether err is the deadlock_check function's
// P0001/LOCKED sentinel.
func isLockedError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "P0001" && pgErr.Detail == "LOCKED"
}
