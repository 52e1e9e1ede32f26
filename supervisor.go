package pgpubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// commandPollInterval bounds how long the dispatch loop can be stuck inside
// a single WaitForNotification call before it checks for a pending command.
// It does not delay notification delivery - WaitForNotification still
// returns immediately once data arrives on the wire - it only bounds command
// latency when the connection is otherwise idle.
const commandPollInterval = 50 * time.Millisecond

// connExecutor serializes access to the shared connection through the
// goroutine that owns it, per spec.md §5's "serialize access to ... the
// connection handle" MUST and §9's "a supervisor task owns the connection
// and consumes commands" model. *pgx.Conn is not safe for concurrent use,
// so every caller that needs to run a command against the connection - the
// facade's Listen/Unlisten/Notify and the lock's Acquire/Release/Init/
// Destroy - submits it as a closure instead of reaching for the raw Conn
// directly.
type connExecutor interface {
	withConn(ctx context.Context, fn func(conn Conn) error) error
}

// connCmd is one unit of work submitted to the dispatch loop.
type connCmd struct {
	run  func(conn Conn) error
	done chan error
}

// supervisorState models spec.md §4.6's connection state machine.
type supervisorState int

const (
	stateDisconnected supervisorState = iota
	stateConnecting
	stateReady
	stateRetrying
	stateClosed
)

func (s supervisorState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateRetrying:
		return "retrying"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// supervisor owns the single persistent connection: dialing it, assigning
// it a fresh identity, running its notification-dispatch loop, and
// reconnecting with bounded retries when it drops. It knows nothing about
// locks or channel payloads - onReady and onNotification are the facade's
// hooks back into that domain, matching spec.md's separation between "the
// connection supervisor" and "the PubSub facade".
type supervisor struct {
	dial       func(ctx context.Context) (Conn, error)
	retryDelay time.Duration
	retryLimit int
	logger     *slog.Logger

	onReady         func(ctx context.Context, isReconnect bool, retries int)
	onNotification  func(n *Notification)
	onTerminalError func(err error)
	onEnd           func(err error)
	onClosed        func()

	cmdCh    chan *connCmd
	notifyCh chan *Notification
	done     chan struct{}

	mu         sync.Mutex
	state      supervisorState
	conn       Conn
	appName    string
	pid        uint32
	retries    int
	retryTimer *time.Timer
}

func newSupervisor(
	dial func(ctx context.Context) (Conn, error),
	retryDelay time.Duration,
	retryLimit int,
	logger *slog.Logger,
	onReady func(ctx context.Context, isReconnect bool, retries int),
	onNotification func(n *Notification),
	onTerminalError func(err error),
	onEnd func(err error),
	onClosed func(),
) *supervisor {
	s := &supervisor{
		dial:            dial,
		retryDelay:      retryDelay,
		retryLimit:      retryLimit,
		logger:          orDefault(logger),
		onReady:         onReady,
		onNotification:  onNotification,
		onTerminalError: onTerminalError,
		onEnd:           onEnd,
		onClosed:        onClosed,
		state:           stateDisconnected,
		cmdCh:           make(chan *connCmd),
		notifyCh:        make(chan *Notification),
		done:            make(chan struct{}),
	}
	go s.notifyLoop()
	return s
}

// notifyLoop is the single, dedicated consumer of notifications handed off
// by dispatchLoop. It exists on its own goroutine - distinct from the one
// running dispatchLoop - specifically so that onNotification can call back
// into withConn (a lock's failover timer re-acquiring after a release
// notification, for instance) without rendezvousing with itself on cmdCh:
// dispatchLoop is the only reader of cmdCh, so a notification handler that
// ran inline on dispatchLoop's own goroutine would deadlock the moment it
// tried to submit a command. Notifications still arrive here strictly in
// the order dispatchLoop received them, since dispatchLoop blocks on the
// handoff until this loop is ready for the next one.
func (s *supervisor) notifyLoop() {
	for {
		select {
		case n := <-s.notifyCh:
			if s.onNotification != nil {
				s.onNotification(n)
			}
		case <-s.done:
			return
		}
	}
}

// Connect performs the first connection attempt and blocks until Ready or
// a definitive failure. Subsequent drops are handled by the retry loop in
// the background and do not block callers of Connect.
func (s *supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateReady:
		s.mu.Unlock()
		return nil
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateConnecting
	s.mu.Unlock()

	return s.connectOnce(ctx, false)
}

// connectOnce dials, assigns identity, transitions to Ready, runs the
// caller's onReady hook (re-listen on reconnect), emits the connect or
// reconnect event via onReady's own bookkeeping, and starts the dispatch
// goroutine.
func (s *supervisor) connectOnce(ctx context.Context, isReconnect bool) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("pgpubsub: connect failed: %w", err)
	}

	appName, err := assignIdentity(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return err
	}
	pid := conn.PID()

	s.mu.Lock()
	s.conn = conn
	s.appName = appName
	s.pid = pid
	s.state = stateReady
	retries := s.retries
	s.retries = 0
	s.mu.Unlock()

	// The dispatch loop must be running before onReady returns: a
	// reconnect's onReady hook (the facade's re-listen/re-acquire pass)
	// calls withConn, which rendezvous with this same loop on cmdCh.
	go s.dispatchLoop(conn)

	if s.onReady != nil {
		s.onReady(ctx, isReconnect, retries)
	}

	return nil
}

// dispatchLoop is the sole owner of conn for as long as it runs: the only
// goroutine that ever calls Exec, QueryRow, or WaitForNotification on it.
// Every other goroutine - the facade's Listen/Unlisten/Notify, a lock's
// re-acquire timer, a lock's release-notification handler - submits work via
// withConn instead of touching conn directly, which is what keeps this
// single shared connection from being used concurrently (spec.md §5, §9).
//
// It alternates between waiting for a notification and draining cmdCh,
// bounding each wait to commandPollInterval so a pending command is never
// stuck behind an indefinitely long silence on the wire.
func (s *supervisor) dispatchLoop(conn Conn) {
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd.done <- cmd.run(conn)
			continue
		default:
		}

		waitCtx, cancel := context.WithTimeout(context.Background(), commandPollInterval)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			s.handleDrop(err)
			return
		}
		select {
		case s.notifyCh <- n:
		case <-s.done:
			return
		}
	}
}

// withConn submits fn to the dispatch loop that owns the current connection
// and blocks until it runs, serializing fn against every other command and
// against WaitForNotification. It returns ErrNoConnection if the supervisor
// is not Ready.
func (s *supervisor) withConn(ctx context.Context, fn func(conn Conn) error) error {
	s.mu.Lock()
	ready := s.state == stateReady
	s.mu.Unlock()
	if !ready {
		return ErrNoConnection
	}

	cmd := &connCmd{run: fn, done: make(chan error, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// handleDrop transitions Ready -> Retrying and schedules the first retry.
// It is a no-op if the supervisor was already closed, since Close itself
// triggers the connection's error path.
func (s *supervisor) handleDrop(err error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateRetrying
	s.mu.Unlock()

	s.logger.Warn("pgpubsub: connection dropped, will retry", "error", err)
	if s.onEnd != nil {
		s.onEnd(err)
	}
	s.scheduleRetry()
}

// scheduleRetry arms the retry timer, or gives up after RetryLimit
// attempts and closes the supervisor (spec.md §4.6 Retrying row, §7 item
// 2).
func (s *supervisor) scheduleRetry() {
	s.mu.Lock()
	if s.state != stateRetrying {
		s.mu.Unlock()
		return
	}
	if s.retryLimit > 0 && s.retries >= s.retryLimit {
		retries := s.retries
		s.mu.Unlock()
		s.closeWithError(&RetryExhaustedError{Retries: retries})
		return
	}
	s.retries++
	delay := s.retryDelay
	s.retryTimer = time.AfterFunc(delay, s.retry)
	s.mu.Unlock()
}

func (s *supervisor) retry() {
	s.mu.Lock()
	if s.state != stateRetrying {
		s.mu.Unlock()
		return
	}
	s.state = stateConnecting
	s.mu.Unlock()

	if err := s.connectOnce(context.Background(), true); err != nil {
		s.logger.Warn("pgpubsub: reconnect attempt failed", "error", err)
		s.mu.Lock()
		s.state = stateRetrying
		s.mu.Unlock()
		s.scheduleRetry()
	}
}

// closeWithError closes the supervisor and is used for the terminal
// retry-exhaustion path, where the caller (scheduleRetry) has already
// computed the error to surface; the facade is responsible for emitting
// it via its "error" event before/while calling this.
func (s *supervisor) closeWithError(err error) {
	s.errHook(err)
	s.Close(context.Background())
}

// errHook routes the terminal RetryExhaustedError through the facade's
// emitter (set as onTerminalError at construction) before the supervisor
// closes itself.
func (s *supervisor) errHook(err error) {
	if s.onTerminalError != nil {
		s.onTerminalError(err)
		return
	}
	s.logger.Error("pgpubsub: giving up reconnecting", "error", err)
}

// Close transitions to Closed, stops the retry timer, and closes the
// underlying connection if one is open.
func (s *supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateClosed
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)

	if s.onClosed != nil {
		s.onClosed()
	}

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

func (s *supervisor) State() supervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the current connection, or ErrNoConnection if the
// supervisor is not Ready.
func (s *supervisor) Conn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady || s.conn == nil {
		return nil, ErrNoConnection
	}
	return s.conn, nil
}

func (s *supervisor) PID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *supervisor) AppName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appName
}
