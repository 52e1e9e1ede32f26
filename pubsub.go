package pgpubsub

import (
	"context"
	"fmt"
	"sync"
)

// Message is the payload delivered to handlers registered on the
// aggregate "message" event, pairing the user channel with its decoded
// payload (spec.md §4.7, "user-level `message`").
type Message struct {
	Channel string
	Payload any
}

// PubSub is a reliable publish/subscribe client over a single persistent
// PostgreSQL connection. It layers JSON-payload pub/sub over LISTEN/NOTIFY
// with a distributed single-listener guarantee: among many processes
// sharing the database, at most one holds the "live listener" role per
// channel (spec.md §1).
//
// All methods are safe for concurrent use.
type PubSub struct {
	opts       resolved
	emitter    *emitter
	codec      *codec
	supervisor *supervisor

	mu            sync.Mutex
	registry      map[string]Lock
	lockByMangled map[string]*channelLock
	closed        bool
}

// New constructs a PubSub from opts but does not connect. Call Connect to
// establish the underlying connection. ctx is accepted for symmetry with
// the rest of the package's context-threaded API and to allow future
// construction-time validation against the database; the current
// implementation does not block on it.
func New(ctx context.Context, opts Options) (*PubSub, error) {
	ro, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	p := &PubSub{
		opts:          ro,
		emitter:       newEmitter(),
		codec:         newCodec(ro.Logger),
		registry:      make(map[string]Lock),
		lockByMangled: make(map[string]*channelLock),
	}

	dial := func(ctx context.Context) (Conn, error) {
		if ro.Conn != nil {
			return ro.Conn, nil
		}
		return dialPgx(ctx, ro.DSN)
	}

	p.supervisor = newSupervisor(dial, ro.RetryDelay, ro.RetryLimit, ro.Logger, p.handleReady, p.handleNotification, p.handleTerminalError, p.handleEnd, p.handleClosed)
	return p, nil
}

// Connect establishes the underlying connection and blocks until it is
// ready, or a definitive failure occurs. Subsequent drops are retried in
// the background; Connect only governs the first attempt.
func (p *PubSub) Connect(ctx context.Context) error {
	return p.supervisor.Connect(ctx)
}

// Close ends the connection and stops the supervisor, without deleting
// any lock rows this process holds - spec.md §4.7 reserves lock release for
// Destroy, not Close. Close is final: Connect on a closed PubSub returns
// ErrClosed.
func (p *PubSub) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.supervisor.Close(ctx)
}

// Listen obtains or creates a lock for channel, attempts to acquire it,
// and - only on success - issues LISTEN on the user channel and emits a
// "listen" event. In multi-listener mode (Options.SingleListener == false)
// the lock is a no-op and the LISTEN always runs. Repeated calls for a
// channel already in the registry are a no-op: the same lock is reused and
// no additional LISTEN is issued (spec.md §8, "idempotent").
//
// If the lock is contended, Listen returns nil without issuing LISTEN -
// spec.md §9 documents the source's behavior here as a silent skip rather
// than an error, and this implementation follows that choice. The channel
// still becomes live automatically via failover once the current holder
// releases or is reaped.
func (p *PubSub) Listen(ctx context.Context, channel string) error {
	if isLockChannel(channel) {
		return fmt.Errorf("pgpubsub: %w: %q", ErrLockChannelReserved, channel)
	}

	p.mu.Lock()
	if _, exists := p.registry[channel]; exists {
		p.mu.Unlock()
		return nil
	}
	lock := p.newLock(channel)
	p.registry[channel] = lock
	if cl, ok := lock.(*channelLock); ok {
		p.lockByMangled[cl.mangled] = cl
		cl.setOnAcquired(func(ctx context.Context) {
			p.afterAcquired(ctx, channel)
		})
	}
	p.mu.Unlock()

	if err := lock.Init(ctx, p.supervisor, p.supervisor.AppName()); err != nil {
		return err
	}

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	return p.afterAcquired(ctx, channel)
}

// afterAcquired issues the user-channel LISTEN and emits "listen" once a
// lock for channel has been won, whether that happened synchronously
// inside Listen or later via failover (channelLock's onAcquired hook).
func (p *PubSub) afterAcquired(ctx context.Context, channel string) error {
	if err := p.supervisor.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(channel)))
		return err
	}); err != nil {
		return fmt.Errorf("pgpubsub: failed to listen on %q: %w", channel, err)
	}
	p.emitter.emit("listen", channel)
	return nil
}

// Unlisten issues UNLISTEN on channel and, if a lock is registered for it,
// destroys the lock and removes it from the registry.
func (p *PubSub) Unlisten(ctx context.Context, channel string) error {
	if err := p.supervisor.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("UNLISTEN %s", quoteIdent(channel)))
		return err
	}); err != nil {
		return fmt.Errorf("pgpubsub: failed to unlisten on %q: %w", channel, err)
	}

	p.mu.Lock()
	lock, exists := p.registry[channel]
	delete(p.registry, channel)
	if cl, ok := lock.(*channelLock); ok {
		delete(p.lockByMangled, cl.mangled)
	}
	p.mu.Unlock()

	if exists {
		if err := lock.Destroy(ctx); err != nil {
			return err
		}
	}

	p.emitter.emit("unlisten", []string{channel})
	return nil
}

// UnlistenAll issues UNLISTEN * and destroys every registered lock.
func (p *PubSub) UnlistenAll(ctx context.Context) error {
	if err := p.supervisor.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, "UNLISTEN *")
		return err
	}); err != nil {
		return fmt.Errorf("pgpubsub: failed to unlisten all: %w", err)
	}

	p.mu.Lock()
	channels := make([]string, 0, len(p.registry))
	locks := make([]Lock, 0, len(p.registry))
	for ch, l := range p.registry {
		channels = append(channels, ch)
		locks = append(locks, l)
	}
	p.registry = make(map[string]Lock)
	p.lockByMangled = make(map[string]*channelLock)
	p.mu.Unlock()

	for _, l := range locks {
		if err := l.Destroy(ctx); err != nil {
			p.opts.Logger.Error("pgpubsub: error destroying lock during UnlistenAll", "error", err)
		}
	}

	p.emitter.emit("unlisten", channels)
	return nil
}

// Notify publishes payload, JSON-encoded, to channel. The channel
// identifier is escaped with pgx's identifier quoting (quoteIdent); the
// payload literal is escaped by this package's quoteLiteral, which doubles
// single quotes and does not go through a pgx or server quoting function.
func (p *PubSub) Notify(ctx context.Context, channel string, payload any) error {
	body := p.codec.pack(payload, false)
	sql := fmt.Sprintf("NOTIFY %s, %s", quoteIdent(channel), quoteLiteral(body))
	if err := p.supervisor.withConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, sql)
		return err
	}); err != nil {
		return fmt.Errorf("pgpubsub: failed to notify %q: %w", channel, err)
	}

	p.emitter.emit("notify", Message{Channel: channel, Payload: payload})
	return nil
}

// ActiveChannels returns every registered channel whose lock is currently
// acquired by this process.
func (p *PubSub) ActiveChannels() []string {
	return p.filterChannels(func(l Lock) bool { return l.IsAcquired() })
}

// InactiveChannels returns every registered channel whose lock is not
// currently acquired by this process.
func (p *PubSub) InactiveChannels() []string {
	return p.filterChannels(func(l Lock) bool { return !l.IsAcquired() })
}

// AllChannels returns every channel currently in the subscription
// registry, regardless of lock state.
func (p *PubSub) AllChannels() []string {
	return p.filterChannels(func(Lock) bool { return true })
}

func (p *PubSub) filterChannels(keep func(Lock) bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.registry))
	for ch, l := range p.registry {
		if keep(l) {
			out = append(out, ch)
		}
	}
	return out
}

// IsActive reports whether channel's lock is currently acquired by this
// process. A channel not in the registry is never active.
func (p *PubSub) IsActive(channel string) bool {
	p.mu.Lock()
	lock, exists := p.registry[channel]
	p.mu.Unlock()
	return exists && lock.IsAcquired()
}

// On registers fn for event and returns a function that removes it. event
// is either a reserved name ("connect", "reconnect", "end", "close",
// "error", "listen", "unlisten", "notify", "message") or a user channel
// name - channel-name mangling guarantees the two key spaces never
// collide (spec.md §9).
func (p *PubSub) On(event string, fn func(payload any)) func() {
	return p.emitter.on(event, fn)
}

// Once registers fn for event, automatically unsubscribing it after its
// first invocation.
func (p *PubSub) Once(event string, fn func(payload any)) func() {
	return p.emitter.once(event, fn)
}

// Destroy destroys every live lock this PubSub created, closes the
// connection, and detaches every user-level handler. Locks are released
// before the connection is closed - releasing a row requires a live
// connection to run the DELETE, so this deliberately runs in the opposite
// order from spec.md §4.7's "close() + destroy all live locks" prose,
// which describes an async transport where the distinction barely
// matters; over a synchronous Go connection, releasing after close would
// simply fail every time.
func (p *PubSub) Destroy(ctx context.Context) error {
	p.mu.Lock()
	locks := make([]Lock, 0, len(p.registry))
	for _, l := range p.registry {
		locks = append(locks, l)
	}
	p.registry = make(map[string]Lock)
	p.lockByMangled = make(map[string]*channelLock)
	p.mu.Unlock()

	var destroyErr error
	for _, l := range locks {
		if err := l.Destroy(ctx); err != nil && destroyErr == nil {
			destroyErr = err
		}
	}

	closeErr := p.Close(ctx)
	p.emitter.clear()

	if destroyErr != nil {
		return destroyErr
	}
	return closeErr
}

// newLock builds the Lock implementation appropriate for the current
// single-listener setting (spec.md §4.5, §9 "Polymorphic lock").
func (p *PubSub) newLock(channel string) Lock {
	if !p.opts.singleListener {
		return newNoopLock(channel)
	}
	return newChannelLock(channel, p.opts.SchemaName, p.opts.AcquireInterval, p.opts.Logger)
}

// handleReady is the supervisor's onReady hook. On the first connection it
// emits "connect"; on every subsequent reconnect it first re-initializes
// and re-acquires every registered lock and replays LISTEN for every
// channel still held, then emits "reconnect" (spec.md §4.6, "Re-
// subscription on reconnect").
func (p *PubSub) handleReady(ctx context.Context, isReconnect bool, retries int) {
	if !isReconnect {
		p.emitter.emit("connect", nil)
		return
	}

	app := p.supervisor.AppName()

	p.mu.Lock()
	channels := make([]string, 0, len(p.registry))
	locks := make([]Lock, 0, len(p.registry))
	for ch, l := range p.registry {
		channels = append(channels, ch)
		locks = append(locks, l)
	}
	p.mu.Unlock()

	for i, l := range locks {
		channel := channels[i]
		if err := l.Init(ctx, p.supervisor, app); err != nil {
			p.opts.Logger.Error("pgpubsub: failed to re-initialize lock on reconnect", "channel", channel, "error", err)
			continue
		}
		acquired, err := l.Acquire(ctx)
		if err != nil {
			p.opts.Logger.Error("pgpubsub: failed to re-acquire lock on reconnect", "channel", channel, "error", err)
			continue
		}
		if !acquired {
			continue
		}
		if err := p.supervisor.withConn(ctx, func(conn Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", quoteIdent(channel)))
			return err
		}); err != nil {
			p.opts.Logger.Error("pgpubsub: failed to re-listen on reconnect", "channel", channel, "error", err)
		}
	}

	p.emitter.emit("reconnect", retries)
}

// handleNotification is the supervisor's onNotification hook and
// implements the demultiplexer of spec.md §4.7.
func (p *PubSub) handleNotification(n *Notification) {
	ctx := context.Background()

	if isLockChannel(n.Channel) {
		p.mu.Lock()
		cl := p.lockByMangled[n.Channel]
		p.mu.Unlock()
		if cl != nil {
			cl.notify(ctx)
		}
		return
	}

	if p.opts.Filtered && n.PID == p.supervisor.PID() {
		return
	}

	if p.opts.singleListener && !p.opts.ExecutionLock {
		p.mu.Lock()
		lock, exists := p.registry[n.Channel]
		p.mu.Unlock()
		if !exists || !lock.IsAcquired() {
			return
		}
	}

	payload := p.codec.unpack(n.Payload)
	p.emitter.emit("message", Message{Channel: n.Channel, Payload: payload})
	p.emitter.emit(n.Channel, payload)
}

// handleTerminalError is the supervisor's onTerminalError hook, firing
// once RetryLimit reconnect attempts have been exhausted.
func (p *PubSub) handleTerminalError(err error) {
	p.emitter.emit("error", err)
}

// handleEnd is the supervisor's onEnd hook, firing whenever the
// connection drops and a retry is about to be scheduled.
func (p *PubSub) handleEnd(err error) {
	p.emitter.emit("end", err)
}

// handleClosed is the supervisor's onClosed hook, firing once the
// connection has been closed via Close (whether user-initiated or after
// retry exhaustion).
func (p *PubSub) handleClosed() {
	p.emitter.emit("close", nil)
}
