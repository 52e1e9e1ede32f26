package pgpubsub

import "sync"

// subscription is a single registered handler within an emitter.
type subscription struct {
	id int64
	fn func(payload any)
}

// emitter is a publish/subscribe hub keyed by channel name. Any number of
// handlers may be registered per channel; within a single channel they fire
// synchronously, in registration order, during Emit. There is no ordering
// guarantee across channels.
//
// emitter backs both the aggregate event surface (connect, reconnect,
// message, ...) and the per-channel payload fan-out described in spec.md -
// channel-name mangling already guarantees the two key spaces never
// collide, so one mechanism covers both.
type emitter struct {
	mu       sync.Mutex
	handlers map[string][]subscription
	nextID   int64
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]subscription)}
}

// on registers fn for channel and returns a function that removes it. The
// returned closure is idempotent; calling it more than once is a no-op.
func (e *emitter) on(channel string, fn func(payload any)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[channel] = append(e.handlers[channel], subscription{id: id, fn: fn})
	e.mu.Unlock()

	var removed bool
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if removed {
			return
		}
		removed = true
		e.removeLocked(channel, id)
	}
}

// once registers fn for channel, but automatically unsubscribes it after
// its first invocation.
func (e *emitter) once(channel string, fn func(payload any)) func() {
	var off func()
	off = e.on(channel, func(payload any) {
		off()
		fn(payload)
	})
	return off
}

// off removes every handler registered for channel.
func (e *emitter) off(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, channel)
}

func (e *emitter) removeLocked(channel string, id int64) {
	subs := e.handlers[channel]
	for i, s := range subs {
		if s.id == id {
			e.handlers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(e.handlers[channel]) == 0 {
		delete(e.handlers, channel)
	}
}

// emit calls every handler registered for channel, synchronously, in
// registration order. The handler slice is copied under the lock so a
// handler may safely call on/off/emit itself without deadlocking.
func (e *emitter) emit(channel string, payload any) {
	e.mu.Lock()
	subs := make([]subscription, len(e.handlers[channel]))
	copy(subs, e.handlers[channel])
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

// clear removes every handler for every channel, used by PubSub.Destroy to
// detach all user-level handlers.
func (e *emitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]subscription)
}

// listenerCount reports how many handlers are registered for channel.
func (e *emitter) listenerCount(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[channel])
}
