package pgpubsub

import "sync"

// roster is the process-wide collection of live channel locks, used by the
// shutdown coordinator (C8) to release every held lock on process
// termination regardless of which PubSub instance created it. spec.md
// requires this collection to be process-wide, not per-instance, and safe
// against re-registration on re-init.
type roster struct {
	mu    sync.Mutex
	locks map[*channelLock]struct{}
}

var globalRoster = &roster{locks: make(map[*channelLock]struct{})}

// register adds l to the roster. Registering an already-registered lock is
// a no-op.
func (r *roster) register(l *channelLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[l] = struct{}{}
}

// deregister removes l from the roster.
func (r *roster) deregister(l *channelLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, l)
}

// snapshot returns every currently registered lock. Used by the shutdown
// coordinator so it can call Destroy outside the roster's own lock.
func (r *roster) snapshot() []*channelLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channelLock, 0, len(r.locks))
	for l := range r.locks {
		out = append(out, l)
	}
	return out
}
