package pgpubsub

import "testing"

func TestRosterRegisterDeregister(t *testing.T) {
	r := &roster{locks: make(map[*channelLock]struct{})}
	l := newChannelLock("ch", "pgip_lock", 0, nil)

	r.register(l)
	if got := len(r.snapshot()); got != 1 {
		t.Fatalf("snapshot length = %d, want 1", got)
	}

	r.deregister(l)
	if got := len(r.snapshot()); got != 0 {
		t.Fatalf("snapshot length after deregister = %d, want 0", got)
	}
}

func TestRosterRegisterIdempotent(t *testing.T) {
	r := &roster{locks: make(map[*channelLock]struct{})}
	l := newChannelLock("ch", "pgip_lock", 0, nil)

	r.register(l)
	r.register(l)

	if got := len(r.snapshot()); got != 1 {
		t.Errorf("snapshot length after double register = %d, want 1", got)
	}
}
