package pgpubsub

import "context"

// noopLock is the interchangeable, always-acquired Lock used when
// Options.SingleListener is disabled (spec.md §4.5). Every process
// receives every message because every process's noopLock reports itself
// as the owner.
type noopLock struct {
	channel string
}

func newNoopLock(channel string) *noopLock {
	return &noopLock{channel: channel}
}

func (l *noopLock) Init(ctx context.Context, exec connExecutor, app string) error { return nil }
func (l *noopLock) Acquire(ctx context.Context) (bool, error)             { return true, nil }
func (l *noopLock) Release(ctx context.Context) error                     { return nil }
func (l *noopLock) IsAcquired() bool                                      { return true }
func (l *noopLock) OnRelease(fn func(channel string)) error               { return nil }
func (l *noopLock) Destroy(ctx context.Context) error                    { return nil }
