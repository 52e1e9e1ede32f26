package pgpubsub

import (
	"context"
	"testing"
)

func TestNoopLockAlwaysAcquires(t *testing.T) {
	l := newNoopLock("orders")

	if err := l.Init(context.Background(), directExec{}, "app-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	acquired, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !acquired {
		t.Error("noopLock.Acquire should always report acquired")
	}
	if !l.IsAcquired() {
		t.Error("noopLock.IsAcquired should always be true")
	}
}

func TestNoopLockMethodsAreSafeNoops(t *testing.T) {
	l := newNoopLock("orders")

	if err := l.OnRelease(func(string) {}); err != nil {
		t.Errorf("OnRelease: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Errorf("Release: %v", err)
	}
	if err := l.Destroy(context.Background()); err != nil {
		t.Errorf("Destroy: %v", err)
	}
	if !l.IsAcquired() {
		t.Error("IsAcquired should remain true after Release/Destroy")
	}
}
