package pgpubsub

import (
	"errors"
	"testing"
	"time"
)

func TestOptionsWithDefaults(t *testing.T) {
	ro, err := Options{DSN: "postgres://localhost/test"}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if ro.RetryDelay != 100*time.Millisecond {
		t.Errorf("RetryDelay default = %v, want 100ms", ro.RetryDelay)
	}
	if ro.AcquireInterval != 30*time.Second {
		t.Errorf("AcquireInterval default = %v, want 30s", ro.AcquireInterval)
	}
	if ro.SchemaName != "pgip_lock" {
		t.Errorf("SchemaName default = %q, want pgip_lock", ro.SchemaName)
	}
	if ro.ShutdownTimeout != time.Second {
		t.Errorf("ShutdownTimeout default = %v, want 1s", ro.ShutdownTimeout)
	}
	if !ro.singleListener {
		t.Error("singleListener default should be true")
	}
}

func TestOptionsSingleListenerExplicitFalse(t *testing.T) {
	f := false
	ro, err := Options{DSN: "x", SingleListener: &f}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if ro.singleListener {
		t.Error("singleListener should be false when explicitly disabled")
	}
}

func TestOptionsRequiresExactlyOneTransport(t *testing.T) {
	if _, err := (Options{}).withDefaults(); err == nil {
		t.Error("withDefaults should reject Options with neither DSN nor Conn")
	}

	conn := newFakeConn(1)
	if _, err := (Options{DSN: "x", Conn: conn}).withDefaults(); err == nil {
		t.Error("withDefaults should reject Options with both DSN and Conn")
	}
}

func TestOptionsExecutionLockRequiresSingleListener(t *testing.T) {
	f := false
	_, err := Options{DSN: "x", SingleListener: &f, ExecutionLock: true}.withDefaults()
	if err == nil {
		t.Error("withDefaults should reject ExecutionLock without SingleListener")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want *ConfigError", err)
	}
}
