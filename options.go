package pgpubsub

import (
	"log/slog"
	"time"
)

// Options configures a PubSub. Either DSN or Conn must be set; setting both
// is an error, matching the "reuse externally-constructed connection" input
// described in spec.md §6.
type Options struct {
	// DSN is a PostgreSQL connection string, passed through to pgx. Leave
	// empty if Conn is supplied instead.
	DSN string

	// Conn lets a caller supply an already-constructed transport instead of
	// having this package dial one from DSN. Mutually exclusive with DSN.
	Conn Conn

	// RetryDelay is how long the connection supervisor waits between
	// reconnect attempts. Default 100ms.
	RetryDelay time.Duration

	// RetryLimit is the maximum number of reconnect attempts before the
	// supervisor gives up and emits a terminal error. Zero means
	// unlimited.
	RetryLimit int

	// AcquireInterval is how often a channel lock that isn't currently
	// acquired retries Acquire, guarding against silent connection loss on
	// the previous holder. Default 30s.
	AcquireInterval time.Duration

	// SingleListener enables the inter-process channel lock. When nil or
	// true, a database-backed lock enforces that at most one process
	// emits "message" per channel. When explicitly set to false, a no-op
	// lock is used instead and every process receives every message.
	// Default true - a pointer because the zero value of bool can't be
	// told apart from "not specified".
	SingleListener *bool

	// Filtered drops notifications that this connection itself produced,
	// identified by matching backend pid. Default false.
	Filtered bool

	// ExecutionLock switches to the "listener everywhere, execute once"
	// variant: every instance still emits "message", but IsActive reports
	// lock ownership so the caller can decide whether to act on it. Only
	// meaningful when SingleListener is enabled.
	ExecutionLock bool

	// SchemaName names the Postgres schema holding the lock table and its
	// supporting function/trigger. Defaults to the SCHEMA_NAME environment
	// variable via cfgx, falling back to "pgip_lock".
	SchemaName string

	// ShutdownTimeout is the grace window for releasing locks on shutdown.
	// Defaults to the SHUTDOWN_TIMEOUT environment variable via cfgx,
	// falling back to 1s. PubSub resolves this value but does not create a
	// ShutdownCoordinator or pass it to one; the coordinator's window is the
	// timeout given to NewShutdownCoordinator.
	ShutdownTimeout time.Duration

	// Logger receives warnings and errors from every component. Defaults
	// to slog.Default().
	Logger *slog.Logger
}

// singleListenerEnabled reports the resolved single-listener setting,
// treating an unset SingleListener as the documented default of true.
func (o Options) singleListenerEnabled() bool {
	return o.SingleListener == nil || *o.SingleListener
}

// resolved is the post-validation, defaults-applied form of Options that
// the rest of the package operates on.
type resolved struct {
	Options
	singleListener bool
}

// withDefaults validates o and fills in unset fields from
// environment-derived defaults (see config.go) and the spec.md defaults
// table in §6.
func (o Options) withDefaults() (resolved, error) {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.AcquireInterval <= 0 {
		o.AcquireInterval = 30 * time.Second
	}
	if o.SchemaName == "" || o.ShutdownTimeout <= 0 {
		envCfg := loadEnvConfig(o.Logger)
		if o.SchemaName == "" {
			o.SchemaName = envCfg.SchemaName
		}
		if o.ShutdownTimeout <= 0 {
			o.ShutdownTimeout = envCfg.ShutdownTimeout
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.DSN != "" && o.Conn != nil {
		return resolved{}, &ConfigError{Field: "DSN/Conn", Reason: "set exactly one of DSN or Conn, not both"}
	}
	if o.DSN == "" && o.Conn == nil {
		return resolved{}, &ConfigError{Field: "DSN/Conn", Reason: "one of DSN or Conn is required"}
	}
	singleListener := o.singleListenerEnabled()
	if o.ExecutionLock && !singleListener {
		return resolved{}, &ConfigError{Field: "ExecutionLock", Reason: "requires SingleListener"}
	}

	return resolved{Options: o, singleListener: singleListener}, nil
}
