package pgpubsub

import (
	"log/slog"
	"time"

	"github.com/nsheridan/pgpubsub/cfgx"
)

// envConfig holds the two settings spec.md documents as environment
// variables rather than constructor options (§6): the schema housing the
// lock table, and the shutdown coordinator's grace window. Both are plain
// integers/strings in the environment (not Go duration literals), so they
// get their own fields with explicit env tags rather than relying on
// cfgx's automatic screaming-snake-case field-name mapping for a
// time.Duration field.
type envConfig struct {
	SchemaName        string `env:"SCHEMA_NAME" default:"pgip_lock"`
	ShutdownTimeoutMS int    `env:"SHUTDOWN_TIMEOUT" default:"1000"`
}

// loadEnvConfig reads envConfig from the process environment via cfgx,
// falling back to the documented defaults on any parse failure rather than
// failing the whole PubSub construction over a malformed env var.
func loadEnvConfig(logger *slog.Logger) struct {
	SchemaName      string
	ShutdownTimeout time.Duration
} {
	var cfg envConfig
	if err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true}); err != nil {
		orDefault(logger).Warn("pgpubsub: failed to load environment config, using defaults", "error", err)
		cfg = envConfig{SchemaName: "pgip_lock", ShutdownTimeoutMS: 1000}
	}

	return struct {
		SchemaName      string
		ShutdownTimeout time.Duration
	}{
		SchemaName:      cfg.SchemaName,
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutMS) * time.Millisecond,
	}
}
