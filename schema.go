package pgpubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// ensureSchema idempotently creates the schema, lock table, notify
// trigger, and deadlock-check routine described in spec.md §4.3. It is
// safe to call concurrently from multiple processes against the same
// database: every statement is either naturally idempotent (CREATE ... IF
// NOT EXISTS, CREATE OR REPLACE) or its failure due to a concurrent
// duplicate-object race is swallowed.
func ensureSchema(ctx context.Context, conn Conn, schemaName string, logger *slog.Logger) error {
	exists, err := schemaExists(ctx, conn, schemaName)
	if err != nil {
		return fmt.Errorf("pgpubsub: failed to probe lock schema: %w", err)
	}
	if exists {
		return nil
	}

	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schemaName)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.lock (
			channel text PRIMARY KEY,
			app text NOT NULL
		)`, quoteIdent(schemaName)),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s.notify_lock() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify(OLD.channel, '1');
			RETURN OLD;
		END;
		$$ LANGUAGE plpgsql`, quoteIdent(schemaName)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS notify_release_lock_trigger ON %s.lock`, quoteIdent(schemaName)),
		fmt.Sprintf(`CREATE CONSTRAINT TRIGGER notify_release_lock_trigger
			AFTER DELETE ON %s.lock
			DEFERRABLE INITIALLY DEFERRED
			FOR EACH ROW EXECUTE FUNCTION %s.notify_lock()`, quoteIdent(schemaName), quoteIdent(schemaName)),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s.deadlock_check(old_app text, new_app text) RETURNS text AS $$
		DECLARE
			still_alive integer;
		BEGIN
			SELECT count(*) INTO still_alive
			FROM pg_stat_activity
			WHERE application_name = old_app;

			IF still_alive > 0 THEN
				RAISE EXCEPTION 'locked' USING ERRCODE = 'P0001', DETAIL = 'LOCKED';
			END IF;

			RETURN new_app;
		END;
		$$ LANGUAGE plpgsql`, quoteIdent(schemaName)),
	}

	for _, stmt := range statements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			if isDuplicateObject(err) {
				orDefault(logger).Warn("pgpubsub: lock schema bootstrap lost a race to a concurrent initializer", "error", err)
				continue
			}
			return fmt.Errorf("pgpubsub: lock schema bootstrap failed: %w", err)
		}
	}

	return nil
}

// schemaExists probes the standard information_schema catalog rather than
// blindly issuing DDL on every startup.
func schemaExists(ctx context.Context, conn Conn, schemaName string) (bool, error) {
	var exists bool
	row := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.schemata WHERE schema_name = $1
		)`, schemaName)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// isDuplicateObject reports whether err is a Postgres error class that
// indicates two concurrent initializers raced to create the same schema
// object. These are expected and tolerated, per spec.md §4.3 and §7 item 8.
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P06", // duplicate_schema
		"42P07", // duplicate_table
		"42723", // duplicate_function
		"42710": // duplicate_object (trigger, etc.)
		return true
	default:
		return false
	}
}

// lockTableIdent returns the fully-qualified, quoted "schema.lock" table
// reference used by the channel lock's acquire/release statements.
func lockTableIdent(schemaName string) string {
	return quoteQualifiedIdent(schemaName, "lock")
}

// deadlockCheckIdent returns the fully-qualified, quoted deadlock_check
// function reference.
func deadlockCheckIdent(schemaName string) string {
	return quoteQualifiedIdent(schemaName, "deadlock_check")
}
