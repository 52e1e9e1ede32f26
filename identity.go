package pgpubsub

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// applicationNamePrefix keeps pg_stat_activity.application_name greppable
// in operational debugging (e.g. `SELECT * FROM pg_stat_activity WHERE
// application_name LIKE 'pgpubsub:%'`), the same way
// kv.PostgresStore.defaultTableName generates descriptive, purpose-prefixed
// names in the teacher package.
const applicationNamePrefix = "pgpubsub"

// newApplicationName mints a fresh, process-unique identity for a
// connection. It is set as application_name on the connection and used as
// the lock-owner value (deadlock_check compares application_name values).
// Self-message filtering does not use it; that compares Notification.PID
// with the connection's backend PID.
func newApplicationName() string {
	return fmt.Sprintf("%s:%s", applicationNamePrefix, uuid.New().String())
}

// assignIdentity sets application_name on conn and returns the name that
// was assigned. SET does not support bind parameters for its value, so the
// name - which only ever contains the fixed prefix, a colon, and a UUID's
// hex digits and hyphens - is interpolated directly.
func assignIdentity(ctx context.Context, conn Conn) (string, error) {
	name := newApplicationName()
	sql := fmt.Sprintf("SET application_name = %s", quoteLiteral(name))
	if _, err := conn.Exec(ctx, sql); err != nil {
		return "", fmt.Errorf("pgpubsub: failed to set application_name: %w", err)
	}
	return name, nil
}
