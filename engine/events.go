package engine

import (
	"context"
	"database/sql"
	"log/slog"
)

const integrationEventsMigration = `
CREATE TABLE IF NOT EXISTS integration_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    source TEXT NOT NULL,
    account INTEGER,
    event_type TEXT NOT NULL,
    external_id TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    details TEXT NOT NULL DEFAULT ''
) STRICT;

CREATE INDEX IF NOT EXISTS integration_events_source_created_idx
    ON integration_events (source, created);
CREATE INDEX IF NOT EXISTS integration_events_source_type_success_idx
    ON integration_events (source, event_type, success);
CREATE INDEX IF NOT EXISTS integration_events_account_idx
    ON integration_events (account);
`

// EventLogger records the outcome of calls into external systems.
type EventLogger struct {
	db *sql.DB
}

// NewEventLogger creates an EventLogger and applies the integration_events table migration.
func NewEventLogger(db *sql.DB) *EventLogger {
	MustMigrate(db, integrationEventsMigration)
	return &EventLogger{db: db}
}

// LogEvent inserts an integration event into the database.
// Parameters:
//   - source: the integration source (e.g. "rolesync")
//   - accountID: the account ID (0 for no account association)
//   - eventType: the type of event
//   - externalID: correlation id of the triggering event
//   - success: whether the operation succeeded
//   - details: additional details about the event
func (e *EventLogger) LogEvent(ctx context.Context, source string, accountID int64, eventType, externalID string, success bool, details string) {
	if e == nil || e.db == nil {
		return
	}

	successInt := 0
	if success {
		successInt = 1
	}

	var accountPtr any
	if accountID > 0 {
		accountPtr = accountID
	}

	var extIDPtr any
	if externalID != "" {
		extIDPtr = externalID
	}

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO integration_events (source, account, event_type, external_id, success, details)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		source, accountPtr, eventType, extIDPtr, successInt, details)
	if err != nil {
		slog.Error("failed to log integration event", "error", err, "source", source, "eventType", eventType)
	}
}

// Prune returns a PollingFunc that removes integration events older than ttl seconds.
func (e *EventLogger) Prune(ttl int64) PollingFunc {
	return Cleanup(e.db, "integration events", "DELETE FROM integration_events WHERE created < unixepoch() - ?", ttl)
}
