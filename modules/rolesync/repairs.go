package rolesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/TheLab-ms/rolesync/modules/accounts"
)

const repairsMigration = `
CREATE TABLE IF NOT EXISTS role_repairs (
    account_id INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    roles_json TEXT NOT NULL,
    cause TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
) STRICT;

CREATE INDEX IF NOT EXISTS role_repairs_next_attempt_idx ON role_repairs (next_attempt);
`

// repairQueue retries writing back the roles an account had before a failed sync.
type repairQueue struct {
	db      *sql.DB
	store   *accounts.Store
	handler *Handler
	lock    func() func()
}

func newRepairQueue(db *sql.DB, store *accounts.Store, lock func() func()) *repairQueue {
	engine.MustMigrate(db, repairsMigration)
	return &repairQueue{db: db, store: store, lock: lock}
}

// Enqueue keeps the first snapshot when a repair is already pending for the account,
// since later snapshots may have been taken from the broken state.
func (q *repairQueue) Enqueue(ctx context.Context, accountID int64, roles []accounts.RoleID, cause error) error {
	js, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	causeStr := ""
	if cause != nil {
		causeStr = cause.Error()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO role_repairs (account_id, roles_json, cause) VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET cause = excluded.cause, next_attempt = unixepoch()`,
		accountID, string(js), causeStr)
	if err != nil {
		return fmt.Errorf("inserting role repair: %w", err)
	}
	slog.Warn("queued role repair", "accountID", accountID, "roles", roles)
	return nil
}

func (q *repairQueue) Cancel(ctx context.Context, accountID int64) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM role_repairs WHERE account_id = $1", accountID)
	return err
}

type repairItem struct {
	AccountID int64
	Roles     []accounts.RoleID
	Attempts  int
}

func (r repairItem) String() string {
	return fmt.Sprintf("accountID=%d attempts=%d", r.AccountID, r.Attempts)
}

// GetItem leases the next due repair for five minutes.
func (q *repairQueue) GetItem(ctx context.Context) (item repairItem, err error) {
	var js string
	err = q.db.QueryRowContext(ctx, `
		UPDATE role_repairs SET next_attempt = unixepoch() + 300
		WHERE account_id = (SELECT account_id FROM role_repairs WHERE next_attempt <= unixepoch() ORDER BY next_attempt ASC LIMIT 1)
		RETURNING account_id, roles_json, attempts`).Scan(&item.AccountID, &js, &item.Attempts)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal([]byte(js), &item.Roles); err != nil {
		return item, fmt.Errorf("decoding roles of repair %d: %w", item.AccountID, err)
	}
	return item, nil
}

// ProcessItem re-reads the repair once the lock is held, since a successful sync
// may have canceled it after it was leased.
func (q *repairQueue) ProcessItem(ctx context.Context, item repairItem) error {
	defer q.lock()()

	var js string
	err := q.db.QueryRowContext(ctx, "SELECT roles_json FROM role_repairs WHERE account_id = $1", item.AccountID).Scan(&js)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Info("dropping canceled role repair", "accountID", item.AccountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reloading role repair: %w", err)
	}
	var roles []accounts.RoleID
	if err := json.Unmarshal([]byte(js), &roles); err != nil {
		return fmt.Errorf("decoding roles of repair %d: %w", item.AccountID, err)
	}

	acct, err := q.store.Get(ctx, item.AccountID)
	if errors.Is(err, accounts.ErrNotFound) {
		slog.Info("dropping role repair for deleted account", "accountID", item.AccountID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := q.handler.Repair(ctx, acct, roles); err != nil {
		return fmt.Errorf("restoring roles: %w", err)
	}
	slog.Info("repaired account roles", "accountID", item.AccountID, "roles", roles)
	return nil
}

// UpdateItem backs off exponentially from five minutes up to a day on failure.
func (q *repairQueue) UpdateItem(ctx context.Context, item repairItem, success bool) error {
	if success {
		_, err := q.db.ExecContext(ctx, "DELETE FROM role_repairs WHERE account_id = $1", item.AccountID)
		return err
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE role_repairs
		SET attempts = attempts + 1,
			next_attempt = unixepoch() + MIN(300 << MIN(attempts, 10), 86400)
		WHERE account_id = $1`, item.AccountID)
	return err
}
