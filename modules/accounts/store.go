package accounts

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/TheLab-ms/rolesync/engine"
)

//go:embed schema.sql
var migration string

var ErrNotFound = errors.New("account not found")

// Store persists accounts and their roles in sqlite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	engine.MustMigrate(db, migration)
	return &Store{db: db}
}

// Create finds or creates the account with the given email.
// The returned bool is true only when a new row was inserted.
func (s *Store) Create(ctx context.Context, email, displayName string) (*Account, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, false, errors.New("email is required")
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO accounts (email, display_name) VALUES ($1, $2) ON CONFLICT (email) DO NOTHING", email, displayName)
	if err != nil {
		return nil, false, fmt.Errorf("inserting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	acct, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return acct, n > 0, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Account, error) {
	return s.get(ctx, "SELECT id, email, display_name, active FROM accounts WHERE id = $1", id)
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return s.get(ctx, "SELECT id, email, display_name, active FROM accounts WHERE email = $1", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) get(ctx context.Context, query string, arg any) (*Account, error) {
	acct := &Account{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&acct.ID, &acct.Email, &acct.DisplayName, &acct.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT role_id FROM account_roles WHERE account_id = $1 ORDER BY position, role_id", acct.ID)
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		acct.AddRole(RoleID(role))
	}
	return acct, rows.Err()
}

// Save writes the account's active flag, display name, and full role set in a single transaction.
func (s *Store) Save(ctx context.Context, acct *Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	active := 0
	if acct.Active {
		active = 1
	}
	res, err := tx.ExecContext(ctx, "UPDATE accounts SET active = $1, display_name = $2 WHERE id = $3", active, acct.DisplayName, acct.ID)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM account_roles WHERE account_id = $1", acct.ID)
	if err != nil {
		return fmt.Errorf("clearing roles: %w", err)
	}
	for i, role := range acct.Roles() {
		_, err = tx.ExecContext(ctx, "INSERT INTO account_roles (account_id, role_id, position) VALUES ($1, $2, $3)", acct.ID, string(role), i)
		if err != nil {
			return fmt.Errorf("inserting role %q: %w", role, err)
		}
	}

	return tx.Commit()
}

// NewTestStore returns a store backed by a temporary database.
func NewTestStore(t *testing.T) *Store {
	return NewStore(engine.OpenTestDB(t))
}
