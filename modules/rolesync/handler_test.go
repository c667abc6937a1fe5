package rolesync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/TheLab-ms/rolesync/modules/accounts"
	"github.com/TheLab-ms/rolesync/modules/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerHarness struct {
	store   *fakeStore
	dir     *fakeDirectory
	repairs *fakeRepairs
	logs    *bytes.Buffer
	handler *Handler
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	mapping, err := NewMapping("your_domain.com", map[string]string{
		"Author Group Name":    "author",
		"Editor Group Name":    "editor",
		"Publisher Group Name": "publisher",
		"Authors (legacy)":     "author",
	})
	require.NoError(t, err)

	h := &handlerHarness{
		store:   &fakeStore{},
		dir:     &fakeDirectory{configured: true, groups: map[string][]directory.Group{}},
		repairs: &fakeRepairs{},
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})).With("source", "rolesync")
	h.handler = NewHandler(h.store, h.dir, mapping, logger).WithRepairs(h.repairs)
	return h
}

func (h *handlerHarness) setGroups(email string, names ...string) {
	groups := make([]directory.Group, len(names))
	for i, name := range names {
		groups[i] = directory.Group{Name: name}
	}
	h.dir.groups[email] = groups
}

func newAccount(email, name string, roles ...accounts.RoleID) *accounts.Account {
	a := &accounts.Account{ID: 1, Email: email, DisplayName: name}
	for _, r := range roles {
		a.AddRole(r)
	}
	return a
}

func TestOnAccountCreatedDomains(t *testing.T) {
	tests := []struct {
		email    string
		activate bool
	}{
		{email: "laura@your_domain.com", activate: true},
		{email: "laura@other.com", activate: false},
		{email: "laura@sub.your_domain.com", activate: false},
		{email: "laura@your_domain.com.evil.com", activate: false},
		{email: "a@your_domain.com@other.com", activate: true},
		{email: "a@other.com@your_domain.com", activate: false},
		{email: "no-domain", activate: false},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			h := newHandlerHarness(t)
			acct := newAccount(tt.email, "")

			res := h.handler.OnAccountCreated(t.Context(), acct)
			assert.Equal(t, tt.activate, acct.Active)
			assert.Equal(t, tt.activate, res.Activated)
			if tt.activate {
				assert.Equal(t, OutcomeSynced, res.Outcome)
				require.NotEmpty(t, h.store.saves)
				assert.True(t, h.store.saves[0].active)
				assert.Equal(t, 1, h.dir.opens)
			} else {
				assert.Equal(t, OutcomeSkipped, res.Outcome)
				assert.Empty(t, h.store.saves)
				assert.Zero(t, h.dir.opens)
			}
		})
	}
}

func TestOnAccountCreatedAssignsMappedRoles(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Author Group Name", "Unknown Group")
	acct := newAccount("laura@your_domain.com", "Laura Palmer")

	res := h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, []accounts.RoleID{"author"}, res.Added)
	assert.Equal(t, []accounts.RoleID{"author"}, acct.Roles())

	// One save for the activation and one per added role
	require.Len(t, h.store.saves, 2)
	assert.Empty(t, h.store.saves[0].roles)
	assert.Equal(t, []accounts.RoleID{"author"}, h.store.saves[1].roles)
}

func TestOnAccountCreatedWithoutCredentials(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.configured = false
	h.setGroups("laura@your_domain.com", "Author Group Name")
	acct := newAccount("laura@your_domain.com", "")

	res := h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, res.Activated)
	assert.True(t, acct.Active)
	assert.Empty(t, acct.Roles())
	assert.Zero(t, h.dir.lists)
}

func TestOnAccountCreatedFailureKeepsActivation(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.err = errors.New("directory is down")
	acct := newAccount("laura@your_domain.com", "")

	res := h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.ErrorContains(t, res.Err, "directory is down")
	assert.True(t, acct.Active)
	require.Len(t, h.store.saves, 1)
	assert.True(t, h.store.saves[0].active)
	assert.Contains(t, h.logs.String(), "laura@your_domain.com")

	// Roles added before the failure stay behind
	h = newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Author Group Name", "Editor Group Name")
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return n == 3 }
	acct = newAccount("laura@your_domain.com", "")

	res = h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeInconsistent, res.Outcome)
	assert.Equal(t, []accounts.RoleID{"author"}, res.Added)
	assert.True(t, acct.Active)
}

func TestOnAccountCreatedActivationFailure(t *testing.T) {
	h := newHandlerHarness(t)
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return true }
	acct := newAccount("laura@your_domain.com", "")

	res := h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.False(t, res.Activated)
	assert.Error(t, res.Err)
	assert.Zero(t, h.dir.opens)
}

func TestOnAccountLoginReplacesRoles(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Publisher Group Name")
	acct := newAccount("laura@your_domain.com", "Laura Palmer", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, []accounts.RoleID{"publisher"}, acct.Roles())

	// Every removal and every addition is saved on its own
	require.Len(t, h.store.saves, 2)
	assert.Empty(t, h.store.saves[0].roles)
	assert.Equal(t, []accounts.RoleID{"publisher"}, h.store.saves[1].roles)

	// Success cancels any pending repair
	assert.Equal(t, []int64{1}, h.repairs.canceled)
}

func TestOnAccountLoginRemovesEachRole(t *testing.T) {
	h := newHandlerHarness(t)
	acct := newAccount("laura@your_domain.com", "", "editor", "author", "publisher")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Empty(t, acct.Roles(), "no groups means no roles")

	require.Len(t, h.store.saves, 3)
	assert.Equal(t, []accounts.RoleID{"author", "publisher"}, h.store.saves[0].roles)
	assert.Equal(t, []accounts.RoleID{"publisher"}, h.store.saves[1].roles)
	assert.Empty(t, h.store.saves[2].roles)
}

func TestOnAccountLoginRestoresOnFailure(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.err = errors.New("directory is down")
	acct := newAccount("laura@your_domain.com", "Laura Palmer", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.ErrorContains(t, res.Err, "directory is down")
	assert.NoError(t, res.RestoreErr)
	assert.Equal(t, []accounts.RoleID{"editor"}, acct.Roles())
	assert.Equal(t, []accounts.RoleID{"editor"}, h.store.last().roles)
	assert.Contains(t, h.logs.String(), "Laura Palmer")
	assert.Empty(t, h.repairs.enqueued)
	assert.Empty(t, h.repairs.canceled)
}

func TestOnAccountLoginRestoresAfterPartialAdd(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Publisher Group Name", "Author Group Name")
	// saves: 1 = editor removed, 2 = publisher added, 3 = author added (fails)
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return n == 3 }
	acct := newAccount("laura@your_domain.com", "", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.Equal(t, []accounts.RoleID{"publisher"}, res.Added)
	assert.Equal(t, []accounts.RoleID{"editor"}, acct.Roles())
	assert.Equal(t, []accounts.RoleID{"editor"}, h.store.last().roles)
}

func TestOnAccountLoginRemovalFailure(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Publisher Group Name")
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return n == 2 }
	acct := newAccount("laura@your_domain.com", "", "editor", "author")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.ErrorContains(t, res.Err, "removing role author")
	assert.Zero(t, h.dir.lists, "the directory isn't queried after a failed removal")
	assert.ElementsMatch(t, []accounts.RoleID{"editor", "author"}, acct.Roles())
	assert.ElementsMatch(t, []accounts.RoleID{"editor", "author"}, h.store.last().roles)
}

func TestOnAccountLoginRestoreFailure(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.err = errors.New("directory is down")
	// The removal succeeds and every later save fails
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return n > 1 }
	acct := newAccount("laura@your_domain.com", "Laura Palmer", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeInconsistent, res.Outcome)
	assert.Error(t, res.Err)
	assert.Error(t, res.RestoreErr)
	assert.Empty(t, h.store.persisted(), "the account was left without roles")

	require.Len(t, h.repairs.enqueued, 1)
	assert.Equal(t, int64(1), h.repairs.enqueued[0].accountID)
	assert.Equal(t, []accounts.RoleID{"editor"}, h.repairs.enqueued[0].roles)
}

func TestOnAccountLoginRestoreRecoversOnRetry(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.err = errors.New("directory is down")
	// The first restoring save fails but the final retry goes through
	h.store.failOn = func(n int, roles []accounts.RoleID) bool { return n == 2 }
	acct := newAccount("laura@your_domain.com", "", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.NoError(t, res.RestoreErr)
	assert.Equal(t, []accounts.RoleID{"editor"}, h.store.persisted())
	assert.Empty(t, h.repairs.enqueued)
}

func TestOnAccountLoginWithoutCredentials(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.configured = false
	acct := newAccount("laura@your_domain.com", "", "editor")

	// Roles are still removed but nothing is added back
	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Empty(t, acct.Roles())
	require.Len(t, h.store.saves, 1)
	assert.Empty(t, h.store.saves[0].roles)
	assert.Zero(t, h.dir.lists)
}

func TestOnAccountLoginBrokenCredentials(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.openErr = errors.New("bad key")
	acct := newAccount("laura@your_domain.com", "", "editor")

	res := h.handler.OnAccountLogin(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.ErrorContains(t, res.Err, "bad key")
	assert.Equal(t, []accounts.RoleID{"editor"}, acct.Roles())
	assert.Equal(t, []accounts.RoleID{"editor"}, h.store.last().roles)
	assert.Zero(t, h.dir.lists)
}

func TestOpenErrorWinsOverNotConfigured(t *testing.T) {
	h := newHandlerHarness(t)
	h.dir.configured = false
	h.dir.openErr = errors.New("unreadable key")
	acct := newAccount("laura@your_domain.com", "")

	res := h.handler.OnAccountCreated(t.Context(), acct)
	assert.Equal(t, OutcomeRestored, res.Outcome)
	assert.True(t, res.Activated)
	assert.ErrorContains(t, res.Err, "unreadable key")
	assert.Zero(t, h.dir.lists)

	_, err := h.handler.DetermineRoles(t.Context(), newAccount("laura@your_domain.com", ""))
	assert.ErrorContains(t, err, "unreadable key")
}

func TestDetermineRoles(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Author Group Name", "Authors (legacy)", "Unknown Group", "Editor Group Name")
	acct := newAccount("laura@your_domain.com", "")

	added, err := h.handler.DetermineRoles(t.Context(), acct)
	require.NoError(t, err)
	assert.Equal(t, []accounts.RoleID{"author", "editor"}, added)
	assert.Len(t, h.store.saves, 2, "one save per added role")

	// Not configured
	h = newHandlerHarness(t)
	h.dir.configured = false
	acct = newAccount("laura@your_domain.com", "", "editor")
	added, err = h.handler.DetermineRoles(t.Context(), acct)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []accounts.RoleID{"editor"}, acct.Roles())
	assert.Zero(t, h.dir.lists)
	assert.Empty(t, h.store.saves)

	// No matching groups
	h = newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Unknown Group")
	added, err = h.handler.DetermineRoles(t.Context(), newAccount("laura@your_domain.com", ""))
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, h.store.saves)
}

func TestSentinelRoleNeverPersisted(t *testing.T) {
	h := newHandlerHarness(t)
	h.setGroups("laura@your_domain.com", "Author Group Name")
	acct := newAccount("laura@your_domain.com", "", accounts.NoRole, "editor")

	h.handler.OnAccountLogin(t.Context(), acct)
	h.dir.err = errors.New("directory is down")
	h.handler.OnAccountLogin(t.Context(), acct)

	for _, s := range h.store.saves {
		assert.NotContains(t, s.roles, accounts.NoRole)
	}
}

func TestRepair(t *testing.T) {
	h := newHandlerHarness(t)
	acct := newAccount("laura@your_domain.com", "", "publisher", "author")

	require.NoError(t, h.handler.Repair(t.Context(), acct, []accounts.RoleID{"editor", "author"}))
	assert.ElementsMatch(t, []accounts.RoleID{"editor", "author"}, acct.Roles())
	assert.Len(t, h.store.saves, 1)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "synced", OutcomeSynced.String())
	assert.Equal(t, "restored", OutcomeRestored.String())
	assert.Equal(t, "inconsistent", OutcomeInconsistent.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

type savedAccount struct {
	active bool
	roles  []accounts.RoleID
	err    error
}

// fakeStore records every save. failOn receives the 1-based save number.
type fakeStore struct {
	saves  []savedAccount
	failOn func(n int, roles []accounts.RoleID) bool
}

func (f *fakeStore) Save(ctx context.Context, acct *accounts.Account) error {
	s := savedAccount{active: acct.Active, roles: acct.Roles()}
	if f.failOn != nil && f.failOn(len(f.saves)+1, s.roles) {
		s.err = errors.New("database is locked")
	}
	f.saves = append(f.saves, s)
	return s.err
}

func (f *fakeStore) last() savedAccount { return f.saves[len(f.saves)-1] }

// persisted returns the roles of the last successful save.
func (f *fakeStore) persisted() []accounts.RoleID {
	for i := len(f.saves) - 1; i >= 0; i-- {
		if f.saves[i].err == nil {
			return f.saves[i].roles
		}
	}
	return nil
}

type fakeDirectory struct {
	configured bool
	openErr    error
	err        error
	groups     map[string][]directory.Group
	opens      int
	lists      int
}

func (f *fakeDirectory) Open(ctx context.Context) (directory.Lister, bool, error) {
	f.opens++
	if f.openErr != nil || !f.configured {
		return nil, f.configured, f.openErr
	}
	return f, true, nil
}

func (f *fakeDirectory) ListGroups(ctx context.Context, email string) ([]directory.Group, error) {
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	return f.groups[email], nil
}

type enqueuedRepair struct {
	accountID int64
	roles     []accounts.RoleID
}

type fakeRepairs struct {
	enqueued []enqueuedRepair
	canceled []int64
}

func (f *fakeRepairs) Enqueue(ctx context.Context, accountID int64, roles []accounts.RoleID, cause error) error {
	f.enqueued = append(f.enqueued, enqueuedRepair{accountID: accountID, roles: roles})
	return nil
}

func (f *fakeRepairs) Cancel(ctx context.Context, accountID int64) error {
	f.canceled = append(f.canceled, accountID)
	return nil
}
