package accounts

import (
	"slices"
	"strings"
)

// RoleID identifies an application-level permission bundle.
type RoleID string

// NoRole is a placeholder meaning "no role". It is never added, removed, or persisted.
const NoRole RoleID = "0"

// Account is an in-memory view of a stored account.
// Mutations only take effect once the account is passed to Store.Save.
type Account struct {
	ID          int64
	Email       string
	DisplayName string
	Active      bool

	roles []RoleID
}

func (a *Account) GetEmail() string { return a.Email }

// GetDisplayName falls back to the local part of the email when no name is set.
func (a *Account) GetDisplayName() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	local, _, _ := strings.Cut(a.Email, "@")
	return local
}

func (a *Account) Activate(active bool) { a.Active = active }

// Roles returns a copy of the account's roles in the order they were added.
func (a *Account) Roles() []RoleID {
	out := make([]RoleID, 0, len(a.roles))
	for _, r := range a.roles {
		if r != NoRole {
			out = append(out, r)
		}
	}
	return out
}

func (a *Account) HasRole(role RoleID) bool { return slices.Contains(a.roles, role) }

// AddRole is a no-op for NoRole and for roles the account already has.
func (a *Account) AddRole(role RoleID) {
	if role == NoRole || role == "" || a.HasRole(role) {
		return
	}
	a.roles = append(a.roles, role)
}

func (a *Account) RemoveRole(role RoleID) {
	if role == NoRole {
		return
	}
	a.roles = slices.DeleteFunc(a.roles, func(r RoleID) bool { return r == role })
}
