package rolesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/TheLab-ms/rolesync/modules/accounts"
	"github.com/TheLab-ms/rolesync/modules/directory"
)

type AccountStore interface {
	Save(ctx context.Context, acct *accounts.Account) error
}

// DirectoryOpener returns false when the directory isn't configured.
type DirectoryOpener interface {
	Open(ctx context.Context) (directory.Lister, bool, error)
}

// RepairQueue takes over accounts whose roles couldn't be restored after a failed sync.
type RepairQueue interface {
	Enqueue(ctx context.Context, accountID int64, roles []accounts.RoleID, cause error) error
	Cancel(ctx context.Context, accountID int64) error
}

type Outcome int

const (
	// OutcomeSkipped means no role sync was attempted.
	OutcomeSkipped Outcome = iota

	// OutcomeSynced means the account's roles now reflect its directory groups.
	OutcomeSynced

	// OutcomeRestored means the sync failed but the account's roles are what they were before it started.
	OutcomeRestored

	// OutcomeInconsistent means the sync failed and the previous roles couldn't be written back.
	OutcomeInconsistent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSynced:
		return "synced"
	case OutcomeRestored:
		return "restored"
	case OutcomeInconsistent:
		return "inconsistent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result describes what happened to an account while handling one event.
type Result struct {
	Outcome   Outcome
	Activated bool
	Added     []accounts.RoleID

	// Err is the failure that stopped the sync.
	Err error

	// RestoreErr is set when the previous roles couldn't be written back.
	RestoreErr error
}

// Handler derives account roles from directory group membership.
type Handler struct {
	store     AccountStore
	directory DirectoryOpener
	mapping   *Mapping
	logger    *slog.Logger
	repairs   RepairQueue
}

func NewHandler(store AccountStore, dir DirectoryOpener, mapping *Mapping, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default().With("source", "rolesync")
	}
	return &Handler{store: store, directory: dir, mapping: mapping, logger: logger}
}

// WithRepairs escalates failed restorations to the given queue.
func (h *Handler) WithRepairs(q RepairQueue) *Handler {
	h.repairs = q
	return h
}

// OnAccountCreated activates accounts from the allow-listed domain and grants their initial roles.
// A failure to determine roles is logged but never undoes the activation.
func (h *Handler) OnAccountCreated(ctx context.Context, acct *accounts.Account) Result {
	if DomainOf(acct.GetEmail()) != h.mapping.AllowedDomain() {
		return Result{Outcome: OutcomeSkipped}
	}

	acct.Activate(true)
	if err := h.store.Save(ctx, acct); err != nil {
		h.logger.Error("failed to activate account", "email", acct.GetEmail(), "error", err)
		return Result{Outcome: OutcomeRestored, Err: fmt.Errorf("activating account: %w", err)}
	}
	h.logger.Info("activated account", "email", acct.GetEmail())

	lister, ok, err := h.directory.Open(ctx)
	if err != nil {
		h.logger.Error("unable to determine roles", "email", acct.GetEmail(), "error", err)
		return Result{Outcome: OutcomeRestored, Activated: true, Err: err}
	}
	if !ok {
		return Result{Outcome: OutcomeSkipped, Activated: true}
	}

	added, err := h.determineRoles(ctx, acct, lister)
	if err != nil {
		h.logger.Error("unable to determine roles", "email", acct.GetEmail(), "error", err)
		res := Result{Outcome: OutcomeRestored, Activated: true, Added: added, Err: err}
		if len(added) > 0 {
			res.Outcome = OutcomeInconsistent
		}
		return res
	}

	return Result{Outcome: OutcomeSynced, Activated: true, Added: added}
}

// OnAccountLogin re-derives the account's roles from the directory.
// Every current role is removed first, and put back if the directory lookup fails.
// Without directory credentials the account is left with no roles.
func (h *Handler) OnAccountLogin(ctx context.Context, acct *accounts.Account) Result {
	snapshot := acct.Roles()
	for _, role := range snapshot {
		acct.RemoveRole(role)
		if err := h.store.Save(ctx, acct); err != nil {
			return h.restore(ctx, acct, snapshot, nil, fmt.Errorf("removing role %s: %w", role, err))
		}
	}

	lister, ok, err := h.directory.Open(ctx)
	if err != nil {
		return h.restore(ctx, acct, snapshot, nil, err)
	}

	var added []accounts.RoleID
	if ok {
		added, err = h.determineRoles(ctx, acct, lister)
		if err != nil {
			return h.restore(ctx, acct, snapshot, added, err)
		}
	} else {
		h.logger.Debug("directory credentials not found - skipping role sync", "email", acct.GetEmail())
	}

	if h.repairs != nil {
		if err := h.repairs.Cancel(ctx, acct.ID); err != nil {
			h.logger.Warn("failed to cancel pending role repair", "account", acct.GetDisplayName(), "error", err)
		}
	}
	return Result{Outcome: OutcomeSynced, Added: added}
}

// DetermineRoles grants the role of every mapped directory group the account belongs to.
// The account is saved after each added role.
// Nothing happens when the directory isn't configured.
func (h *Handler) DetermineRoles(ctx context.Context, acct *accounts.Account) ([]accounts.RoleID, error) {
	lister, ok, err := h.directory.Open(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		h.logger.Debug("directory credentials not found - skipping role sync", "email", acct.GetEmail())
		return nil, nil
	}
	return h.determineRoles(ctx, acct, lister)
}

func (h *Handler) determineRoles(ctx context.Context, acct *accounts.Account, lister directory.Lister) ([]accounts.RoleID, error) {
	groups, err := lister.ListGroups(ctx, acct.GetEmail())
	if err != nil {
		return nil, fmt.Errorf("listing directory groups: %w", err)
	}

	var added []accounts.RoleID
	for _, group := range groups {
		role, ok := h.mapping.RoleFor(group.Name)
		if !ok || acct.HasRole(role) {
			continue
		}
		acct.AddRole(role)
		if err := h.store.Save(ctx, acct); err != nil {
			return added, fmt.Errorf("adding role %s: %w", role, err)
		}
		added = append(added, role)
	}
	return added, nil
}

// restore puts the account's roles back to the snapshot, saving after every change.
// Save failures don't stop the restoration: every save writes the full role set
// so a later successful save also covers the earlier failures.
func (h *Handler) restore(ctx context.Context, acct *accounts.Account, snapshot, added []accounts.RoleID, cause error) Result {
	h.logger.Error("unable to determine roles - restoring previous roles", "account", acct.GetDisplayName(), "error", cause)
	res := Result{Outcome: OutcomeRestored, Added: added, Err: cause}

	var errs []error
	dirty := false
	save := func() {
		if err := h.store.Save(ctx, acct); err != nil {
			errs = append(errs, err)
			dirty = true
			return
		}
		dirty = false
	}

	for _, role := range acct.Roles() {
		if !slices.Contains(snapshot, role) {
			acct.RemoveRole(role)
			save()
		}
	}
	for _, role := range snapshot {
		if !acct.HasRole(role) {
			acct.AddRole(role)
			save()
		}
	}
	if dirty {
		save()
	}
	if !dirty {
		return res
	}

	res.Outcome = OutcomeInconsistent
	res.RestoreErr = errors.Join(errs...)
	h.logger.Error("failed to restore previous roles", "account", acct.GetDisplayName(), "roles", snapshot, "error", res.RestoreErr)

	if h.repairs != nil {
		if err := h.repairs.Enqueue(ctx, acct.ID, snapshot, cause); err != nil {
			h.logger.Error("failed to enqueue role repair", "account", acct.GetDisplayName(), "error", err)
		}
	}
	return res
}

// Repair makes the account's roles exactly match the given set with a single save.
func (h *Handler) Repair(ctx context.Context, acct *accounts.Account, roles []accounts.RoleID) error {
	for _, role := range acct.Roles() {
		if !slices.Contains(roles, role) {
			acct.RemoveRole(role)
		}
	}
	for _, role := range roles {
		acct.AddRole(role)
	}
	return h.store.Save(ctx, acct)
}
