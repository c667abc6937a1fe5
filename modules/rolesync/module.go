package rolesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/TheLab-ms/rolesync/modules/accounts"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// EventsAudience is the token audience accepted by the event endpoints.
const EventsAudience = "rolesync-events"

const eventTTL = 2 * 365 * 24 * 60 * 60 // 2 years in seconds

// Module receives account events from the login flow and hands them to the Handler one at a time.
type Module struct {
	mu      sync.Mutex
	store   *accounts.Store
	handler *Handler
	repairs *repairQueue
	events  *engine.EventLogger
	issuer  *engine.TokenIssuer
}

func New(db *sql.DB, store *accounts.Store, dir DirectoryOpener, mapping *Mapping, iss *engine.TokenIssuer) *Module {
	m := &Module{
		store:  store,
		events: engine.NewEventLogger(db),
		issuer: iss,
	}
	m.repairs = newRepairQueue(db, store, m.lock)
	m.handler = NewHandler(store, dir, mapping, slog.Default().With("source", "rolesync")).WithRepairs(m.repairs)
	m.repairs.handler = m.handler
	return m
}

func (m *Module) lock() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("POST", "/events/account-created", m.issuer.WithBearerToken(EventsAudience, m.handleAccountCreated))
	router.Handle("POST", "/events/account-login", m.issuer.WithBearerToken(EventsAudience, m.handleAccountLogin))
	router.Handle("GET", "/accounts/:email", m.issuer.WithBearerToken(EventsAudience, m.handleGetAccount))
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(time.Second, engine.PollWorkqueue(engine.WithRateLimiting[repairItem](m.repairs, 2))))
	mgr.Add(engine.Poll(time.Hour, m.events.Prune(eventTTL)))
}

type accountEvent struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type eventResponse struct {
	EventID   string            `json:"eventID"`
	AccountID int64             `json:"accountID"`
	Outcome   Outcome           `json:"outcome"`
	Activated bool              `json:"activated"`
	Added     []accounts.RoleID `json:"added"`
}

func decodeEvent(r *http.Request) (*accountEvent, error) {
	event := &accountEvent{}
	if err := json.NewDecoder(r.Body).Decode(event); err != nil {
		return nil, fmt.Errorf("invalid event body: %w", err)
	}
	if !strings.Contains(event.Email, "@") {
		return nil, errors.New("a valid email is required")
	}
	return event, nil
}

func (m *Module) handleAccountCreated(r *http.Request, ps httprouter.Params) engine.Response {
	event, err := decodeEvent(r)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "%s", err)
	}

	defer m.lock()()
	acct, created, err := m.store.Create(r.Context(), event.Email, event.DisplayName)
	if err != nil {
		return engine.Errorf("creating account: %s", err)
	}

	eventID := uuid.NewString()
	if !created {
		slog.Info("ignoring creation event for existing account", "eventID", eventID, "accountID", acct.ID)
		return engine.JSON(&eventResponse{EventID: eventID, AccountID: acct.ID, Outcome: OutcomeSkipped})
	}

	res := m.handler.OnAccountCreated(r.Context(), acct)
	m.record(r.Context(), "AccountCreated", eventID, acct, res)
	return engine.JSON(&eventResponse{EventID: eventID, AccountID: acct.ID, Outcome: res.Outcome, Activated: res.Activated, Added: res.Added})
}

func (m *Module) handleAccountLogin(r *http.Request, ps httprouter.Params) engine.Response {
	event, err := decodeEvent(r)
	if err != nil {
		return engine.ClientErrorf(http.StatusBadRequest, "%s", err)
	}

	defer m.lock()()
	acct, err := m.store.GetByEmail(r.Context(), event.Email)
	if errors.Is(err, accounts.ErrNotFound) {
		return engine.ClientErrorf(http.StatusNotFound, "unknown account")
	}
	if err != nil {
		return engine.Error(err)
	}

	eventID := uuid.NewString()
	res := m.handler.OnAccountLogin(r.Context(), acct)
	m.record(r.Context(), "AccountLogin", eventID, acct, res)
	return engine.JSON(&eventResponse{EventID: eventID, AccountID: acct.ID, Outcome: res.Outcome, Added: res.Added})
}

// record writes the result to the integration event log. Failures are only visible there and in the server logs.
func (m *Module) record(ctx context.Context, eventType, eventID string, acct *accounts.Account, res Result) {
	details := fmt.Sprintf("outcome=%s added=%v", res.Outcome, res.Added)
	if res.Err != nil {
		details += " error=" + res.Err.Error()
	}
	if res.RestoreErr != nil {
		details += " restoreError=" + res.RestoreErr.Error()
	}
	success := res.Outcome == OutcomeSynced || res.Outcome == OutcomeSkipped
	m.events.LogEvent(ctx, "rolesync", acct.ID, eventType, eventID, success, details)
	slog.Info("handled account event", "eventID", eventID, "type", eventType, "accountID", acct.ID, "outcome", res.Outcome)
}

type accountView struct {
	ID          int64             `json:"id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"displayName"`
	Active      bool              `json:"active"`
	Roles       []accounts.RoleID `json:"roles"`
}

func (m *Module) handleGetAccount(r *http.Request, ps httprouter.Params) engine.Response {
	acct, err := m.store.GetByEmail(r.Context(), ps.ByName("email"))
	if errors.Is(err, accounts.ErrNotFound) {
		return engine.ClientErrorf(http.StatusNotFound, "unknown account")
	}
	if err != nil {
		return engine.Error(err)
	}
	return engine.JSON(&accountView{
		ID:          acct.ID,
		Email:       acct.Email,
		DisplayName: acct.GetDisplayName(),
		Active:      acct.Active,
		Roles:       acct.Roles(),
	})
}
