package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/TheLab-ms/rolesync/modules/accounts"
	"github.com/TheLab-ms/rolesync/modules/rolesync"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*sql.DB, *accounts.Store) {
	db := engine.OpenTestDB(t)
	store := accounts.NewStore(db)
	rolesync.New(db, store, nil, nil, nil) // role_repairs and integration_events
	return db, store
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	m := New(db, nil)

	// Basics
	for range 50 {
		time.Sleep(time.Millisecond)
		m.aggregate(ctx, &aggregate{
			Name:     "test",
			Query:    "SELECT COUNT(*) FROM metrics",
			Interval: time.Millisecond * 10,
		})
	}
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM metrics WHERE series = 'test'").Scan(&count)
	require.NoError(t, err)
	assert.Greater(t, count, 2)
	assert.Less(t, count, 11)

	// Make sure configured aggregates are valid sql
	for _, agg := range aggregates {
		assert.True(t, m.aggregate(ctx, agg))
		assert.True(t, m.aggregate(ctx, agg))
	}

	assert.False(t, m.aggregate(ctx, &aggregate{Name: "broken", Query: "SELECT nope FROM nowhere", Interval: time.Hour}))
}

func TestAggregateValues(t *testing.T) {
	ctx := context.Background()
	db, store := newTestDB(t)
	m := New(db, nil)

	laura, _, err := store.Create(ctx, "laura@your_domain.com", "")
	require.NoError(t, err)
	laura.Activate(true)
	laura.AddRole("editor")
	require.NoError(t, store.Save(ctx, laura))

	bob, _, err := store.Create(ctx, "bob@your_domain.com", "")
	require.NoError(t, err)
	bob.Activate(true)
	require.NoError(t, store.Save(ctx, bob))

	_, _, err = store.Create(ctx, "leland@other.com", "")
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO role_repairs (account_id, roles_json) VALUES ($1, '[]')", bob.ID)
	require.NoError(t, err)

	events := engine.NewEventLogger(db)
	events.LogEvent(ctx, "rolesync", bob.ID, "AccountLogin", "a", false, "")
	events.LogEvent(ctx, "rolesync", laura.ID, "AccountLogin", "b", true, "")
	events.LogEvent(ctx, "rolesync", bob.ID, "AccountLogin", "c", false, "")
	_, err = db.Exec("UPDATE integration_events SET created = unixepoch() - 90000 WHERE external_id = 'c'")
	require.NoError(t, err)

	m.visitAggregates(ctx)

	expected := map[string]float64{
		"active-accounts":        2,
		"accounts-without-roles": 1,
		"daily-failed-syncs":     1,
		"pending-role-repairs":   1,
	}
	for series, value := range expected {
		var actual float64
		require.NoError(t, db.QueryRow("SELECT value FROM metrics WHERE series = $1", series).Scan(&actual), series)
		assert.Equal(t, value, actual, series)
	}
}

func TestRenderSeries(t *testing.T) {
	db, _ := newTestDB(t)
	iss := engine.NewTokenIssuer(filepath.Join(t.TempDir(), "auth.pem"))
	m := New(db, iss)

	_, err := db.Exec("INSERT INTO metrics (timestamp, series, value) VALUES (unixepoch() - 3600, 'active-accounts', 3), (unixepoch() - 60, 'active-accounts', 4), (unixepoch() - 86400 * 60, 'active-accounts', 1)")
	require.NoError(t, err)

	router := engine.NewRouter()
	m.AttachRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	token, err := iss.Issue("dashboard", Audience, time.Hour)
	require.NoError(t, err)

	e := httpexpect.Default(t, server.URL)

	list := e.GET("/metrics/active-accounts").
		WithHeader("Authorization", "Bearer "+token).
		Expect().
		Status(http.StatusOK).JSON().Array()
	list.Length().IsEqual(2)
	list.Value(0).Object().Value("value").IsEqual(3)
	list.Value(1).Object().Value("value").IsEqual(4)

	e.GET("/metrics/active-accounts").
		WithHeader("Authorization", "Bearer "+token).
		WithQuery("days", 90).
		Expect().
		Status(http.StatusOK).JSON().Array().Length().IsEqual(3)

	e.GET("/metrics/unknown").
		WithHeader("Authorization", "Bearer "+token).
		Expect().
		Status(http.StatusOK).JSON().Array().IsEmpty()

	e.GET("/metrics/active-accounts").
		WithHeader("Authorization", "Bearer "+token).
		WithQuery("days", "nope").
		Expect().
		Status(http.StatusBadRequest)

	e.GET("/metrics/active-accounts").
		Expect().
		Status(http.StatusUnauthorized)
}
