package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/julienschmidt/httprouter"
)

// Audience is the token audience accepted by the metrics endpoint.
const Audience = "rolesync-metrics"

const migration = `
CREATE TABLE IF NOT EXISTS metrics (
    timestamp REAL NOT NULL DEFAULT (unixepoch('subsec')),
    series TEXT NOT NULL,
    value REAL NOT NULL
) STRICT;

CREATE INDEX IF NOT EXISTS metrics_series_timestamp_idx ON metrics (series, timestamp);
`

const retention = 365 * 24 * 60 * 60 // 1 year in seconds

type Module struct {
	db     *sql.DB
	issuer *engine.TokenIssuer
}

func New(db *sql.DB, iss *engine.TokenIssuer) *Module {
	engine.MustMigrate(db, migration)
	return &Module{db: db, issuer: iss}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("GET", "/metrics/:series", m.issuer.WithBearerToken(Audience, m.renderSeries))
}

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(time.Second, m.visitAggregates))
	mgr.Add(engine.Poll(time.Hour, engine.Cleanup(m.db, "metrics", "DELETE FROM metrics WHERE timestamp < unixepoch() - $1", retention)))
}

func (m *Module) visitAggregates(ctx context.Context) bool {
	for _, agg := range aggregates {
		m.aggregate(ctx, agg)
	}
	return false
}

// aggregate records a new value when the series is older than its interval.
// It returns false if anything went wrong.
func (m *Module) aggregate(ctx context.Context, agg *aggregate) bool {
	var since *float64
	err := m.db.QueryRowContext(ctx, "SELECT unixepoch('subsec') - MAX(timestamp) FROM metrics WHERE series = $1", agg.Name).Scan(&since)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("failed to check for metric", "metric", agg.Name, "error", err)
		return false
	}
	if since != nil && *since < agg.Interval.Seconds() {
		return true
	}

	_, err = m.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO metrics (series, value) VALUES ($1, (%s))", agg.Query), agg.Name)
	if err != nil {
		slog.Error("failed to insert metric", "metric", agg.Name, "error", err)
		return false
	}
	slog.Info("aggregated metric", "metric", agg.Name)

	return true
}

type point struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// renderSeries returns the points of a series, 30 days back unless ?days= says otherwise.
func (m *Module) renderSeries(r *http.Request, ps httprouter.Params) engine.Response {
	days := 30
	if str := r.URL.Query().Get("days"); str != "" {
		var err error
		days, err = strconv.Atoi(str)
		if err != nil || days <= 0 {
			return engine.ClientErrorf(http.StatusBadRequest, "invalid days parameter")
		}
	}

	rows, err := m.db.QueryContext(r.Context(), "SELECT timestamp, value FROM metrics WHERE series = $1 AND timestamp > unixepoch() - $2 ORDER BY timestamp ASC", ps.ByName("series"), days*24*60*60)
	if err != nil {
		return engine.Errorf("querying metrics: %s", err)
	}
	defer rows.Close()

	points := []point{}
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return engine.Errorf("scanning metric: %s", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return engine.Error(err)
	}
	return engine.JSON(points)
}
