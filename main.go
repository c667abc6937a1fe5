// Rolesync keeps application roles in line with Google Workspace group membership.
// It receives account events from the login flow and stores accounts and roles in sqlite.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/TheLab-ms/rolesync/engine"
	"github.com/TheLab-ms/rolesync/modules/accounts"
	"github.com/TheLab-ms/rolesync/modules/directory"
	"github.com/TheLab-ms/rolesync/modules/metrics"
	"github.com/TheLab-ms/rolesync/modules/rolesync"
	"github.com/caarlos0/env/v11"
	"google.golang.org/api/option"
)

type Config struct {
	HttpAddr string `envDefault:":8080"`
	Dir      string

	// DeployRoot is where the service is deployed. The directory credentials live outside of it.
	DeployRoot string `envDefault:"."`

	// CredentialsFile overrides the service account key location derived from DeployRoot.
	CredentialsFile string

	// ImpersonateEmail is the Workspace admin the service account acts as.
	ImpersonateEmail string

	MappingFile string `envDefault:"roles.yaml"`
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "ROLESYNC_", UseFieldNameByDefault: true})
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			err := engine.CheckHealthProbe("http://localhost:8080/healthz") // assume server is running on the default port
			if err != nil {
				panic(err)
			}
			return

		case "token":
			// Tokens for the login flow (default) or the metrics dashboard
			audience := rolesync.EventsAudience
			if len(os.Args) > 2 {
				audience = os.Args[2]
			}
			tok, err := engine.NewTokenIssuer(filepath.Join(conf.Dir, "auth.pem")).Issue("rolesync-cli", audience, 365*24*time.Hour)
			if err != nil {
				panic(err)
			}
			fmt.Println(tok)
			return
		}
	}

	app, _, err := newApp(conf)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	app.Run(ctx)
}

func newApp(conf Config, dirOpts ...option.ClientOption) (*engine.App, *sql.DB, error) {
	mapping, err := rolesync.LoadMapping(conf.MappingFile)
	if err != nil {
		return nil, nil, err
	}

	db, err := engine.OpenDB(filepath.Join(conf.Dir, "rolesync.sqlite3"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	credentials := conf.CredentialsFile
	if credentials == "" {
		credentials = directory.DefaultCredentialsFile(conf.DeployRoot)
	}
	if _, err := os.Stat(credentials); err != nil {
		slog.Warn("directory credentials not found - logins will clear roles until they exist", "file", credentials)
	}

	router := engine.NewRouter()
	router.Handle("GET", "/healthz", engine.ServeHealthProbe(db))

	iss := engine.NewTokenIssuer(filepath.Join(conf.Dir, "auth.pem"))
	store := accounts.NewStore(db)

	a := engine.NewApp(conf.HttpAddr, router)
	a.Add(rolesync.New(db, store, directory.NewProvider(credentials, conf.ImpersonateEmail, dirOpts...), mapping, iss))
	a.Add(metrics.New(db, iss))

	slog.Info("loaded role mapping", "file", conf.MappingFile, "allowedDomain", mapping.AllowedDomain(), "groups", mapping.Len())
	return a, db, nil
}
