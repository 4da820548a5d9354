/*
main.go - Application entry point

PURPOSE:
  Starts the earning engine: loads configuration, opens the store,
  wires settlement and the HTTP API, runs the audit scheduler and shuts
  everything down cleanly.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags)
  2. Configure logrus
  3. Open PostgreSQL when DATABASE_URL is set, SQLite otherwise
  4. Build the settlement coordinator from the typed settings
  5. Configure the HTTP router
  6. Start the audit scheduler and the server

COMMAND-LINE FLAGS:
  -addr          HTTP listen address (default :8080, env ADDR)
  -db            SQLite database path (default earnings.db, env SQLITE_PATH)
                 Use ":memory:" for an in-memory database
  -database-url  PostgreSQL URL (env DATABASE_URL); overrides -db

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close the store

EXAMPLES:
  JWT_SECRET=dev ./server -db="./data/earnings.db"
  JWT_SECRET=dev DATABASE_URL=postgres://localhost/earnings ./server

SEE ALSO:
  - config/config.go: Every environment variable
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/api"
	"github.com/warp/earning-engine/config"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
	"github.com/warp/earning-engine/store/postgres"
	"github.com/warp/earning-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := newLogger(cfg)

	settings, err := cfg.Settings()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	coordinator, err := settlement.NewCoordinator(store, settings, log)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	auth, err := api.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to create authenticator: %v", err)
	}

	handler := api.NewHandler(store, coordinator, log)
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           auth,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Log:            log,
	})

	scheduler, err := api.NewAuditScheduler(handler.Auditor, cfg.AuditInterval, log)
	if err != nil {
		log.Fatalf("Failed to create audit scheduler: %v", err)
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	if err := scheduler.Stop(); err != nil {
		log.WithError(err).Error("audit scheduler did not stop cleanly")
	}

	log.Info("server stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (ledger.Store, error) {
	if cfg.UsePostgres() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		log.Info("using PostgreSQL store")
		return postgres.New(connectCtx, cfg.DatabaseURL)
	}
	log.WithField("path", cfg.SQLitePath).Info("using SQLite store")
	return sqlite.New(cfg.SQLitePath)
}
