// castkeeper is the save-cast backend of the Farcaster bookmarking
// mini-app.
//
// It reads configuration from the environment (and an optional .env file
// in the working directory), connects to PostgreSQL, applies the schema
// migrations, and starts an HTTP server exposing save-cast, the library
// API, and the event stream.
//
// Usage:
//
//	DATABASE_URL=postgres://... NEYNAR_API_KEY=... ./castkeeper
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/primal-host/castkeeper/internal/auth"
	"github.com/primal-host/castkeeper/internal/cast"
	"github.com/primal-host/castkeeper/internal/config"
	"github.com/primal-host/castkeeper/internal/database"
	"github.com/primal-host/castkeeper/internal/events"
	"github.com/primal-host/castkeeper/internal/ingest"
	"github.com/primal-host/castkeeper/internal/neynar"
	"github.com/primal-host/castkeeper/internal/note"
	"github.com/primal-host/castkeeper/internal/server"
	"github.com/primal-host/castkeeper/internal/snapshot"
	"github.com/primal-host/castkeeper/internal/tag"
	"github.com/primal-host/castkeeper/internal/user"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.Println("castkeeper starting...")

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.Printf("Warning: unknown LOG_LEVEL %q, using info", cfg.LogLevel)
	} else {
		log.SetLevel(level)
	}
	log.WithFields(log.Fields{
		"listen":   cfg.ListenAddr,
		"neynar":   cfg.NeynarBaseURL,
		"api_key":  cfg.RedactedAPIKey(),
		"sessions": cfg.SessionsEnabled(),
	}).Info("Config loaded")

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, migrations applied")

	users := user.NewStore(db.Pool)
	casts := cast.NewStore(db.Pool)
	snapshots := snapshot.NewStore(db.Pool)
	bus := events.NewManager(events.NewPersister(db.Pool))
	defer bus.Shutdown()

	client := neynar.New(neynar.Options{
		BaseURL: cfg.NeynarBaseURL,
		APIKey:  cfg.NeynarAPIKey,
		Timeout: cfg.NeynarTimeout,
		RPS:     cfg.NeynarRPS,
		Burst:   cfg.NeynarBurst,
	})
	if !client.Configured() {
		log.Println("Warning: NEYNAR_API_KEY is not set; save-cast will fail until it is")
	}

	var sessions *auth.Sessions
	if cfg.SessionsEnabled() {
		sessions = auth.NewSessions(cfg.SessionSecret, cfg.SessionIssuer)
	}

	srv := server.New(cfg, server.Deps{
		DB:        db,
		Saver:     ingest.NewService(client, users, casts, snapshots, bus),
		Lookup:    client,
		Users:     users,
		Casts:     casts,
		Snapshots: snapshots,
		Tags:      tag.NewStore(db.Pool),
		Notes:     note.NewStore(db.Pool),
		Events:    bus,
		Sessions:  sessions,
	})

	// Blocks until the context is cancelled.
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("castkeeper stopped")
}
