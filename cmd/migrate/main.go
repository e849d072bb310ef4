// Command migrate runs the Postgres audit-store migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"behavior-gate/internal/repository/postgres"
	"behavior-gate/internal/util"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	util.Init(os.Getenv("ENVIRONMENT"), "info", "console")
	defer util.Sync()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		util.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		util.Fatal("Failed to open database", util.ErrorField(err))
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		util.Fatal("Failed to connect to database", util.ErrorField(err))
	}

	goose.SetBaseFS(postgres.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		util.Fatal("Failed to set dialect", util.ErrorField(err))
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(context.Background(), command, db, postgres.MigrationsDir, args...); err != nil {
		util.Fatal("Migration failed", util.String("command", command), util.ErrorField(err))
	}
	util.Info("Migration finished", util.String("command", command))
}
