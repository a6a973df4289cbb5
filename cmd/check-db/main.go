// Package main is a diagnostic tool for database connectivity. It connects with
// the server's configuration and prints the migration state and a summary of
// companies, stores and marketplace connections. It exits non-zero on any
// failure so it can gate deployments in CI/CD pipelines.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/marketlink/connect-console/internal/config"
	"github.com/marketlink/connect-console/internal/db"
	"github.com/marketlink/connect-console/internal/db/repositories"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("=== SCHEMA ===\nVersion: %d (dirty: %v)\n", version, dirty)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sqlxDB := sqlx.NewDb(database, "postgres")

	fmt.Println("\n=== TABLES ===")
	for _, table := range []string{"companies", "stores", "marketplace_connections"} {
		var count int
		if err := sqlxDB.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table); err != nil {
			log.Fatalf("Query on %s failed: %v", table, err)
		}
		fmt.Printf("%-24s %d rows\n", table, count)
	}

	pending, active, err := repositories.NewConnectionRepository(sqlxDB, nil).CountByState(ctx)
	if err != nil {
		log.Fatalf("Failed to count connections: %v", err)
	}
	fmt.Printf("\n=== CONNECTIONS ===\nPending: %d\nActive:  %d\n", pending, active)
}
