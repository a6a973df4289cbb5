// Package main is a repair tool for dirty migration state. golang-migrate marks
// a version dirty while it runs and clears the flag on success; a crash in
// between leaves the flag set and the server refuses to start with "Dirty
// database version". This tool clears the flag so the next start retries the
// migration. Fix whatever made the migration fail before running it.
package main

import (
	"log"
	"os"

	"github.com/marketlink/connect-console/internal/config"
	"github.com/marketlink/connect-console/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	log.Println("Fixing dirty migration state...")
	if err := db.ClearDirty(database, version); err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
