package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"chatr/internal/database"
	"chatr/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./chatr.db", "Path to the database file")
	list := flag.Bool("list", false, "List embedded migrations without applying them")
	flag.Parse()

	all, err := migrations.All()
	if err != nil {
		log.Fatalf("Failed to read migrations: %v", err)
	}

	if *list {
		for _, m := range all {
			fmt.Printf("%03d  %s\n", m.Version, m.Name)
		}
		return
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	fmt.Printf("Applying %d migration(s) to %s\n", len(all), *dbPath)
	if err := database.ApplyMigrations(context.Background(), db); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	fmt.Println("Database schema is up to date.")
}
