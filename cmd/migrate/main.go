package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/database"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version, status, force")
	steps := flag.Int("steps", 1, "Number of migrations to roll back with -action down")
	version := flag.Int("version", -1, "Version to force with -action force")
	path := flag.String("path", "", "Migrations directory (defaults to database.migrations_path)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *path == "" {
		*path = cfg.Database.MigrationsPath
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	manager, err := database.NewMigrationManager(db, *path, logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch *action {
	case "up":
		if err := manager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "down":
		if err := manager.Down(*steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Printf("Rolled back %d migration(s)\n", *steps)

	case "version", "status":
		v, dirty, err := manager.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", v)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

		if *action == "status" {
			pending, err := manager.Pending()
			if err != nil {
				log.Fatalf("Failed to check pending migrations: %v", err)
			}
			if pending {
				fmt.Println("Status: Pending migrations available")
			} else {
				fmt.Println("Status: All migrations applied")
			}
		}

	case "force":
		if *version < 0 {
			log.Fatal("Version must be specified for force action")
		}
		if err := manager.ForceVersion(*version); err != nil {
			log.Fatalf("Failed to force version %d: %v", *version, err)
		}
		fmt.Printf("Forced version %d\n", *version)

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, status, force")
		os.Exit(1)
	}
}
