package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/config"
	"github.com/bulkwave/wacampaign-backend/internal/db"
)

// Applies the schema and, with --seed, loads sample campaigns for local
// development.
func main() {
	log := logrus.New()

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using environment")
	}
	cfg := config.Load()

	dbConn, err := db.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer dbConn.Close()

	files := []string{"migrations/schema.sql"}
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		seeds, err := filepath.Glob("seed/*.sql")
		if err != nil {
			log.WithError(err).Fatal("seed glob failed")
		}
		sort.Strings(seeds)
		files = append(files, seeds...)
	}

	for _, file := range files {
		contents, err := os.ReadFile(file)
		if err != nil {
			log.WithError(err).WithField("file", file).Fatal("read failed")
		}
		if _, err := dbConn.Exec(string(contents)); err != nil {
			log.WithError(err).WithField("file", file).Fatal("apply failed")
		}
		log.WithField("file", file).Info("applied")
	}
}
