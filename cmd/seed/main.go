package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/loanflow-go/internal/automation/adapters/db/repository"
	"github.com/loanflow-go/internal/automation/adapters/seed"
	"github.com/loanflow-go/pkg/config"
	"github.com/loanflow-go/pkg/database"
	"github.com/loanflow-go/pkg/logger"
)

func main() {
	file := flag.String("file", "configs/definitions.yaml", "YAML file of workflow definitions")
	publishedBy := flag.String("by", "seed", "user recorded as author and publisher")
	flag.Parse()

	cfg, err := config.Load("automation-worker")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())
	defer logger.Sync(log)

	db, err := database.New(cfg.Database.ToDatabaseConfig(), log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.Migrate(repository.Models()...); err != nil {
		log.Fatal("Failed to migrate database", "error", err)
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal("Failed to open definitions file", "file", *file, "error", err)
	}
	defer f.Close()

	defs, err := seed.Parse(f, *publishedBy)
	if err != nil {
		log.Fatal("Invalid definitions file", "file", *file, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	loader := seed.NewLoader(repository.NewDefinitionRepository(db), log.Named("seed"))
	if err := loader.Apply(ctx, defs, *publishedBy); err != nil {
		log.Fatal("Seeding failed", "error", err)
	}

	log.Info("Seeding complete", "definitions", len(defs))
}
