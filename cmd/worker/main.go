package main

import (
	"context"
	"log"
	"time"

	"gradeflow/internal/activities"
	"gradeflow/internal/config"
	"gradeflow/internal/storage"
	"gradeflow/internal/util"
	"gradeflow/internal/workflows"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := util.NewLogger(cfg.LogLevel)
	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}
	a, err := activities.New(cfg, db, logger.WithField("component", "activities"))
	if err != nil {
		log.Fatal(err)
	}
	activities.Register(w, a)

	log.Printf("gradeflow worker listening on %s queue=%s llm_providers=%q rubric=%s", cfg.TemporalAddress, cfg.TemporalTaskQueue, cfg.LLMProviders, cfg.RubricPath)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal(err)
	}
}
