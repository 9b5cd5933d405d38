package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbpulse/ingest/internal/config"
	"github.com/dbpulse/ingest/internal/encryption"
	"github.com/dbpulse/ingest/internal/queue"
	"github.com/dbpulse/ingest/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	gateway, err := encryption.New(ctx, cfg.Encryption)
	if err != nil {
		log.Fatalf("Failed to initialize encryption gateway: %v", err)
	}

	q, err := queue.New(queue.Config{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Backend.MaxRetries,
		RetryBackoff: cfg.Backend.RetryBackoff,
	})
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	worker := queue.NewWorker(queue.WorkerConfig{
		Queue:           q,
		Store:           st,
		Repository:      store.NewRunRepository(gateway, nil),
		MaxRunAge:       cfg.Retention.MaxRunAge,
		CleanupSchedule: cfg.Retention.CleanupSchedule,
	})

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	worker.Stop()
}
