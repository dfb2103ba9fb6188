package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/valen20Chx/htmx-todo/storage"
)

type queueConfig struct {
	ConnectionString string
	Queue            string
	Debug            bool
}

// loadQueueConfig reads the same environment, and optional .env file, as the
// server.
func loadQueueConfig() (queueConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return queueConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := queueConfig{
		ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		Queue:            os.Getenv("EVENTS_QUEUE"),
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil {
		cfg.Debug = dbg
	}
	if cfg.ConnectionString == "" || cfg.Queue == "" {
		return queueConfig{}, errors.New("missing STORAGE_CONNECTION_STRING or EVENTS_QUEUE")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadQueueConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("queue init starting")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := storage.EnsureQueue(ctx, cfg.ConnectionString, cfg.Queue); err != nil {
		log.Fatalf("create queue: %v", err)
	}

	log.WithField("queue", cfg.Queue).Info("queue init complete")
}
