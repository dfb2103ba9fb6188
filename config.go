package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	ListenAddr      string
	Debug           bool
	LogFormat       string
	ShutdownTimeout time.Duration

	RedisConn   string
	DeduperTTL  time.Duration
	StorageConn string
	EventsQueue string

	EventWorkers        int
	EventBuffer         int
	EventTimeout        time.Duration
	EventHandoffTimeout time.Duration
}

// eventsEnabled reports whether both halves of the queue config are present.
func (c config) eventsEnabled() bool {
	return c.StorageConn != "" && c.EventsQueue != ""
}

func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("error loading .env file: %w", err)
	}

	listen := envString("LISTEN_ADDR", "")
	if listen == "" {
		listen = ":" + envString("PORT", "3000")
	}

	var errs []error
	cfg := config{
		ListenAddr:  listen,
		LogFormat:   strings.ToLower(envString("LOG_FORMAT", "text")),
		RedisConn:   os.Getenv("REDIS_CONNECTION_STRING"),
		StorageConn: os.Getenv("STORAGE_CONNECTION_STRING"),
		EventsQueue: os.Getenv("EVENTS_QUEUE"),
	}
	cfg.Debug = envBool("DEBUG", false, &errs)
	cfg.ShutdownTimeout = envDur("SHUTDOWN_TIMEOUT", 10*time.Second, &errs)
	cfg.DeduperTTL = envDur("DEDUPER_TTL", 24*time.Hour, &errs)
	cfg.EventWorkers = envInt("EVENTS_WORKERS", 2, &errs)
	cfg.EventBuffer = envInt("EVENTS_BUFFER", 256, &errs)
	cfg.EventTimeout = envDur("EVENTS_TIMEOUT", 10*time.Second, &errs)
	cfg.EventHandoffTimeout = envDur("EVENTS_HANDOFF_TIMEOUT", 15*time.Millisecond, &errs)

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat))
	}
	if cfg.EventWorkers <= 0 {
		errs = append(errs, errors.New("invalid EVENTS_WORKERS: must be greater than zero"))
	}
	if cfg.EventBuffer < 0 {
		errs = append(errs, errors.New("invalid EVENTS_BUFFER: must not be negative"))
	}
	if cfg.DeduperTTL <= 0 {
		errs = append(errs, errors.New("invalid DEDUPER_TTL: must be greater than zero"))
	}
	if (cfg.StorageConn == "") != (cfg.EventsQueue == "") {
		errs = append(errs, errors.New("STORAGE_CONNECTION_STRING and EVENTS_QUEUE must be set together"))
	}
	if len(errs) > 0 {
		return config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func envDur(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func envBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}
