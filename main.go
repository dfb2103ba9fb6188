package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/valen20Chx/htmx-todo/api"
	"github.com/valen20Chx/htmx-todo/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg)
	logger.Info("Hello, web server!")

	store := storage.NewTaskStore()

	var deduper api.Deduper
	if cfg.RedisConn != "" {
		rc := redis.NewClient(parseRedisOptions(cfg.RedisConn))
		defer rc.Close()
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		logger.Info("idempotent add enabled")
	}

	var events *api.EventSender
	if cfg.eventsEnabled() {
		hostname, _ := os.Hostname()
		queue, err := storage.NewEventQueue(cfg.StorageConn, cfg.EventsQueue, hostname)
		if err != nil {
			logger.Fatalf("events queue: %v", err)
		}
		events = api.NewEventSender(queue, api.SenderConfig{
			Workers:        cfg.EventWorkers,
			Buffer:         cfg.EventBuffer,
			Timeout:        cfg.EventTimeout,
			HandoffTimeout: cfg.EventHandoffTimeout,
		}, logger)
	}

	renderer, err := api.NewTemplateRenderer()
	if err != nil {
		logger.Fatalf("templates: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Renderer = renderer
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(api.RequestIDMiddleware())
	e.Use(echoprometheus.NewMiddleware("htmx_todo"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, store, deduper, events, logger)

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("http server started")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	s := <-quit
	logger.WithField("signal", s.String()).Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	events.Close()
	logger.Info("server stopped")
}

func newLogger(cfg config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
