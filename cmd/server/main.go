// Package main starts the simdash HTTP server and wires dependencies.
package main

// File: cmd/server/main.go
// Purpose: Process entrypoint for the simdash dashboard API.
// Key responsibilities:
// - Load config from .env, YAML and environment.
// - Connect to MySQL, RabbitMQ, Redis and MinIO; each one is optional.
// - Register HTTP routes and start the server.
// Key entrypoints: main()

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	httpx "simdash/internal/http"

	"simdash/internal/cache"
	"simdash/internal/config"
	"simdash/internal/db"
	"simdash/internal/export"
	"simdash/internal/handlers"
	"simdash/internal/logging"
	"simdash/internal/metrics"
	"simdash/internal/mq"
	"simdash/internal/services"
	"simdash/internal/simclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default("server").WithError(err).Error("load config")
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "server"})
	m := metrics.New("simdash")

	deps := services.Deps{Metrics: m, Logger: log.Component("run-service")}

	if store, err := db.New(cfg.DSN(), log.Component("db")); err != nil {
		log.WithError(err).Warn("mysql unavailable, run history disabled")
	} else {
		defer store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := store.Migrate(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("mysql migration failed, run history disabled")
		} else {
			deps.Store = store
		}
	}

	if publisher, err := mq.NewPublisher(cfg.RabbitURL(), cfg.ExchangeName); err != nil {
		log.WithError(err).Warn("rabbitmq unavailable, events disabled")
	} else {
		defer publisher.Close()
		deps.Publisher = publisher
	}

	if sessions, err := cache.NewSessionStore(cfg.RedisURL, cfg.SessionTTL); err != nil {
		log.WithError(err).Warn("redis unavailable, session cache disabled")
	} else {
		defer sessions.Close()
		deps.Sessions = sessions
	}

	if exporter, err := export.New(export.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	}); err != nil {
		log.WithError(err).Warn("minio misconfigured, export disabled")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := exporter.EnsureBucket(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("minio unavailable, export disabled")
		} else {
			deps.Exporter = exporter
		}
	}

	hub := handlers.NewHub(log.Component("stream"), m, nil)
	defer hub.Close()
	deps.Broadcaster = hub

	client := simclient.New(cfg.SimServiceURL, cfg.RequestTimeout)
	runService := services.NewRunService(client, services.ControllerOptions{
		PollInterval: cfg.PollInterval,
		ElapsedTick:  cfg.ElapsedTick,
	}, deps)
	defer runService.Close()
	hub.SetCurrent(runService.Current)

	h := handlers.New(runService, hub, m)
	router := httpx.NewRouter(h.Register, log.Component("http"), m)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("simdash listening", "addr", server.Addr, "sim_service", cfg.SimServiceURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("listen")
			os.Exit(1)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
