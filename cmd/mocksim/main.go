// Package main runs the stand-in simulation service.
package main

// File: cmd/mocksim/main.go
// Purpose: Serve the simulation contract on fasthttp for local development.

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"simdash/internal/logging"
	"simdash/internal/simservice"
)

func main() {
	addr := flag.String("addr", envOr("MOCKSIM_ADDR", ":8000"), "listen address")
	delay := flag.Duration("step-delay", 200*time.Millisecond, "time between produced steps")
	failAt := flag.Int("fail-at", 0, "report an error after this many steps (0 disables)")
	failMsg := flag.String("fail-message", "simulation failed", "error reported by -fail-at")
	flag.Parse()

	log := logging.Default("mocksim")
	srv := simservice.New(simservice.Options{
		StepDelay:   *delay,
		FailAtStep:  *failAt,
		FailMessage: *failMsg,
		Logger:      log,
	})
	server := &fasthttp.Server{
		Handler:      srv.Handler(),
		Name:         "mocksim",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("mocksim listening", "addr", *addr, "step_delay", delay.String())
		if err := server.ListenAndServe(*addr); err != nil {
			log.WithError(err).Error("listen")
			os.Exit(1)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh

	if err := server.Shutdown(); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	srv.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
