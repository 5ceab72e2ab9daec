// Package main is a terminal client that runs one simulation and prints its steps.
package main

// File: cmd/simctl/main.go
// Purpose: Drive a RunController from the command line; Ctrl-C resets the run.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"simdash/internal/logging"
	"simdash/internal/models"
	"simdash/internal/services"
	"simdash/internal/simclient"
)

// printer writes each appended step as one table row.
type printer struct {
	mu sync.Mutex
}

func (p *printer) RunStateChanged(snap models.RunSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case snap.State == models.RunStateRunning && snap.RunID != "":
		fmt.Printf("run %s started (%d steps)\n", snap.RunID, snap.ExpectSteps)
		fmt.Printf("%5s  %-10s  %9s  %9s  %8s  %9s\n", "step", "date", "cust1", "cust2", "total", "stockout%")
	case !snap.State.Terminal():
	case snap.State == models.RunStateFailed:
		fmt.Fprintf(os.Stderr, "run failed (%s): %s\n", snap.ErrorKind, snap.Message)
	default:
		fmt.Printf("run completed: %d steps in %s\n", len(snap.Steps), time.Duration(snap.ElapsedMs)*time.Millisecond)
	}
}

func (p *printer) StepsAppended(_ models.RunHandle, steps []models.StepRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range steps {
		fmt.Printf("%5d  %-10s  %9.2f  %9.2f  %8d  %9.2f\n", s.Step, s.Date, s.AvgPurchasesCust1, s.AvgPurchasesCust2, s.TotalDailyPurchases, s.StockoutRatePct)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `simctl - run one simulation and stream its steps

Usage:
  simctl [--url <base>] [--start-date YYYY-MM-DD] [--steps N] [--cust1 N] [--cust2 N] [--products N] [--interval D]

Flags:
  --interval  poll interval as a Go duration, e.g. 600ms (default 600ms)

Environment:
  SIM_SERVICE_URL  Base URL of the simulation service (default http://localhost:8000/api)
`)
}

func main() {
	flag.Usage = usage
	url := flag.String("url", "", "simulation service base URL")
	startDate := flag.String("start-date", time.Now().Format("2006-01-02"), "first simulated day")
	steps := flag.Int("steps", 7, "number of days to simulate")
	cust1 := flag.Int("cust1", 100, "customers of type 1")
	cust2 := flag.Int("cust2", 100, "customers of type 2")
	products := flag.Int("products", 5, "products per category")
	interval := flag.Duration("interval", services.DefaultPollInterval, "poll interval")
	flag.Parse()

	base := strings.TrimSpace(*url)
	if base == "" {
		base = os.Getenv("SIM_SERVICE_URL")
	}
	if base == "" {
		base = "http://localhost:8000/api"
	}

	ctrl := services.NewRunController(simclient.New(base, 10*time.Second), services.ControllerOptions{
		PollInterval: *interval,
		Logger:       logging.New(logging.Config{Level: "warn", Output: "stderr", Component: "simctl"}),
		Observer:     &printer{},
	})

	req := models.RunRequest{
		StartDate:            *startDate,
		MaxSteps:             *steps,
		NCustomers1:          *cust1,
		NCustomers2:          *cust2,
		NProductsPerCategory: *products,
	}
	if err := ctrl.Start(context.Background(), req); err != nil {
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctrl.Done():
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "interrupted, resetting")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ctrl.Reset(ctx)
		cancel()
		os.Exit(130)
	}

	if ctrl.State() != models.RunStateCompleted {
		os.Exit(1)
	}
}
