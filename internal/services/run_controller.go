package services

// File: internal/services/run_controller.go
// Purpose: Drive one simulation run end-to-end (start, poll, accumulate, stop).
//
// One RunController owns at most one active run. The active run is represented
// by a single cancel func and a done channel; Start and Reset stop it and wait
// for its loop to exit before touching state again.

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"simdash/internal/logging"
	"simdash/internal/metrics"
	"simdash/internal/models"
)

// SimulationClient is the part of the simulation service the controller calls.
type SimulationClient interface {
	StartRun(ctx context.Context, req models.RunRequest) (models.RunHandle, error)
	PollProgress(ctx context.Context, handle models.RunHandle, since int) (*models.Progress, error)
	DeleteRun(ctx context.Context, handle models.RunHandle) error
	ResetStaging(ctx context.Context) error
}

// RunObserver is told about state changes and newly appended step records.
// Calls are serialized and never made while the controller holds its lock.
type RunObserver interface {
	RunStateChanged(snap models.RunSnapshot)
	StepsAppended(runID models.RunHandle, steps []models.StepRecord)
}

// ControllerOptions tunes a RunController. Zero values take defaults.
type ControllerOptions struct {
	PollInterval   time.Duration
	ElapsedTick    time.Duration
	CleanupTimeout time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	Observer       RunObserver
}

const (
	DefaultPollInterval   = 600 * time.Millisecond
	DefaultElapsedTick    = 100 * time.Millisecond
	DefaultCleanupTimeout = 5 * time.Second
)

// RunController polls one run at a time and exposes accumulated results.
type RunController struct {
	client   SimulationClient
	interval time.Duration
	tick     time.Duration
	cleanup  time.Duration
	log      *logging.Logger
	metrics  *metrics.Metrics
	observer RunObserver

	ops sync.Mutex // serializes Start, Reset and Close

	mu        sync.Mutex
	gen       uint64
	version   uint64
	state     models.RunState
	req       *models.RunRequest
	handle    models.RunHandle
	steps     []models.StepRecord
	errKind   models.ErrorKind
	message   string
	startedAt time.Time
	elapsed   time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunController constructs an idle controller.
func NewRunController(client SimulationClient, opts ControllerOptions) *RunController {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ElapsedTick <= 0 {
		opts.ElapsedTick = DefaultElapsedTick
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("controller")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &RunController{
		client:   client,
		interval: opts.PollInterval,
		tick:     opts.ElapsedTick,
		cleanup:  opts.CleanupTimeout,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		observer: opts.Observer,
		state:    models.RunStateIdle,
	}
}

// Start begins a new run. Any active run is cancelled first and, if it was
// still running, deleted on the service in the background. A ValidationError
// is returned (and the controller left failed) when req is malformed; every
// later failure is reported through the snapshot and observer.
func (c *RunController) Start(ctx context.Context, req models.RunRequest) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if prev, wasRunning := c.stopActive(); wasRunning && prev != "" {
		go c.discard(prev)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.clearLocked()
	r := req
	c.req = &r

	if err := req.Validate(); err != nil {
		c.state = models.RunStateFailed
		c.errKind = models.ErrorKindValidation
		c.message = err.Error()
		c.version++
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.WithError(err).Warn("run rejected")
		c.observer.RunStateChanged(snap)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.state = models.RunStateRunning
	c.startedAt = time.Now()
	c.cancel = cancel
	c.done = done
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.RunStarted()
	c.observer.RunStateChanged(snap)
	go c.loop(runCtx, gen, r, done)
	return nil
}

// Reset cancels any active run, clears all results and returns to idle. The
// service is asked, best effort, to drop the run and any staged state.
func (c *RunController) Reset(ctx context.Context) {
	c.ops.Lock()
	defer c.ops.Unlock()

	handle, _ := c.stopActive()

	c.mu.Lock()
	c.gen++
	c.clearLocked()
	c.state = models.RunStateIdle
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.observer.RunStateChanged(snap)

	cctx, cancel := context.WithTimeout(ctx, c.cleanup)
	defer cancel()
	if handle != "" {
		if err := c.client.DeleteRun(cctx, handle); err != nil {
			c.log.WithRunID(string(handle)).WithError(err).Debug("delete run failed")
		}
	}
	if err := c.client.ResetStaging(cctx); err != nil {
		c.log.WithError(err).Warn("reset staging failed")
	}
}

// Close stops any active run without contacting the service. Used on shutdown.
func (c *RunController) Close() {
	c.ops.Lock()
	defer c.ops.Unlock()
	c.stopActive()
}

// Snapshot returns a copy of the current state.
func (c *RunController) Snapshot() models.RunSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current run state.
func (c *RunController) State() models.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the current run's loop has exited. With no active run
// the returned channel is already closed.
func (c *RunController) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// stopActive cancels the active loop and waits for it to exit. It returns the
// run's handle and whether the run was still running when stopped.
func (c *RunController) stopActive() (models.RunHandle, bool) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	handle := c.handle
	wasRunning := cancel != nil && c.state == models.RunStateRunning
	c.mu.Unlock()
	if wasRunning {
		c.metrics.RunEnded("cancelled")
		c.log.WithRunID(string(handle)).Info("run cancelled")
	}
	return handle, wasRunning
}

func (c *RunController) discard(handle models.RunHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cleanup)
	defer cancel()
	if err := c.client.DeleteRun(ctx, handle); err != nil {
		c.log.WithRunID(string(handle)).WithError(err).Debug("delete superseded run failed")
	}
}

type pollResult struct {
	progress *models.Progress
	err      error
	took     time.Duration
}

func (c *RunController) loop(ctx context.Context, gen uint64, req models.RunRequest, done chan struct{}) {
	defer close(done)

	handle, ok := c.create(ctx, gen, req)
	if !ok {
		return
	}

	poll := time.NewTicker(c.interval)
	defer poll.Stop()
	tick := time.NewTicker(c.tick)
	defer tick.Stop()

	results := make(chan pollResult, 1)
	inFlight := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.touchElapsed(gen)
		case <-poll.C:
			if inFlight {
				c.metrics.PollSkipped()
				continue
			}
			since, ok := c.cursor(gen)
			if !ok {
				return
			}
			inFlight = true
			go func() {
				start := time.Now()
				p, err := c.client.PollProgress(ctx, handle, since)
				results <- pollResult{progress: p, err: err, took: time.Since(start)}
			}()
		case res := <-results:
			inFlight = false
			if ctx.Err() != nil {
				return
			}
			if c.apply(gen, handle, res) {
				return
			}
		}
	}
}

type created struct {
	handle models.RunHandle
	err    error
}

// create sends the start request and attaches the returned handle. If the run
// is cancelled first the loop is released at once, and a handle the service
// still returns afterwards is deleted.
func (c *RunController) create(ctx context.Context, gen uint64, req models.RunRequest) (models.RunHandle, bool) {
	results := make(chan created, 1)
	go func() {
		h, err := c.client.StartRun(context.WithoutCancel(ctx), req)
		results <- created{handle: h, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-results; res.err == nil && res.handle != "" {
				c.discard(res.handle)
			}
		}()
		return "", false
	case res := <-results:
		if res.err != nil {
			if ctx.Err() == nil {
				c.finish(gen, models.RunStateFailed, res.err)
			}
			return "", false
		}
		if ctx.Err() != nil || !c.attach(gen, res.handle) {
			go c.discard(res.handle)
			return "", false
		}
		return res.handle, true
	}
}

// attach stores the handle of a freshly created run.
func (c *RunController) attach(gen uint64, handle models.RunHandle) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != models.RunStateRunning {
		c.mu.Unlock()
		return false
	}
	c.handle = handle
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.log.WithRunID(string(handle)).Info("run started", "max_steps", snap.ExpectSteps)
	c.observer.RunStateChanged(snap)
	return true
}

func (c *RunController) cursor(gen uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != models.RunStateRunning {
		return 0, false
	}
	return c.lastStepLocked(), true
}

func (c *RunController) touchElapsed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.state == models.RunStateRunning {
		c.elapsed = time.Since(c.startedAt)
	}
}

// apply folds one poll result into the run and reports whether polling is over.
func (c *RunController) apply(gen uint64, handle models.RunHandle, res pollResult) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != models.RunStateRunning {
		c.mu.Unlock()
		return true
	}

	if res.err != nil {
		c.metrics.ObservePoll("transport_error", res.took)
		snap := c.finishLocked(models.RunStateFailed, res.err)
		c.mu.Unlock()
		c.log.WithRunID(string(handle)).WithError(res.err).Warn("poll failed")
		c.observer.RunStateChanged(snap)
		return true
	}

	appended, dropped := c.appendLocked(res.progress.Data)
	c.metrics.Steps(len(appended), dropped)

	var (
		terminal bool
		snap     models.RunSnapshot
	)
	switch {
	case res.progress.Error != "":
		c.metrics.ObservePoll("service_error", res.took)
		snap = c.finishLocked(models.RunStateFailed, &models.ServiceError{Message: res.progress.Error})
		terminal = true
	case res.progress.Finished, len(c.steps) >= c.req.MaxSteps:
		c.metrics.ObservePoll("ok", res.took)
		snap = c.finishLocked(models.RunStateCompleted, nil)
		terminal = true
	default:
		c.metrics.ObservePoll("ok", res.took)
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.log.WithRunID(string(handle)).Debug("ignored stale step records", "count", dropped)
	}
	if len(appended) > 0 {
		c.observer.StepsAppended(handle, appended)
	}
	if terminal {
		l := c.log.WithRunID(string(handle))
		if snap.State == models.RunStateFailed {
			l.Warn("run failed", "kind", snap.ErrorKind, "message", snap.Message, "steps", len(snap.Steps))
		} else {
			l.Info("run completed", "steps", len(snap.Steps))
		}
		c.observer.RunStateChanged(snap)
	}
	return terminal
}

// finish moves a running run to a terminal state from outside the lock.
func (c *RunController) finish(gen uint64, state models.RunState, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.RunStateRunning {
		c.mu.Unlock()
		return
	}
	snap := c.finishLocked(state, err)
	c.mu.Unlock()
	c.log.WithError(err).Warn("run failed to start")
	c.observer.RunStateChanged(snap)
}

func (c *RunController) finishLocked(state models.RunState, err error) models.RunSnapshot {
	c.state = state
	c.elapsed = time.Since(c.startedAt)
	if err != nil {
		c.errKind = models.KindOf(err)
		if c.errKind == "" {
			c.errKind = models.ErrorKindTransport
		}
		c.message = err.Error()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.version++
	c.metrics.RunEnded(string(state))
	return c.snapshotLocked()
}

// appendLocked applies records in increasing step order and keeps only those
// newer than the last stored step.
func (c *RunController) appendLocked(batch []models.StepRecord) (appended []models.StepRecord, dropped int) {
	if len(batch) == 0 {
		return nil, 0
	}
	sorted := slices.Clone(batch)
	slices.SortStableFunc(sorted, func(a, b models.StepRecord) int { return cmp.Compare(a.Step, b.Step) })

	last := c.lastStepLocked()
	for _, rec := range sorted {
		if rec.Step <= last {
			dropped++
			continue
		}
		c.steps = append(c.steps, rec)
		appended = append(appended, rec)
		last = rec.Step
	}
	if len(appended) > 0 {
		c.version++
	}
	return appended, dropped
}

func (c *RunController) lastStepLocked() int {
	if len(c.steps) == 0 {
		return 0
	}
	return c.steps[len(c.steps)-1].Step
}

func (c *RunController) clearLocked() {
	c.req = nil
	c.handle = ""
	c.steps = nil
	c.errKind = ""
	c.message = ""
	c.startedAt = time.Time{}
	c.elapsed = 0
}

func (c *RunController) snapshotLocked() models.RunSnapshot {
	snap := models.RunSnapshot{
		Version:   c.version,
		State:     c.state,
		RunID:     c.handle,
		Steps:     slices.Clone(c.steps),
		ErrorKind: c.errKind,
		Message:   c.message,
		ElapsedMs: c.elapsed.Milliseconds(),
		LastStep:  c.lastStepLocked(),
	}
	if snap.Steps == nil {
		snap.Steps = []models.StepRecord{}
	}
	if c.req != nil {
		r := *c.req
		snap.Request = &r
		snap.ExpectSteps = r.MaxSteps
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		snap.StartedAt = &t
	}
	return snap
}

type nopObserver struct{}

func (nopObserver) RunStateChanged(models.RunSnapshot) {}
func (nopObserver) StepsAppended(models.RunHandle, []models.StepRecord) {}
