// Package services contains the run lifecycle logic of simdash.
package services

// File: internal/services/run_service.go
// Purpose: Run orchestration (controller + persist, publish, cache, export, stream).

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"simdash/internal/logging"
	"simdash/internal/metrics"
	"simdash/internal/models"
)

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run models.Run) error
	UpdateRun(ctx context.Context, run models.Run) error
	InsertSteps(ctx context.Context, runID string, steps []models.StepRecord) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	Health(ctx context.Context) error
}

// EventPublisher emits lifecycle events.
type EventPublisher interface {
	Publish(routingKey string, payload map[string]any) error
}

// SessionCache keeps recent sessions for the dashboard.
type SessionCache interface {
	Save(ctx context.Context, session models.Session) error
	List(ctx context.Context) ([]models.Session, error)
	Health(ctx context.Context) error
}

// ResultExporter uploads the steps of a completed run and returns the object key.
type ResultExporter interface {
	Export(ctx context.Context, runID string, steps []models.StepRecord) (string, error)
}

// Broadcaster fans stream events out to connected clients without blocking.
type Broadcaster interface {
	Broadcast(event models.StreamEvent)
}

// Deps are the optional collaborators of a RunService. Nil fields disable the
// matching side effect.
type Deps struct {
	Store       RunStore
	Publisher   EventPublisher
	Sessions    SessionCache
	Exporter    ResultExporter
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

const (
	sideEffectQueue   = 256
	sideEffectTimeout = 5 * time.Second
	defaultListLimit  = 50
)

// ErrClosed is returned once the service has shut down.
var ErrClosed = errors.New("run service closed")

// RunService coordinates the controller with history, events, sessions and
// the live stream. Side effects run in order on one worker goroutine and never
// change run state.
type RunService struct {
	controller *RunController
	deps       Deps
	log        *logging.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan func(context.Context)
	done   chan struct{}

	// owned by the worker goroutine
	tracked *trackedRun
}

type trackedRun struct {
	id        string
	req       models.RunRequest
	startedAt time.Time
	steps     []models.StepRecord
}

// NewRunService builds the service and its controller. opts.Observer is
// replaced by the service itself.
func NewRunService(client SimulationClient, opts ControllerOptions, deps Deps) *RunService {
	return newRunService(client, opts, deps, sideEffectQueue)
}

func newRunService(client SimulationClient, opts ControllerOptions, deps Deps, queue int) *RunService {
	if deps.Logger == nil {
		deps.Logger = logging.Default("run-service")
	}
	if opts.Metrics == nil {
		opts.Metrics = deps.Metrics
	}
	if opts.Logger == nil {
		opts.Logger = deps.Logger.Component("controller")
	}
	s := &RunService{
		deps: deps,
		log:  deps.Logger,
		jobs: make(chan func(context.Context), queue),
		done: make(chan struct{}),
	}
	opts.Observer = s
	s.controller = NewRunController(client, opts)
	go s.work()
	return s
}

// Controller exposes the underlying controller.
func (s *RunService) Controller() *RunController { return s.controller }

// StartRun starts a new run, cancelling any active one.
func (s *RunService) StartRun(ctx context.Context, req models.RunRequest) (models.RunSnapshot, error) {
	if s.isClosed() {
		return models.RunSnapshot{}, ErrClosed
	}
	err := s.controller.Start(ctx, req)
	return s.controller.Snapshot(), err
}

// Current returns the live snapshot.
func (s *RunService) Current() models.RunSnapshot {
	return s.controller.Snapshot()
}

// Reset stops any run and clears results.
func (s *RunService) Reset(ctx context.Context) models.RunSnapshot {
	s.controller.Reset(ctx)
	return s.controller.Snapshot()
}

// GetRun returns a run by ID: the live run when it matches, else stored history.
// It returns nil, nil when the run is unknown.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if snap := s.controller.Snapshot(); snap.RunID != "" && string(snap.RunID) == runID {
		run := runFromSnapshot(snap, time.Now())
		run.Steps = snap.Steps
		return &run, nil
	}
	if s.deps.Store == nil {
		return nil, nil
	}
	return s.deps.Store.GetRun(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if s.deps.Store == nil {
		return []models.Run{}, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.deps.Store.ListRuns(ctx, limit)
}

// ListSessions returns cached sessions, newest first.
func (s *RunService) ListSessions(ctx context.Context) ([]models.Session, error) {
	if s.deps.Sessions == nil {
		return []models.Session{}, nil
	}
	return s.deps.Sessions.List(ctx)
}

// Health checks database and cache connectivity. The map holds "ok" or the
// failure per configured component.
func (s *RunService) Health(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := map[string]string{}
	var errs []error
	check := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			status[name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		status[name] = "ok"
	}
	if s.deps.Store != nil {
		check("db", s.deps.Store.Health)
	}
	if s.deps.Sessions != nil {
		check("cache", s.deps.Sessions.Health)
	}
	return status, errors.Join(errs...)
}

// Close stops the active run without contacting the simulation service,
// records a run that was still tracked, and drains pending side effects.
func (s *RunService) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		s.controller.Close()
		snap := s.controller.Snapshot()
		// enqueue never sends once closed is set
		s.jobs <- func(ctx context.Context) { s.onShutdown(ctx, snap) }
		close(s.jobs)
	}
	<-s.done
}

func (s *RunService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RunStateChanged implements RunObserver.
func (s *RunService) RunStateChanged(snap models.RunSnapshot) {
	if s.deps.Broadcaster != nil {
		sc := snap
		s.deps.Broadcaster.Broadcast(models.StreamEvent{Type: models.StreamState, RunID: snap.RunID, Snapshot: &sc})
	}
	s.enqueue(func(ctx context.Context) { s.onState(ctx, snap) }, true)
}

// StepsAppended implements RunObserver.
func (s *RunService) StepsAppended(runID models.RunHandle, steps []models.StepRecord) {
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.Broadcast(models.StreamEvent{Type: models.StreamSteps, RunID: runID, Steps: steps})
	}
	s.enqueue(func(ctx context.Context) { s.onSteps(ctx, string(runID), steps) }, false)
}

// enqueue hands a job to the worker. State changes wait for a free slot.
// Step jobs are dropped when the queue is full; the steps they carried are
// stored when the run is closed.
func (s *RunService) enqueue(job func(context.Context), wait bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if wait {
		s.jobs <- job
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.deps.Metrics.SideEffectFailed("queue")
		s.log.Warn("side effect queue full, dropping step update")
	}
}

func (s *RunService) work() {
	defer close(s.done)
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		job(ctx)
		cancel()
	}
}

// onState runs on the worker goroutine.
func (s *RunService) onState(ctx context.Context, snap models.RunSnapshot) {
	if t := s.tracked; t != nil && (snap.RunID == "" || string(snap.RunID) != t.id) {
		// the tracked run was superseded or reset before finishing
		s.closeTracked(ctx, models.RunStatusCancelled, snap)
	}

	switch snap.State {
	case models.RunStateIdle:
		s.publish("run.reset", map[string]any{})
	case models.RunStateRunning:
		if snap.RunID != "" && s.tracked == nil {
			s.track(ctx, snap)
		}
	case models.RunStateCompleted, models.RunStateFailed:
		if s.tracked == nil {
			// never got a run id: rejected or failed to start
			s.publish("run.failed", map[string]any{
				"error_kind": snap.ErrorKind,
				"error":      snap.Message,
			})
			return
		}
		status := models.RunStatusCompleted
		if snap.State == models.RunStateFailed {
			status = models.RunStatusFailed
		}
		s.closeTracked(ctx, status, snap)
	}
}

// onShutdown closes the run still tracked when the service stops. A run whose
// terminal state change arrived after Close keeps that outcome.
func (s *RunService) onShutdown(ctx context.Context, snap models.RunSnapshot) {
	t := s.tracked
	if t == nil {
		return
	}
	status := models.RunStatusCancelled
	if string(snap.RunID) == t.id {
		switch snap.State {
		case models.RunStateCompleted:
			status = models.RunStatusCompleted
		case models.RunStateFailed:
			status = models.RunStatusFailed
		}
	}
	s.closeTracked(ctx, status, snap)
}

func (s *RunService) track(ctx context.Context, snap models.RunSnapshot) {
	t := &trackedRun{id: string(snap.RunID), startedAt: time.Now()}
	if snap.Request != nil {
		t.req = *snap.Request
	}
	if snap.StartedAt != nil {
		t.startedAt = *snap.StartedAt
	}
	s.tracked = t

	run := runFromSnapshot(snap, t.startedAt)
	run.Status = models.RunStatusRunning
	if s.deps.Store != nil {
		if err := s.deps.Store.CreateRun(ctx, run); err != nil {
			s.failed("db", t.id, err)
		}
	}
	s.publish("run.started", map[string]any{
		"run_id":                  t.id,
		"start_date":              t.req.StartDate,
		"max_steps":               t.req.MaxSteps,
		"n_customers1":            t.req.NCustomers1,
		"n_customers2":            t.req.NCustomers2,
		"n_products_per_category": t.req.NProductsPerCategory,
	})
	s.saveSession(ctx, t, models.SessionRunning)
}

func (s *RunService) onSteps(ctx context.Context, runID string, steps []models.StepRecord) {
	t := s.tracked
	if t == nil || t.id != runID {
		return
	}
	t.steps = append(t.steps, steps...)
	if s.deps.Store != nil {
		if err := s.deps.Store.InsertSteps(ctx, runID, steps); err != nil {
			s.failed("db", runID, err)
		}
	}
	s.publish("run.step", map[string]any{
		"run_id":    runID,
		"count":     len(steps),
		"last_step": steps[len(steps)-1].Step,
		"total":     len(t.steps),
	})
	s.saveSession(ctx, t, models.SessionRunning)
}

// closeTracked records the final state of the tracked run and forgets it.
func (s *RunService) closeTracked(ctx context.Context, status string, snap models.RunSnapshot) {
	t := s.tracked
	s.tracked = nil
	if string(snap.RunID) == t.id {
		s.catchUp(ctx, t, snap.Steps)
	}

	now := time.Now()
	run := models.Run{
		ID:                   t.id,
		Status:               status,
		StartDate:            t.req.StartDate,
		MaxSteps:             t.req.MaxSteps,
		NCustomers1:          t.req.NCustomers1,
		NCustomers2:          t.req.NCustomers2,
		NProductsPerCategory: t.req.NProductsPerCategory,
		StepsReceived:        len(t.steps),
		CreatedAt:            t.startedAt,
		CompletedAt:          &now,
	}
	if status != models.RunStatusCancelled && string(snap.RunID) == t.id && snap.Message != "" {
		kind, msg := string(snap.ErrorKind), snap.Message
		run.ErrorKind, run.ErrorMessage = &kind, &msg
	}

	if status == models.RunStatusCompleted && s.deps.Exporter != nil && len(t.steps) > 0 {
		key, err := s.deps.Exporter.Export(ctx, t.id, t.steps)
		if err != nil {
			s.failed("export", t.id, err)
		} else {
			run.ExportKey = &key
		}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.UpdateRun(ctx, run); err != nil {
			s.failed("db", t.id, err)
		}
	}

	payload := map[string]any{"run_id": t.id, "steps": len(t.steps)}
	if run.ErrorMessage != nil {
		payload["error_kind"] = *run.ErrorKind
		payload["error"] = *run.ErrorMessage
	}
	if run.ExportKey != nil {
		payload["export_key"] = *run.ExportKey
	}
	switch status {
	case models.RunStatusCompleted:
		s.publish("run.completed", payload)
		s.saveSession(ctx, t, models.SessionStatus(snap.State))
	case models.RunStatusFailed:
		s.publish("run.failed", payload)
		s.saveSession(ctx, t, models.SessionStatus(snap.State))
	default:
		s.publish("run.cancelled", payload)
		s.saveSession(ctx, t, models.SessionFailed)
	}
}

// catchUp stores steps whose jobs were dropped and replaces the tracked list
// with all, of which the tracked steps are a subsequence.
func (s *RunService) catchUp(ctx context.Context, t *trackedRun, all []models.StepRecord) {
	if len(all) == len(t.steps) {
		return
	}
	seen := make(map[int]struct{}, len(t.steps))
	for _, r := range t.steps {
		seen[r.Step] = struct{}{}
	}
	var missing []models.StepRecord
	for _, r := range all {
		if _, ok := seen[r.Step]; !ok {
			missing = append(missing, r)
		}
	}
	t.steps = slices.Clone(all)
	if len(missing) == 0 || s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.InsertSteps(ctx, t.id, missing); err != nil {
		s.failed("db", t.id, err)
	}
}

func (s *RunService) saveSession(ctx context.Context, t *trackedRun, status string) {
	if s.deps.Sessions == nil {
		return
	}
	session := models.Session{
		ID:         t.id,
		Timestamp:  t.startedAt.UnixMilli(),
		Parameters: t.req,
		Steps:      slices.Clone(t.steps),
		Status:     status,
	}
	if session.Steps == nil {
		session.Steps = []models.StepRecord{}
	}
	if err := s.deps.Sessions.Save(ctx, session); err != nil {
		s.failed("cache", t.id, err)
	}
}

func (s *RunService) publish(routingKey string, payload map[string]any) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(routingKey, payload); err != nil {
		id, _ := payload["run_id"].(string)
		s.failed("mq", id, fmt.Errorf("publish %s: %w", routingKey, err))
	}
}

func (s *RunService) failed(target, runID string, err error) {
	s.deps.Metrics.SideEffectFailed(target)
	s.log.WithRunID(runID).WithError(err).Warn("side effect failed", "target", target)
}

func runFromSnapshot(snap models.RunSnapshot, createdAt time.Time) models.Run {
	run := models.Run{
		ID:            string(snap.RunID),
		Status:        snapshotStatus(snap.State),
		StepsReceived: len(snap.Steps),
		CreatedAt:     createdAt,
	}
	if snap.StartedAt != nil {
		run.CreatedAt = *snap.StartedAt
	}
	if r := snap.Request; r != nil {
		run.StartDate = r.StartDate
		run.MaxSteps = r.MaxSteps
		run.NCustomers1 = r.NCustomers1
		run.NCustomers2 = r.NCustomers2
		run.NProductsPerCategory = r.NProductsPerCategory
	}
	if snap.Message != "" {
		kind, msg := string(snap.ErrorKind), snap.Message
		run.ErrorKind, run.ErrorMessage = &kind, &msg
	}
	return run
}

func snapshotStatus(state models.RunState) string {
	switch state {
	case models.RunStateCompleted:
		return models.RunStatusCompleted
	case models.RunStateFailed:
		return models.RunStatusFailed
	default:
		return models.RunStatusRunning
	}
}
