// Package simservice is a stand-in simulation service speaking the same
// contract as the real one: runs are started, polled with a since cursor,
// deleted and reset. Step records are synthetic but deterministic per request.
package simservice

// File: internal/simservice/server.go
// Purpose: fasthttp handlers and in-memory run table.

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"simdash/internal/logging"
	"simdash/internal/models"
)

// Run statuses on the service side.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusError    = "error"
	StatusStopped  = "stopped"
)

// Options tunes the synthetic runs.
type Options struct {
	// StepDelay is the time between two produced steps.
	StepDelay time.Duration
	// FailAtStep makes every run report an error after producing this many
	// steps. Zero disables it.
	FailAtStep  int
	FailMessage string
	Logger      *logging.Logger
}

type runState struct {
	inputs  models.RunRequest
	status  string
	steps   []models.StepRecord
	errMsg  string
	started time.Time
	stop    chan struct{}
}

// Server holds the run table.
type Server struct {
	opts Options
	log  *logging.Logger

	mu   sync.Mutex
	runs map[string]*runState
	wg   sync.WaitGroup
}

// New returns an empty server.
func New(opts Options) *Server {
	if opts.StepDelay <= 0 {
		opts.StepDelay = 200 * time.Millisecond
	}
	if opts.FailMessage == "" {
		opts.FailMessage = "simulation failed"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("simservice")
	}
	return &Server{opts: opts, log: opts.Logger, runs: map[string]*runState{}}
}

// Close stops every stepper and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	for id, st := range s.runs {
		s.stopLocked(id, st)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handler routes requests under /api.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := strings.TrimSuffix(string(ctx.Path()), "/")
		switch {
		case path == "/api/health" && ctx.IsGet():
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
		case path == "/api/simulate" && ctx.IsPost():
			s.start(ctx)
		case path == "/api/reset" && ctx.IsPost():
			s.reset(ctx)
		case strings.HasPrefix(path, "/api/simulate/"):
			id := strings.TrimPrefix(path, "/api/simulate/")
			switch {
			case ctx.IsGet():
				s.progress(ctx, id)
			case ctx.IsDelete():
				s.delete(ctx, id)
			default:
				writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
			}
		default:
			writeError(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

func (s *Server) start(ctx *fasthttp.RequestCtx) {
	var req models.RunRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			writeJSON(ctx, fasthttp.StatusBadRequest, map[string]any{"detail": err.Error(), "field": ve.Field})
			return
		}
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	st := &runState{inputs: req, status: StatusRunning, started: time.Now(), stop: make(chan struct{})}
	s.mu.Lock()
	s.runs[id] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.step(id, st)
	s.log.WithRunID(id).Info("run created", "max_steps", req.MaxSteps)
	writeJSON(ctx, fasthttp.StatusCreated, models.CreateRunResponse{RunID: id})
}

func (s *Server) progress(ctx *fasthttp.RequestCtx, id string) {
	since := 0
	if raw := ctx.QueryArgs().Peek("since"); len(raw) > 0 {
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "since must be an integer")
			return
		}
		since = v
	}

	s.mu.Lock()
	st, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		writeError(ctx, fasthttp.StatusNotFound, "Run not found")
		return
	}
	resp := models.Progress{
		Data:     newerThan(st.steps, since),
		Finished: st.status == StatusFinished || st.status == StatusError,
	}
	if st.status == StatusError {
		resp.Error = st.errMsg
	}
	s.mu.Unlock()

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) delete(ctx *fasthttp.RequestCtx, id string) {
	s.mu.Lock()
	if st, ok := s.runs[id]; ok {
		s.stopLocked(id, st)
	}
	s.mu.Unlock()
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true})
}

func (s *Server) reset(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	n := len(s.runs)
	for id, st := range s.runs {
		s.stopLocked(id, st)
	}
	s.mu.Unlock()
	s.log.Info("staging reset", "runs", n)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true})
}

// stopLocked marks a run stopped and forgets it.
func (s *Server) stopLocked(id string, st *runState) {
	if st.status == StatusRunning {
		close(st.stop)
	}
	st.status = StatusStopped
	delete(s.runs, id)
}

// step produces one record per StepDelay until the run ends.
func (s *Server) step(id string, st *runState) {
	defer s.wg.Done()
	gen := newGenerator(st.inputs)
	t := time.NewTicker(s.opts.StepDelay)
	defer t.Stop()

	for i := 1; i <= st.inputs.MaxSteps; i++ {
		select {
		case <-st.stop:
			return
		case <-t.C:
		}
		rec := gen.next(i)

		s.mu.Lock()
		if st.status != StatusRunning {
			s.mu.Unlock()
			return
		}
		st.steps = append(st.steps, rec)
		if s.opts.FailAtStep > 0 && i >= s.opts.FailAtStep {
			st.status = StatusError
			st.errMsg = s.opts.FailMessage
			s.mu.Unlock()
			s.log.WithRunID(id).Warn("run failed", "step", i)
			return
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if st.status == StatusRunning {
		st.status = StatusFinished
	}
	s.mu.Unlock()
	s.log.WithRunID(id).Info("run finished", "steps", st.inputs.MaxSteps, "took", time.Since(st.started))
}

func newerThan(steps []models.StepRecord, since int) []models.StepRecord {
	out := []models.StepRecord{}
	for _, rec := range steps {
		if rec.Step > since {
			out = append(out, rec)
		}
	}
	return out
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		ctx.Error(`{"detail":"encode response"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, detail string) {
	writeJSON(ctx, status, map[string]any{"detail": detail})
}
