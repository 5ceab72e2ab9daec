// Package models defines request/response and DB model shapes.
package models

// File: internal/models/models.go
// Purpose: Shared data structures for simulation runs, step records and snapshots.

import (
	"fmt"
	"strings"
	"time"
)

// Limits enforced on a RunRequest before it is sent.
const (
	MaxStepsLimit    = 100000
	MaxProductsLimit = 100000
)

// RunRequest carries the parameters of one simulation run.
type RunRequest struct {
	StartDate            string `json:"start_date"`
	MaxSteps             int    `json:"max_steps"`
	NCustomers1          int    `json:"n_customers1"`
	NCustomers2          int    `json:"n_customers2"`
	NProductsPerCategory int    `json:"n_products_per_category"`
}

// ParseStartDate accepts both YYYY-MM-DD and YYYYMMDD.
func ParseStartDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("start_date %q is not a calendar date", raw)
}

// Validate checks the request without touching the network.
func (r RunRequest) Validate() error {
	if _, err := ParseStartDate(r.StartDate); err != nil {
		return &ValidationError{Field: "start_date", Reason: "must be YYYY-MM-DD or YYYYMMDD"}
	}
	if r.MaxSteps <= 0 || r.MaxSteps > MaxStepsLimit {
		return &ValidationError{Field: "max_steps", Reason: fmt.Sprintf("must be between 1 and %d", MaxStepsLimit)}
	}
	if r.NCustomers1 < 0 {
		return &ValidationError{Field: "n_customers1", Reason: "must be >= 0"}
	}
	if r.NCustomers2 < 0 {
		return &ValidationError{Field: "n_customers2", Reason: "must be >= 0"}
	}
	if r.NCustomers1+r.NCustomers2 <= 0 {
		return &ValidationError{Field: "n_customers1", Reason: "at least one customer is required"}
	}
	if r.NProductsPerCategory <= 0 || r.NProductsPerCategory > MaxProductsLimit {
		return &ValidationError{Field: "n_products_per_category", Reason: fmt.Sprintf("must be between 1 and %d", MaxProductsLimit)}
	}
	return nil
}

// Normalized returns a copy with start_date rewritten to 8 digits, the form the
// simulation service receives.
func (r RunRequest) Normalized() (RunRequest, error) {
	t, err := ParseStartDate(r.StartDate)
	if err != nil {
		return r, err
	}
	r.StartDate = t.Format("20060102")
	return r, nil
}

// RunHandle identifies a run on the simulation service.
type RunHandle string

// StepRecord is one row of simulation output for one simulated day.
type StepRecord struct {
	Step                int     `json:"step"`
	Date                string  `json:"date,omitempty"`
	AvgPurchasesCust1   float64 `json:"avg_purchases_cust1"`
	AvgPurchasesCust2   float64 `json:"avg_purchases_cust2"`
	TotalDailyPurchases int     `json:"total_daily_purchases"`
	TotalCustomers      int     `json:"total_customers"`
	TotalProducts       int     `json:"total_products"`
	StockoutRatePct     float64 `json:"stockout_rate_pct"`
}

// CreateRunResponse is the simulation service reply to a start request.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// Progress is one poll response of the simulation service.
type Progress struct {
	Data     []StepRecord `json:"data"`
	Finished bool         `json:"finished"`
	Error    string       `json:"error,omitempty"`
}

// RunState is the controller-side lifecycle of a run.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether polling has stopped for good.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// RunSnapshot is a point-in-time copy of the controller's state for the display layer.
// Version grows with every change, so a reader can discard older snapshots.
type RunSnapshot struct {
	Version     uint64       `json:"version"`
	State       RunState     `json:"state"`
	RunID       RunHandle    `json:"run_id,omitempty"`
	Request     *RunRequest  `json:"request,omitempty"`
	Steps       []StepRecord `json:"steps"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	Message     string       `json:"message,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	ElapsedMs   int64        `json:"elapsed_ms"`
	LastStep    int          `json:"last_step"`
	ExpectSteps int          `json:"expect_steps,omitempty"`
}

// Run models the runs table and API payloads.
type Run struct {
	ID                   string       `json:"id"`
	Status               string       `json:"status"`
	StartDate            string       `json:"start_date"`
	MaxSteps             int          `json:"max_steps"`
	NCustomers1          int          `json:"n_customers1"`
	NCustomers2          int          `json:"n_customers2"`
	NProductsPerCategory int          `json:"n_products_per_category"`
	StepsReceived        int          `json:"steps_received"`
	ErrorKind            *string      `json:"error_kind,omitempty"`
	ErrorMessage         *string      `json:"error_message,omitempty"`
	ExportKey            *string      `json:"export_key,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
	Steps                []StepRecord `json:"steps,omitempty"`
}

// Session is the cached view of a run, kept for a day so the dashboard can
// show recent results after a reload.
type Session struct {
	ID         string       `json:"id"`
	Timestamp  int64        `json:"timestamp"`
	Parameters RunRequest   `json:"parameters"`
	Steps      []StepRecord `json:"steps"`
	Status     string       `json:"status"`
}

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionStatus maps a controller state onto a session status.
func SessionStatus(s RunState) string {
	switch s {
	case RunStateCompleted:
		return SessionCompleted
	case RunStateFailed:
		return SessionFailed
	default:
		return SessionRunning
	}
}

// Stream event types pushed to dashboard clients.
const (
	StreamState = "state"
	StreamSteps = "steps"
)

// StreamEvent is one websocket message. State events carry the full snapshot,
// step events only the newly appended records.
type StreamEvent struct {
	Type     string       `json:"type"`
	RunID    RunHandle    `json:"run_id,omitempty"`
	Snapshot *RunSnapshot `json:"snapshot,omitempty"`
	Steps    []StepRecord `json:"steps,omitempty"`
}

// Run statuses stored in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)
