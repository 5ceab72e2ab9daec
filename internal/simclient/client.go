// Package simclient talks to the remote simulation service.
package simclient

// File: internal/simclient/client.go
// Purpose: HTTP client for start / poll / delete / reset calls of the run service.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"simdash/internal/models"
)

const maxErrorBody = 64 << 10

// Client calls the simulation service rooted at a base URL such as
// http://localhost:8000/api.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client with its own http.Client using timeout per request.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient returns a Client sharing hc.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// BaseURL returns the service root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// StartRun posts the request and returns the run handle.
func (c *Client) StartRun(ctx context.Context, req models.RunRequest) (models.RunHandle, error) {
	body, err := req.Normalized()
	if err != nil {
		return "", &models.ValidationError{Field: "start_date", Reason: err.Error()}
	}
	var resp models.CreateRunResponse
	if err := c.do(ctx, "start run", http.MethodPost, "/simulate/", body, &resp); err != nil {
		return "", err
	}
	if resp.RunID == "" {
		return "", &models.TransportError{Op: "start run", Detail: "response missing run_id"}
	}
	return models.RunHandle(resp.RunID), nil
}

// PollProgress fetches step records newer than since.
func (c *Client) PollProgress(ctx context.Context, handle models.RunHandle, since int) (*models.Progress, error) {
	path := runPath(handle) + "?since=" + strconv.Itoa(since)
	var resp models.Progress
	if err := c.do(ctx, "poll progress", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRun asks the service to stop and forget a run.
func (c *Client) DeleteRun(ctx context.Context, handle models.RunHandle) error {
	return c.do(ctx, "delete run", http.MethodDelete, runPath(handle), nil, nil)
}

// ResetStaging asks the service to discard any staged state.
func (c *Client) ResetStaging(ctx context.Context) error {
	return c.do(ctx, "reset", http.MethodPost, "/reset/", nil, nil)
}

func runPath(handle models.RunHandle) string {
	return "/simulate/" + url.PathEscape(string(handle))
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &models.TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &models.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(resp),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorDetail extracts a readable message from an error response: the
// "detail" or "error" field of a JSON body, else the raw text.
func errorDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(raw))
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err == nil {
			for _, key := range []string{"detail", "error"} {
				if v, ok := payload[key].(string); ok && v != "" {
					return v
				}
			}
		}
	}
	return text
}
