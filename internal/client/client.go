// Package client talks to a running jobd over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobd/internal/engine"
	"jobd/internal/eventbus"
	"jobd/internal/storage"
	"jobd/internal/transport/httpapi"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobd: %s (%d)", e.Message, e.StatusCode)
}

type Client struct {
	base  string
	token string
	hc    *http.Client
}

// New returns a client for addr ("127.0.0.1:7420" or a full URL).
func New(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	// No client timeout: run --wait and watch are long-lived; callers bound
	// requests with their context.
	return &Client{base: base, token: strings.TrimSpace(token), hc: &http.Client{}}
}

func (c *Client) CreateJob(ctx context.Context, req httpapi.CreateJobRequest) (storage.Job, error) {
	var job storage.Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs", nil, req, &job)
	return job, err
}

func (c *Client) ListJobs(ctx context.Context, worktree string) ([]storage.Job, error) {
	q := url.Values{}
	if worktree != "" {
		q.Set("worktree", worktree)
	}
	var jobs []storage.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs", q, nil, &jobs)
	return jobs, err
}

func (c *Client) GetJob(ctx context.Context, id int64) (storage.Job, error) {
	var job storage.Job
	err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, nil, &job)
	return job, err
}

func (c *Client) DeleteJob(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, jobPath(id, ""), nil, nil, nil)
}

// RunJob starts a run and returns its id.
func (c *Client) RunJob(ctx context.Context, id int64) (httpapi.RunAccepted, error) {
	var acc httpapi.RunAccepted
	err := c.do(ctx, http.MethodPost, jobPath(id, "/run"), nil, nil, &acc)
	return acc, err
}

// RunJobWait starts a run and blocks until it is finalized.
func (c *Client) RunJobWait(ctx context.Context, id int64) (storage.JobRun, error) {
	var run storage.JobRun
	err := c.do(ctx, http.MethodPost, jobPath(id, "/run"), url.Values{"wait": {"true"}}, nil, &run)
	return run, err
}

func (c *Client) StopJob(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, jobPath(id, "/stop"), nil, nil, nil)
}

func (c *Client) JobRuns(ctx context.Context, id int64, limit int) ([]storage.JobRun, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var runs []storage.JobRun
	err := c.do(ctx, http.MethodGet, jobPath(id, "/runs"), q, nil, &runs)
	return runs, err
}

func (c *Client) LiveOutput(ctx context.Context, id int64) (engine.LiveOutput, error) {
	var out engine.LiveOutput
	err := c.do(ctx, http.MethodGet, jobPath(id, "/output"), nil, nil, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, id int64) (storage.JobRun, error) {
	var run storage.JobRun
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+strconv.FormatInt(id, 10), nil, nil, &run)
	return run, err
}

func (c *Client) Status(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &snap)
	return snap, err
}

// Events streams status events until ctx is done, the server closes the
// stream, or fn returns an error. jobID 0 streams every job.
func (c *Client) Events(ctx context.Context, jobID int64, fn func(eventbus.Event) error) error {
	q := url.Values{}
	if jobID > 0 {
		q.Set("job", strconv.FormatInt(jobID, 10))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/events", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	// run.finished carries the captured output.
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func jobPath(id int64, suffix string) string {
	return "/v1/jobs/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == status
}

// DefaultWaitTimeout bounds "run --wait" when the caller sets none.
const DefaultWaitTimeout = 24 * time.Hour

func (c *Client) ValidateCron(ctx context.Context, expr string) (httpapi.CronValidation, error) {
	var res httpapi.CronValidation
	err := c.do(ctx, http.MethodPost, "/v1/cron/validate", nil, map[string]string{"expr": expr}, &res)
	return res, err
}
