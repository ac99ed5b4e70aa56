// Package httpscheduler talks to a REST job service:
//
//	POST   /v1/jobs        create (409 when the id is taken)
//	DELETE /v1/jobs/{id}   delete (404 when absent)
//	GET    /v1/jobs        list, paginated with page_token
package httpscheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/promoflow/promoflow/internal/scheduler"
	"github.com/promoflow/promoflow/pkg/httpclient"
)

type doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config configures the REST backend.
type Config struct {
	BaseURL  string
	TimeZone string
}

// Client implements scheduler.Client over HTTP.
type Client struct {
	http     doer
	baseURL  string
	timeZone string
	logger   *slog.Logger
}

var _ scheduler.Client = (*Client)(nil)

// New creates a client. http should be a circuit-breaking client configured
// without retries.
func New(cfg Config, http *httpclient.CircuitBreakerClient, logger *slog.Logger) *Client {
	return newClient(cfg, http, logger)
}

func newClient(cfg Config, d doer, logger *slog.Logger) *Client {
	tz := cfg.TimeZone
	if tz == "" {
		tz = scheduler.DefaultTimeZone
	}
	return &Client{
		http:     d,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		timeZone: tz,
		logger:   logger,
	}
}

type httpTarget struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

type createJobRequest struct {
	ID       string     `json:"id"`
	Schedule string     `json:"schedule"`
	TimeZone string     `json:"time_zone"`
	Target   httpTarget `json:"target"`
}

type listJobsResponse struct {
	Jobs []struct {
		ID string `json:"id"`
	} `json:"jobs"`
	NextPageToken string `json:"next_page_token"`
}

// CreateRecurringJob posts the job definition.
func (c *Client) CreateRecurringJob(ctx context.Context, jobID, targetURL, cronSchedule string) error {
	body, err := json.Marshal(createJobRequest{
		ID:       jobID,
		Schedule: cronSchedule,
		TimeZone: c.timeZone,
		Target:   httpTarget{URL: targetURL, Method: http.MethodGet},
	})
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("create job %s: %w", jobID, err)
	}
	if resp.StatusCode == http.StatusConflict {
		drainAndClose(resp)
		return fmt.Errorf("create job %s: %w", jobID, scheduler.ErrJobExists)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("create job %s: %w", jobID, httpclient.ParseResponseError(resp))
	}
	drainAndClose(resp)

	c.logger.InfoContext(ctx, "scheduler job created",
		slog.String("job_id", jobID),
		slog.String("schedule", cronSchedule),
		slog.String("time_zone", c.timeZone),
	)
	return nil
}

// DeleteRecurringJob deletes the job by id.
func (c *Client) DeleteRecurringJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		drainAndClose(resp)
		return fmt.Errorf("delete job %s: %w", jobID, scheduler.ErrJobNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("delete job %s: %w", jobID, httpclient.ParseResponseError(resp))
	}
	drainAndClose(resp)

	c.logger.InfoContext(ctx, "scheduler job deleted", slog.String("job_id", jobID))
	return nil
}

// ListJobIDs follows next_page_token until the listing is exhausted.
func (c *Client) ListJobIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	token := ""
	for {
		endpoint := c.baseURL + "/v1/jobs"
		if token != "" {
			endpoint += "?page_token=" + url.QueryEscape(token)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build list request: %w", err)
		}

		page, err := c.listPage(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, j := range page.Jobs {
			ids = append(ids, j.ID)
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		if page.NextPageToken == token {
			return nil, errors.New("list jobs: page token did not advance")
		}
		token = page.NextPageToken
	}
}

func (c *Client) listPage(ctx context.Context, req *http.Request) (*listJobsResponse, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list jobs: %w", httpclient.ParseResponseError(resp))
	}
	defer func() { _ = resp.Body.Close() }()

	var page listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return &page, nil
}

// drainAndClose discards whatever is left of the body so the connection can
// be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
