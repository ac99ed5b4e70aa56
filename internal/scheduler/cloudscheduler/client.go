// Package cloudscheduler implements scheduler.Client on Google Cloud
// Scheduler. Jobs live under projects/{project}/locations/{location}/jobs.
package cloudscheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/scheduler/apiv1"
	"cloud.google.com/go/scheduler/apiv1/schedulerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/promoflow/promoflow/internal/scheduler"
)

// Config identifies the Cloud Scheduler location.
type Config struct {
	ProjectID       string
	LocationID      string
	CredentialsFile string
	TimeZone        string
}

func (c Config) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.ProjectID, c.LocationID)
}

// jobService is the slice of the Cloud Scheduler API the client uses.
type jobService interface {
	CreateJob(ctx context.Context, req *schedulerpb.CreateJobRequest) (*schedulerpb.Job, error)
	DeleteJob(ctx context.Context, req *schedulerpb.DeleteJobRequest) error
	ListJobNames(ctx context.Context, parent string) ([]string, error)
	Close() error
}

// Client implements scheduler.Client.
type Client struct {
	jobs     jobService
	parent   string
	timeZone string
	logger   *slog.Logger
}

var _ scheduler.Client = (*Client)(nil)

// New dials Cloud Scheduler. Application default credentials are used when
// cfg.CredentialsFile is empty.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" || cfg.LocationID == "" {
		return nil, errors.New("cloudscheduler: project and location are required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := gcs.NewCloudSchedulerClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudscheduler: new client: %w", err)
	}
	return newClient(cfg, &gcpJobs{client: c}, logger), nil
}

func newClient(cfg Config, jobs jobService, logger *slog.Logger) *Client {
	tz := cfg.TimeZone
	if tz == "" {
		tz = scheduler.DefaultTimeZone
	}
	return &Client{jobs: jobs, parent: cfg.parent(), timeZone: tz, logger: logger}
}

func (c *Client) jobName(jobID string) string {
	return c.parent + "/jobs/" + jobID
}

// CreateRecurringJob creates an HTTP GET job.
func (c *Client) CreateRecurringJob(ctx context.Context, jobID, targetURL, cronSchedule string) error {
	_, err := c.jobs.CreateJob(ctx, &schedulerpb.CreateJobRequest{
		Parent: c.parent,
		Job: &schedulerpb.Job{
			Name:     c.jobName(jobID),
			Schedule: cronSchedule,
			TimeZone: c.timeZone,
			Target: &schedulerpb.Job_HttpTarget{
				HttpTarget: &schedulerpb.HttpTarget{
					Uri:        targetURL,
					HttpMethod: schedulerpb.HttpMethod_GET,
				},
			},
		},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("create job %s: %w", jobID, scheduler.ErrJobExists)
		}
		return fmt.Errorf("create job %s: %w", jobID, err)
	}

	c.logger.InfoContext(ctx, "cloud scheduler job created",
		slog.String("job_id", jobID),
		slog.String("schedule", cronSchedule),
	)
	return nil
}

// DeleteRecurringJob deletes the job.
func (c *Client) DeleteRecurringJob(ctx context.Context, jobID string) error {
	if err := c.jobs.DeleteJob(ctx, &schedulerpb.DeleteJobRequest{Name: c.jobName(jobID)}); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("delete job %s: %w", jobID, scheduler.ErrJobNotFound)
		}
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}

	c.logger.InfoContext(ctx, "cloud scheduler job deleted", slog.String("job_id", jobID))
	return nil
}

// ListJobIDs returns the short ids of every job under the location.
func (c *Client) ListJobIDs(ctx context.Context) ([]string, error) {
	names, err := c.jobs.ListJobNames(ctx, c.parent)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	prefix := c.parent + "/jobs/"
	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, strings.TrimPrefix(n, prefix))
	}
	return ids, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.jobs.Close()
}

type gcpJobs struct {
	client *gcs.CloudSchedulerClient
}

func (g *gcpJobs) CreateJob(ctx context.Context, req *schedulerpb.CreateJobRequest) (*schedulerpb.Job, error) {
	return g.client.CreateJob(ctx, req)
}

func (g *gcpJobs) DeleteJob(ctx context.Context, req *schedulerpb.DeleteJobRequest) error {
	return g.client.DeleteJob(ctx, req)
}

func (g *gcpJobs) ListJobNames(ctx context.Context, parent string) ([]string, error) {
	var names []string
	it := g.client.ListJobs(ctx, &schedulerpb.ListJobsRequest{Parent: parent})
	for {
		job, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, job.GetName())
	}
}

func (g *gcpJobs) Close() error {
	return g.client.Close()
}
