// Package scheduler defines the client for the external recurring-job
// service that fires promotion callbacks. Implementations never retry on
// their own; the caller decides what a failure means.
package scheduler

import (
	"context"
	"errors"
)

var (
	// ErrJobExists means a job with the same id is already scheduled.
	ErrJobExists = errors.New("scheduler: job already exists")
	// ErrJobNotFound means there is no job with the given id.
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// DefaultTimeZone is the zone cron schedules are evaluated in.
const DefaultTimeZone = "America/New_York"

// Client creates and deletes recurring HTTP GET jobs.
type Client interface {
	// CreateRecurringJob schedules a GET to targetURL on cronSchedule.
	CreateRecurringJob(ctx context.Context, jobID, targetURL, cronSchedule string) error
	// DeleteRecurringJob removes the job.
	DeleteRecurringJob(ctx context.Context, jobID string) error
	// ListJobIDs returns the ids of every job the client can see.
	ListJobIDs(ctx context.Context) ([]string, error)
}
