package queue

import (
	"time"

	"github.com/gxo-labs/runway/internal/retry"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
)

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultPollInterval      = 250 * time.Millisecond
)

// Options tune delivery behavior shared by every queue implementation.
type Options struct {
	// VisibilityTimeout is how long a claim stays exclusive before the job
	// becomes deliverable again.
	VisibilityTimeout time.Duration
	// MaxAttempts bounds deliveries before a job is dead-lettered.
	MaxAttempts int
	// Backoff spaces redeliveries after a Nack.
	Backoff retry.Config
	// PollInterval bounds how long Claim sleeps between scans when nothing
	// signals new work.
	PollInterval time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: DefaultVisibilityTimeout,
		MaxAttempts:       DefaultMaxAttempts,
		Backoff: retry.Config{
			Delay:         time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2.0,
			Jitter:        0.1,
		},
		PollInterval: DefaultPollInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff.Delay <= 0 && o.Backoff.MaxDelay <= 0 && o.Backoff.BackoffFactor == 0 {
		o.Backoff = d.Backoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// redeliveryTime returns when a nacked job becomes ready again.
func (o Options) redeliveryTime(job rwqueue.Job, now time.Time) time.Time {
	return now.Add(retry.Backoff(o.Backoff, job.Attempt))
}
