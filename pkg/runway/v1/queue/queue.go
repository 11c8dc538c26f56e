package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClaimNotFound is returned when acking, nacking or extending a claim that
// has expired or was never issued.
var ErrClaimNotFound = errors.New("queue claim not found")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one whole-run submission.
type Job struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	// Attempt counts deliveries, starting at 1 on first claim.
	Attempt int `json:"attempt"`
	// ReadyAt delays delivery until the given time.
	ReadyAt   time.Time `json:"ready_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Delivery is a claimed job. The claim must be acked, nacked or extended
// before it expires, or the job is delivered again.
type Delivery struct {
	Job       Job       `json:"job"`
	ClaimID   string    `json:"claim_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Queue is an at-least-once work queue for run submissions.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Claim blocks until a job is ready or ctx is done.
	Claim(ctx context.Context) (*Delivery, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, claimID string) error
	// Nack schedules a redelivery with backoff, or dead-letters the job once
	// its attempts are exhausted.
	Nack(ctx context.Context, claimID string, reason error) error
	// Extend pushes the claim's expiry forward for long-running work.
	Extend(ctx context.Context, claimID string) error
	// DeadLetters lists jobs that exhausted their attempts.
	DeadLetters(ctx context.Context) ([]Job, error)
	Close() error
}
