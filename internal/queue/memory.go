package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
)

// MemoryQueue is an in-process at-least-once queue. Claims that are not
// acked before their visibility timeout are delivered again.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	pending []rwqueue.Job
	claimed map[string]*rwqueue.Delivery
	dead    []rwqueue.Job
	closed  bool
	notify  chan struct{}
	now     func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		claimed: make(map[string]*rwqueue.Delivery),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// signal wakes one blocked Claim. Callers hold mu.
func (q *MemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job rwqueue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return rwqueue.ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.insertLocked(job)
	q.signal()
	return nil
}

// insertLocked keeps pending ordered by ReadyAt, then EnqueuedAt.
func (q *MemoryQueue) insertLocked(job rwqueue.Job) {
	q.pending = append(q.pending, job)
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if !a.ReadyAt.Equal(b.ReadyAt) {
			return a.ReadyAt.Before(b.ReadyAt)
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
}

// reclaimExpiredLocked returns timed-out claims to pending, or to the dead
// letters once their attempts are used up.
func (q *MemoryQueue) reclaimExpiredLocked(now time.Time) {
	for id, d := range q.claimed {
		if now.Before(d.ExpiresAt) {
			continue
		}
		delete(q.claimed, id)
		job := d.Job
		job.LastError = "claim expired"
		if job.Attempt >= q.opts.MaxAttempts {
			q.dead = append(q.dead, job)
			continue
		}
		job.ReadyAt = now
		q.insertLocked(job)
	}
}

func (q *MemoryQueue) Claim(ctx context.Context) (*rwqueue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, rwqueue.ErrClosed
		}
		now := q.now()
		q.reclaimExpiredLocked(now)

		wait := q.opts.PollInterval
		if len(q.pending) > 0 {
			head := q.pending[0]
			if !head.ReadyAt.After(now) {
				q.pending = q.pending[1:]
				head.Attempt++
				d := &rwqueue.Delivery{
					Job:       head,
					ClaimID:   uuid.NewString(),
					ClaimedAt: now,
					ExpiresAt: now.Add(q.opts.VisibilityTimeout),
				}
				q.claimed[d.ClaimID] = d
				q.mu.Unlock()
				cpy := *d
				return &cpy, nil
			}
			if until := head.ReadyAt.Sub(now); until < wait {
				wait = until
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.claimed[claimID]; !ok {
		return rwqueue.ErrClaimNotFound
	}
	delete(q.claimed, claimID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, claimID string, reason error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.claimed[claimID]
	if !ok {
		return rwqueue.ErrClaimNotFound
	}
	delete(q.claimed, claimID)

	job := d.Job
	if reason != nil {
		job.LastError = reason.Error()
	}
	if job.Attempt >= q.opts.MaxAttempts {
		q.dead = append(q.dead, job)
		return nil
	}
	job.ReadyAt = q.opts.redeliveryTime(job, q.now())
	q.insertLocked(job)
	q.signal()
	return nil
}

func (q *MemoryQueue) Extend(_ context.Context, claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.claimed[claimID]
	if !ok {
		return rwqueue.ErrClaimNotFound
	}
	d.ExpiresAt = q.now().Add(q.opts.VisibilityTimeout)
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context) ([]rwqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]rwqueue.Job(nil), q.dead...), nil
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}

var _ rwqueue.Queue = (*MemoryQueue)(nil)
