package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	rwqueue "github.com/gxo-labs/runway/pkg/runway/v1/queue"
)

const maxConflictRetries = 16

// BadgerQueue is a durable at-least-once queue on a Badger database, which
// may be shared with a BadgerStore. Jobs survive process restarts: claims
// held by a dead process expire and the job is delivered again.
//
// Key layout, for a queue named n:
//
//	queue:n:pending:<readyAt nanos>:<seq>   job JSON, ordered by readiness
//	queue:n:claimed:<claimID>               delivery JSON
//	queue:n:dead:<seq>                      job JSON
type BadgerQueue struct {
	db   *badger.DB
	name string
	opts Options
	log  rwlog.Logger
	seq  *badger.Sequence

	mu     sync.Mutex
	closed bool
	notify chan struct{}
	now    func() time.Time
}

// NewBadgerQueue opens the queue called name on db.
func NewBadgerQueue(db *badger.DB, name string, opts Options, log rwlog.Logger) (*BadgerQueue, error) {
	seq, err := db.GetSequence([]byte(fmt.Sprintf("queue:%s:sequence", name)), 100)
	if err != nil {
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	return &BadgerQueue{
		db:     db,
		name:   name,
		opts:   opts.withDefaults(),
		log:    log,
		seq:    seq,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

func (q *BadgerQueue) pendingPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:pending:", q.name))
}

func (q *BadgerQueue) pendingKey(readyAt time.Time, seq uint64) []byte {
	nanos := readyAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("queue:%s:pending:%019d:%020d", q.name, nanos, seq))
}

func (q *BadgerQueue) claimedPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:claimed:", q.name))
}

func (q *BadgerQueue) claimedKey(claimID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:claimed:%s", q.name, claimID))
}

func (q *BadgerQueue) deadKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%020d", q.name, seq))
}

// readyAtFromKey parses the readiness timestamp embedded in a pending key.
func (q *BadgerQueue) readyAtFromKey(key []byte) (time.Time, error) {
	rest := strings.TrimPrefix(string(key), string(q.pendingPrefix()))
	parts := strings.SplitN(rest, ":", 2)
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed pending key %q: %w", key, err)
	}
	return time.Unix(0, nanos), nil
}

func (q *BadgerQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *BadgerQueue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *BadgerQueue) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = q.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (q *BadgerQueue) putPending(txn *badger.Txn, job rwqueue.Job) error {
	seq, err := q.seq.Next()
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return txn.Set(q.pendingKey(job.ReadyAt, seq), data)
}

func (q *BadgerQueue) putDead(txn *badger.Txn, job rwqueue.Job) error {
	seq, err := q.seq.Next()
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return txn.Set(q.deadKey(seq), data)
}

func (q *BadgerQueue) Enqueue(_ context.Context, job rwqueue.Job) error {
	if q.isClosed() {
		return rwqueue.ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	if job.ReadyAt.IsZero() {
		job.ReadyAt = job.EnqueuedAt
	}
	if err := q.update(func(txn *badger.Txn) error { return q.putPending(txn, job) }); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ExecutionID, err)
	}
	q.signal()
	return nil
}

// reclaimExpired moves claims whose visibility timeout passed back to
// pending, or to the dead letters once attempts are used up.
func (q *BadgerQueue) reclaimExpired(now time.Time) error {
	return q.update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var expired []*rwqueue.Delivery
		var keys [][]byte
		prefix := q.claimedPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var d rwqueue.Delivery
			if err := json.Unmarshal(data, &d); err != nil {
				return fmt.Errorf("decode claim: %w", err)
			}
			if now.Before(d.ExpiresAt) {
				continue
			}
			expired = append(expired, &d)
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		for i, d := range expired {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			job := d.Job
			job.LastError = "claim expired"
			if job.Attempt >= q.opts.MaxAttempts {
				if err := q.putDead(txn, job); err != nil {
					return err
				}
				continue
			}
			job.ReadyAt = now
			if err := q.putPending(txn, job); err != nil {
				return err
			}
			if q.log != nil {
				q.log.Warnf("queue %s: claim %s for execution %s expired, redelivering", q.name, d.ClaimID, job.ExecutionID)
			}
		}
		return nil
	})
}

// tryClaim takes the first ready job. It returns the delivery, or nil and
// the time until the next job becomes ready (zero when the queue is empty).
func (q *BadgerQueue) tryClaim(now time.Time) (*rwqueue.Delivery, time.Duration, error) {
	var delivery *rwqueue.Delivery
	var wait time.Duration
	err := q.update(func(txn *badger.Txn) error {
		delivery, wait = nil, 0
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := q.pendingPrefix()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		readyAt, err := q.readyAtFromKey(key)
		if err != nil {
			return err
		}
		if readyAt.After(now) {
			wait = readyAt.Sub(now)
			return nil
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var job rwqueue.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		job.Attempt++
		d := &rwqueue.Delivery{
			Job:       job,
			ClaimID:   uuid.NewString(),
			ClaimedAt: now,
			ExpiresAt: now.Add(q.opts.VisibilityTimeout),
		}
		claim, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode claim: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Set(q.claimedKey(d.ClaimID), claim); err != nil {
			return err
		}
		delivery = d
		return nil
	})
	return delivery, wait, err
}

func (q *BadgerQueue) Claim(ctx context.Context) (*rwqueue.Delivery, error) {
	for {
		if q.isClosed() {
			return nil, rwqueue.ErrClosed
		}
		now := q.now()
		if err := q.reclaimExpired(now); err != nil {
			return nil, fmt.Errorf("reclaim expired claims: %w", err)
		}
		d, until, err := q.tryClaim(now)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if d != nil {
			return d, nil
		}

		wait := q.opts.PollInterval
		if until > 0 && until < wait {
			wait = until
		}
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

func (q *BadgerQueue) getClaim(txn *badger.Txn, claimID string) (*rwqueue.Delivery, error) {
	item, err := txn.Get(q.claimedKey(claimID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rwqueue.ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var d rwqueue.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return &d, nil
}

func (q *BadgerQueue) Ack(_ context.Context, claimID string) error {
	return q.update(func(txn *badger.Txn) error {
		if _, err := q.getClaim(txn, claimID); err != nil {
			return err
		}
		return txn.Delete(q.claimedKey(claimID))
	})
}

func (q *BadgerQueue) Nack(_ context.Context, claimID string, reason error) error {
	err := q.update(func(txn *badger.Txn) error {
		d, err := q.getClaim(txn, claimID)
		if err != nil {
			return err
		}
		if err := txn.Delete(q.claimedKey(claimID)); err != nil {
			return err
		}
		job := d.Job
		if reason != nil {
			job.LastError = reason.Error()
		}
		if job.Attempt >= q.opts.MaxAttempts {
			return q.putDead(txn, job)
		}
		job.ReadyAt = q.opts.redeliveryTime(job, q.now())
		return q.putPending(txn, job)
	})
	if err == nil {
		q.signal()
	}
	return err
}

func (q *BadgerQueue) Extend(_ context.Context, claimID string) error {
	return q.update(func(txn *badger.Txn) error {
		d, err := q.getClaim(txn, claimID)
		if err != nil {
			return err
		}
		d.ExpiresAt = q.now().Add(q.opts.VisibilityTimeout)
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode claim: %w", err)
		}
		return txn.Set(q.claimedKey(claimID), data)
	})
}

func (q *BadgerQueue) DeadLetters(_ context.Context) ([]rwqueue.Job, error) {
	var out []rwqueue.Job
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(fmt.Sprintf("queue:%s:dead:", q.name))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var job rwqueue.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			out = append(out, job)
		}
		return nil
	})
	return out, err
}

// Close stops the queue. The database stays open; its owner closes it.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
	return q.seq.Release()
}

var _ rwqueue.Queue = (*BadgerQueue)(nil)
