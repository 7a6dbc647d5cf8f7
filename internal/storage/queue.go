package storage

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/net/circuit"
)

// writeJob is one queued write closure plus its completion signal. ctx is the
// submitter's context stripped of cancellation: jobs share a batch transaction,
// so one caller backing out must not roll back everyone else's writes.
type writeJob struct {
	ctx  context.Context
	fn   func(context.Context, *sqlx.Tx) error
	done chan error
}

// writeQueue serializes sqlite writes through a single worker. Jobs are
// batched by size or age and committed in one transaction; every submitter
// blocks until its batch commits, so callers keep read-your-writes. Busy and
// locked errors retry with backoff below the breaker, and a batch failure
// fails every job in the batch.
type writeQueue struct {
	db         *sqlx.DB
	jobs       chan writeJob
	breaker    *circuit.Breaker
	maxBatch   int
	maxWait    time.Duration
	maxRetries int

	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup
}

func newWriteQueue(db *sqlx.DB, breaker *circuit.Breaker, size, maxBatch int, maxWait time.Duration, maxRetries int) *writeQueue {
	if size <= 0 {
		size = 64
	}
	if maxBatch <= 0 {
		maxBatch = 32
	}
	if maxWait <= 0 {
		maxWait = 200 * time.Millisecond
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	q := &writeQueue{
		db:         db,
		jobs:       make(chan writeJob, size),
		breaker:    breaker,
		maxBatch:   maxBatch,
		maxWait:    maxWait,
		maxRetries: maxRetries,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues fn and blocks until its batch commits or ctx ends. ctx
// gates the enqueue and the acknowledgment only; once enqueued the job runs
// detached, so a caller that gives up waiting still gets its write.
func (q *writeQueue) Submit(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
	q.mu.RLock()
	if q.shutdown {
		q.mu.RUnlock()
		return errs.Ef(errs.KindDatabaseConnection, "storage", "write_queue", "write queue is closed")
	}
	job := writeJob{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return errs.E(errs.Classify(ctx.Err()), "storage", "write_queue", ctx.Err())
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return errs.E(errs.Classify(ctx.Err()), "storage", "write_queue", ctx.Err())
	}
}

// Close drains pending jobs and stops the worker.
func (q *writeQueue) Close() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	q.mu.Unlock()
	close(q.jobs)
	q.wg.Wait()
}

func (q *writeQueue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		batch := q.collect(job)
		err := q.flush(batch)
		for _, j := range batch {
			j.done <- err
		}
	}
}

// collect gathers more jobs behind the first one, up to the batch cap or the
// flush wait, whichever comes first.
func (q *writeQueue) collect(first writeJob) []writeJob {
	batch := []writeJob{first}
	timer := time.NewTimer(q.maxWait)
	defer timer.Stop()
	for len(batch) < q.maxBatch {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return batch
			}
			batch = append(batch, j)
		case <-timer.C:
			return batch
		}
	}
	return batch
}

// flush commits the batch under the storage breaker, retrying lock and busy
// errors with linear backoff before giving up.
func (q *writeQueue) flush(batch []writeJob) error {
	return q.breaker.Execute(func() error {
		var err error
		for attempt := 1; attempt <= q.maxRetries; attempt++ {
			err = q.commit(batch)
			if err == nil {
				return nil
			}
			kind := errs.KindOf(err)
			if kind != errs.KindDatabaseLock {
				return err
			}
			delay := time.Duration(attempt) * 50 * time.Millisecond
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(batch)).
				Dur("delay", delay).
				Msg("database locked, retrying write batch")
			time.Sleep(delay)
		}
		return err
	})
}

func (q *writeQueue) commit(batch []writeJob) error {
	tx, err := q.db.Beginx()
	if err != nil {
		return errs.E(errs.Classify(err), "storage", "write_queue_begin", err)
	}
	for _, j := range batch {
		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.E(errs.Classify(err), "storage", "write_queue_commit", err)
	}
	return nil
}
