package collector

import (
	"fmt"
	"sync"

	"github.com/poolwatch/poolwatch/internal/models"
)

// BackfillJob asks the historical collector to walk candles backwards for one
// (pool, timeframe). Before is the exclusive upper bound of the next page;
// Until is the grid timestamp at which the walk stops.
type BackfillJob struct {
	PoolID      string
	PoolAddress string
	Timeframe   models.Timeframe
	Before      int64
	Until       int64
}

func (j BackfillJob) dedupKey() string {
	return fmt.Sprintf("%s|%s|%d", j.PoolID, j.Timeframe, j.Until)
}

// BackfillQueue is the in-memory FIFO between the gap detector and the
// historical collector. Jobs targeting the same gap collapse into one entry;
// pending work does not survive a restart, the next gap scan re-enqueues it.
type BackfillQueue struct {
	mu   sync.Mutex
	jobs []BackfillJob
	seen map[string]bool
}

func NewBackfillQueue() *BackfillQueue {
	return &BackfillQueue{seen: make(map[string]bool)}
}

// Push enqueues a job unless the same gap is already pending.
func (q *BackfillQueue) Push(job BackfillJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := job.dedupKey()
	if q.seen[key] {
		return false
	}
	q.seen[key] = true
	q.jobs = append(q.jobs, job)
	return true
}

// Pop removes and returns the oldest job. ok is false when the queue is
// empty.
func (q *BackfillQueue) Pop() (BackfillJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return BackfillJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	delete(q.seen, job.dedupKey())
	return job, true
}

func (q *BackfillQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
