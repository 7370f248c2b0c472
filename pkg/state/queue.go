package state

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/qerrors"
)

type opKind int

const (
	opJobStart opKind = iota
	opJobUpdate
	opJobEnd
	opTableStart
	opTableUpdate
	opTableEnd
	opErrorLog
	opJobConfig
	opQuery
)

type queryResult struct {
	value interface{}
	err   error
}

type operation struct {
	kind       opKind
	job        Job
	table      TableExportRecord
	errLog     ErrorRecord
	jobID      string
	configJSON string
	run        func(*Store) (interface{}, error)
	resp       chan queryResult
	enqueuedAt time.Time
}

// Queue serializes all state store writes through a single consumer
// goroutine. Producers enqueue operations; the consumer batches writes into
// one transaction, flushing when the batch reaches BatchSize or its oldest
// entry ages past BatchTimeout. Synchronous reads travel through the same
// channel, so they observe every previously enqueued write. Submission order
// per (job, table) is preserved by construction: one channel, one consumer.
type Queue struct {
	store  *Store
	cfg    config.StateConfig
	logger *zap.Logger

	ops chan operation

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup

	pending   int64
	processed int64
	flushes   int64
	errCount  int64
	dropped   int64
}

// NewQueue creates the queue and starts its consumer goroutine.
func NewQueue(store *Store, cfg config.StateConfig, logger *zap.Logger) *Queue {
	q := &Queue{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "state_queue")),
		ops:    make(chan operation, cfg.QueueDepth),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// JobStarted records a job entering the running state.
func (q *Queue) JobStarted(j Job) {
	q.send(operation{kind: opJobStart, job: j})
}

// JobUpdated records aggregate job progress.
func (q *Queue) JobUpdated(j Job) {
	q.send(operation{kind: opJobUpdate, job: j})
}

// JobFinished records a job reaching a terminal status.
func (q *Queue) JobFinished(j Job) {
	q.send(operation{kind: opJobEnd, job: j})
}

// TableStarted records a table export entering the processing state.
func (q *Queue) TableStarted(t TableExportRecord) {
	q.send(operation{kind: opTableStart, table: t})
}

// TableUpdated records per-table progress.
func (q *Queue) TableUpdated(t TableExportRecord) {
	q.send(operation{kind: opTableUpdate, table: t})
}

// TableFinished records a table export outcome.
func (q *Queue) TableFinished(t TableExportRecord) {
	q.send(operation{kind: opTableEnd, table: t})
}

// LogError records a failure with job/table context.
func (q *Queue) LogError(e ErrorRecord) {
	q.send(operation{kind: opErrorLog, errLog: e})
}

// SaveJobConfig stores the job's non-secret parameters for the UI.
func (q *Queue) SaveJobConfig(jobID, configJSON string) {
	q.send(operation{kind: opJobConfig, jobID: jobID, configJSON: configJSON})
}

// GetJob reads one job synchronously through the queue.
func (q *Queue) GetJob(jobID string) (*Job, error) {
	v, err := q.query(func(s *Store) (interface{}, error) {
		return s.getJob(jobID)
	})
	if err != nil {
		return nil, err
	}
	job, _ := v.(*Job)
	return job, nil
}

// GetTableExports reads a job's table export records synchronously.
func (q *Queue) GetTableExports(jobID string) ([]TableExportRecord, error) {
	v, err := q.query(func(s *Store) (interface{}, error) {
		return s.getTableExports(jobID)
	})
	if err != nil {
		return nil, err
	}
	records, _ := v.([]TableExportRecord)
	return records, nil
}

// GetErrors reads a job's logged errors synchronously.
func (q *Queue) GetErrors(jobID string) ([]ErrorRecord, error) {
	v, err := q.query(func(s *Store) (interface{}, error) {
		return s.getErrors(jobID)
	})
	if err != nil {
		return nil, err
	}
	records, _ := v.([]ErrorRecord)
	return records, nil
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:     int(atomic.LoadInt64(&q.pending)),
		Processed: atomic.LoadInt64(&q.processed),
		Flushes:   atomic.LoadInt64(&q.flushes),
		Errors:    atomic.LoadInt64(&q.errCount),
		Dropped:   atomic.LoadInt64(&q.dropped),
	}
}

// Close stops accepting operations, flushes the remaining batch, and waits
// for the consumer to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) send(op operation) bool {
	op.enqueuedAt = time.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		atomic.AddInt64(&q.dropped, 1)
		q.logger.Warn("operation dropped, queue closed", zap.Int("kind", int(op.kind)))
		return false
	}
	atomic.AddInt64(&q.pending, 1)
	q.ops <- op
	return true
}

func (q *Queue) query(run func(*Store) (interface{}, error)) (interface{}, error) {
	resp := make(chan queryResult, 1)
	if !q.send(operation{kind: opQuery, run: run, resp: resp}) {
		return nil, qerrors.New(qerrors.ErrorTypeState, "state queue is closed")
	}

	select {
	case r := <-resp:
		return r.value, r.err
	case <-time.After(q.cfg.QueryTimeout):
		return nil, qerrors.New(qerrors.ErrorTypeTimeout, "state query timed out waiting for queue consumer")
	}
}

// run is the single consumer. It is the only goroutine that touches the
// store, which is what makes the embedded single-writer database safe under
// many producers.
func (q *Queue) run() {
	defer q.wg.Done()

	batch := make([]operation, 0, q.cfg.BatchSize)
	var deadline <-chan time.Time

	for {
		select {
		case op, ok := <-q.ops:
			if !ok {
				q.flush(batch)
				return
			}

			if op.kind == opQuery {
				// Flush pending writes first so the read observes them.
				q.flush(batch)
				batch = batch[:0]
				deadline = nil

				v, err := op.run(q.store)
				op.resp <- queryResult{value: v, err: err}
				atomic.AddInt64(&q.pending, -1)
				atomic.AddInt64(&q.processed, 1)
				continue
			}

			batch = append(batch, op)
			if len(batch) == 1 {
				deadline = time.After(q.cfg.BatchTimeout)
			}
			if len(batch) >= q.cfg.BatchSize {
				q.flush(batch)
				batch = batch[:0]
				deadline = nil
			}

		case <-deadline:
			q.flush(batch)
			batch = batch[:0]
			deadline = nil
		}
	}
}

// flush applies a batch of write operations in one transaction.
func (q *Queue) flush(batch []operation) {
	if len(batch) == 0 {
		return
	}

	tx, err := q.store.db.Begin()
	if err != nil {
		q.logger.Error("failed to begin state transaction", zap.Error(err))
		atomic.AddInt64(&q.errCount, 1)
		atomic.AddInt64(&q.pending, -int64(len(batch)))
		return
	}

	for _, op := range batch {
		if err := q.apply(tx, op); err != nil {
			// One bad operation must not sink the batch; log it and move on.
			q.logger.Error("failed to apply state operation",
				zap.Int("kind", int(op.kind)),
				zap.String("job_id", op.job.JobID),
				zap.Error(err))
			atomic.AddInt64(&q.errCount, 1)
		}
	}

	if err := tx.Commit(); err != nil {
		q.logger.Error("failed to commit state batch", zap.Error(err))
		atomic.AddInt64(&q.errCount, 1)
		_ = tx.Rollback()
	} else {
		atomic.AddInt64(&q.flushes, 1)
	}

	atomic.AddInt64(&q.processed, int64(len(batch)))
	atomic.AddInt64(&q.pending, -int64(len(batch)))
}

func (q *Queue) apply(tx *sql.Tx, op operation) error {
	switch op.kind {
	case opJobStart:
		return q.store.applyJobStart(tx, op.job)
	case opJobUpdate:
		return q.store.applyJobUpdate(tx, op.job)
	case opJobEnd:
		return q.store.applyJobEnd(tx, op.job)
	case opTableStart:
		return q.store.applyTableStart(tx, op.table)
	case opTableUpdate:
		return q.store.applyTableUpdate(tx, op.table)
	case opTableEnd:
		return q.store.applyTableEnd(tx, op.table)
	case opErrorLog:
		return q.store.applyErrorLog(tx, op.errLog)
	case opJobConfig:
		return q.store.applyJobConfig(tx, op.jobID, op.configJSON)
	default:
		return qerrors.Newf(qerrors.ErrorTypeInternal, "unknown state operation kind %d", op.kind)
	}
}
