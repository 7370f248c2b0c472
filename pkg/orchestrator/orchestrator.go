// Package orchestrator drives whole export jobs: it fans tables out across a
// bounded worker set, reports progress through the state queue, and settles
// the job's terminal status from the per-table outcomes.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/export"
	"github.com/quarrydata/quarry/pkg/metrics"
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/state"
)

// JobSpec is one export job request. Password is never serialized; the
// persisted job configuration carries everything else.
type JobSpec struct {
	ID         string   `json:"job_id"`
	DBType     string   `json:"db_type"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Username   string   `json:"username"`
	Password   string   `json:"-"`
	Database   string   `json:"database"`
	SSLMode    string   `json:"ssl_mode,omitempty"`
	OutputPath string   `json:"output_path"`
	Tables     []string `json:"tables"`

	// ChunkSizeHint, when positive, overrides the tier-based chunk sizing.
	ChunkSizeHint int64 `json:"chunk_size_hint,omitempty"`
	// MaxWorkers, when positive, overrides the configured per-table worker
	// base.
	MaxWorkers int `json:"max_workers,omitempty"`
}

// ConnConfig maps the job's source coordinates into a pool configuration.
func (s *JobSpec) ConnConfig() dbpool.ConnConfig {
	return dbpool.ConnConfig{
		DBType:   s.DBType,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		Database: s.Database,
		SSLMode:  s.SSLMode,
	}
}

// Validate rejects specs that cannot possibly run.
func (s *JobSpec) Validate() error {
	if s.ID == "" {
		return qerrors.New(qerrors.ErrorTypeValidation, "job id is required")
	}
	if s.Host == "" || s.Database == "" {
		return qerrors.New(qerrors.ErrorTypeValidation, "source host and database are required")
	}
	if s.OutputPath == "" {
		return qerrors.New(qerrors.ErrorTypeValidation, "output path is required")
	}
	if len(s.Tables) == 0 {
		return qerrors.New(qerrors.ErrorTypeValidation, "at least one table is required")
	}
	return nil
}

// Orchestrator runs one job at a time against a shared state queue.
type Orchestrator struct {
	cfg    *config.Config
	queue  *state.Queue
	logger *zap.Logger

	stopFlag int32

	mu   sync.RWMutex
	pool *dbpool.Pool
}

// New creates an orchestrator bound to a state queue.
func New(cfg *config.Config, queue *state.Queue, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		queue:  queue,
		logger: logger.With(zap.String("component", "orchestrator")),
	}
}

// Cancel requests cooperative cancellation: chunks already running finish
// naturally, no new work is submitted, and the job settles as cancelled.
func (o *Orchestrator) Cancel() {
	atomic.StoreInt32(&o.stopFlag, 1)
}

// Cancelled reports whether cancellation has been requested.
func (o *Orchestrator) Cancelled() bool {
	return atomic.LoadInt32(&o.stopFlag) != 0
}

// Run executes one export job to completion. A job id that already reached a
// terminal status is refused; re-running a job that crashed mid-flight is
// allowed and skips tables whose output is already complete on disk.
func (o *Orchestrator) Run(ctx context.Context, spec *JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	if existing, err := o.queue.GetJob(spec.ID); err == nil && existing != nil {
		if state.IsTerminalJobStatus(existing.Status) {
			return qerrors.Newf(qerrors.ErrorTypeValidation,
				"job %s already finished with status %s", spec.ID, existing.Status)
		}
	}

	log := o.logger.With(zap.String("job_id", spec.ID))
	started := time.Now().UTC()

	cfg := o.jobConfig(spec)

	o.queue.JobStarted(state.Job{
		JobID:         spec.ID,
		Status:        state.JobRunning,
		OverallStatus: state.JobRunning,
		StartTime:     started,
		TablesTotal:   len(spec.Tables),
	})
	o.saveJobConfig(spec)

	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	pool, err := dbpool.New(ctx, spec.ConnConfig(), cfg.Pool, cfg.Breaker, log)
	if err != nil {
		metrics.PoolErrors.Inc()
		o.failJob(spec.ID, started, err)
		return err
	}
	defer pool.Close()

	o.mu.Lock()
	o.pool = pool
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.pool = nil
		o.mu.Unlock()
	}()

	exporter := export.NewExporter(pool, cfg, spec.DBType, log)
	jobCtx := export.WithStopFlag(ctx, &o.stopFlag)

	log.Info("job starting",
		zap.Int("tables", len(spec.Tables)),
		zap.String("database", spec.Database),
		zap.String("output", spec.OutputPath))

	prog := &jobProgress{started: started, tablesTotal: len(spec.Tables)}

	concurrency := cfg.Export.MaxTableConcurrency
	if concurrency > len(spec.Tables) {
		concurrency = len(spec.Tables)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	tables := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tbl := range tables {
				if o.Cancelled() || jobCtx.Err() != nil {
					prog.skip()
					continue
				}
				o.runTable(jobCtx, exporter, spec, tbl, prog)
				o.reportJob(spec.ID, prog)
			}
		}()
	}

	for _, tbl := range spec.Tables {
		tables <- tbl
	}
	close(tables)
	wg.Wait()

	return o.settle(spec.ID, started, prog)
}

// jobConfig clones the engine configuration with the spec's per-job
// overrides applied.
func (o *Orchestrator) jobConfig(spec *JobSpec) *config.Config {
	cfg := *o.cfg
	if spec.ChunkSizeHint > 0 {
		cfg.Export.ChunkSizeHint = spec.ChunkSizeHint
	}
	if spec.MaxWorkers > 0 {
		cfg.Export.Workers = spec.MaxWorkers
		if cfg.Export.MaxWorkers < spec.MaxWorkers {
			cfg.Export.MaxWorkers = spec.MaxWorkers
		}
	}
	return &cfg
}

func (o *Orchestrator) saveJobConfig(spec *JobSpec) {
	data, err := json.Marshal(spec)
	if err != nil {
		o.logger.Warn("failed to serialize job config", zap.Error(err))
		return
	}
	o.queue.SaveJobConfig(spec.ID, string(data))
}

// runTable exports one table and records its outcome. Export errors are
// logged and settled into the table record; they never abort the job.
func (o *Orchestrator) runTable(ctx context.Context, exporter *export.Exporter, spec *JobSpec, tableName string, prog *jobProgress) {
	log := o.logger.With(zap.String("job_id", spec.ID), zap.String("table", tableName))

	o.queue.TableStarted(state.TableExportRecord{
		JobID:     spec.ID,
		TableName: tableName,
		Status:    state.TableProcessing,
	})

	started := time.Now()
	var lastRows int64

	progressFn := func(rowsDone int64, chunksDone int) {
		prog.addRows(rowsDone - lastRows)
		lastRows = rowsDone
		o.queue.TableUpdated(state.TableExportRecord{
			JobID:         spec.ID,
			TableName:     tableName,
			Status:        state.TableProcessing,
			RowsProcessed: rowsDone,
			ChunkCount:    chunksDone,
			Throughput:    throughput(rowsDone, time.Since(started)),
		})
	}

	outcome, err := exporter.ExportTable(ctx, tableName, spec.OutputPath, progressFn)
	if err != nil {
		log.Error("table export failed", zap.Error(err))
		metrics.TablesCompleted.WithLabelValues(state.TableFailed).Inc()
		o.queue.LogError(state.ErrorRecord{
			JobID:     spec.ID,
			TableName: tableName,
			ErrorType: string(qerrors.TypeOf(err)),
			Message:   err.Error(),
			CreatedAt: time.Now().UTC(),
		})
		o.queue.TableFinished(state.TableExportRecord{
			JobID:        spec.ID,
			TableName:    tableName,
			Status:       state.TableFailed,
			ErrorMessage: err.Error(),
		})
		prog.fail()
		return
	}

	prog.addRows(outcome.Rows - lastRows)
	prog.addTotal(outcome.Rows)
	prog.complete()

	metrics.TablesCompleted.WithLabelValues(state.TableCompleted).Inc()
	metrics.RowsExported.WithLabelValues(string(outcome.Method)).Add(float64(outcome.Rows))
	if outcome.Retries > 0 {
		metrics.ChunkRetries.Add(float64(outcome.Retries))
	}

	o.queue.TableFinished(state.TableExportRecord{
		JobID:         spec.ID,
		TableName:     tableName,
		Status:        state.TableCompleted,
		RowCount:      outcome.Rows,
		RowsProcessed: outcome.Rows,
		ChunkCount:    outcome.ChunkCount,
		FilePath:      export.OutputDir(spec.OutputPath, tableName),
		FileSizeMB:    outcome.FileSizeMB,
		Throughput:    throughput(outcome.Rows, time.Since(started)),
		RetryCount:    outcome.Retries,
		ExportMethod:  string(outcome.Method),
	})

	log.Info("table export finished",
		zap.String("method", string(outcome.Method)),
		zap.Int64("rows", outcome.Rows),
		zap.Int("chunks", outcome.ChunkCount),
		zap.Bool("skipped", outcome.Skipped),
		zap.Duration("elapsed", time.Since(started)))
}

// reportJob pushes an aggregate progress snapshot through the state queue.
func (o *Orchestrator) reportJob(jobID string, prog *jobProgress) {
	snap := prog.snapshot()
	o.queue.JobUpdated(state.Job{
		JobID:           jobID,
		Status:          state.JobRunning,
		OverallStatus:   state.JobRunning,
		ProgressPercent: snap.percent,
		TablesTotal:     snap.tablesTotal,
		TablesCompleted: snap.completed,
		TablesFailed:    snap.failed,
		RowsTotal:       snap.rowsTotal,
		RowsProcessed:   snap.rows,
		Throughput:      snap.throughput,
	})
	metrics.StateQueueDepth.Set(float64(o.queue.Stats().Depth))
}

// settle records the job's terminal status from the table outcomes.
func (o *Orchestrator) settle(jobID string, started time.Time, prog *jobProgress) error {
	snap := prog.snapshot()

	status := state.JobCompleted
	switch {
	case o.Cancelled():
		status = state.JobCancelled
	case snap.failed > 0 && snap.completed == 0:
		status = state.JobFailed
	case snap.failed > 0:
		status = state.JobCompletedWithErrors
	}

	o.queue.JobFinished(state.Job{
		JobID:           jobID,
		Status:          status,
		OverallStatus:   status,
		StartTime:       started,
		EndTime:         time.Now().UTC(),
		ProgressPercent: snap.percent,
		TablesTotal:     snap.tablesTotal,
		TablesCompleted: snap.completed,
		TablesFailed:    snap.failed,
		RowsTotal:       snap.rowsTotal,
		RowsProcessed:   snap.rows,
		Throughput:      snap.throughput,
	})

	o.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", status),
		zap.Int("tables_completed", snap.completed),
		zap.Int("tables_failed", snap.failed),
		zap.Int64("rows", snap.rows),
		zap.Duration("elapsed", time.Since(started)))

	if status == state.JobFailed {
		return qerrors.Newf(qerrors.ErrorTypeInternal,
			"job %s failed: all %d attempted tables failed", jobID, snap.failed)
	}
	return nil
}

func (o *Orchestrator) failJob(jobID string, started time.Time, err error) {
	o.queue.LogError(state.ErrorRecord{
		JobID:     jobID,
		ErrorType: string(qerrors.TypeOf(err)),
		Message:   err.Error(),
		CreatedAt: time.Now().UTC(),
	})
	o.queue.JobFinished(state.Job{
		JobID:         jobID,
		Status:        state.JobFailed,
		OverallStatus: state.JobFailed,
		StartTime:     started,
		EndTime:       time.Now().UTC(),
		ErrorMessage:  err.Error(),
	})
}

// jobProgress aggregates per-table results under one mutex.
type jobProgress struct {
	started     time.Time
	tablesTotal int

	mu        sync.Mutex
	rows      int64
	rowsTotal int64
	completed int
	failed    int
	skipped   int
}

type progressSnapshot struct {
	tablesTotal int
	completed   int
	failed      int
	rows        int64
	rowsTotal   int64
	percent     float64
	throughput  float64
}

func (p *jobProgress) addRows(delta int64) {
	if delta == 0 {
		return
	}
	p.mu.Lock()
	p.rows += delta
	p.mu.Unlock()
}

// addTotal accumulates a table's recorded row count into the job-wide total.
func (p *jobProgress) addTotal(n int64) {
	p.mu.Lock()
	p.rowsTotal += n
	p.mu.Unlock()
}

func (p *jobProgress) complete() {
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
}

func (p *jobProgress) fail() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
}

func (p *jobProgress) skip() {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
}

func (p *jobProgress) snapshot() progressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := p.completed + p.failed
	var percent float64
	if p.tablesTotal > 0 {
		percent = float64(done) / float64(p.tablesTotal) * 100
	}
	return progressSnapshot{
		tablesTotal: p.tablesTotal,
		completed:   p.completed,
		failed:      p.failed,
		rows:        p.rows,
		rowsTotal:   p.rowsTotal,
		percent:     percent,
		throughput:  throughput(p.rows, time.Since(p.started)),
	}
}

func throughput(rows int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(rows) / secs
}
