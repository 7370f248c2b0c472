package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
)

func testQueueConfig() config.StateConfig {
	return config.StateConfig{
		QueueDepth:   100,
		BatchSize:    50,
		BatchTimeout: 50 * time.Millisecond,
		QueryTimeout: 5 * time.Second,
	}
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := NewQueue(store, testQueueConfig(), zap.NewNop())
	t.Cleanup(q.Close)
	return q
}

// A synchronous read through the queue must observe every write enqueued
// before it, regardless of batching.
func TestQueueReadAfterWrite(t *testing.T) {
	q := newTestQueue(t)

	q.JobStarted(Job{
		JobID:       "job-1",
		Status:      JobRunning,
		StartTime:   time.Now().UTC(),
		TablesTotal: 3,
	})

	job, err := q.GetJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobRunning, job.Status)
	assert.Equal(t, 3, job.TablesTotal)
}

func TestGetJobMissing(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.GetJob("nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// Terminal job statuses are never regressed by stale updates arriving after
// the job finished.
func TestTerminalJobStatusSticks(t *testing.T) {
	q := newTestQueue(t)

	q.JobStarted(Job{JobID: "job-1", Status: JobRunning, StartTime: time.Now().UTC()})
	q.JobFinished(Job{JobID: "job-1", Status: JobCompleted, OverallStatus: JobCompleted, EndTime: time.Now().UTC()})

	// Stale operations that lost the race.
	q.JobUpdated(Job{JobID: "job-1", ProgressPercent: 50, RowsProcessed: 10})
	q.JobFinished(Job{JobID: "job-1", Status: JobFailed, OverallStatus: JobFailed})
	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})

	job, err := q.GetJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Zero(t, job.RowsProcessed, "stale update must not land after completion")
}

func TestCompletedTableNotRegressed(t *testing.T) {
	q := newTestQueue(t)

	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})
	q.TableStarted(TableExportRecord{JobID: "job-1", TableName: "public.orders", Status: TableProcessing})
	q.TableFinished(TableExportRecord{
		JobID: "job-1", TableName: "public.orders",
		Status: TableCompleted, RowCount: 100, RowsProcessed: 100,
	})

	// A late in-flight update must bounce off the completed row.
	q.TableUpdated(TableExportRecord{JobID: "job-1", TableName: "public.orders", RowsProcessed: 42})
	q.TableStarted(TableExportRecord{JobID: "job-1", TableName: "public.orders", Status: TableProcessing})

	records, err := q.GetTableExports("job-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TableCompleted, records[0].Status)
	assert.Equal(t, int64(100), records[0].RowsProcessed)
}

func TestTableLifecycle(t *testing.T) {
	q := newTestQueue(t)

	q.TableStarted(TableExportRecord{JobID: "job-1", TableName: "public.a", Status: TableProcessing})
	q.TableUpdated(TableExportRecord{JobID: "job-1", TableName: "public.a", RowsProcessed: 50, ChunkCount: 1})
	q.TableFinished(TableExportRecord{
		JobID: "job-1", TableName: "public.a",
		Status: TableCompleted, RowCount: 120, RowsProcessed: 120,
		ChunkCount: 3, ExportMethod: "range", FilePath: "/out/public.a",
	})

	records, err := q.GetTableExports("job-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(120), records[0].RowCount)
	assert.Equal(t, "range", records[0].ExportMethod)
	assert.Equal(t, 3, records[0].ChunkCount)
}

func TestErrorLogRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	q.LogError(ErrorRecord{
		JobID:     "job-1",
		TableName: "public.orders",
		ErrorType: "connection",
		Message:   "connection reset by peer",
		CreatedAt: time.Now().UTC(),
	})
	q.LogError(ErrorRecord{JobID: "job-1", ErrorType: "integrity", Message: "row mismatch"})

	errs, err := q.GetErrors("job-1")
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "connection", errs[0].ErrorType)
	assert.Equal(t, "integrity", errs[1].ErrorType)
}

// Writes flush on the batch timeout even when no read forces them through.
func TestBatchTimeoutFlush(t *testing.T) {
	q := newTestQueue(t)

	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})

	require.Eventually(t, func() bool {
		return q.Stats().Flushes >= 1
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, q.Stats().Processed, int64(1))
}

func TestClosedQueueDropsOperations(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	q := NewQueue(store, testQueueConfig(), zap.NewNop())
	q.Close()

	q.JobStarted(Job{JobID: "late", Status: JobRunning})
	assert.Equal(t, int64(1), q.Stats().Dropped)

	_, err = q.GetJob("late")
	assert.Error(t, err)
}

func TestCloseFlushesRemainingBatch(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	q := NewQueue(store, testQueueConfig(), zap.NewNop())
	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})
	q.Close()

	// Read directly; the queue is gone but the write must have landed.
	job, err := store.getJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobRunning, job.Status)
}

func TestIsTerminalJobStatus(t *testing.T) {
	assert.True(t, IsTerminalJobStatus(JobCompleted))
	assert.True(t, IsTerminalJobStatus(JobCompletedWithErrors))
	assert.True(t, IsTerminalJobStatus(JobFailed))
	assert.True(t, IsTerminalJobStatus(JobCancelled))
	assert.False(t, IsTerminalJobStatus(JobRunning))
	assert.False(t, IsTerminalJobStatus(JobQueued))
}
