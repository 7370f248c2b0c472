package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/state"
)

func newTestQueue(t *testing.T) *state.Queue {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := state.NewQueue(store, config.New().State, zap.NewNop())
	t.Cleanup(q.Close)
	return q
}

func testSpec() *JobSpec {
	return &JobSpec{
		ID:         "job-1",
		DBType:     "postgresql",
		Host:       "db.internal",
		Port:       5432,
		Username:   "exporter",
		Password:   "hunter2",
		Database:   "warehouse",
		OutputPath: "/data/exports",
		Tables:     []string{"public.orders", "public.customers"},
	}
}

func TestJobSpecValidate(t *testing.T) {
	require.NoError(t, testSpec().Validate())

	missing := func(mutate func(*JobSpec)) error {
		s := testSpec()
		mutate(s)
		return s.Validate()
	}

	assert.Error(t, missing(func(s *JobSpec) { s.ID = "" }))
	assert.Error(t, missing(func(s *JobSpec) { s.Host = "" }))
	assert.Error(t, missing(func(s *JobSpec) { s.Database = "" }))
	assert.Error(t, missing(func(s *JobSpec) { s.OutputPath = "" }))
	assert.Error(t, missing(func(s *JobSpec) { s.Tables = nil }))
}

func TestJobSpecConnConfig(t *testing.T) {
	cc := testSpec().ConnConfig()

	assert.Equal(t, "db.internal", cc.Host)
	assert.Equal(t, 5432, cc.Port)
	assert.Equal(t, "warehouse", cc.Database)
	assert.Equal(t, "hunter2", cc.Password)
}

// The password must never survive serialization; the persisted job config is
// the spec minus credentials.
func TestJobSpecPasswordNeverSerialized(t *testing.T) {
	data, err := json.Marshal(testSpec())
	require.NoError(t, err)

	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "password")
	assert.Contains(t, string(data), "warehouse")
}

func TestJobConfigOverrides(t *testing.T) {
	o := New(config.New(), nil, zap.NewNop())

	spec := testSpec()
	spec.ChunkSizeHint = 250_000
	spec.MaxWorkers = 24

	cfg := o.jobConfig(spec)
	assert.Equal(t, int64(250_000), cfg.Export.ChunkSizeHint)
	assert.Equal(t, 24, cfg.Export.Workers)
	assert.GreaterOrEqual(t, cfg.Export.MaxWorkers, 24)

	// The shared configuration is untouched.
	assert.Zero(t, o.cfg.Export.ChunkSizeHint)
}

func TestCancelIsSticky(t *testing.T) {
	o := New(config.New(), nil, zap.NewNop())

	assert.False(t, o.Cancelled())
	o.Cancel()
	assert.True(t, o.Cancelled())
	o.Cancel()
	assert.True(t, o.Cancelled())
}

func TestJobProgressSnapshot(t *testing.T) {
	p := &jobProgress{started: time.Now().Add(-time.Second), tablesTotal: 4}

	p.addRows(1000)
	p.addTotal(1000)
	p.complete()
	p.fail()
	p.skip()

	snap := p.snapshot()
	assert.Equal(t, 1, snap.completed)
	assert.Equal(t, 1, snap.failed)
	assert.Equal(t, int64(1000), snap.rows)
	assert.Equal(t, int64(1000), snap.rowsTotal)
	assert.InDelta(t, 50.0, snap.percent, 0.01)
	assert.Positive(t, snap.throughput)
}

// The job-wide row total accumulated from table outcomes must land in the
// persisted job record, both mid-run and at settlement.
func TestSettlePersistsRowsTotal(t *testing.T) {
	queue := newTestQueue(t)
	o := New(config.New(), queue, zap.NewNop())

	started := time.Now().UTC()
	queue.JobStarted(state.Job{
		JobID:         "job-rt",
		Status:        state.JobRunning,
		OverallStatus: state.JobRunning,
		StartTime:     started,
		TablesTotal:   2,
	})

	prog := &jobProgress{started: started, tablesTotal: 2}
	prog.addRows(1500)
	prog.addTotal(1000)
	prog.complete()
	prog.addTotal(500)
	prog.complete()

	o.reportJob("job-rt", prog)
	job, err := queue.GetJob("job-rt")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(1500), job.RowsTotal)

	require.NoError(t, o.settle("job-rt", started, prog))
	job, err = queue.GetJob("job-rt")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, state.JobCompleted, job.Status)
	assert.Equal(t, int64(1500), job.RowsTotal)
	assert.Equal(t, int64(1500), job.RowsProcessed)
}

// Health is the payload the health command serves. With no job running the
// pool section is absent and the queue counters are still readable.
func TestHealthIdle(t *testing.T) {
	queue := newTestQueue(t)
	o := New(config.New(), queue, zap.NewNop())

	h := o.Health()
	assert.False(t, h.Running)
	assert.Nil(t, h.Pool)
	assert.Nil(t, h.Breaker)
	assert.GreaterOrEqual(t, h.Queue.Depth, 0)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), "state_queue")
	assert.NotContains(t, string(data), "pool")
}

func TestThroughput(t *testing.T) {
	assert.InDelta(t, 500.0, throughput(1000, 2*time.Second), 0.01)
	assert.Zero(t, throughput(1000, 0))
}
