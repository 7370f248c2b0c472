package state

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The consumer must wrap each batch in a single transaction.
func TestFlushBatchesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO table_exports").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE table_exports").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q := NewQueue(NewWithDB(db), testQueueConfig(), zap.NewNop())
	q.JobStarted(Job{JobID: "job-1", Status: JobRunning, StartTime: time.Now()})
	q.TableStarted(TableExportRecord{JobID: "job-1", TableName: "t", Status: TableProcessing})
	q.TableUpdated(TableExportRecord{JobID: "job-1", TableName: "t", RowsProcessed: 10})
	q.Close()

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(3), q.Stats().Processed)
	assert.Equal(t, int64(1), q.Stats().Flushes)
}

// One failing operation must not sink the rest of its batch.
func TestFlushSkipsFailedOperation(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("constraint violated"))
	mock.ExpectExec("INSERT INTO errors").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	q := NewQueue(NewWithDB(db), testQueueConfig(), zap.NewNop())
	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})
	q.LogError(ErrorRecord{JobID: "job-1", ErrorType: "query", Message: "boom"})
	q.Close()

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), q.Stats().Errors)
	assert.Equal(t, int64(1), q.Stats().Flushes)
}

func TestFlushBeginFailureCounted(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin().WillReturnError(errors.New("disk full"))

	q := NewQueue(NewWithDB(db), testQueueConfig(), zap.NewNop())
	q.JobStarted(Job{JobID: "job-1", Status: JobRunning})
	q.Close()

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(1), q.Stats().Errors)
	assert.Equal(t, int64(0), q.Stats().Flushes)
}
