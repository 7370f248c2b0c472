package state

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the local state store

	"github.com/quarrydata/quarry/pkg/qerrors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id                  TEXT PRIMARY KEY,
	status                  TEXT NOT NULL,
	overall_status          TEXT NOT NULL DEFAULT '',
	start_time              TIMESTAMP,
	end_time                TIMESTAMP,
	progress_percent        REAL NOT NULL DEFAULT 0,
	tables_total            INTEGER NOT NULL DEFAULT 0,
	tables_completed        INTEGER NOT NULL DEFAULT 0,
	tables_failed           INTEGER NOT NULL DEFAULT 0,
	rows_total              INTEGER NOT NULL DEFAULT 0,
	rows_processed          INTEGER NOT NULL DEFAULT 0,
	throughput_rows_per_sec REAL NOT NULL DEFAULT 0,
	error_message           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS table_exports (
	job_id                  TEXT NOT NULL,
	table_name              TEXT NOT NULL,
	status                  TEXT NOT NULL,
	row_count               INTEGER NOT NULL DEFAULT 0,
	rows_processed          INTEGER NOT NULL DEFAULT 0,
	chunk_count             INTEGER NOT NULL DEFAULT 0,
	file_path               TEXT NOT NULL DEFAULT '',
	file_size_mb            REAL NOT NULL DEFAULT 0,
	throughput_rows_per_sec REAL NOT NULL DEFAULT 0,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	export_method           TEXT NOT NULL DEFAULT '',
	error_message           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, table_name)
);

CREATE TABLE IF NOT EXISTS errors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	table_name  TEXT NOT NULL DEFAULT '',
	error_type  TEXT NOT NULL,
	message     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS job_configs (
	job_id      TEXT PRIMARY KEY,
	config_json TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
`

// Store wraps the embedded SQLite database holding job and table progress.
// All mutation goes through Queue's single consumer; Store itself only knows
// the SQL.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path. WAL mode keeps the
// single writer from blocking concurrent readers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to open state store")
	}

	// The sqlite driver serializes on a single connection; keeping the Go
	// side at one connection avoids database-locked errors outright.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to initialize state schema")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mutations below run inside the consumer's batch transaction. The WHERE
// guards implement the terminal-status rule: a job or table already in a
// terminal status is never overwritten by a stale start or update.

func (s *Store) applyJobStart(tx *sql.Tx, j Job) error {
	_, err := tx.Exec(`
		INSERT INTO jobs (job_id, status, overall_status, start_time, tables_total, rows_total)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			overall_status = excluded.overall_status,
			start_time = excluded.start_time,
			tables_total = excluded.tables_total,
			rows_total = excluded.rows_total
		WHERE jobs.status NOT IN ('completed', 'completed_with_errors', 'failed', 'cancelled')`,
		j.JobID, j.Status, j.OverallStatus, j.StartTime, j.TablesTotal, j.RowsTotal)
	return err
}

func (s *Store) applyJobUpdate(tx *sql.Tx, j Job) error {
	_, err := tx.Exec(`
		UPDATE jobs SET
			progress_percent = ?,
			tables_completed = ?,
			tables_failed = ?,
			rows_total = ?,
			rows_processed = ?,
			throughput_rows_per_sec = ?
		WHERE job_id = ?
		  AND status NOT IN ('completed', 'completed_with_errors', 'failed', 'cancelled')`,
		j.ProgressPercent, j.TablesCompleted, j.TablesFailed,
		j.RowsTotal, j.RowsProcessed, j.Throughput, j.JobID)
	return err
}

func (s *Store) applyJobEnd(tx *sql.Tx, j Job) error {
	_, err := tx.Exec(`
		UPDATE jobs SET
			status = ?,
			overall_status = ?,
			end_time = ?,
			progress_percent = ?,
			tables_completed = ?,
			tables_failed = ?,
			rows_total = ?,
			rows_processed = ?,
			throughput_rows_per_sec = ?,
			error_message = ?
		WHERE job_id = ?
		  AND status NOT IN ('completed', 'completed_with_errors', 'failed', 'cancelled')`,
		j.Status, j.OverallStatus, j.EndTime, j.ProgressPercent,
		j.TablesCompleted, j.TablesFailed, j.RowsTotal, j.RowsProcessed,
		j.Throughput, j.ErrorMessage, j.JobID)
	return err
}

func (s *Store) applyTableStart(tx *sql.Tx, t TableExportRecord) error {
	_, err := tx.Exec(`
		INSERT INTO table_exports (job_id, table_name, status, row_count, retry_count, export_method)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, table_name) DO UPDATE SET
			status = excluded.status,
			row_count = excluded.row_count,
			retry_count = excluded.retry_count,
			export_method = excluded.export_method
		WHERE table_exports.status != 'completed'`,
		t.JobID, t.TableName, t.Status, t.RowCount, t.RetryCount, t.ExportMethod)
	return err
}

func (s *Store) applyTableUpdate(tx *sql.Tx, t TableExportRecord) error {
	_, err := tx.Exec(`
		UPDATE table_exports SET
			rows_processed = ?,
			chunk_count = ?,
			throughput_rows_per_sec = ?,
			retry_count = ?
		WHERE job_id = ? AND table_name = ? AND status != 'completed'`,
		t.RowsProcessed, t.ChunkCount, t.Throughput, t.RetryCount,
		t.JobID, t.TableName)
	return err
}

func (s *Store) applyTableEnd(tx *sql.Tx, t TableExportRecord) error {
	_, err := tx.Exec(`
		UPDATE table_exports SET
			status = ?,
			row_count = ?,
			rows_processed = ?,
			chunk_count = ?,
			file_path = ?,
			file_size_mb = ?,
			throughput_rows_per_sec = ?,
			retry_count = ?,
			export_method = ?,
			error_message = ?
		WHERE job_id = ? AND table_name = ? AND status != 'completed'`,
		t.Status, t.RowCount, t.RowsProcessed, t.ChunkCount, t.FilePath,
		t.FileSizeMB, t.Throughput, t.RetryCount, t.ExportMethod,
		t.ErrorMessage, t.JobID, t.TableName)
	return err
}

func (s *Store) applyErrorLog(tx *sql.Tx, e ErrorRecord) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.Exec(`
		INSERT INTO errors (job_id, table_name, error_type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.TableName, e.ErrorType, e.Message, created)
	return err
}

func (s *Store) applyJobConfig(tx *sql.Tx, jobID, configJSON string) error {
	_, err := tx.Exec(`
		INSERT INTO job_configs (job_id, config_json, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET config_json = excluded.config_json`,
		jobID, configJSON, time.Now())
	return err
}

// Reads below execute on the consumer goroutine after pending writes flush,
// so they always observe previously enqueued operations.

func (s *Store) getJob(jobID string) (*Job, error) {
	var j Job
	var start, end sql.NullTime
	err := s.db.QueryRow(`
		SELECT job_id, status, overall_status, start_time, end_time,
		       progress_percent, tables_total, tables_completed, tables_failed,
		       rows_total, rows_processed, throughput_rows_per_sec, error_message
		FROM jobs WHERE job_id = ?`, jobID).Scan(
		&j.JobID, &j.Status, &j.OverallStatus, &start, &end,
		&j.ProgressPercent, &j.TablesTotal, &j.TablesCompleted, &j.TablesFailed,
		&j.RowsTotal, &j.RowsProcessed, &j.Throughput, &j.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to read job")
	}
	if start.Valid {
		j.StartTime = start.Time
	}
	if end.Valid {
		j.EndTime = end.Time
	}
	return &j, nil
}

func (s *Store) getTableExports(jobID string) ([]TableExportRecord, error) {
	rows, err := s.db.Query(`
		SELECT job_id, table_name, status, row_count, rows_processed,
		       chunk_count, file_path, file_size_mb, throughput_rows_per_sec,
		       retry_count, export_method, error_message
		FROM table_exports WHERE job_id = ? ORDER BY table_name`, jobID)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to read table exports")
	}
	defer rows.Close()

	var out []TableExportRecord
	for rows.Next() {
		var t TableExportRecord
		if err := rows.Scan(
			&t.JobID, &t.TableName, &t.Status, &t.RowCount, &t.RowsProcessed,
			&t.ChunkCount, &t.FilePath, &t.FileSizeMB, &t.Throughput,
			&t.RetryCount, &t.ExportMethod, &t.ErrorMessage); err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to scan table export")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) getErrors(jobID string) ([]ErrorRecord, error) {
	rows, err := s.db.Query(`
		SELECT job_id, table_name, error_type, message, created_at
		FROM errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to read errors")
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var e ErrorRecord
		if err := rows.Scan(&e.JobID, &e.TableName, &e.ErrorType, &e.Message, &e.CreatedAt); err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeState, "failed to scan error record")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
