// Package state provides the local state store for job and table export
// progress. All writes funnel through a single-consumer queue so the
// embedded single-writer store never sees contending writers.
package state

import "time"

// Job status values. Completed, CompletedWithErrors, Failed and Cancelled are
// terminal: once reached, no later operation may regress them.
const (
	JobQueued              = "queued"
	JobRunning             = "running"
	JobCompleted           = "completed"
	JobCompletedWithErrors = "completed_with_errors"
	JobFailed              = "failed"
	JobCancelled           = "cancelled"
)

// Table export status values. Completed is terminal for a table.
const (
	TableQueued     = "queued"
	TableProcessing = "processing"
	TableCompleted  = "completed"
	TableFailed     = "failed"
)

// Job is a snapshot of one export job's progress.
type Job struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	OverallStatus   string    `json:"overall_status"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ProgressPercent float64   `json:"progress_percent"`
	TablesTotal     int       `json:"tables_total"`
	TablesCompleted int       `json:"tables_completed"`
	TablesFailed    int       `json:"tables_failed"`
	RowsTotal       int64     `json:"rows_total"`
	RowsProcessed   int64     `json:"rows_processed"`
	Throughput      float64   `json:"throughput_rows_per_sec"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// TableExportRecord is a snapshot of one table's export within a job.
type TableExportRecord struct {
	JobID         string  `json:"job_id"`
	TableName     string  `json:"table_name"`
	Status        string  `json:"status"`
	RowCount      int64   `json:"row_count"`
	RowsProcessed int64   `json:"rows_processed"`
	ChunkCount    int     `json:"chunk_count"`
	FilePath      string  `json:"file_path"`
	FileSizeMB    float64 `json:"file_size_mb"`
	Throughput    float64 `json:"throughput_rows_per_sec"`
	RetryCount    int     `json:"retry_count"`
	ExportMethod  string  `json:"export_method,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// ErrorRecord is one logged failure with job/table context.
type ErrorRecord struct {
	JobID     string    `json:"job_id"`
	TableName string    `json:"table_name,omitempty"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats is a snapshot of the write queue for health reporting.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Processed int64 `json:"processed"`
	Flushes   int64 `json:"flushes"`
	Errors    int64 `json:"errors"`
	Dropped   int64 `json:"dropped"`
}

// IsTerminalJobStatus reports whether a job status must never be overwritten.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	}
	return false
}
