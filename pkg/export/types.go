// Package export implements the table export engine: analysis, method
// selection, and the four execution strategies (direct, range-partitioned,
// streaming, offset-chunked).
package export

import (
	"fmt"
	"strings"
)

// Method identifies an export execution strategy.
type Method string

const (
	// MethodDirect is a single-shot export for small tables
	MethodDirect Method = "direct"
	// MethodRange is range-partitioned parallel export
	MethodRange Method = "range"
	// MethodStreaming is a single-pass streaming export
	MethodStreaming Method = "streaming"
	// MethodOffset is offset/limit chunked parallel export, the fallback
	MethodOffset Method = "offset"
)

// RangeKind discriminates how range boundaries are rendered into predicates.
type RangeKind int

const (
	// RangeInteger boundaries are exact column values, both ends inclusive
	RangeInteger RangeKind = iota
	// RangeNumeric boundaries are floor/ceil integers over a fractional
	// column; predicates are half-open so fractional values never fall
	// between chunks
	RangeNumeric
	// RangeTimestamp boundaries are Unix epoch seconds; predicates are
	// half-open for sub-second values
	RangeTimestamp
	// RangeDate boundaries are days since 1970-01-01
	RangeDate
)

// RangeInfo describes a candidate partition column. Min and Max are carried
// as int64 in the kind's unit (value, epoch seconds, or epoch days).
type RangeInfo struct {
	ColumnName   string
	DataType     string
	Kind         RangeKind
	Min          int64
	Max          int64
	IsSequential bool
	NullCount    int64
}

// TableCharacteristics is the immutable analysis result that feeds method
// selection.
type TableCharacteristics struct {
	TableName         string
	RowCount          int64
	EstimatedSizeMB   float64
	RangeColumn       *RangeInfo
	HasPrimaryKey     bool
	PrimaryKeyColumn  string
	SupportsStreaming bool
}

// ChunkPlan is one planned window of a partitioned export. For range exports
// Start/End are value boundaries; for offset exports they are offset/limit.
type ChunkPlan struct {
	Index int
	Start int64
	End   int64
}

// ChunkResult is the immutable outcome of one chunk attempt. A retried chunk
// produces a new result for the same plan index.
type ChunkResult struct {
	Index        int
	RowsExported int64
	Filename     string
	Checksum     string
	Retries      int
	Err          error
}

// Outcome summarizes a completed table export.
type Outcome struct {
	Method     Method
	Rows       int64
	Files      []string
	ChunkCount int
	ChunkSize  int64
	FileSizeMB float64
	Retries    int
	// Skipped marks an idempotent short-circuit: metadata already reported
	// a complete export, so no database work was performed.
	Skipped bool
}

// ProgressFunc receives incremental row counts as chunks complete.
type ProgressFunc func(rowsDone int64, chunksDone int)

// quoteIdent quotes one SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteTable quotes an optionally schema-qualified table name.
func quoteTable(tableName string) string {
	if idx := strings.IndexByte(tableName, '.'); idx > 0 {
		return quoteIdent(tableName[:idx]) + "." + quoteIdent(tableName[idx+1:])
	}
	return quoteIdent(tableName)
}

// Predicate renders the WHERE clause for one range chunk. Integer and date
// boundaries are inclusive on both ends; numeric and timestamp boundaries
// are half-open against End+1 so values between integral boundaries are
// never skipped.
func (r *RangeInfo) Predicate(p ChunkPlan) string {
	col := quoteIdent(r.ColumnName)
	switch r.Kind {
	case RangeInteger:
		return fmt.Sprintf("%s >= %d AND %s <= %d", col, p.Start, col, p.End)
	case RangeNumeric:
		return fmt.Sprintf("%s >= %d AND %s < %d", col, p.Start, col, p.End+1)
	case RangeTimestamp:
		return fmt.Sprintf("%s >= to_timestamp(%d) AND %s < to_timestamp(%d)", col, p.Start, col, p.End+1)
	case RangeDate:
		return fmt.Sprintf("%s >= DATE '1970-01-01' + %d AND %s <= DATE '1970-01-01' + %d", col, p.Start, col, p.End)
	default:
		return fmt.Sprintf("%s >= %d AND %s <= %d", col, p.Start, col, p.End)
	}
}
