// Package partfile writes columnar part-files for table exports. Rows stream
// through a bounded record builder into a Parquet writer, so memory is
// bounded by the write batch size rather than result size.
package partfile

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// Name returns the deterministic part-file name for a plan index, so
// reassembly order is always recoverable from the file listing.
func Name(index int) string {
	return fmt.Sprintf("part_%04d.parquet", index)
}

// Writer streams rows into one Parquet part-file.
type Writer struct {
	path        string
	table       *schema.Table
	arrowSchema *arrow.Schema

	file       *os.File
	fileWriter *pqarrow.FileWriter
	builder    *array.RecordBuilder

	batchRows int
	inBatch   int
	rows      int64
}

// NewWriter creates a part-file at path for the given table schema.
// batchRows bounds how many rows are buffered before a flush.
func NewWriter(path string, table *schema.Table, batchRows int) (*Writer, error) {
	arrowSchema, err := table.ArrowSchema()
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path) //nolint:gosec // G304: path is built from the configured output directory
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to create part-file")
	}

	alloc := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(alloc))

	fw, err := pqarrow.NewFileWriter(arrowSchema, f, props, arrowProps)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to create parquet writer")
	}

	return &Writer{
		path:        path,
		table:       table,
		arrowSchema: arrowSchema,
		file:        f,
		fileWriter:  fw,
		builder:     array.NewRecordBuilder(alloc, arrowSchema),
		batchRows:   batchRows,
	}, nil
}

// AppendRow appends one row, values in schema column order.
func (w *Writer) AppendRow(values []any) error {
	if len(values) != len(w.table.Columns) {
		return qerrors.Newf(qerrors.ErrorTypeData,
			"row has %d values, schema has %d columns", len(values), len(w.table.Columns))
	}

	for i, col := range w.table.Columns {
		if err := appendValue(w.builder.Field(i), col, values[i]); err != nil {
			return err
		}
	}

	w.inBatch++
	if w.inBatch >= w.batchRows {
		return w.flush()
	}
	return nil
}

// WriteRows drains a pgx result set into the part-file, returning the number
// of rows written. The result is never materialized as a whole.
func (w *Writer) WriteRows(rows pgx.Rows) (int64, error) {
	var written int64
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return written, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to read row values")
		}
		if err := w.AppendRow(values); err != nil {
			return written, err
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return written, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "row stream failed")
	}
	return written, nil
}

// RowsWritten returns the number of rows appended so far.
func (w *Writer) RowsWritten() int64 {
	return w.rows + int64(w.inBatch)
}

// Close flushes remaining rows and finalizes the file.
func (w *Writer) Close() error {
	if err := w.flush(); err != nil {
		_ = w.fileWriter.Close()
		return err
	}
	if err := w.fileWriter.Close(); err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to finalize part-file")
	}
	// pqarrow closes the underlying writer; closing the file again is a
	// harmless no-op guard on platforms where it does not.
	_ = w.file.Close()
	return nil
}

// Abort discards the part-file after a failure.
func (w *Writer) Abort() {
	_ = w.fileWriter.Close()
	_ = w.file.Close()
	_ = os.Remove(w.path)
}

func (w *Writer) flush() error {
	if w.inBatch == 0 {
		return nil
	}

	record := w.builder.NewRecord()
	defer record.Release()

	if err := w.fileWriter.WriteBuffered(record); err != nil {
		return qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to write record batch")
	}

	w.rows += int64(w.inBatch)
	w.inBatch = 0
	return nil
}

// appendValue coerces one database value into the column's builder. A value
// that cannot be coerced is a schema error: the caller downgrades the table
// to the all-text fallback and retries once.
func appendValue(builder array.Builder, col schema.Column, value any) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
			return nil
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
			return nil
		case int8:
			b.Append(int64(v))
			return nil
		case int16:
			b.Append(int64(v))
			return nil
		case int32:
			b.Append(int64(v))
			return nil
		case int64:
			b.Append(v)
			return nil
		case uint32:
			b.Append(int64(v))
			return nil
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
			return nil
		case float64:
			b.Append(v)
			return nil
		case int64:
			b.Append(float64(v))
			return nil
		case pgtype.Numeric:
			f, err := v.Float64Value()
			if err == nil && f.Valid {
				b.Append(f.Float64)
				return nil
			}
		}

	case *array.StringBuilder:
		switch v := value.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		case time.Time:
			b.Append(v.Format(time.RFC3339Nano))
		default:
			if col.Type == schema.TypeJSON {
				if data, err := json.Marshal(v); err == nil {
					b.Append(string(data))
					return nil
				}
			}
			b.Append(fmt.Sprintf("%v", v))
		}
		return nil

	case *array.TimestampBuilder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(v.UnixNano()))
			return nil
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				b.Append(arrow.Timestamp(t.UnixNano()))
				return nil
			}
		}

	case *array.Date32Builder:
		if v, ok := value.(time.Time); ok {
			b.Append(arrow.Date32FromTime(v))
			return nil
		}

	case *array.Time64Builder:
		switch v := value.(type) {
		case pgtype.Time:
			if v.Valid {
				b.Append(arrow.Time64(v.Microseconds * 1000))
				return nil
			}
			b.AppendNull()
			return nil
		case time.Time:
			midnight := time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, v.Location())
			b.Append(arrow.Time64(v.Sub(midnight).Nanoseconds()))
			return nil
		}

	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
			return nil
		case string:
			b.Append([]byte(v))
			return nil
		}
	}

	return qerrors.Newf(qerrors.ErrorTypeSchema,
		"cannot coerce %T into column %s (%s)", value, col.Name, col.Type)
}
