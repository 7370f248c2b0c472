package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/schema"
)

// SingleFileExporter covers the two one-connection strategies: direct export
// for small tables and streaming export for large tables without a range
// column. Both issue one unrestricted SELECT and stream the result straight
// into one part-file; memory use is bounded by the write batch, never by
// table size, because rows are drained from the wire incrementally.
type SingleFileExporter struct {
	pool   *dbpool.Pool
	cfg    *config.Config
	logger *zap.Logger
}

// NewSingleFileExporter creates the direct/streaming exporter.
func NewSingleFileExporter(pool *dbpool.Pool, cfg *config.Config, logger *zap.Logger) *SingleFileExporter {
	return &SingleFileExporter{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "single_file_exporter")),
	}
}

// Export runs the single-pass export and writes the table metadata.
func (e *SingleFileExporter) Export(ctx context.Context, method Method, table *schema.Table, chars *TableCharacteristics, outDir string, progress ProgressFunc) (*Outcome, error) {
	started := time.Now()
	filename := partfile.Name(0)
	path := filepath.Join(outDir, filename)

	e.logger.Info("single-file export starting",
		zap.String("table", chars.TableName),
		zap.String("method", string(method)),
		zap.Int64("row_count", chars.RowCount))

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	w, err := partfile.NewWriter(path, table, e.cfg.Export.WriteBatchRows)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectColumns(table), quoteTable(chars.TableName))
	rows, err := conn.Query(ctx, query)
	if err != nil {
		w.Abort()
		return nil, err
	}

	written, err := w.WriteRows(rows)
	rows.Close()
	if err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	if progress != nil {
		progress(written, 1)
	}

	if err := partfile.WriteMetadata(outDir, &partfile.Metadata{
		TableName:       chars.TableName,
		TotalRows:       written,
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		Status:          partfile.StatusComplete,
		Method:          string(method),
		Partitioned:     false,
		Files:           []string{filename},
	}); err != nil {
		return nil, err
	}

	e.logger.Info("single-file export complete",
		zap.String("table", chars.TableName),
		zap.String("method", string(method)),
		zap.Int64("rows", written),
		zap.Duration("elapsed", time.Since(started)))

	return &Outcome{
		Method:     method,
		Rows:       written,
		Files:      []string{filename},
		ChunkCount: 1,
		FileSizeMB: dirSizeMB(outDir, []string{filename}),
	}, nil
}
