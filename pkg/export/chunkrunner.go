package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/schema"
)

// chunkRunner executes one chunk query into one part-file, with retry and
// backoff for transient failures. Shared by the range and offset chunkers.
type chunkRunner struct {
	pool   *dbpool.Pool
	cfg    config.ExportConfig
	table  *schema.Table
	outDir string
	retry  *RetryPolicy
	logger *zap.Logger
}

func newChunkRunner(pool *dbpool.Pool, cfg config.ExportConfig, table *schema.Table, outDir string, logger *zap.Logger) *chunkRunner {
	return &chunkRunner{
		pool:   pool,
		cfg:    cfg,
		table:  table,
		outDir: outDir,
		retry:  NewRetryPolicy(cfg.MaxChunkRetries, cfg.RetryInitialDelay),
		logger: logger,
	}
}

// exportChunk runs the query for one plan index, streaming rows into
// part_<index>.parquet. Transient failures retry with backoff; circuit-open
// and non-transient errors fail the chunk immediately.
func (r *chunkRunner) exportChunk(ctx context.Context, index int, query string) ChunkResult {
	result := ChunkResult{Index: index, Filename: partfile.Name(index)}
	path := filepath.Join(r.outDir, result.Filename)

	attempts := 0
	err := r.retry.ExecuteWithCondition(ctx, func() error {
		attempts++
		rows, err := r.runOnce(ctx, path, query)
		if err != nil {
			return err
		}
		result.RowsExported = rows
		return nil
	}, Transient)

	result.Retries = attempts - 1
	if err != nil {
		result.Err = err
		r.logger.Error("chunk export failed",
			zap.Int("chunk", index),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return result
	}

	if sum, err := partfile.Checksum(path); err == nil {
		result.Checksum = sum
	}

	r.logger.Debug("chunk exported",
		zap.Int("chunk", index),
		zap.Int64("rows", result.RowsExported),
		zap.Int("retries", result.Retries))

	return result
}

// runOnce is one attempt: acquire, query, stream, finalize. Any failure
// discards the partial file so a retry starts clean.
func (r *chunkRunner) runOnce(ctx context.Context, path, query string) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	w, err := partfile.NewWriter(path, r.table, r.cfg.WriteBatchRows)
	if err != nil {
		return 0, err
	}

	rows, err := conn.Query(ctx, query)
	if err != nil {
		w.Abort()
		return 0, err
	}

	written, err := w.WriteRows(rows)
	rows.Close()
	if err != nil {
		w.Abort()
		return 0, err
	}

	if err := w.Close(); err != nil {
		_ = os.Remove(path)
		return 0, err
	}

	return written, nil
}

// selectColumns renders the quoted column list for the fixed schema, so
// every chunk reads columns in the same order.
func selectColumns(table *schema.Table) string {
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	return strings.Join(cols, ", ")
}

// dirSizeMB totals the part-file sizes in a directory. Best effort, for
// reporting only.
func dirSizeMB(dir string, files []string) float64 {
	var total int64
	for _, f := range files {
		if info, err := os.Stat(filepath.Join(dir, f)); err == nil {
			total += info.Size()
		}
	}
	return float64(total) / (1024 * 1024)
}
