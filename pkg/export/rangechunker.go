package export

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// RangeChunker exports a table by dividing its range column's [min, max]
// span into equal-width sub-ranges and exporting each on its own pooled
// connection in a bounded worker pool.
type RangeChunker struct {
	pool   *dbpool.Pool
	cfg    *config.Config
	logger *zap.Logger
}

// NewRangeChunker creates a range chunker bound to one job's pool.
func NewRangeChunker(pool *dbpool.Pool, cfg *config.Config, logger *zap.Logger) *RangeChunker {
	return &RangeChunker{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "range_chunker")),
	}
}

// Export runs the range-partitioned export. The table fails if any chunk
// exhausts its retries, and the aggregate exported row count must equal the
// analyzed row count exactly.
func (c *RangeChunker) Export(ctx context.Context, table *schema.Table, chars *TableCharacteristics, outDir string, progress ProgressFunc) (*Outcome, error) {
	info := chars.RangeColumn
	if info == nil {
		return nil, qerrors.New(qerrors.ErrorTypeInternal, "range export requested without a range column")
	}

	plans := PlanRanges(info, chars.RowCount, c.cfg.Export)
	workers := workersFor(len(plans), c.cfg.Export, c.pool.Stats().Max)

	c.logger.Info("range export starting",
		zap.String("table", chars.TableName),
		zap.String("range_column", info.ColumnName),
		zap.Int("chunks", len(plans)),
		zap.Int("workers", workers))

	started := time.Now()
	columns := selectColumns(table)
	runner := newChunkRunner(c.pool, c.cfg.Export, table, outDir, c.logger)

	jobs := make(chan ChunkPlan)
	results := make(chan ChunkResult, len(plans))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for plan := range jobs {
				if ctx.Err() != nil {
					results <- ChunkResult{Index: plan.Index, Err: ctx.Err()}
					continue
				}
				if stopRequested(ctx) {
					results <- ChunkResult{Index: plan.Index, Err: errStopped()}
					continue
				}
				query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
					columns, quoteTable(chars.TableName), info.Predicate(plan))
				results <- runner.exportChunk(ctx, plan.Index, query)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, plan := range plans {
			select {
			case jobs <- plan:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var totalRows int64
	var totalRetries, done int
	var failed []ChunkResult
	completed := make([]ChunkResult, 0, len(plans))

	for res := range results {
		done++
		totalRetries += res.Retries
		if res.Err != nil {
			failed = append(failed, res)
			continue
		}
		totalRows += res.RowsExported
		completed = append(completed, res)
		if progress != nil {
			progress(totalRows, done)
		}
	}

	if len(failed) > 0 {
		first := failed[0]
		return nil, qerrors.Wrap(first.Err, qerrors.TypeOf(first.Err),
			fmt.Sprintf("range export failed: %d of %d chunks failed (first: chunk %d)",
				len(failed), len(plans), first.Index))
	}
	if done < len(plans) {
		return nil, qerrors.Newf(qerrors.ErrorTypeInternal,
			"range export incomplete: %d of %d chunks resolved", done, len(plans))
	}

	if totalRows != chars.RowCount {
		return nil, qerrors.Newf(qerrors.ErrorTypeIntegrity,
			"range export row mismatch: exported %d, table has %d", totalRows, chars.RowCount)
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].Index < completed[j].Index })
	files := make([]string, len(completed))
	for i, res := range completed {
		files[i] = res.Filename
	}

	chunkRows := targetChunkRows(chars.RowCount, c.cfg.Export)
	if err := partfile.WriteMetadata(outDir, &partfile.Metadata{
		TableName:       chars.TableName,
		TotalRows:       totalRows,
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		Status:          partfile.StatusComplete,
		Method:          string(MethodRange),
		Partitioned:     true,
		ChunkCount:      len(plans),
		ChunkSize:       chunkRows,
		Files:           files,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("range export complete",
		zap.String("table", chars.TableName),
		zap.Int64("rows", totalRows),
		zap.Int("chunks", len(plans)),
		zap.Duration("elapsed", time.Since(started)))

	return &Outcome{
		Method:     MethodRange,
		Rows:       totalRows,
		Files:      files,
		ChunkCount: len(plans),
		ChunkSize:  chunkRows,
		FileSizeMB: dirSizeMB(outDir, files),
		Retries:    totalRetries,
	}, nil
}
