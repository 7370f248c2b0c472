package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/partfile"
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// ProgressFileName is the per-table resumable progress record for offset
// exports. Deleted once the export fully succeeds.
const ProgressFileName = "_export_progress.json"

type chunkRecord struct {
	Rows     int64  `json:"rows"`
	File     string `json:"file"`
	Checksum string `json:"checksum"`
}

type progressFile struct {
	TableName string                 `json:"table_name"`
	ChunkSize int64                  `json:"chunk_size"`
	Chunks    map[string]chunkRecord `json:"chunks"`
}

// OffsetChunker is the fallback strategy: fixed-size LIMIT/OFFSET windows
// over a deterministic ORDER BY, each exported on its own connection.
// Progress persists incrementally so a crashed export resumes instead of
// re-exporting everything, and a memory guard aborts submission when the
// process approaches the configured ceilings.
type OffsetChunker struct {
	pool   *dbpool.Pool
	cfg    *config.Config
	guard  *MemoryGuard
	logger *zap.Logger
}

// NewOffsetChunker creates an offset chunker bound to one job's pool.
func NewOffsetChunker(pool *dbpool.Pool, cfg *config.Config, logger *zap.Logger) *OffsetChunker {
	return &OffsetChunker{
		pool:   pool,
		cfg:    cfg,
		guard:  NewMemoryGuard(cfg.Memory),
		logger: logger.With(zap.String("component", "offset_chunker")),
	}
}

// Export runs the offset-chunked export, resuming from a previous attempt's
// progress file when one exists and its part-file checksums still verify.
func (c *OffsetChunker) Export(ctx context.Context, table *schema.Table, chars *TableCharacteristics, sel Selection, outDir string, progress ProgressFunc) (*Outcome, error) {
	chunkRows := sel.ChunkRows
	if chunkRows <= 0 {
		chunkRows = targetChunkRows(chars.RowCount, c.cfg.Export)
	}

	plans := PlanOffsets(chars.RowCount, chunkRows)
	orderBy := orderColumn(table, chars)

	tracker, resumed := c.loadProgress(outDir, chars.TableName, chunkRows)

	pending := make([]ChunkPlan, 0, len(plans))
	var resumedRows int64
	for _, plan := range plans {
		if rec, ok := tracker.Chunks[strconv.Itoa(plan.Index)]; ok {
			resumedRows += rec.Rows
			continue
		}
		pending = append(pending, plan)
	}

	workers := workersFor(len(pending), c.cfg.Export, c.pool.Stats().Max)
	c.logger.Info("offset export starting",
		zap.String("table", chars.TableName),
		zap.String("order_by", orderBy),
		zap.Int("chunks", len(plans)),
		zap.Int("resumed_chunks", len(plans)-len(pending)),
		zap.Int("workers", workers))

	started := time.Now()
	columns := selectColumns(table)
	runner := newChunkRunner(c.pool, c.cfg.Export, table, outDir, c.logger)

	var mu sync.Mutex
	var sinceFlush int
	var aborted int32

	persist := func() {
		if err := c.saveProgress(outDir, tracker); err != nil {
			c.logger.Warn("failed to persist progress", zap.Error(err))
		}
	}

	jobs := make(chan ChunkPlan)
	results := make(chan ChunkResult, len(pending))

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
				if atomic.LoadInt32(&aborted) != 0 {
					results <- ChunkResult{Index: plan.Index,
						Err: qerrors.New(qerrors.ErrorTypeResource, "chunk submission aborted by memory guard")}
					continue
				}
				if err := c.guard.Check(); err != nil {
					atomic.StoreInt32(&aborted, 1)
					results <- ChunkResult{Index: plan.Index, Err: err}
					continue
				}

				query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
					columns, quoteTable(chars.TableName), quoteIdent(orderBy), plan.End, plan.Start)
				res := runner.exportChunk(ctx, plan.Index, query)

				if res.Err == nil {
					if err := c.guard.Check(); err != nil {
						atomic.StoreInt32(&aborted, 1)
					}
				}
				results <- res
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, plan := range pending {
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

	exportedRows := resumedRows
	chunksDone := len(plans) - len(pending)
	var totalRetries int
	var failed []ChunkResult

	for res := range results {
		totalRetries += res.Retries
		if res.Err != nil {
			failed = append(failed, res)
			continue
		}

		mu.Lock()
		tracker.Chunks[strconv.Itoa(res.Index)] = chunkRecord{
			Rows:     res.RowsExported,
			File:     res.Filename,
			Checksum: res.Checksum,
		}
		sinceFlush++
		if sinceFlush >= c.cfg.Export.ProgressFlushEvery {
			persist()
			sinceFlush = 0
		}
		mu.Unlock()

		exportedRows += res.RowsExported
		chunksDone++
		if progress != nil {
			progress(exportedRows, chunksDone)
		}
	}

	if len(failed) > 0 {
		// Keep completed work on disk for the next attempt.
		persist()
		first := failed[0]
		return nil, qerrors.Wrap(first.Err, qerrors.TypeOf(first.Err),
			fmt.Sprintf("offset export failed: %d of %d chunks failed (first: chunk %d)",
				len(failed), len(plans), first.Index))
	}

	if err := c.verifyRowCount(exportedRows, chars.RowCount, resumed); err != nil {
		persist()
		return nil, err
	}

	files := make([]string, 0, len(tracker.Chunks))
	for _, rec := range tracker.Chunks {
		files = append(files, rec.File)
	}
	sort.Strings(files)

	if err := partfile.WriteMetadata(outDir, &partfile.Metadata{
		TableName:       chars.TableName,
		TotalRows:       exportedRows,
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		Status:          partfile.StatusComplete,
		Method:          string(MethodOffset),
		Partitioned:     true,
		ChunkCount:      len(plans),
		ChunkSize:       chunkRows,
		Files:           files,
	}); err != nil {
		return nil, err
	}

	_ = os.Remove(filepath.Join(outDir, ProgressFileName))

	c.logger.Info("offset export complete",
		zap.String("table", chars.TableName),
		zap.Int64("rows", exportedRows),
		zap.Int("chunks", len(plans)),
		zap.Bool("resumed", resumed),
		zap.Duration("elapsed", time.Since(started)))

	return &Outcome{
		Method:     MethodOffset,
		Rows:       exportedRows,
		Files:      files,
		ChunkCount: len(plans),
		ChunkSize:  chunkRows,
		FileSizeMB: dirSizeMB(outDir, files),
		Retries:    totalRetries,
	}, nil
}

// verifyRowCount enforces the export integrity rule: exact on a fresh run,
// within the configured tolerance when resuming, since resumed totals are
// reconciled from persisted per-chunk counts rather than re-counted.
func (c *OffsetChunker) verifyRowCount(exported, expected int64, resumed bool) error {
	if exported == expected {
		return nil
	}
	if resumed && expected > 0 {
		drift := float64(exported-expected) / float64(expected)
		if drift < 0 {
			drift = -drift
		}
		if drift <= c.cfg.Export.ResumeRowTolerance {
			return nil
		}
	}
	return qerrors.Newf(qerrors.ErrorTypeIntegrity,
		"offset export row mismatch: exported %d, table has %d", exported, expected)
}

// loadProgress restores a previous attempt's progress, re-verifying each
// recorded part-file checksum. Records that fail verification are dropped so
// their chunks re-export. A progress file planned with a different chunk
// size is discarded wholesale; its windows no longer line up.
func (c *OffsetChunker) loadProgress(outDir, tableName string, chunkRows int64) (*progressFile, bool) {
	fresh := &progressFile{
		TableName: tableName,
		ChunkSize: chunkRows,
		Chunks:    make(map[string]chunkRecord),
	}

	data, err := os.ReadFile(filepath.Join(outDir, ProgressFileName)) //nolint:gosec
	if err != nil {
		return fresh, false
	}

	var loaded progressFile
	if err := json.Unmarshal(data, &loaded); err != nil || loaded.ChunkSize != chunkRows {
		return fresh, false
	}

	verified := 0
	for idx, rec := range loaded.Chunks {
		if partfile.Verify(filepath.Join(outDir, rec.File), rec.Checksum) {
			fresh.Chunks[idx] = rec
			verified++
		} else {
			c.logger.Warn("discarding unverifiable chunk from previous attempt",
				zap.String("table", tableName),
				zap.String("chunk", idx),
				zap.String("file", rec.File))
		}
	}

	return fresh, verified > 0
}

func (c *OffsetChunker) saveProgress(outDir string, p *progressFile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	final := filepath.Join(outDir, ProgressFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { //nolint:gosec
		return err
	}
	return os.Rename(tmp, final)
}

// orderColumn picks the deterministic ORDER BY column: the primary key when
// one exists, else the first column of the fixed schema.
func orderColumn(table *schema.Table, chars *TableCharacteristics) string {
	if chars.PrimaryKeyColumn != "" {
		return chars.PrimaryKeyColumn
	}
	return table.Columns[0].Name
}
