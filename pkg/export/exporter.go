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
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// Exporter ties analysis, method selection and execution together for one
// table at a time. One Exporter serves a whole job; it holds no per-table
// state.
type Exporter struct {
	pool   *dbpool.Pool
	cfg    *config.Config
	dbType string
	logger *zap.Logger

	analyzer *Analyzer
	selector *Selector
	single   *SingleFileExporter
	ranges   *RangeChunker
	offsets  *OffsetChunker
}

// NewExporter creates the per-job export engine.
func NewExporter(pool *dbpool.Pool, cfg *config.Config, dbType string, logger *zap.Logger) *Exporter {
	return &Exporter{
		pool:     pool,
		cfg:      cfg,
		dbType:   dbType,
		logger:   logger,
		analyzer: NewAnalyzer(pool, cfg, dbType, logger),
		selector: NewSelector(cfg, cfg.Pool.MaxConns, logger),
		single:   NewSingleFileExporter(pool, cfg, logger),
		ranges:   NewRangeChunker(pool, cfg, logger),
		offsets:  NewOffsetChunker(pool, cfg, logger),
	}
}

// ExportTable exports one table into its own directory under outputRoot.
// A table whose metadata already reports a complete export with its
// part-files intact is skipped without any database work.
func (e *Exporter) ExportTable(ctx context.Context, tableName, outputRoot string, progress ProgressFunc) (*Outcome, error) {
	outDir := OutputDir(outputRoot, tableName)
	if err := os.MkdirAll(outDir, 0755); err != nil { //nolint:gosec
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeData, "failed to create output directory")
	}

	if outcome := e.checkExisting(outDir, tableName); outcome != nil {
		e.logger.Info("table already exported, skipping",
			zap.String("table", tableName),
			zap.Int64("rows", outcome.Rows))
		return outcome, nil
	}

	table, err := e.discoverSchema(ctx, tableName)
	if err != nil {
		return nil, err
	}

	chars, err := e.analyzer.Analyze(ctx, tableName)
	if err != nil {
		return nil, err
	}

	sel := e.selector.Select(chars)

	outcome, err := e.run(ctx, sel, table, chars, outDir, progress)
	if err != nil && qerrors.IsType(err, qerrors.ErrorTypeSchema) && !table.AllText {
		// A value refused to coerce into the fixed schema. Downgrade the
		// whole table to text and retry once; text encoding cannot fail.
		e.logger.Warn("type coercion failed, retrying with all-text schema",
			zap.String("table", tableName),
			zap.Error(err))
		outcome, err = e.run(ctx, sel, table.AsText(), chars, outDir, progress)
	}
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

func (e *Exporter) run(ctx context.Context, sel Selection, table *schema.Table, chars *TableCharacteristics, outDir string, progress ProgressFunc) (*Outcome, error) {
	switch sel.Method {
	case MethodDirect, MethodStreaming:
		return e.single.Export(ctx, sel.Method, table, chars, outDir, progress)
	case MethodRange:
		return e.ranges.Export(ctx, table, chars, outDir, progress)
	case MethodOffset:
		return e.offsets.Export(ctx, table, chars, sel, outDir, progress)
	default:
		return nil, qerrors.Newf(qerrors.ErrorTypeInternal, "unknown export method %q", sel.Method)
	}
}

// checkExisting returns a synthesized outcome when the table's metadata
// reports a complete export and every listed part-file is still present.
func (e *Exporter) checkExisting(outDir, tableName string) *Outcome {
	md, err := partfile.ReadMetadata(outDir)
	if err != nil || md == nil || md.Status != partfile.StatusComplete || md.TableName != tableName {
		return nil
	}

	for _, f := range md.Files {
		if _, err := os.Stat(filepath.Join(outDir, f)); err != nil {
			return nil
		}
	}

	method := Method(md.Method)
	if method == "" {
		// Manifests written before the method was recorded carry only the
		// partitioned flag.
		if md.Partitioned {
			method = MethodRange
		} else {
			method = MethodDirect
		}
	}

	return &Outcome{
		Method:     method,
		Rows:       md.TotalRows,
		Files:      md.Files,
		ChunkCount: md.ChunkCount,
		ChunkSize:  md.ChunkSize,
		FileSizeMB: dirSizeMB(outDir, md.Files),
		Skipped:    true,
	}
}

func (e *Exporter) discoverSchema(ctx context.Context, tableName string) (*schema.Table, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return schema.Discover(ctx, conn, e.dbType, tableName)
}

// OutputDir maps a table name to its per-table output directory under the
// job's output root.
func OutputDir(outputRoot, tableName string) string {
	return filepath.Join(outputRoot, strings.ReplaceAll(tableName, "/", "_"))
}
