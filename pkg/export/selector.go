package export

import (
	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
)

// Selection is the chosen method plus its computed parameters.
type Selection struct {
	Method    Method
	ChunkRows int64
	Workers   int
	// Warning carries the performance caveat when offset chunking is used
	// beyond its safe row count because streaming is unavailable.
	Warning string
}

// Selector picks the export method for a table from its characteristics.
// Every threshold is configuration; the decision tree itself is fixed.
type Selector struct {
	cfg     *config.Config
	poolMax int32
	logger  *zap.Logger
}

// NewSelector creates a method selector.
func NewSelector(cfg *config.Config, poolMax int32, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:     cfg,
		poolMax: poolMax,
		logger:  logger.With(zap.String("component", "selector")),
	}
}

// Select walks the decision tree, in priority order:
//  1. small tables export directly in one shot;
//  2. a suitable range column (below the range ceiling, or sequential at any
//     size) selects range chunking;
//  3. without a range column, tables past the offset-danger threshold stream
//     when the database supports it, else fall back to offset chunking with
//     an explicit performance warning;
//  4. very large tables stream regardless, to avoid pathological chunked
//     export times;
//  5. everything else uses offset chunking.
func (s *Selector) Select(chars *TableCharacteristics) Selection {
	sel := s.decide(chars)

	s.logger.Info("export method selected",
		zap.String("table", chars.TableName),
		zap.Int64("row_count", chars.RowCount),
		zap.String("method", string(sel.Method)),
		zap.Int64("chunk_rows", sel.ChunkRows),
		zap.Int("workers", sel.Workers))
	if sel.Warning != "" {
		s.logger.Warn(sel.Warning, zap.String("table", chars.TableName))
	}

	return sel
}

func (s *Selector) decide(chars *TableCharacteristics) Selection {
	t := s.cfg.Selector
	rows := chars.RowCount

	if rows < t.SmallTableRows {
		return Selection{Method: MethodDirect, Workers: 1}
	}

	chunkRows := targetChunkRows(rows, s.cfg.Export)
	chunks := int(rows/chunkRows) + 1
	workers := workersFor(chunks, s.cfg.Export, s.poolMax)

	if chars.RangeColumn != nil && (rows < t.RangeCeilingRows || chars.RangeColumn.IsSequential) {
		return Selection{Method: MethodRange, ChunkRows: chunkRows, Workers: workers}
	}

	if chars.RangeColumn == nil && rows > t.OffsetDangerRows {
		if chars.SupportsStreaming {
			return Selection{Method: MethodStreaming, Workers: 1}
		}
		return Selection{
			Method:    MethodOffset,
			ChunkRows: chunkRows,
			Workers:   workers,
			Warning: "offset pagination beyond its safe row count: no range column and " +
				"streaming is unsupported for this database type, expect degraded throughput",
		}
	}

	if rows >= t.ForceStreamingRows && chars.SupportsStreaming {
		return Selection{Method: MethodStreaming, Workers: 1}
	}

	return Selection{Method: MethodOffset, ChunkRows: chunkRows, Workers: workers}
}
