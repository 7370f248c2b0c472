package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/config"
	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// Analyzer inspects a table once per export to produce the characteristics
// the method selector consumes. Row count is mandatory; every other probe
// degrades to a conservative default rather than failing the analysis.
type Analyzer struct {
	pool   *dbpool.Pool
	cfg    *config.Config
	dbType string
	logger *zap.Logger
}

// NewAnalyzer creates a table analyzer bound to one job's pool.
func NewAnalyzer(pool *dbpool.Pool, cfg *config.Config, dbType string, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		pool:   pool,
		cfg:    cfg,
		dbType: dbType,
		logger: logger.With(zap.String("component", "analyzer")),
	}
}

// Analyze computes the table's characteristics under one pooled connection.
func (a *Analyzer) Analyze(ctx context.Context, tableName string) (*TableCharacteristics, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	chars := &TableCharacteristics{
		TableName:         tableName,
		SupportsStreaming: supportsStreaming(a.dbType),
	}

	rowCount, err := a.countRows(ctx, conn, tableName)
	if err != nil {
		return nil, err
	}
	chars.RowCount = rowCount

	chars.EstimatedSizeMB = a.estimateSizeMB(ctx, conn, tableName, rowCount)

	if hasPK, pkCol, err := schema.HasPrimaryKey(ctx, conn, tableName); err != nil {
		a.logger.Warn("primary key probe failed, assuming none",
			zap.String("table", tableName), zap.Error(err))
	} else {
		chars.HasPrimaryKey = hasPK
		chars.PrimaryKeyColumn = pkCol
	}

	rangeCol, err := a.scanRangeColumn(ctx, conn, tableName, rowCount)
	if err != nil {
		// Degrade rather than fail: the table is simply unsuitable for
		// range chunking.
		a.logger.Warn("range column probe failed, range chunking disabled",
			zap.String("table", tableName), zap.Error(err))
	} else {
		chars.RangeColumn = rangeCol
	}

	a.logger.Info("table analyzed",
		zap.String("table", tableName),
		zap.Int64("row_count", chars.RowCount),
		zap.Float64("estimated_size_mb", chars.EstimatedSizeMB),
		zap.Bool("has_primary_key", chars.HasPrimaryKey),
		zap.Bool("has_range_column", chars.RangeColumn != nil))

	return chars, nil
}

func (a *Analyzer) countRows(ctx context.Context, conn *dbpool.Conn, tableName string) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, a.pool.StatementTimeout())
	defer cancel()

	var count int64
	err := conn.QueryRow(queryCtx, "SELECT COUNT(*) FROM "+quoteTable(tableName)).Scan(&count)
	if err != nil {
		return 0, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to count rows of "+tableName)
	}
	return count, nil
}

// estimateSizeMB uses the relation size statistic when the database has one,
// falling back to rowCount times an assumed row width. Best effort.
func (a *Analyzer) estimateSizeMB(ctx context.Context, conn *dbpool.Conn, tableName string, rowCount int64) float64 {
	fallback := float64(rowCount*a.cfg.Export.AssumedRowBytes) / (1024 * 1024)

	switch a.dbType {
	case "postgresql", "postgres", "greenplum":
	default:
		return fallback
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.pool.StatementTimeout())
	defer cancel()

	var bytes int64
	err := conn.QueryRow(queryCtx,
		"SELECT pg_total_relation_size($1::regclass)", tableName).Scan(&bytes)
	if err != nil {
		a.logger.Debug("relation size probe failed, using row estimate",
			zap.String("table", tableName), zap.Error(err))
		return fallback
	}
	return float64(bytes) / (1024 * 1024)
}

func supportsStreaming(dbType string) bool {
	switch dbType {
	case "postgresql", "postgres", "greenplum":
		return true
	}
	return false
}
