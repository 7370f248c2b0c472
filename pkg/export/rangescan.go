package export

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrydata/quarry/pkg/dbpool"
	"github.com/quarrydata/quarry/pkg/qerrors"
	"github.com/quarrydata/quarry/pkg/schema"
)

// candidateKinds maps catalog data types eligible for range partitioning to
// their boundary rendering kind.
var candidateKinds = map[string]RangeKind{
	"smallint": RangeInteger,
	"integer":  RangeInteger,
	"bigint":   RangeInteger,

	"numeric":          RangeNumeric,
	"real":             RangeNumeric,
	"double precision": RangeNumeric,

	"date": RangeDate,

	"timestamp without time zone": RangeTimestamp,
	"timestamp with time zone":    RangeTimestamp,
}

// scanRangeColumn finds the best range-partition column for a table, or nil
// when none qualifies. Candidates are probed for MIN/MAX/null count under
// the statement timeout; columns with excessive null density are rejected.
// Selection priority: sequential integer, then timestamp/date, then other
// numeric.
func (a *Analyzer) scanRangeColumn(ctx context.Context, conn *dbpool.Conn, tableName string, rowCount int64) (*RangeInfo, error) {
	if rowCount == 0 {
		return nil, nil
	}

	schemaName, name := schema.SplitTableName(tableName)

	queryCtx, cancel := context.WithTimeout(ctx, a.pool.StatementTimeout())
	rows, err := conn.Query(queryCtx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, name)
	if err != nil {
		cancel()
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to list candidate columns")
	}

	type candidate struct {
		column   string
		dataType string
		kind     RangeKind
	}
	var candidates []candidate
	for rows.Next() {
		var col, dt string
		if err := rows.Scan(&col, &dt); err != nil {
			rows.Close()
			cancel()
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to scan candidate column")
		}
		if kind, ok := candidateKinds[dt]; ok {
			candidates = append(candidates, candidate{column: col, dataType: dt, kind: kind})
		}
	}
	rows.Close()
	cancel()
	if err := rows.Err(); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "candidate column listing failed")
	}

	var best *RangeInfo
	for _, c := range candidates {
		info, err := a.probeColumn(ctx, conn, tableName, c.column, c.dataType, c.kind, rowCount)
		if err != nil {
			a.logger.Debug("range column probe failed",
				zap.String("table", tableName),
				zap.String("column", c.column),
				zap.Error(err))
			continue
		}
		if info == nil {
			continue
		}

		if best == nil || rangePriority(info) < rangePriority(best) ||
			(rangePriority(info) == rangePriority(best) && info.NullCount < best.NullCount) {
			best = info
		}
	}
	return best, nil
}

// probeColumn reads MIN, MAX and null count for one candidate. Returns nil
// when the column is unusable (all null, too sparse, or degenerate).
func (a *Analyzer) probeColumn(ctx context.Context, conn *dbpool.Conn, tableName, column, dataType string, kind RangeKind, rowCount int64) (*RangeInfo, error) {
	col := quoteIdent(column)
	tbl := quoteTable(tableName)

	var minExpr, maxExpr string
	switch kind {
	case RangeInteger:
		minExpr = fmt.Sprintf("MIN(%s)::bigint", col)
		maxExpr = fmt.Sprintf("MAX(%s)::bigint", col)
	case RangeNumeric:
		minExpr = fmt.Sprintf("FLOOR(MIN(%s))::bigint", col)
		maxExpr = fmt.Sprintf("CEIL(MAX(%s))::bigint", col)
	case RangeTimestamp:
		minExpr = fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM MIN(%s)))::bigint", col)
		maxExpr = fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM MAX(%s)))::bigint", col)
	case RangeDate:
		minExpr = fmt.Sprintf("(MIN(%s) - DATE '1970-01-01')::bigint", col)
		maxExpr = fmt.Sprintf("(MAX(%s) - DATE '1970-01-01')::bigint", col)
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.pool.StatementTimeout())
	defer cancel()

	var minVal, maxVal *int64
	var nullCount int64
	query := fmt.Sprintf("SELECT %s, %s, COUNT(*) - COUNT(%s) FROM %s", minExpr, maxExpr, col, tbl)
	if err := conn.QueryRow(queryCtx, query).Scan(&minVal, &maxVal, &nullCount); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to probe column "+column)
	}

	if minVal == nil || maxVal == nil {
		return nil, nil // all null
	}
	if float64(nullCount)/float64(rowCount) > a.cfg.Export.MaxNullDensity {
		return nil, nil
	}
	if *maxVal < *minVal {
		return nil, nil
	}

	info := &RangeInfo{
		ColumnName: column,
		DataType:   dataType,
		Kind:       kind,
		Min:        *minVal,
		Max:        *maxVal,
		NullCount:  nullCount,
	}

	if kind == RangeInteger {
		span := info.Max - info.Min + 1
		if span > 0 {
			density := float64(rowCount-nullCount) / float64(span)
			info.IsSequential = density > a.cfg.Export.SequentialDensity
		}
	}

	return info, nil
}

// rangePriority orders candidates: sequential integer first, then
// timestamp/date, then other numeric columns.
func rangePriority(info *RangeInfo) int {
	switch {
	case info.Kind == RangeInteger && info.IsSequential:
		return 0
	case info.Kind == RangeTimestamp || info.Kind == RangeDate:
		return 1
	default:
		return 2
	}
}
