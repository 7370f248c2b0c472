package schema

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

// Querier is the minimal query surface needed for catalog discovery; both
// pooled connections and transactions satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SplitTableName splits an optionally schema-qualified table name. The
// default schema is "public".
func SplitTableName(tableName string) (schemaName, name string) {
	if idx := strings.IndexByte(tableName, '.'); idx > 0 {
		return tableName[:idx], tableName[idx+1:]
	}
	return "public", tableName
}

// Discover reads the table's column layout from information_schema and fixes
// the logical schema for the whole export.
func Discover(ctx context.Context, q Querier, dbType, tableName string) (*Table, error) {
	schemaName, name := SplitTableName(tableName)

	rows, err := q.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, name)
	if err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to read column catalog")
	}
	defer rows.Close()

	t := &Table{Name: tableName}
	for rows.Next() {
		var colName, dataType, isNullable string
		if err := rows.Scan(&colName, &dataType, &isNullable); err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to scan column catalog row")
		}
		t.Columns = append(t.Columns, Column{
			Name:       colName,
			NativeType: dataType,
			Type:       ColumnType(dbType, dataType),
			Nullable:   strings.EqualFold(isNullable, "yes"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "column catalog read failed")
	}

	if len(t.Columns) == 0 {
		return nil, qerrors.Newf(qerrors.ErrorTypeSchema, "table %s has no columns in the catalog", tableName)
	}

	return t, nil
}

// HasPrimaryKey reports whether the table declares a primary key and returns
// the first key column when it does.
func HasPrimaryKey(ctx context.Context, q Querier, tableName string) (bool, string, error) {
	schemaName, name := SplitTableName(tableName)

	rows, err := q.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
		LIMIT 1`, schemaName, name)
	if err != nil {
		return false, "", qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to read key catalog")
	}
	defer rows.Close()

	if rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return false, "", qerrors.Wrap(err, qerrors.ErrorTypeQuery, "failed to scan key column")
		}
		return true, col, rows.Err()
	}
	return false, "", rows.Err()
}
