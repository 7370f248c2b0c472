// Package schema maps source-database column types to the logical types used
// for columnar encoding, and discovers table schemas from the database
// catalog. The logical schema is fixed once per table before any chunk is
// read, so every part-file of one table shares the same layout.
package schema

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/quarrydata/quarry/pkg/qerrors"
)

// LogicalType is the target column type for columnar encoding.
type LogicalType string

const (
	TypeString    LogicalType = "string"
	TypeInt       LogicalType = "int"
	TypeFloat     LogicalType = "float"
	TypeBool      LogicalType = "bool"
	TypeTimestamp LogicalType = "timestamp"
	TypeDate      LogicalType = "date"
	TypeTime      LogicalType = "time"
	TypeBinary    LogicalType = "binary"
	TypeJSON      LogicalType = "json"
)

// Column describes one column of a table being exported.
type Column struct {
	Name       string
	NativeType string
	Type       LogicalType
	Nullable   bool
}

// Table is the fixed logical schema for one table export.
type Table struct {
	Name    string
	Columns []Column
	// AllText marks a schema degraded to the all-text fallback after a
	// type-coercion failure.
	AllText bool
}

// postgresTypes covers PostgreSQL and Greenplum native type names.
var postgresTypes = map[string]LogicalType{
	"smallint": TypeInt, "int2": TypeInt,
	"integer": TypeInt, "int": TypeInt, "int4": TypeInt,
	"bigint": TypeInt, "int8": TypeInt,
	"serial": TypeInt, "bigserial": TypeInt,

	"real": TypeFloat, "float4": TypeFloat,
	"double precision": TypeFloat, "float8": TypeFloat, "float": TypeFloat,
	"numeric": TypeFloat, "decimal": TypeFloat, "money": TypeFloat,

	"boolean": TypeBool, "bool": TypeBool,

	"date": TypeDate,
	"time": TypeTime, "time without time zone": TypeTime, "time with time zone": TypeTime,
	"timestamp": TypeTimestamp, "timestamp without time zone": TypeTimestamp,
	"timestamp with time zone": TypeTimestamp, "timestamptz": TypeTimestamp,
	"interval": TypeString,

	"character varying": TypeString, "varchar": TypeString,
	"character": TypeString, "char": TypeString,
	"text": TypeString, "name": TypeString,

	"bytea": TypeBinary,

	"json": TypeJSON, "jsonb": TypeJSON,

	"inet": TypeString, "cidr": TypeString,
	"macaddr": TypeString, "macaddr8": TypeString,
	"uuid": TypeString, "array": TypeString,
}

// verticaTypes covers Vertica native type names where they differ.
var verticaTypes = map[string]LogicalType{
	"int": TypeInt, "integer": TypeInt, "bigint": TypeInt,
	"smallint": TypeInt, "tinyint": TypeInt, "auto_increment": TypeInt,

	"float": TypeFloat, "float8": TypeFloat, "real": TypeFloat,
	"double precision": TypeFloat,
	"numeric":          TypeFloat, "decimal": TypeFloat, "money": TypeFloat,

	"boolean": TypeBool, "bool": TypeBool,

	"date": TypeDate,
	"time": TypeTime, "time with time zone": TypeTime,
	"timestamp": TypeTimestamp, "timestamp with time zone": TypeTimestamp,
	"timestamptz": TypeTimestamp, "interval": TypeString,

	"varchar": TypeString, "char": TypeString, "long varchar": TypeString,
	"binary": TypeBinary, "varbinary": TypeBinary, "long varbinary": TypeBinary,
}

// ColumnType maps a source-database native type name to its logical type.
// Pure lookup, no side effects. Unrecognized types fall back to string,
// which is always safe to encode.
func ColumnType(dbType, nativeTypeName string) LogicalType {
	name := strings.ToLower(strings.TrimSpace(nativeTypeName))

	// Parameterized forms like varchar(255) or numeric(10,2)
	if idx := strings.Index(name, "("); idx > 0 {
		name = strings.TrimSpace(name[:idx])
	}

	var table map[string]LogicalType
	switch strings.ToLower(dbType) {
	case "vertica":
		table = verticaTypes
	default:
		// PostgreSQL, Greenplum, and anything wire-compatible
		table = postgresTypes
	}

	if t, ok := table[name]; ok {
		return t
	}
	return TypeString
}

// AsText returns a copy of the schema with every column downgraded to text.
// Used after a type-coercion failure so the table export can retry once with
// a schema that cannot fail to encode.
func (t *Table) AsText() *Table {
	out := &Table{Name: t.Name, Columns: make([]Column, len(t.Columns)), AllText: true}
	for i, c := range t.Columns {
		c.Type = TypeString
		out.Columns[i] = c
	}
	return out
}

// ArrowSchema converts the logical schema to an Arrow schema for the
// part-file writer.
func (t *Table) ArrowSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(t.Columns))
	for _, c := range t.Columns {
		at, err := arrowType(c.Type)
		if err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeSchema, "failed to convert column "+c.Name)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: at, Nullable: c.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowType(t LogicalType) (arrow.DataType, error) {
	switch t {
	case TypeString:
		return arrow.BinaryTypes.String, nil
	case TypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	case TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case TypeTime:
		return arrow.FixedWidthTypes.Time64ns, nil
	case TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case TypeJSON:
		return arrow.BinaryTypes.String, nil
	default:
		return nil, qerrors.Newf(qerrors.ErrorTypeSchema, "unsupported logical type %q", t)
	}
}
