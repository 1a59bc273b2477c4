package datafile

import (
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type Type string

const (
	TypeLong      Type = "long"
	TypeInt       Type = "int"
	TypeDouble    Type = "double"
	TypeString    Type = "string"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
)

// ParseType maps SQL type names onto column types.
func ParseType(name string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BIGINT", "LONG", "INT64":
		return TypeLong, nil
	case "INT", "INTEGER", "INT32", "SMALLINT", "TINYINT":
		return TypeInt, nil
	case "DOUBLE", "FLOAT", "REAL", "FLOAT64":
		return TypeDouble, nil
	case "STRING", "VARCHAR", "TEXT":
		return TypeString, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	case "TIMESTAMP", "DATETIME":
		return TypeTimestamp, nil
	}
	return "", fmt.Errorf("unsupported column type %q", name)
}

// SQLType is the DuckDB name of the type.
func (t Type) SQLType() string {
	switch t {
	case TypeLong:
		return "BIGINT"
	case TypeInt:
		return "INTEGER"
	case TypeDouble:
		return "DOUBLE"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMP"
	}
	return "VARCHAR"
}

func (t Type) valid() bool {
	switch t {
	case TypeLong, TypeInt, TypeDouble, TypeString, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema is the ordered column list of a table.
type Schema struct {
	Fields []Field `json:"fields"`
}

func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema has a column without a name")
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %q", f.Name)
		}
		seen[key] = true
		if !f.Type.valid() {
			return fmt.Errorf("column %q has unsupported type %q", f.Name, f.Type)
		}
	}
	return nil
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if !strings.EqualFold(s.Fields[i].Name, o.Fields[i].Name) ||
			s.Fields[i].Type != o.Fields[i].Type ||
			s.Fields[i].Nullable != o.Fields[i].Nullable {
			return false
		}
	}
	return true
}

// CanEvolveTo reports whether next only appends nullable columns to s.
func (s Schema) CanEvolveTo(next Schema) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if len(next.Fields) < len(s.Fields) {
		return fmt.Errorf("columns cannot be dropped")
	}
	for i, f := range s.Fields {
		n := next.Fields[i]
		if !strings.EqualFold(f.Name, n.Name) || f.Type != n.Type {
			return fmt.Errorf("column %q cannot be renamed or retyped", f.Name)
		}
		if f.Nullable && !n.Nullable {
			return fmt.Errorf("column %q cannot become required", f.Name)
		}
	}
	for _, n := range next.Fields[len(s.Fields):] {
		if !n.Nullable {
			return fmt.Errorf("new column %q must be nullable", n.Name)
		}
	}
	return nil
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + " " + f.Type.SQLType()
	}
	return strings.Join(parts, ", ")
}

func parquetNode(t Type) parquet.Node {
	switch t {
	case TypeLong:
		return parquet.Int(64)
	case TypeInt:
		return parquet.Int(32)
	case TypeDouble:
		return parquet.Leaf(parquet.DoubleType)
	case TypeBoolean:
		return parquet.Leaf(parquet.BooleanType)
	case TypeTimestamp:
		return parquet.Timestamp(parquet.Microsecond)
	}
	return parquet.String()
}

// parquetSchema stores every column as optional so that nulls round trip.
func (s Schema) parquetSchema() *parquet.Schema {
	group := parquet.Group{}
	for _, f := range s.Fields {
		group[f.Name] = parquet.Optional(parquetNode(f.Type))
	}
	return parquet.NewSchema("row", group)
}
