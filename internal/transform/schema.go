package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RowIDColumn is the surrogate key every created table carries. Schemas may
// not declare it, so a collaborator's own "id" column never collides.
const RowIDColumn = "_row_id"

// Column types accepted in a Schema.
const (
	ColumnText    = "text"
	ColumnInteger = "integer"
	ColumnReal    = "real"
	ColumnBoolean = "boolean"
	ColumnJSON    = "json"
)

// Column declares one output column.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Schema is the declarative definition of the target table.
type Schema struct {
	Table   string   `json:"table" yaml:"table"`
	Columns []Column `json:"columns" yaml:"columns"`
}

// Validate checks identifiers and column types.
func (s Schema) Validate() error {
	if !identifier.MatchString(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %s has no columns", s.Table)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, col := range s.Columns {
		if !identifier.MatchString(col.Name) {
			return fmt.Errorf("invalid column name %q", col.Name)
		}
		key := strings.ToLower(col.Name)
		if key == RowIDColumn {
			return fmt.Errorf("column name %q is reserved", col.Name)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[key] = struct{}{}
		switch normalizeColumnType(col.Type) {
		case ColumnText, ColumnInteger, ColumnReal, ColumnBoolean, ColumnJSON:
		default:
			return fmt.Errorf("column %s: unsupported type %q", col.Name, col.Type)
		}
	}
	return nil
}

// ColumnNames returns the column names in declaration order.
func (s Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		out[i] = col.Name
	}
	return out
}

// WithTable returns a copy of the schema targeting table.
func (s Schema) WithTable(table string) Schema {
	cp := s
	cp.Table = table
	cp.Columns = append([]Column(nil), s.Columns...)
	return cp
}

// QuoteIdent renders name as a quoted SQL identifier, so reserved words such
// as order or group are usable as column names.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuotedColumns returns the quoted column names in declaration order.
func (s Schema) QuotedColumns() []string {
	out := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		out[i] = QuoteIdent(col.Name)
	}
	return out
}

// CreateTableSQL renders the Postgres DDL for the schema.
func (s Schema) CreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s BIGSERIAL PRIMARY KEY", QuoteIdent(s.Table), QuoteIdent(RowIDColumn))
	for _, col := range s.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", QuoteIdent(col.Name), postgresType(col.Type))
	}
	b.WriteString("\n)")
	return b.String()
}

func postgresType(t string) string {
	switch normalizeColumnType(t) {
	case ColumnInteger:
		return "BIGINT"
	case ColumnReal:
		return "DOUBLE PRECISION"
	case ColumnBoolean:
		return "BOOLEAN"
	case ColumnJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// normalizeColumnType folds the SQL spellings collaborators tend to emit.
func normalizeColumnType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text", "string", "varchar":
		return ColumnText
	case "integer", "int", "bigint":
		return ColumnInteger
	case "real", "float", "double", "numeric", "decimal":
		return ColumnReal
	case "boolean", "bool":
		return ColumnBoolean
	case "json", "jsonb":
		return ColumnJSON
	default:
		return t
	}
}

// InsertSQL renders a parameterized Postgres INSERT for one row.
func (s Schema) InsertSQL() string {
	names := s.QuotedColumns()
	params := make([]string, len(names))
	for i := range names {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(s.Table), strings.Join(names, ", "), strings.Join(params, ", "))
}

// Values returns row's values in column order; absent columns are nil.
func (s Schema) Values(row Row) []any {
	out := make([]any, len(s.Columns))
	for i, col := range s.Columns {
		out[i] = row[col.Name]
	}
	return out
}
