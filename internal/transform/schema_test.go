package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaValidate(t *testing.T) {
	t.Parallel()

	good := Schema{Table: "products", Columns: []Column{{Name: "title", Type: "TEXT"}, {Name: "price", Type: "numeric"}}}
	require.NoError(t, good.Validate())
	require.Equal(t, []string{"title", "price"}, good.ColumnNames())

	require.Error(t, Schema{Table: "drop table;", Columns: good.Columns}.Validate())
	require.Error(t, Schema{Table: "t"}.Validate())
	require.Error(t, Schema{Table: "t", Columns: []Column{{Name: "a"}, {Name: "A"}}}.Validate())
	require.Error(t, Schema{Table: "t", Columns: []Column{{Name: "a", Type: "blob"}}}.Validate())
	require.Error(t, Schema{Table: "t", Columns: []Column{{Name: "_ROW_ID"}}}.Validate())
}

func TestSchemaCreateTableSQL(t *testing.T) {
	t.Parallel()

	s := Schema{Table: "items", Columns: []Column{
		{Name: "title", Type: "text"},
		{Name: "qty", Type: "int"},
		{Name: "price", Type: "float"},
		{Name: "active", Type: "bool"},
		{Name: "raw", Type: "json"},
	}}
	ddl := s.CreateTableSQL()
	require.True(t, strings.HasPrefix(ddl, `CREATE TABLE IF NOT EXISTS "items" (`))
	require.Contains(t, ddl, `"_row_id" BIGSERIAL PRIMARY KEY`)
	require.Contains(t, ddl, `"qty" BIGINT`)
	require.Contains(t, ddl, `"price" DOUBLE PRECISION`)
	require.Contains(t, ddl, `"active" BOOLEAN`)
	require.Contains(t, ddl, `"raw" JSONB`)

	renamed := s.WithTable("other")
	require.Equal(t, "other", renamed.Table)
	require.Equal(t, "items", s.Table)
}

func TestSchemaInsertSQL(t *testing.T) {
	t.Parallel()

	schema := Schema{Table: "products", Columns: []Column{{Name: "name", Type: "text"}, {Name: "price", Type: "real"}}}
	require.Equal(t, `INSERT INTO "products" ("name", "price") VALUES ($1, $2)`, schema.InsertSQL())
	require.Equal(t, []any{"Widget", nil}, schema.Values(Row{"name": "Widget", "extra": 1}))
}

func TestSchemaAllowsIDAndReservedWords(t *testing.T) {
	t.Parallel()

	s := Schema{Table: "order", Columns: []Column{
		{Name: "id", Type: "text"},
		{Name: "price", Type: "real"},
		{Name: "group", Type: "text"},
	}}
	require.NoError(t, s.Validate())

	ddl := s.CreateTableSQL()
	require.Equal(t, 1, strings.Count(ddl, "PRIMARY KEY"))
	require.Contains(t, ddl, `"id" TEXT`)
	require.Contains(t, ddl, `"group" TEXT`)
	require.Equal(t, `INSERT INTO "order" ("id", "price", "group") VALUES ($1, $2, $3)`, s.InsertSQL())
}
