package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/table"
)

var schema = datafile.Schema{Fields: []datafile.Field{
	{Name: "id", Type: datafile.TypeLong, Nullable: true},
	{Name: "state", Type: datafile.TypeString, Nullable: true},
}}

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(context.Background(), Config{
		DSN:       filepath.Join(dir, "catalog.db"),
		Warehouse: filepath.Join(dir, "warehouse"),
		FS:        afero.NewOsFs(),
		Table:     table.DefaultOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDatabases(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)

	require.NoError(t, c.CreateDatabase(ctx, "Loans", false))
	assert.ErrorIs(t, c.CreateDatabase(ctx, "loans", false), ErrDatabaseExists)
	assert.NoError(t, c.CreateDatabase(ctx, "loans", true))
	assert.Error(t, c.CreateDatabase(ctx, "../etc", false))

	dbs, err := c.ListDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, dbs, 2)
	assert.Equal(t, DefaultDatabase, dbs[0].Name)
	assert.Equal(t, "loans", dbs[1].Name)
	assert.Equal(t, filepath.Join(c.Warehouse(), "loans"), dbs[1].Location)

	_, err = c.GetDatabase(ctx, "missing")
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
}

func TestTables(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)
	require.NoError(t, c.CreateDatabase(ctx, "db1", false))

	tbl, err := c.CreateTable(ctx, TableSpec{Database: "db1", Name: "Loans", Schema: schema, PartitionColumns: []string{"state"}})
	require.NoError(t, err)
	_, err = tbl.Write(ctx, []map[string]any{{"id": 1, "state": "CA"}}, table.ModeAppend)
	require.NoError(t, err)

	_, err = c.CreateTable(ctx, TableSpec{Database: "db1", Name: "loans", Schema: schema})
	assert.ErrorIs(t, err, table.ErrTableExists)
	same, err := c.CreateTable(ctx, TableSpec{Database: "db1", Name: "loans", Schema: schema, IfNotExists: true})
	require.NoError(t, err)
	assert.Same(t, tbl, same)

	_, err = c.CreateTable(ctx, TableSpec{Database: "nope", Name: "x", Schema: schema})
	assert.ErrorIs(t, err, ErrDatabaseNotFound)

	info, err := c.GetTable(ctx, "DB1", "LOANS")
	require.NoError(t, err)
	assert.True(t, info.Managed)
	assert.Equal(t, filepath.Join(c.Warehouse(), "db1", "loans"), info.Location)

	loaded, err := c.LoadTable(ctx, "db1", "loans")
	require.NoError(t, err)
	snap, err := loaded.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.NumRows())

	list, err := c.ListTables(ctx, "db1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "loans", list[0].Name)

	_, err = c.LoadTable(ctx, "db1", "other")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestExternalTables(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)
	location := filepath.Join(t.TempDir(), "ext")

	_, err := c.CreateTable(ctx, TableSpec{Database: DefaultDatabase, Name: "ext", Location: location})
	assert.ErrorIs(t, err, deltalog.ErrNotFound, "nothing to adopt and no schema")

	_, err = table.Create(ctx, afero.NewOsFs(), location, table.Definition{Schema: schema}, table.DefaultOptions())
	require.NoError(t, err)

	other := datafile.Schema{Fields: []datafile.Field{{Name: "id", Type: datafile.TypeString, Nullable: true}}}
	_, err = c.CreateTable(ctx, TableSpec{Database: DefaultDatabase, Name: "ext", Location: location, Schema: other})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = c.CreateTable(ctx, TableSpec{Database: DefaultDatabase, Name: "ext", Location: location})
	require.NoError(t, err)
	info, err := c.GetTable(ctx, DefaultDatabase, "ext")
	require.NoError(t, err)
	assert.False(t, info.Managed)

	require.NoError(t, c.DropTable(ctx, DefaultDatabase, "ext", false))
	ok, err := table.Exists(ctx, afero.NewOsFs(), location)
	require.NoError(t, err)
	assert.True(t, ok, "external data is kept")

	assert.ErrorIs(t, c.DropTable(ctx, DefaultDatabase, "ext", false), ErrTableNotFound)
	assert.NoError(t, c.DropTable(ctx, DefaultDatabase, "ext", true))
}

func TestDropManagedTable(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)
	_, err := c.CreateTable(ctx, TableSpec{Database: DefaultDatabase, Name: "t1", Schema: schema})
	require.NoError(t, err)
	info, err := c.GetTable(ctx, DefaultDatabase, "t1")
	require.NoError(t, err)

	require.NoError(t, c.DropTable(ctx, DefaultDatabase, "t1", false))
	ok, err := table.Exists(ctx, afero.NewOsFs(), info.Location)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CreateTable(ctx, TableSpec{Database: DefaultDatabase, Name: "t1", Schema: schema})
	require.NoError(t, err, "a dropped name can be reused")
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in, def, db, name string
	}{
		{"db.t", "x", "db", "t"},
		{"t", "x", "x", "t"},
		{"t", "", DefaultDatabase, "t"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			db, name := ParseName(tt.in, tt.def)
			assert.Equal(t, tt.db, db)
			assert.Equal(t, tt.name, name)
		})
	}
}
