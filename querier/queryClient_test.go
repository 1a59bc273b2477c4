package querier

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-lakehouse/catalog"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/optimize"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
	"github.com/gigapi/gigapi-lakehouse/table"
)

func newTestClient(t *testing.T) *QueryClient {
	t.Helper()
	dir := t.TempDir()
	opts := table.DefaultOptions()
	opts.Commit.BaseBackoff = 0
	opts.Commit.MaxBackoff = 0
	cat, err := catalog.Open(context.Background(), catalog.Config{
		DSN:       filepath.Join(dir, "catalog.db"),
		Warehouse: filepath.Join(dir, "warehouse"),
		FS:        afero.NewOsFs(),
		Table:     opts,
	})
	require.NoError(t, err)
	q := NewQueryClient(cat, optimize.New(optimize.DefaultOptions()))
	require.NoError(t, q.Initialize())
	t.Cleanup(func() {
		_ = q.Close()
		_ = cat.Close()
	})
	return q
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		tables     []TableRef
		where      string
		predicates []Predicate
	}{
		{
			name:  "qualified name with alias",
			query: "SELECT * FROM db1.loans l WHERE l.funded_amnt >= 1000",
			tables: []TableRef{
				{Database: "db1", Table: "loans", Alias: "l", Version: -1, Start: 14, End: 23},
			},
			where: "l.funded_amnt >= 1000",
			predicates: []Predicate{
				{Qualifier: "l", Predicate: snapshot.Predicate{Column: "funded_amnt", Op: snapshot.OpGe, Value: "1000"}},
			},
		},
		{
			name:  "version as of",
			query: "SELECT count(*) FROM loans VERSION AS OF 3",
			tables: []TableRef{
				{Database: "default", Table: "loans", Version: 3, Start: 21, End: 42},
			},
		},
		{
			name:  "keywords are not aliases",
			query: "SELECT * FROM loans WHERE addr_state = 'CA' LIMIT 10",
			tables: []TableRef{
				{Database: "default", Table: "loans", Version: -1, Start: 14, End: 19},
			},
			where: "addr_state = 'CA'",
			predicates: []Predicate{
				{Predicate: snapshot.Predicate{Column: "addr_state", Op: snapshot.OpEq, Value: "CA"}},
			},
		},
		{
			name:  "joins",
			query: "SELECT * FROM loans a JOIN states s ON a.addr_state = s.code",
			tables: []TableRef{
				{Database: "default", Table: "loans", Alias: "a", Version: -1, Start: 14, End: 19},
				{Database: "default", Table: "states", Alias: "s", Version: -1, Start: 27, End: 33},
			},
		},
		{
			name:  "table functions are skipped",
			query: "SELECT * FROM read_parquet('/tmp/x.parquet')",
		},
		{
			name:  "subquery where is ignored",
			query: "SELECT * FROM loans WHERE loan_id IN (SELECT loan_id FROM paid WHERE paid_amnt > 0)",
			tables: []TableRef{
				{Database: "default", Table: "loans", Version: -1, Start: 14, End: 19},
				{Database: "default", Table: "paid", Version: -1, Start: 58, End: 62},
			},
		},
	}

	q := &QueryClient{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := q.ParseQuery(tt.query, "default")
			require.NoError(t, err)
			assert.Equal(t, tt.tables, parsed.Tables)
			assert.Equal(t, tt.where, parsed.Where)
			assert.Equal(t, tt.predicates, parsed.Predicates)
		})
	}
}

func TestExtractPredicates(t *testing.T) {
	tests := []struct {
		name  string
		where string
		want  []Predicate
	}{
		{
			name:  "between and comparison",
			where: "time BETWEEN '2023-01-01T00:00:00Z' AND '2023-01-02T00:00:00Z' AND value < 3.5",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "time", Op: snapshot.OpBetween,
					Value: "2023-01-01T00:00:00Z", Upper: "2023-01-02T00:00:00Z"}},
				{Predicate: snapshot.Predicate{Column: "value", Op: snapshot.OpLt, Value: "3.5"}},
			},
		},
		{
			name:  "cast literal",
			where: "time >= cast('2023-01-01T00:00:00Z' as timestamp)",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "time", Op: snapshot.OpGe, Value: "2023-01-01T00:00:00Z"}},
			},
		},
		{
			name:  "typed literal",
			where: "t.day <= DATE '2024-02-01'",
			want: []Predicate{
				{Qualifier: "t", Predicate: snapshot.Predicate{Column: "day", Op: snapshot.OpLe, Value: "2024-02-01"}},
			},
		},
		{
			name:  "quoted quote",
			where: "name = 'O''Hara'",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "name", Op: snapshot.OpEq, Value: "O'Hara"}},
			},
		},
		{
			name:  "or prunes nothing",
			where: "a = 1 OR b = 2",
		},
		{
			name:  "not prunes nothing",
			where: "NOT a = 1",
		},
		{
			name:  "or inside a literal",
			where: "state = 'OR'",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "state", Op: snapshot.OpEq, Value: "OR"}},
			},
		},
		{
			name:  "arithmetic on the literal side",
			where: "amount < 100 * 2",
		},
		{
			name:  "sum literal",
			where: "amount = 100 + 50",
		},
		{
			name:  "arithmetic on the column side",
			where: "id - amount < 0",
		},
		{
			name:  "function call",
			where: "lower(name) = 'bob' AND abs(amount) > 3",
		},
		{
			name:  "exponent",
			where: "amount > 5.5e2",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "amount", Op: snapshot.OpGt, Value: "5.5e2"}},
			},
		},
		{
			name:  "only the plain conjuncts",
			where: "amount * 2 > 10 AND (kind = 'a') AND v BETWEEN 1 AND 2 + 3 AND id >= 7",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "kind", Op: snapshot.OpEq, Value: "a"}},
				{Predicate: snapshot.Predicate{Column: "id", Op: snapshot.OpGe, Value: "7"}},
			},
		},
		{
			name:  "and inside a literal",
			where: "note = 'x AND y' AND id = 1",
			want: []Predicate{
				{Predicate: snapshot.Predicate{Column: "note", Op: snapshot.OpEq, Value: "x AND y"}},
				{Predicate: snapshot.Predicate{Column: "id", Op: snapshot.OpEq, Value: "1"}},
			},
		},
		{
			name: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractPredicates(tt.where))
		})
	}
}

func TestPredicatesFor(t *testing.T) {
	a := TableRef{Table: "loans", Alias: "a"}
	b := TableRef{Table: "states"}
	parsed := &ParsedQuery{
		Tables: []TableRef{a, b},
		Predicates: []Predicate{
			{Qualifier: "a", Predicate: snapshot.Predicate{Column: "x", Op: snapshot.OpEq, Value: "1"}},
			{Qualifier: "states", Predicate: snapshot.Predicate{Column: "code", Op: snapshot.OpEq, Value: "CA"}},
			{Predicate: snapshot.Predicate{Column: "y", Op: snapshot.OpEq, Value: "2"}},
		},
	}
	assert.Equal(t, []snapshot.Predicate{parsed.Predicates[0].Predicate}, predicatesFor(parsed, a))
	assert.Equal(t, []snapshot.Predicate{parsed.Predicates[1].Predicate}, predicatesFor(parsed, b))

	parsed.Tables = []TableRef{a}
	assert.Len(t, predicatesFor(parsed, a), 2)
}

func TestRelation(t *testing.T) {
	ctx := context.Background()
	tbl, err := table.Create(ctx, afero.NewMemMapFs(), "/wh/t", table.Definition{
		Schema: datafile.Schema{Fields: []datafile.Field{
			{Name: "id", Type: datafile.TypeLong},
			{Name: "ts", Type: datafile.TypeTimestamp, Nullable: true},
		}},
	}, table.DefaultOptions())
	require.NoError(t, err)
	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)

	empty := `(SELECT CAST(NULL AS BIGINT) AS "id", CAST(NULL AS TIMESTAMPTZ) AS "ts" WHERE false)`
	assert.Equal(t, empty, relation(tbl, snap, nil))

	rel := relation(tbl, snap, []datafile.DataFile{{Path: "data/it's.parquet"}})
	assert.Equal(t, `(SELECT CAST(NULL AS BIGINT) AS "id", CAST(NULL AS TIMESTAMPTZ) AS "ts" WHERE false`+
		` UNION ALL BY NAME SELECT * FROM read_parquet(['/wh/t/data/it''s.parquet'], union_by_name=true, hive_partitioning=false))`, rel)
}

func TestParseColumns(t *testing.T) {
	schema, err := parseColumns("loan_id BIGINT NOT NULL, funded_amnt INT, addr_state STRING")
	require.NoError(t, err)
	assert.Equal(t, []datafile.Field{
		{Name: "loan_id", Type: datafile.TypeLong, Nullable: false},
		{Name: "funded_amnt", Type: datafile.TypeInt, Nullable: true},
		{Name: "addr_state", Type: datafile.TypeString, Nullable: true},
	}, schema.Fields)

	_, err = parseColumns("loan_id")
	assert.Error(t, err)
	_, err = parseColumns("loan_id DECIMAL")
	assert.Error(t, err)
}

func TestPartitionFilter(t *testing.T) {
	f, err := partitionFilter("addr_state = 'CA' AND year = 2024")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"addr_state": "CA", "year": "2024"}, f)

	f, err = partitionFilter("")
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = partitionFilter("year > 2020")
	assert.Error(t, err)
}

func TestPositional(t *testing.T) {
	schema := datafile.Schema{Fields: []datafile.Field{{Name: "a"}, {Name: "b"}}}
	rows, err := positional([]map[string]interface{}{{"col0": int32(1), "col1": "x"}}, schema)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"a": int32(1), "b": "x"}}, rows)

	_, err = positional([]map[string]interface{}{{"col0": 1, "col1": 2, "col2": 3}}, schema)
	assert.Error(t, err)
}

func TestQueryLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestClient(t)

	run := func(sql string) []map[string]interface{} {
		t.Helper()
		res, err := q.Query(ctx, sql, "")
		require.NoError(t, err, sql)
		return res
	}

	run("CREATE TABLE loans (loan_id BIGINT NOT NULL, funded_amnt INT, addr_state STRING) USING DELTA PARTITIONED BY (addr_state)")
	_, err := q.Query(ctx, "CREATE TABLE loans (loan_id BIGINT)", "")
	assert.ErrorIs(t, err, table.ErrTableExists)
	run("CREATE TABLE IF NOT EXISTS loans (loan_id BIGINT NOT NULL, funded_amnt INT, addr_state STRING) PARTITIONED BY (addr_state)")

	res := run("INSERT INTO loans VALUES (1, 1000, 'CA'), (2, 2000, 'NY'), (3, 1500, 'CA')")
	assert.Equal(t, int64(3), res[0]["num_affected_rows"])
	assert.Equal(t, int64(1), res[0]["version"])
	run("INSERT INTO loans VALUES (4, 500, 'CA');")

	res = run("SELECT count(*) AS n, CAST(sum(funded_amnt) AS BIGINT) AS total FROM loans WHERE addr_state = 'CA'")
	require.Len(t, res, 1)
	assert.Equal(t, int64(3), res[0]["n"])
	assert.Equal(t, int64(3000), res[0]["total"])

	res = run("SELECT count(*) AS n FROM loans VERSION AS OF 0")
	assert.Equal(t, int64(0), res[0]["n"])
	res = run("SELECT count(*) AS n FROM loans VERSION AS OF 1")
	assert.Equal(t, int64(3), res[0]["n"])

	res = run("OPTIMIZE loans WHERE addr_state = 'CA'")
	assert.Equal(t, int64(3), res[0]["version"])
	assert.Equal(t, int64(2), res[0]["num_files_removed"])
	assert.Equal(t, int64(1), res[0]["num_files_added"])

	res = run("SELECT l.loan_id FROM loans l WHERE l.addr_state = 'CA' ORDER BY l.loan_id")
	var ids []interface{}
	for _, r := range res {
		ids = append(ids, r["loan_id"])
	}
	assert.Equal(t, []interface{}{int64(1), int64(3), int64(4)}, ids)

	res = run("DESCRIBE HISTORY loans")
	require.Len(t, res, 4)
	assert.Equal(t, int64(3), res[0]["version"])
	assert.Equal(t, "OPTIMIZE", res[0]["operation"])
	res = run("DESCRIBE HISTORY loans LIMIT 1")
	assert.Len(t, res, 1)

	res = run("DESCRIBE loans")
	require.Len(t, res, 3)
	assert.Equal(t, "addr_state", res[2]["col_name"])
	assert.Equal(t, true, res[2]["partitioning"])

	res = run("VACUUM loans RETAIN 0 HOURS DRY RUN")
	assert.Len(t, res, 2)

	res = run("SHOW TABLES")
	require.Len(t, res, 1)
	assert.Equal(t, "loans", res[0]["table_name"])

	run("INSERT OVERWRITE loans SELECT loan_id, funded_amnt, addr_state FROM loans WHERE addr_state = 'NY'")
	res = run("SELECT count(*) AS n FROM loans")
	assert.Equal(t, int64(1), res[0]["n"])

	run("DROP TABLE loans")
	_, err = q.Query(ctx, "SELECT * FROM loans", "")
	assert.Error(t, err)
}

func TestArithmeticConditionsKeepFiles(t *testing.T) {
	ctx := context.Background()
	q := newTestClient(t)
	for _, sql := range []string{
		"CREATE TABLE payments (id BIGINT, amount BIGINT)",
		"INSERT INTO payments VALUES (1, 50)",
		"INSERT INTO payments VALUES (2, 150)",
	} {
		_, err := q.Query(ctx, sql, "")
		require.NoError(t, err, sql)
	}

	tests := []struct {
		where string
		want  int64
	}{
		{"amount < 100 * 2", 2},
		{"amount = 100 + 50", 1},
		{"id - amount < 0", 2},
		{"amount > 1e2", 1},
		{"amount < 100", 1},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			res, err := q.Query(ctx, "SELECT count(*) AS n FROM payments WHERE "+tt.where, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res[0]["n"])
		})
	}
}

func TestInsertSelectReadsWriteSnapshot(t *testing.T) {
	ctx := context.Background()
	q := newTestClient(t)
	for _, sql := range []string{
		"CREATE TABLE payments (id BIGINT, amount BIGINT)",
		"INSERT INTO payments VALUES (1, 50)",
		"INSERT INTO payments VALUES (2, 150)",
	} {
		_, err := q.Query(ctx, sql, "")
		require.NoError(t, err, sql)
	}
	tbl, err := q.Catalog.LoadTable(ctx, "default", "payments")
	require.NoError(t, err)
	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)

	_, err = q.Query(ctx, "INSERT INTO payments VALUES (3, 10)", "")
	require.NoError(t, err)

	pin := &pinnedTable{Database: "default", Table: "payments", Snapshot: tx.Snapshot()}
	rows, err := q.selectRows(ctx, "SELECT * FROM payments", "default", pin)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "rows of the pinned version only")
	assert.True(t, pin.Read)

	tx.ReadWholeTable()
	_, err = tbl.WriteTx(ctx, tx, rows, table.ModeOverwrite)
	require.ErrorIs(t, err, deltalog.ErrConcurrentModification)

	res, err := q.Query(ctx, "SELECT count(*) AS n FROM payments", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res[0]["n"], "the concurrent append survives")
}

func TestQueryDatabases(t *testing.T) {
	ctx := context.Background()
	q := newTestClient(t)

	_, err := q.Query(ctx, "CREATE DATABASE sales", "")
	require.NoError(t, err)
	_, err = q.Query(ctx, "CREATE SCHEMA IF NOT EXISTS sales", "")
	require.NoError(t, err)
	_, err = q.Query(ctx, "CREATE DATABASE sales", "")
	assert.ErrorIs(t, err, catalog.ErrDatabaseExists)

	res, err := q.Query(ctx, "SHOW DATABASES", "")
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{
		{"database_name": "default"},
		{"database_name": "sales"},
	}, res)

	_, err = q.Query(ctx, "CREATE TABLE orders (id BIGINT, amount DOUBLE)", "sales")
	require.NoError(t, err)
	_, err = q.Query(ctx, "INSERT INTO sales.orders VALUES (1, 9.5)", "")
	require.NoError(t, err)

	res, err = q.Query(ctx, "SELECT amount FROM orders", "sales")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 9.5, res[0]["amount"])

	res, err = q.Query(ctx, "SHOW TABLES IN sales", "")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	_, err = q.Query(ctx, " ; ", "")
	assert.Error(t, err)
}
