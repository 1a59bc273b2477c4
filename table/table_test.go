package table

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/txn"
)

var loanSchema = datafile.Schema{Fields: []datafile.Field{
	{Name: "loan_id", Type: datafile.TypeLong, Nullable: true},
	{Name: "funded_amnt", Type: datafile.TypeInt, Nullable: true},
	{Name: "paid_amnt", Type: datafile.TypeDouble, Nullable: true},
	{Name: "addr_state", Type: datafile.TypeString, Nullable: true},
}}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Commit.BaseBackoff = 0
	opts.Commit.MaxBackoff = 0
	return opts
}

func loans(n int, state string) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"loan_id":     int64(i),
			"funded_amnt": 1000 + i,
			"paid_amnt":   float64(i) * 10.5,
			"addr_state":  state,
		}
	}
	return rows
}

func readAll(t *testing.T, tbl *Table) []datafile.Row {
	t.Helper()
	ctx := context.Background()
	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	r := tbl.Reader(snap.Schema())
	var out []datafile.Row
	for _, f := range snap.Files() {
		rows, err := r.ReadAll(ctx, f)
		require.NoError(t, err)
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i]["addr_state"] != out[j]["addr_state"] {
			return fmt.Sprint(out[i]["addr_state"]) < fmt.Sprint(out[j]["addr_state"])
		}
		return out[i]["loan_id"].(int64) < out[j]["loan_id"].(int64)
	})
	return out
}

func TestCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	ok, err := Exists(ctx, fs, "/wh/db1/loans")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Open(ctx, fs, "/wh/db1/loans", testOptions())
	assert.ErrorIs(t, err, deltalog.ErrNotFound)

	tbl, err := Create(ctx, fs, "/wh/db1/loans", Definition{Name: "loans", Schema: loanSchema, PartitionColumns: []string{"ADDR_STATE"}}, testOptions())
	require.NoError(t, err)
	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version())
	assert.Equal(t, []string{"addr_state"}, snap.PartitionColumns())
	assert.Equal(t, "loans", snap.Metadata().Name)

	ok, err = Exists(ctx, fs, "/wh/db1/loans")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Create(ctx, fs, "/wh/db1/loans", Definition{Schema: loanSchema}, testOptions())
	assert.ErrorIs(t, err, ErrTableExists)

	_, err = Create(ctx, fs, "/wh/db1/bad", Definition{Schema: loanSchema, PartitionColumns: []string{"nope"}}, testOptions())
	assert.Error(t, err)

	reopened, err := Open(ctx, fs, "/wh/db1/loans", testOptions())
	require.NoError(t, err)
	snap, err = reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Schema().Equal(loanSchema))
}

func TestWritePartitioned(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema, PartitionColumns: []string{"addr_state"}}, testOptions())
	require.NoError(t, err)

	rows := append(loans(3, "CA"), loans(2, "WA")...)
	rec, err := tbl.Write(ctx, rows, ModeAppend)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, rec.IsBlindAppend)
	assert.Equal(t, int64(5), rec.OperationMetrics["numOutputRows"])

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.NumFiles())
	for _, f := range snap.Files() {
		state := f.PartitionValues["addr_state"]
		assert.Contains(t, f.Path, "data/addr_state="+state+"/part-")
	}
	assert.Len(t, readAll(t, tbl), 5)

	rec, err = tbl.Write(ctx, loans(1, "TX"), ModeOverwrite)
	require.NoError(t, err)
	assert.False(t, rec.IsBlindAppend)
	assert.Equal(t, int64(2), rec.OperationMetrics["numRemovedFiles"])
	got := readAll(t, tbl)
	require.Len(t, got, 1)
	assert.Equal(t, "TX", got[0]["addr_state"])
	assert.Equal(t, int32(1000), got[0]["funded_amnt"])

	old, err := tbl.SnapshotAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), old.NumRows())

	none, err := tbl.Write(ctx, nil, ModeAppend)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = tbl.Write(ctx, []map[string]any{{"unknown": 1}}, ModeAppend)
	assert.Error(t, err)
}

func TestWriteSplitsFiles(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.MaxRowsPerFile = 4
	tbl, err := Create(ctx, afero.NewMemMapFs(), "/wh/loans", Definition{Schema: loanSchema}, opts)
	require.NoError(t, err)
	_, err = tbl.Write(ctx, loans(10, "CA"), ModeAppend)
	require.NoError(t, err)
	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.NumFiles())
	assert.Equal(t, int64(10), snap.NumRows())
}

func TestCopyIntoIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := datafile.NewWriter(fs, "/landing", loanSchema)
	for i := 0; i < 2; i++ {
		rows := make([]datafile.Row, 0)
		for _, r := range loans(3, "CA") {
			c, err := datafile.Conform(loanSchema, r, false)
			require.NoError(t, err)
			rows = append(rows, c)
		}
		_, err := src.Write(ctx, rows, fmt.Sprintf("loans/part-%d.parquet", i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, afero.WriteFile(fs, "/landing/loans/_SUCCESS.parquet", []byte("x"), 0o644))

	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)

	res, err := tbl.CopyInto(ctx, []string{"/landing/loans"}, datafile.FormatParquet)
	require.NoError(t, err)
	assert.Len(t, res.Loaded, 2)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, int64(6), res.Rows)
	require.NotNil(t, res.Record)
	assert.Equal(t, deltalog.OpCopyInto, res.Record.Operation)

	again, err := tbl.CopyInto(ctx, []string{"/landing/loans"}, datafile.FormatParquet)
	require.NoError(t, err)
	assert.Empty(t, again.Loaded)
	assert.Len(t, again.Skipped, 2)
	assert.Nil(t, again.Record)

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.NumRows())
	assert.Equal(t, int64(1), snap.Version())

	require.NoError(t, afero.WriteFile(fs, "/landing/more.json", []byte(`{"loan_id": 99, "addr_state": "NV", "extra": true}`+"\n"), 0o644))
	res, err = tbl.CopyInto(ctx, []string{"/landing/more.json"}, datafile.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows)

	_, err = tbl.CopyInto(ctx, []string{"/landing/missing"}, datafile.FormatParquet)
	assert.ErrorIs(t, err, deltalog.ErrNotFound)
}

func TestSetSchema(t *testing.T) {
	ctx := context.Background()
	tbl, err := Create(ctx, afero.NewMemMapFs(), "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)
	_, err = tbl.Write(ctx, loans(2, "CA"), ModeAppend)
	require.NoError(t, err)

	wider := datafile.Schema{Fields: append(append([]datafile.Field{}, loanSchema.Fields...),
		datafile.Field{Name: "grade", Type: datafile.TypeString, Nullable: true})}
	rec, err := tbl.SetSchema(ctx, wider)
	require.NoError(t, err)
	assert.Equal(t, deltalog.OpSetSchema, rec.Operation)

	row := loans(1, "WA")[0]
	row["loan_id"] = int64(50)
	row["grade"] = "A"
	_, err = tbl.Write(ctx, []map[string]any{row}, ModeAppend)
	require.NoError(t, err)

	got := readAll(t, tbl)
	require.Len(t, got, 3)
	assert.Nil(t, got[0]["grade"])
	assert.Equal(t, "A", got[2]["grade"])

	_, err = tbl.SetSchema(ctx, loanSchema)
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	tbl, err := Create(ctx, afero.NewMemMapFs(), "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := tbl.Write(ctx, loans(1, "CA"), ModeAppend)
		require.NoError(t, err)
	}
	all, err := tbl.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(3), all[0].Version)
	assert.Equal(t, deltalog.OpCreateTable, all[3].Operation)

	last, err := tbl.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(2), last[1].Version)
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	opts := testOptions()
	opts.MinVacuumRetention = 0
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, opts)
	require.NoError(t, err)
	_, err = tbl.Write(ctx, loans(2, "CA"), ModeAppend)
	require.NoError(t, err)
	before, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	removed := before.Files()[0]

	_, err = tbl.Write(ctx, loans(1, "WA"), ModeOverwrite)
	require.NoError(t, err)

	orphan := "/wh/loans/data/part-orphan.parquet"
	require.NoError(t, afero.WriteFile(fs, orphan, []byte("x"), 0o644))
	fresh := "/wh/loans/data/part-inflight.parquet"
	require.NoError(t, afero.WriteFile(fs, fresh, []byte("x"), 0o644))
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, fs.Chtimes(orphan, old, old))

	res, err := tbl.Vacuum(ctx, DefaultRetention, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/part-orphan.parquet"}, res.Files, "recent tombstones are retained")

	time.Sleep(5 * time.Millisecond)
	res, err = tbl.Vacuum(ctx, time.Millisecond, true)
	require.NoError(t, err)
	assert.Contains(t, res.Files, removed.Path)
	ok, err := afero.Exists(fs, tbl.FilePath(removed))
	require.NoError(t, err)
	assert.True(t, ok, "dry run keeps files")

	_, err = tbl.Vacuum(ctx, time.Millisecond, false)
	require.NoError(t, err)
	ok, err = afero.Exists(fs, tbl.FilePath(removed))
	require.NoError(t, err)
	assert.False(t, ok)

	got := readAll(t, tbl)
	require.Len(t, got, 1)
	assert.Equal(t, "WA", got[0]["addr_state"])
}

func TestVacuumKeepsUncommittedFiles(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	rows := make([]datafile.Row, 0, 2)
	for _, r := range loans(2, "CA") {
		row, err := datafile.Conform(tx.Snapshot().Schema(), r, false)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	staged, err := tbl.writeFiles(ctx, tx.Snapshot(), rows)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	_, err = tbl.Vacuum(ctx, 0, false)
	require.ErrorIs(t, err, ErrRetentionTooShort)
	time.Sleep(time.Millisecond)
	res, err := tbl.Vacuum(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []string{staged[0].Path}, res.Files, "a dry run may list in-flight files")

	rec, err := tbl.CommitFiles(ctx, tx, txn.Operation{Name: deltalog.OpWrite}, staged,
		[]deltalog.Action{deltalog.AddFile(staged[0])})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Len(t, readAll(t, tbl), 2)
}

func TestCommitFilesChecksStagedFiles(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	row, err := datafile.Conform(tx.Snapshot().Schema(), loans(1, "CA")[0], false)
	require.NoError(t, err)
	staged, err := tbl.writeFiles(ctx, tx.Snapshot(), []datafile.Row{row})
	require.NoError(t, err)
	require.NoError(t, fs.Remove(tbl.FilePath(staged[0])))

	_, err = tbl.CommitFiles(ctx, tx, txn.Operation{Name: deltalog.OpWrite}, staged,
		[]deltalog.Action{deltalog.AddFile(staged[0])})
	require.ErrorIs(t, err, ErrStagedFileMissing)

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version())
	assert.Empty(t, snap.Files())
}

func TestDropTombstonesLocation(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewOsFs()
	location := filepath.Join(t.TempDir(), "loans")
	tbl, err := Create(ctx, fs, location, Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)
	_, err = tbl.Write(ctx, loans(1, "CA"), ModeAppend)
	require.NoError(t, err)

	tomb, err := tbl.Drop(ctx)
	require.NoError(t, err)
	assert.Contains(t, tomb, ".tombstone-")

	ok, err := Exists(ctx, fs, location)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = Exists(ctx, fs, tomb)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = tbl.Write(ctx, loans(1, "CA"), ModeAppend)
	assert.ErrorIs(t, err, ErrDropped)

	recreated, err := Create(ctx, fs, location, Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)
	snap, err := recreated.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.NumFiles())
}

func TestInvalidLogMakesTableReadOnly(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, testOptions())
	require.NoError(t, err)

	store := deltalog.NewFileStore(fs, "/wh/loans")
	_, err = store.Append(ctx, &deltalog.LogRecord{
		Operation: deltalog.OpWrite,
		Actions:   []deltalog.Action{deltalog.RemoveDataFile(datafile.DataFile{Path: "data/ghost.parquet"}, 1)},
	}, 0)
	require.NoError(t, err)

	_, err = tbl.Snapshot(ctx)
	require.ErrorIs(t, err, deltalog.ErrInvalidLog)
	assert.True(t, tbl.ReadOnly())

	_, err = tbl.Write(ctx, loans(1, "CA"), ModeAppend)
	assert.ErrorIs(t, err, ErrReadOnly)

	old, err := tbl.SnapshotAt(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), old.Version())
}

func TestCheckpointsAreWritten(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	opts := testOptions()
	opts.CheckpointInterval = 2
	tbl, err := Create(ctx, fs, "/wh/loans", Definition{Schema: loanSchema}, opts)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := tbl.Write(ctx, loans(1, "CA"), ModeAppend)
		require.NoError(t, err)
	}
	cp, err := deltalog.NewFileStore(fs, "/wh/loans").LatestCheckpoint(ctx, -1)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(4), cp.Version)
	assert.Len(t, cp.Files, 4)

	reopened, err := Open(ctx, fs, "/wh/loans", opts)
	require.NoError(t, err)
	snap, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.NumFiles())
}
