package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
)

var schema = datafile.Schema{Fields: []datafile.Field{
	{Name: "loan_id", Type: datafile.TypeLong, Nullable: true},
	{Name: "addr_state", Type: datafile.TypeString, Nullable: true},
}}

type fixture struct {
	store   *deltalog.FileStore
	builder *snapshot.Builder
	coord   *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := deltalog.NewFileStore(afero.NewMemMapFs(), "/tables/loans")
	builder := snapshot.NewBuilder(store)
	f := &fixture{store: store, builder: builder, coord: NewCoordinator(store, builder, opts)}

	tx := f.coord.BeginCreate()
	require.NoError(t, tx.Stage(Operation{Name: deltalog.OpCreateTable},
		deltalog.UpdateMetadata(deltalog.Metadata{ID: "loans", PartitionColumns: []string{"addr_state"}}),
		deltalog.UpdateSchema(schema),
	))
	v, err := tx.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
	return f
}

func fastOptions() Options {
	return Options{MaxRetries: 5}
}

func addFile(path, state string) deltalog.Action {
	return deltalog.AddFile(datafile.DataFile{
		Path:            path,
		PartitionValues: map[string]string{"addr_state": state},
		Rows:            1,
		Size:            10,
	})
}

func (f *fixture) appendFiles(t *testing.T, paths ...string) int64 {
	t.Helper()
	tx, err := f.coord.Begin(context.Background())
	require.NoError(t, err)
	var actions []deltalog.Action
	for _, p := range paths {
		actions = append(actions, addFile(p, "CA"))
	}
	require.NoError(t, tx.Stage(Operation{Name: deltalog.OpWrite}, actions...))
	v, err := tx.Commit(context.Background())
	require.NoError(t, err)
	return v
}

func TestCreateTwiceConflicts(t *testing.T) {
	f := newFixture(t, fastOptions())
	tx := f.coord.BeginCreate()
	require.NoError(t, tx.Stage(Operation{Name: deltalog.OpCreateTable},
		deltalog.UpdateMetadata(deltalog.Metadata{ID: "other"}),
		deltalog.UpdateSchema(schema),
	))
	_, err := tx.Commit(context.Background())
	assert.ErrorIs(t, err, deltalog.ErrConcurrentModification)
	assert.Equal(t, StateAborted, tx.State())
}

func TestLostRaceRetriesToNextVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	for i := 1; i <= 5; i++ {
		f.appendFiles(t, fmt.Sprintf("data/addr_state=CA/%d.parquet", i))
	}
	at5, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, int64(5), at5.Version())

	a := f.coord.BeginAt(at5)
	b := f.coord.BeginAt(at5)
	require.NoError(t, a.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/a.parquet", "CA")))
	require.NoError(t, b.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/b.parquet", "CA")))

	va, err := a.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), va)

	// A raw append at the stale version loses against A.
	_, err = f.store.Append(ctx, &deltalog.LogRecord{Operation: deltalog.OpWrite}, 5)
	var ce *deltalog.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(6), ce.Actual)

	vb, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), vb)
	assert.Equal(t, 2, b.Attempts())
	assert.Equal(t, StateCommitted, b.State())
	assert.Equal(t, int64(5), b.Record().ReadVersion)
	assert.True(t, b.Record().IsBlindAppend)

	snap, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.NumFiles())
}

func TestConcurrentDeleteAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	f.appendFiles(t, "data/addr_state=CA/x.parquet")
	base, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)
	x, _ := base.File("data/addr_state=CA/x.parquet")

	deleter := f.coord.BeginAt(base)
	require.NoError(t, deleter.Stage(Operation{Name: deltalog.OpWrite}, deltalog.RemoveDataFile(x, 1)))
	_, err = deleter.Commit(ctx)
	require.NoError(t, err)

	reader := f.coord.BeginAt(base)
	reader.ReadFiles(x.Path)
	require.NoError(t, reader.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/y.parquet", "CA")))
	_, err = reader.Commit(ctx)
	require.ErrorIs(t, err, deltalog.ErrConcurrentModification)
	var cme *ConcurrentModificationError
	require.True(t, errors.As(err, &cme))
	assert.Equal(t, int64(2), cme.ConflictVersion)
	assert.Contains(t, cme.Reason, "removed concurrently")
	assert.Equal(t, StateAborted, reader.State())
}

func TestConcurrentAppendToReadPartition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	base, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)

	f.appendFiles(t, "data/addr_state=CA/new.parquet")

	tests := []struct {
		name     string
		declare  func(tx *Transaction)
		conflict bool
	}{
		{"read partition", func(tx *Transaction) { tx.ReadPartitions(map[string]string{"addr_state": "CA"}) }, true},
		{"other partition", func(tx *Transaction) { tx.ReadPartitions(map[string]string{"addr_state": "WA"}) }, false},
		{"whole table", func(tx *Transaction) { tx.ReadWholeTable() }, true},
		{"explicit files", func(tx *Transaction) { tx.ReadFiles("data/addr_state=WA/old.parquet") }, false},
		{"blind append", func(tx *Transaction) {}, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := f.coord.BeginAt(base)
			tt.declare(tx)
			require.NoError(t, tx.Stage(Operation{Name: deltalog.OpWrite},
				addFile(fmt.Sprintf("data/addr_state=WA/%d.parquet", i), "WA")))
			_, err := tx.Commit(ctx)
			if tt.conflict {
				assert.ErrorIs(t, err, deltalog.ErrConcurrentModification)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSchemaChangeAbortsConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	base, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)

	wider := datafile.Schema{Fields: append(append([]datafile.Field{}, schema.Fields...),
		datafile.Field{Name: "grade", Type: datafile.TypeString, Nullable: true})}
	evolve := f.coord.BeginAt(base)
	require.NoError(t, evolve.Stage(Operation{Name: deltalog.OpSetSchema}, deltalog.UpdateSchema(wider)))
	_, err = evolve.Commit(ctx)
	require.NoError(t, err)

	writer := f.coord.BeginAt(base)
	require.NoError(t, writer.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/z.parquet", "CA")))
	_, err = writer.Commit(ctx)
	assert.ErrorIs(t, err, deltalog.ErrConcurrentModification)
}

func TestDuplicateSourceLoadAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	base, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)

	first := f.coord.BeginAt(base)
	require.NoError(t, first.Stage(Operation{Name: deltalog.OpCopyInto, Sources: []string{"/in/a.parquet"}},
		addFile("data/addr_state=CA/1.parquet", "CA")))
	_, err = first.Commit(ctx)
	require.NoError(t, err)

	second := f.coord.BeginAt(base)
	require.NoError(t, second.Stage(Operation{Name: deltalog.OpCopyInto, Sources: []string{"/in/a.parquet"}},
		addFile("data/addr_state=CA/2.parquet", "CA")))
	_, err = second.Commit(ctx)
	assert.ErrorIs(t, err, deltalog.ErrConcurrentModification)
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxRetries: 0})
	base, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)
	f.appendFiles(t, "data/addr_state=CA/a.parquet")

	tx := f.coord.BeginAt(base)
	require.NoError(t, tx.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/b.parquet", "CA")))
	_, err = tx.Commit(ctx)
	var cme *ConcurrentModificationError
	require.True(t, errors.As(err, &cme))
	assert.Contains(t, cme.Reason, "gave up")
	assert.Equal(t, 1, tx.Attempts())
}

func TestStageValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fastOptions())
	f.appendFiles(t, "data/addr_state=CA/a.parquet")

	tests := []struct {
		name    string
		actions []deltalog.Action
	}{
		{"remove of unknown file", []deltalog.Action{deltalog.RemoveDataFile(datafile.DataFile{Path: "data/nope.parquet"}, 1)}},
		{"missing partition value", []deltalog.Action{deltalog.AddFile(datafile.DataFile{Path: "data/b.parquet"})}},
		{"duplicate add", []deltalog.Action{addFile("data/addr_state=CA/a.parquet", "CA")}},
		{"dropping a column", []deltalog.Action{deltalog.UpdateSchema(datafile.Schema{Fields: schema.Fields[:1]})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := f.coord.Begin(ctx)
			require.NoError(t, err)
			assert.Error(t, tx.Stage(Operation{Name: deltalog.OpWrite}, tt.actions...))
			assert.Equal(t, StateStarted, tx.State())
		})
	}

	tx, err := f.coord.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, tx.Stage(Operation{Name: deltalog.OpWrite}, addFile("data/addr_state=CA/c.parquet", "CA")))
	assert.ErrorIs(t, tx.Stage(Operation{Name: deltalog.OpWrite}), ErrInvalidState)
	tx.Abort()
	assert.Equal(t, StateAborted, tx.State())
	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestParallelBlindAppendsAllLand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxRetries: 50})
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := f.coord.Begin(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			if err := tx.Stage(Operation{Name: deltalog.OpWrite}, addFile(fmt.Sprintf("data/addr_state=CA/p%d.parquet", i), "CA")); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = tx.Commit(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	snap, err := f.builder.Build(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), snap.Version())
	assert.Equal(t, writers, snap.NumFiles())
}

func TestCommitHook(t *testing.T) {
	f := newFixture(t, fastOptions())
	var seen []int64
	f.coord.OnCommit(func(_ context.Context, rec *deltalog.LogRecord) {
		seen = append(seen, rec.Version)
	})
	f.appendFiles(t, "data/addr_state=CA/a.parquet")
	assert.Equal(t, []int64{1}, seen)
}
