package table

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
	"github.com/gigapi/gigapi-lakehouse/txn"
)

var (
	ErrTableExists = errors.New("table already exists")
	// ErrReadOnly is returned by writes once the table log was found invalid.
	ErrReadOnly = errors.New("table is read-only")
	ErrDropped  = errors.New("table was dropped")
	// ErrStagedFileMissing is returned when a data file written for a
	// commit was deleted before the commit.
	ErrStagedFileMissing = errors.New("staged data file is missing")
)

type Options struct {
	Commit txn.Options
	// CheckpointInterval writes a checkpoint every n versions; 0 disables.
	CheckpointInterval int64
	MaxRowsPerFile     int
	SnapshotCacheTTL   time.Duration
	SnapshotCacheSize  int
	// MinVacuumRetention is the shortest retention VACUUM deletes with;
	// 0 disables the check.
	MinVacuumRetention time.Duration
}

func DefaultOptions() Options {
	return Options{
		Commit:             txn.DefaultOptions(),
		CheckpointInterval: 10,
		MaxRowsPerFile:     1_000_000,
		SnapshotCacheTTL:   5 * time.Minute,
		SnapshotCacheSize:  64,
		MinVacuumRetention: time.Hour,
	}
}

// Definition is what a new table is created with.
type Definition struct {
	Name             string
	Description      string
	Schema           datafile.Schema
	PartitionColumns []string
	Configuration    map[string]string
}

// Table is a transactional table stored at one location.
type Table struct {
	fs       afero.Fs
	location string
	opts     Options
	store    *deltalog.FileStore
	builder  *snapshot.Builder
	coord    *txn.Coordinator
	readOnly atomic.Bool
	dropped  atomic.Bool
}

func newTable(fs afero.Fs, location string, opts Options) *Table {
	if opts.MaxRowsPerFile <= 0 {
		opts.MaxRowsPerFile = DefaultOptions().MaxRowsPerFile
	}
	store := deltalog.NewFileStore(fs, location)
	builder := snapshot.NewBuilder(store,
		snapshot.WithCacheTTL(opts.SnapshotCacheTTL),
		snapshot.WithCacheCapacity(opts.SnapshotCacheSize))
	t := &Table{
		fs:       fs,
		location: location,
		opts:     opts,
		store:    store,
		builder:  builder,
		coord:    txn.NewCoordinator(store, builder, opts.Commit),
	}
	t.coord.OnCommit(t.checkpoint)
	return t
}

// Exists reports whether a table log is present at location.
func Exists(ctx context.Context, fs afero.Fs, location string) (bool, error) {
	latest, err := deltalog.NewFileStore(fs, location).Latest(ctx)
	if err != nil {
		return false, err
	}
	return latest >= 0, nil
}

// Create writes version 0 of a new table at location.
func Create(ctx context.Context, fs afero.Fs, location string, def Definition, opts Options) (*Table, error) {
	if err := def.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	partCols := make([]string, 0, len(def.PartitionColumns))
	for _, pc := range def.PartitionColumns {
		f, ok := def.Schema.Field(pc)
		if !ok {
			return nil, fmt.Errorf("partition column %q is not in the schema", pc)
		}
		partCols = append(partCols, f.Name)
	}
	if err := fs.MkdirAll(location, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create table location: %w", err)
	}

	t := newTable(fs, location, opts)
	tx := t.coord.BeginCreate()
	err := tx.Stage(txn.Operation{
		Name: deltalog.OpCreateTable,
		Parameters: map[string]string{
			"partitionBy": fmt.Sprintf("%q", partCols),
			"location":    location,
		},
	},
		deltalog.UpdateMetadata(deltalog.Metadata{
			ID:               uuid.NewString(),
			Name:             def.Name,
			Description:      def.Description,
			PartitionColumns: partCols,
			Configuration:    def.Configuration,
			CreatedTime:      time.Now().UnixMilli(),
		}),
		deltalog.UpdateSchema(def.Schema),
	)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		if errors.Is(err, deltalog.ErrConcurrentModification) {
			return nil, fmt.Errorf("%w at %s", ErrTableExists, location)
		}
		return nil, err
	}
	core.Infof(ctx, "created table %q at %s", def.Name, location)
	return t, nil
}

// Open loads an existing table.
func Open(ctx context.Context, fs afero.Fs, location string, opts Options) (*Table, error) {
	t := newTable(fs, location, opts)
	latest, err := t.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest < 0 {
		return nil, fmt.Errorf("%w: no table at %s", deltalog.ErrNotFound, location)
	}
	return t, nil
}

func (t *Table) Location() string {
	return t.location
}

func (t *Table) FS() afero.Fs {
	return t.fs
}

func (t *Table) Options() Options {
	return t.opts
}

// FilePath is the location of a data file on the table filesystem.
func (t *Table) FilePath(df datafile.DataFile) string {
	return filepath.Join(t.location, filepath.FromSlash(df.Path))
}

func (t *Table) ReadOnly() bool {
	return t.readOnly.Load()
}

// Snapshot returns the latest committed state.
func (t *Table) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return t.SnapshotAt(ctx, -1)
}

// SnapshotAt returns the state as of version; negative means latest.
func (t *Table) SnapshotAt(ctx context.Context, version int64) (*snapshot.Snapshot, error) {
	if t.dropped.Load() {
		return nil, ErrDropped
	}
	snap, err := t.builder.Build(ctx, version)
	return snap, t.observe(err)
}

// History lists up to limit records, newest first. limit <= 0 lists all.
func (t *Table) History(ctx context.Context, limit int) ([]*deltalog.LogRecord, error) {
	latest, err := t.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	from := int64(0)
	if limit > 0 && latest-int64(limit)+1 > 0 {
		from = latest - int64(limit) + 1
	}
	var out []*deltalog.LogRecord
	it := t.store.Read(ctx, from, latest)
	defer func() { _ = it.Close() }()
	for it.Next() {
		out = append(out, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, t.observe(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Begin starts a transaction on the latest snapshot.
func (t *Table) Begin(ctx context.Context) (*txn.Transaction, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	tx, err := t.coord.Begin(ctx)
	return tx, t.observe(err)
}

// Reader reads data files with the given schema.
func (t *Table) Reader(schema datafile.Schema) *datafile.Reader {
	return datafile.NewReader(t.fs, t.location, schema)
}

func (t *Table) Writer(schema datafile.Schema) *datafile.Writer {
	return datafile.NewWriter(t.fs, t.location, schema)
}

// CommitFiles stages actions on tx and commits them. Staged data files are
// deleted when the commit does not land.
func (t *Table) CommitFiles(ctx context.Context, tx *txn.Transaction, op txn.Operation,
	staged []datafile.DataFile, actions []deltalog.Action) (*deltalog.LogRecord, error) {
	for _, df := range staged {
		ok, err := afero.Exists(t.fs, t.FilePath(df))
		if err == nil && !ok {
			err = fmt.Errorf("%w: %s", ErrStagedFileMissing, df.Path)
		}
		if err != nil {
			tx.Abort()
			t.Discard(ctx, staged)
			return nil, err
		}
	}
	if err := tx.Stage(op, actions...); err != nil {
		t.Discard(ctx, staged)
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Discard(ctx, staged)
		return nil, t.observe(err)
	}
	return tx.Record(), nil
}

// Discard deletes data files that never made it into the log.
func (t *Table) Discard(ctx context.Context, staged []datafile.DataFile) {
	if len(staged) == 0 {
		return
	}
	if err := datafile.NewWriter(t.fs, t.location, datafile.Schema{}).Remove(staged); err != nil {
		core.Warnf(ctx, "failed to discard staged files of %s: %v", t.location, err)
	}
}

// SetSchema commits an additive schema change.
func (t *Table) SetSchema(ctx context.Context, schema datafile.Schema) (*deltalog.LogRecord, error) {
	tx, err := t.Begin(ctx)
	if err != nil {
		return nil, err
	}
	tx.ReadWholeTable()
	return t.CommitFiles(ctx, tx, txn.Operation{
		Name:       deltalog.OpSetSchema,
		Parameters: map[string]string{"schema": schema.String()},
	}, nil, []deltalog.Action{deltalog.UpdateSchema(schema)})
}

// Drop moves the table location aside so that it can be created again.
func (t *Table) Drop(ctx context.Context) (string, error) {
	if !t.dropped.CompareAndSwap(false, true) {
		return "", ErrDropped
	}
	tombstone := fmt.Sprintf("%s.tombstone-%s", filepath.Clean(t.location), ulid.Make().String())
	if err := t.fs.Rename(t.location, tombstone); err != nil {
		t.dropped.Store(false)
		return "", fmt.Errorf("failed to drop table at %s: %w", t.location, err)
	}
	t.builder.Invalidate()
	core.Infof(ctx, "dropped table at %s, data moved to %s", t.location, tombstone)
	return tombstone, nil
}

func (t *Table) writable() error {
	if t.dropped.Load() {
		return ErrDropped
	}
	if t.readOnly.Load() {
		return fmt.Errorf("%w: the log at %s is invalid", ErrReadOnly, t.location)
	}
	return nil
}

// observe switches the table to read-only on an invalid log.
func (t *Table) observe(err error) error {
	if err != nil && errors.Is(err, deltalog.ErrInvalidLog) {
		if t.readOnly.CompareAndSwap(false, true) {
			core.Errorf(context.Background(), "table at %s is now read-only: %v", t.location, err)
		}
	}
	return err
}

func (t *Table) checkpoint(ctx context.Context, rec *deltalog.LogRecord) {
	interval := t.opts.CheckpointInterval
	if interval <= 0 || rec.Version == 0 || rec.Version%interval != 0 {
		return
	}
	snap, err := t.builder.Build(ctx, rec.Version)
	if err != nil {
		core.Warnf(ctx, "skipping checkpoint %d of %s: %v", rec.Version, t.location, err)
		return
	}
	if err := t.store.WriteCheckpoint(ctx, snap.Checkpoint()); err != nil {
		core.Warnf(ctx, "failed to write checkpoint %d of %s: %v", rec.Version, t.location, err)
	}
}
