// Package optimize rewrites small data files of a table into fewer, larger
// files, optionally clustered along a Z-order curve.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
	"github.com/gigapi/gigapi-lakehouse/txn"
)

// Target is the table being compacted.
type Target interface {
	Begin(ctx context.Context) (*txn.Transaction, error)
	Reader(schema datafile.Schema) *datafile.Reader
	Writer(schema datafile.Schema) *datafile.Writer
	CommitFiles(ctx context.Context, tx *txn.Transaction, op txn.Operation,
		staged []datafile.DataFile, actions []deltalog.Action) (*deltalog.LogRecord, error)
	Discard(ctx context.Context, staged []datafile.DataFile)
}

type Options struct {
	// TargetFileSize is the size output files aim for; files at or above it
	// are left alone.
	TargetFileSize int64
	// MinInputFiles is how many small files a partition needs to be compacted
	// when no re-sort is due.
	MinInputFiles int
	// Parallelism bounds concurrent file reads.
	Parallelism int
}

func DefaultOptions() Options {
	return Options{
		TargetFileSize: 128 << 20,
		MinInputFiles:  2,
		Parallelism:    4,
	}
}

type Optimizer struct {
	opts Options
}

func New(opts Options) *Optimizer {
	def := DefaultOptions()
	if opts.TargetFileSize <= 0 {
		opts.TargetFileSize = def.TargetFileSize
	}
	if opts.MinInputFiles < 2 {
		opts.MinInputFiles = def.MinInputFiles
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	return &Optimizer{opts: opts}
}

type group struct {
	values map[string]string
	files  []datafile.DataFile
	rows   []datafile.Row
}

// Compact rewrites the small files of the partitions matching
// partitionFilter, ordered by sortColumns, and commits the swap as one
// record. It returns nil when there is nothing to compact.
func (o *Optimizer) Compact(ctx context.Context, tbl Target, partitionFilter map[string]string, sortColumns []string) (*deltalog.LogRecord, error) {
	tx, err := tbl.Begin(ctx)
	if err != nil {
		return nil, err
	}
	snap := tx.Snapshot()
	schema := snap.Schema()

	filter, err := normalizeFilter(snap, partitionFilter)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	cols := make([]string, 0, len(sortColumns))
	for _, c := range sortColumns {
		f, ok := schema.Field(c)
		if !ok {
			tx.Abort()
			return nil, fmt.Errorf("unknown ZORDER BY column %q", c)
		}
		cols = append(cols, f.Name)
	}
	zorderBy := strings.Join(cols, ",")

	groups := o.selectGroups(snap, filter, zorderBy)
	if len(groups) == 0 {
		tx.Abort()
		core.Debugf(ctx, "optimize: nothing to compact")
		return nil, nil
	}

	if err := o.readGroups(ctx, tbl.Reader(schema), groups); err != nil {
		tx.Abort()
		return nil, err
	}

	w := tbl.Writer(schema)
	partCols := snap.PartitionColumns()
	var (
		written []datafile.DataFile
		inputs  []datafile.DataFile
	)
	for _, g := range groups {
		ZOrder(g.rows, cols)
		perFile := o.rowsPerFile(g.files)
		for start := 0; start < len(g.rows); start += perFile {
			end := min(start+perFile, len(g.rows))
			df, err := w.Write(ctx, g.rows[start:end], datafile.NewFilePath(partCols, g.values), g.values)
			if err != nil {
				tbl.Discard(ctx, written)
				tx.Abort()
				return nil, err
			}
			if zorderBy != "" {
				df.Tags = map[string]string{datafile.TagZOrderBy: zorderBy}
			}
			written = append(written, df)
		}
		inputs = append(inputs, g.files...)
	}

	paths := make([]string, len(inputs))
	actions := make([]deltalog.Action, 0, len(written)+len(inputs))
	now := time.Now().UnixMilli()
	for i, f := range inputs {
		paths[i] = f.Path
		actions = append(actions, deltalog.RemoveDataFile(f, now))
	}
	for _, f := range written {
		actions = append(actions, deltalog.AddFile(f))
	}
	// Only the rewritten files matter; appends landing meanwhile do not
	// invalidate the compaction.
	tx.ReadFiles(paths...)

	op := txn.Operation{
		Name:       deltalog.OpOptimize,
		Parameters: map[string]string{"predicate": formatFilter(filter)},
		Metrics:    metrics(inputs, written),
	}
	if len(cols) > 0 {
		b, _ := json.Marshal(cols)
		op.Parameters["zOrderBy"] = string(b)
	}
	rec, err := tbl.CommitFiles(ctx, tx, op, written, actions)
	if err != nil {
		return nil, err
	}
	core.Infof(ctx, "optimize committed version %d: %d file(s) rewritten into %d", rec.Version, len(inputs), len(written))
	return rec, nil
}

// selectGroups groups small files by partition and keeps the groups worth
// rewriting.
func (o *Optimizer) selectGroups(snap *snapshot.Snapshot, filter map[string]string, zorderBy string) []*group {
	partCols := snap.PartitionColumns()
	byKey := make(map[string]*group)
	for _, f := range snap.Files() {
		if f.Size >= o.opts.TargetFileSize || !matches(filter, f.PartitionValues) {
			continue
		}
		key := datafile.PartitionKey(partCols, f.PartitionValues)
		g, ok := byKey[key]
		if !ok {
			g = &group{values: f.PartitionValues}
			byKey[key] = g
		}
		g.files = append(g.files, f)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*group
	for _, k := range keys {
		g := byKey[k]
		if len(g.files) >= o.opts.MinInputFiles || needsSort(g.files, zorderBy) {
			out = append(out, g)
		}
	}
	return out
}

func needsSort(files []datafile.DataFile, zorderBy string) bool {
	if zorderBy == "" {
		return false
	}
	for _, f := range files {
		if f.Tags[datafile.TagZOrderBy] != zorderBy {
			return true
		}
	}
	return false
}

func (o *Optimizer) readGroups(ctx context.Context, r *datafile.Reader, groups []*group) error {
	type slot struct {
		g    *group
		rows []datafile.Row
	}
	var slots []*slot
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.opts.Parallelism)
	for _, g := range groups {
		for _, f := range g.files {
			s := &slot{g: g}
			slots = append(slots, s)
			eg.Go(func() error {
				rows, err := r.ReadAll(gctx, f)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", f.Path, err)
				}
				s.rows = rows
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for _, s := range slots {
		s.g.rows = append(s.g.rows, s.rows...)
	}
	return nil
}

// rowsPerFile estimates how many rows fill TargetFileSize from the bytes per
// row observed in the input files.
func (o *Optimizer) rowsPerFile(files []datafile.DataFile) int {
	var size, rows int64
	for _, f := range files {
		size += f.Size
		rows += f.Rows
	}
	if rows == 0 || size == 0 {
		return 1
	}
	bytesPerRow := float64(size) / float64(rows)
	n := int(float64(o.opts.TargetFileSize) / bytesPerRow)
	return max(n, 1)
}

func normalizeFilter(snap *snapshot.Snapshot, filter map[string]string) (map[string]string, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(filter))
	for k, v := range filter {
		col := ""
		for _, pc := range snap.PartitionColumns() {
			if strings.EqualFold(pc, k) {
				col = pc
			}
		}
		if col == "" {
			return nil, fmt.Errorf("%q is not a partition column", k)
		}
		out[col] = v
	}
	return out, nil
}

func matches(filter, values map[string]string) bool {
	for k, v := range filter {
		if values[k] != v {
			return false
		}
	}
	return true
}

func formatFilter(filter map[string]string) string {
	if len(filter) == 0 {
		return "[]"
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + " = " + strconv.Quote(filter[k])
	}
	return "[" + strings.Join(parts, " AND ") + "]"
}

func metrics(removed, added []datafile.DataFile) map[string]int64 {
	m := map[string]int64{
		"numRemovedFiles": int64(len(removed)),
		"numAddedFiles":   int64(len(added)),
	}
	for _, f := range removed {
		m["numRemovedBytes"] += f.Size
	}
	for _, f := range added {
		m["numAddedBytes"] += f.Size
		m["numOutputRows"] += f.Rows
	}
	return m
}
