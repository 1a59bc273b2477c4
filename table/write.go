package table

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
	"github.com/gigapi/gigapi-lakehouse/txn"
)

type WriteMode int

const (
	ModeAppend WriteMode = iota
	ModeOverwrite
)

func (m WriteMode) String() string {
	if m == ModeOverwrite {
		return "Overwrite"
	}
	return "Append"
}

// Write appends rows, or replaces the table content with them in overwrite
// mode. It returns nil when an append has nothing to write.
func (t *Table) Write(ctx context.Context, rows []map[string]any, mode WriteMode) (*deltalog.LogRecord, error) {
	tx, err := t.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return t.WriteTx(ctx, tx, rows, mode)
}

// WriteTx is Write within a transaction begun by the caller, whose reads
// were made against tx.Snapshot(). tx is committed or aborted on return.
func (t *Table) WriteTx(ctx context.Context, tx *txn.Transaction, rows []map[string]any, mode WriteMode) (*deltalog.LogRecord, error) {
	snap := tx.Snapshot()
	conformed := make([]datafile.Row, 0, len(rows))
	for i, row := range rows {
		r, err := datafile.Conform(snap.Schema(), row, false)
		if err != nil {
			tx.Abort()
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		conformed = append(conformed, r)
	}
	if mode == ModeAppend && len(conformed) == 0 {
		tx.Abort()
		return nil, nil
	}

	files, err := t.writeFiles(ctx, snap, conformed)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	actions := make([]deltalog.Action, 0, len(files))
	for _, f := range files {
		actions = append(actions, deltalog.AddFile(f))
	}
	var removed int
	if mode == ModeOverwrite {
		tx.ReadWholeTable()
		now := time.Now().UnixMilli()
		for _, f := range snap.Files() {
			actions = append(actions, deltalog.RemoveDataFile(f, now))
			removed++
		}
	}

	op := txn.Operation{
		Name: deltalog.OpWrite,
		Parameters: map[string]string{
			"mode":        mode.String(),
			"partitionBy": fmt.Sprintf("%q", snap.PartitionColumns()),
		},
		Metrics: writeMetrics(files),
	}
	op.Metrics["numRemovedFiles"] = int64(removed)
	return t.CommitFiles(ctx, tx, op, files, actions)
}

func writeMetrics(files []datafile.DataFile) map[string]int64 {
	m := map[string]int64{"numFiles": int64(len(files))}
	for _, f := range files {
		m["numOutputRows"] += f.Rows
		m["numOutputBytes"] += f.Size
	}
	return m
}

// writeFiles partitions conformed rows and writes them in chunks of at most
// MaxRowsPerFile rows.
func (t *Table) writeFiles(ctx context.Context, snap *snapshot.Snapshot, rows []datafile.Row) ([]datafile.DataFile, error) {
	partCols := snap.PartitionColumns()
	groups := make(map[string][]datafile.Row)
	values := make(map[string]map[string]string)
	for _, r := range rows {
		pv := datafile.PartitionValues(r, partCols)
		key := datafile.PartitionKey(partCols, pv)
		groups[key] = append(groups[key], r)
		values[key] = pv
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := t.Writer(snap.Schema())
	var written []datafile.DataFile
	for _, key := range keys {
		group := groups[key]
		for start := 0; start < len(group); start += t.opts.MaxRowsPerFile {
			end := min(start+t.opts.MaxRowsPerFile, len(group))
			df, err := w.Write(ctx, group[start:end], datafile.NewFilePath(partCols, values[key]), values[key])
			if err != nil {
				t.Discard(ctx, written)
				return nil, err
			}
			written = append(written, df)
		}
	}
	return written, nil
}

// CopyResult describes a COPY INTO run.
type CopyResult struct {
	Record  *deltalog.LogRecord
	Loaded  []string
	Skipped []string
	Rows    int64
}

// CopyInto loads external files into the table. Sources already loaded by an
// earlier COPY INTO are skipped, so repeating a load is a no-op. A source may
// be a file, a directory or a glob pattern.
func (t *Table) CopyInto(ctx context.Context, sources []string, format datafile.Format) (*CopyResult, error) {
	var files []string
	for _, src := range sources {
		expanded, err := expandSource(t.fs, src, format)
		if err != nil {
			return nil, err
		}
		files = append(files, expanded...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no %s files in %s", deltalog.ErrNotFound, format, strings.Join(sources, ", "))
	}

	tx, err := t.Begin(ctx)
	if err != nil {
		return nil, err
	}
	snap := tx.Snapshot()
	res := &CopyResult{}
	for _, f := range files {
		if snap.HasSource(f) {
			res.Skipped = append(res.Skipped, f)
		} else {
			res.Loaded = append(res.Loaded, f)
		}
	}
	if len(res.Loaded) == 0 {
		tx.Abort()
		core.Infof(ctx, "COPY INTO %s: all %d source(s) already loaded", t.location, len(res.Skipped))
		return res, nil
	}

	rows, err := t.readSources(ctx, snap.Schema(), res.Loaded, format)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	written, err := t.writeFiles(ctx, snap, rows)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	actions := make([]deltalog.Action, 0, len(written))
	for _, f := range written {
		actions = append(actions, deltalog.AddFile(f))
	}
	op := txn.Operation{
		Name: deltalog.OpCopyInto,
		Parameters: map[string]string{
			"format": string(format),
			"files":  strconv.Itoa(len(res.Loaded)),
		},
		Metrics: writeMetrics(written),
		Sources: res.Loaded,
	}
	op.Metrics["numSkippedFiles"] = int64(len(res.Skipped))
	rec, err := t.CommitFiles(ctx, tx, op, written, actions)
	if err != nil {
		return nil, err
	}
	res.Record = rec
	res.Rows = int64(len(rows))
	return res, nil
}

func (t *Table) readSources(ctx context.Context, schema datafile.Schema, sources []string, format datafile.Format) ([]datafile.Row, error) {
	perSource := make([][]datafile.Row, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range sources {
		g.Go(func() error {
			src, err := datafile.OpenSource(gctx, t.fs, name, format)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			var rows []datafile.Row
			for src.Next() {
				r, err := datafile.Conform(schema, src.Row(), true)
				if err != nil {
					return fmt.Errorf("%s row %d: %w", name, len(rows)+1, err)
				}
				rows = append(rows, r)
			}
			if err := src.Err(); err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			perSource[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []datafile.Row
	for _, rows := range perSource {
		all = append(all, rows...)
	}
	return all, nil
}

// expandSource resolves a COPY INTO source into files. Directories are
// walked; names starting with '_' or '.' are skipped.
func expandSource(afs afero.Fs, src string, format datafile.Format) ([]string, error) {
	src = filepath.Clean(src)
	if strings.ContainsAny(src, "*?[") {
		matches, err := afero.Glob(afs, src)
		if err != nil {
			return nil, fmt.Errorf("invalid source pattern %s: %w", src, err)
		}
		sort.Strings(matches)
		return matches, nil
	}
	info, err := afs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: source %s", deltalog.ErrNotFound, src)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{src}, nil
	}
	var out []string
	err = afero.Walk(afs, src, func(p string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := fi.Name()
		if p != src && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.IsDir() && strings.EqualFold(filepath.Ext(name), format.Extension()) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", src, err)
	}
	sort.Strings(out)
	return out, nil
}
