package datafile

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
)

// Conform maps a row onto schema: keys are matched case-insensitively,
// values coerced, missing columns set to nil. Unknown columns are an error
// unless ignoreUnknown is set.
func Conform(schema Schema, row map[string]any, ignoreUnknown bool) (Row, error) {
	out := make(Row, len(schema.Fields))
	for k, v := range row {
		f, ok := schema.Field(k)
		if !ok {
			if ignoreUnknown {
				continue
			}
			return nil, fmt.Errorf("column %q is not in the table schema", k)
		}
		cv, err := Coerce(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		out[f.Name] = cv
	}
	for _, f := range schema.Fields {
		v, ok := out[f.Name]
		if !ok {
			out[f.Name] = nil
		}
		if v == nil && !f.Nullable {
			return nil, fmt.Errorf("column %q is not nullable", f.Name)
		}
	}
	return out, nil
}

// Writer writes conformed rows as parquet files below a table root.
type Writer struct {
	fs     afero.Fs
	root   string
	schema Schema
	pq     *parquet.Schema
}

func NewWriter(fs afero.Fs, root string, schema Schema) *Writer {
	return &Writer{fs: fs, root: root, schema: schema, pq: schema.parquetSchema()}
}

func (w *Writer) Schema() Schema {
	return w.schema
}

// Write stores rows at relPath and returns the file description with
// column statistics. Rows must already be conformed to the schema.
func (w *Writer) Write(ctx context.Context, rows []Row, relPath string, partitionValues map[string]string) (DataFile, error) {
	if err := ctx.Err(); err != nil {
		return DataFile{}, err
	}
	if len(rows) == 0 {
		return DataFile{}, fmt.Errorf("no rows to write to %s", relPath)
	}
	full := filepath.Join(w.root, filepath.FromSlash(relPath))
	if err := w.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return DataFile{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	stats := newStatsCollector(w.schema)
	records := make([]map[string]any, len(rows))
	for i, row := range rows {
		rec := make(map[string]any, len(w.schema.Fields))
		for _, f := range w.schema.Fields {
			v := row[f.Name]
			stats.observe(f.Name, v)
			if v != nil {
				rec[f.Name] = storageValue(v)
			}
		}
		records[i] = rec
	}

	f, err := w.fs.Create(full)
	if err != nil {
		return DataFile{}, fmt.Errorf("failed to create data file: %w", err)
	}
	pw := parquet.NewGenericWriter[map[string]any](f, w.pq, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(records); err != nil {
		_ = f.Close()
		return DataFile{}, fmt.Errorf("failed to write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		_ = f.Close()
		return DataFile{}, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return DataFile{}, fmt.Errorf("failed to sync data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return DataFile{}, fmt.Errorf("failed to stat data file: %w", err)
	}
	if err := f.Close(); err != nil {
		return DataFile{}, fmt.Errorf("failed to close data file: %w", err)
	}

	return DataFile{
		Path:             relPath,
		PartitionValues:  partitionValues,
		Size:             info.Size(),
		Rows:             int64(len(rows)),
		ModificationTime: time.Now().UnixMilli(),
		Stats:            stats.result(),
	}, nil
}

// Remove deletes written files, ignoring ones already gone.
func (w *Writer) Remove(files []DataFile) error {
	var result *multierror.Error
	for _, df := range files {
		full := filepath.Join(w.root, filepath.FromSlash(df.Path))
		if err := w.fs.Remove(full); err != nil && !isNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", df.Path, err))
		}
	}
	return result.ErrorOrNil()
}

type statsCollector struct {
	stats map[string]*ColumnStats
	// columns holding NaN or an infinity get no min and max
	unbounded map[string]bool
}

func newStatsCollector(schema Schema) *statsCollector {
	sc := &statsCollector{
		stats:     make(map[string]*ColumnStats, len(schema.Fields)),
		unbounded: make(map[string]bool),
	}
	for _, f := range schema.Fields {
		sc.stats[f.Name] = &ColumnStats{}
	}
	return sc
}

func (sc *statsCollector) observe(col string, v any) {
	st := sc.stats[col]
	if v == nil {
		st.NullCount++
		return
	}
	if _, isBool := v.(bool); isBool || sc.unbounded[col] {
		return
	}
	if !finite(v) {
		sc.unbounded[col] = true
		st.Min, st.Max = nil, nil
		return
	}
	sv := storageValue(v)
	if st.Min == nil {
		st.Min, st.Max = sv, sv
		return
	}
	if c, ok := CompareValues(sv, st.Min); ok && c < 0 {
		st.Min = sv
	}
	if c, ok := CompareValues(sv, st.Max); ok && c > 0 {
		st.Max = sv
	}
}

func finite(v any) bool {
	switch x := v.(type) {
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		return finite(float64(x))
	}
	return true
}

func (sc *statsCollector) result() map[string]ColumnStats {
	out := make(map[string]ColumnStats, len(sc.stats))
	for k, v := range sc.stats {
		out[k] = *v
	}
	return out
}
