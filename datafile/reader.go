package datafile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
)

const readBatchSize = 1024

// RowSource is a lazy stream of rows.
type RowSource interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Reader opens the data files of one table.
type Reader struct {
	fs     afero.Fs
	root   string
	schema Schema
}

func NewReader(fs afero.Fs, root string, schema Schema) *Reader {
	return &Reader{fs: fs, root: root, schema: schema}
}

// Open returns a lazy iterator over the rows of df, conformed to the reader schema.
// Columns a file predates come back as nil.
func (r *Reader) Open(ctx context.Context, df DataFile) (*RowIterator, error) {
	it, err := OpenParquet(ctx, r.fs, filepath.Join(r.root, filepath.FromSlash(df.Path)))
	if err != nil {
		return nil, err
	}
	schema := r.schema
	it.schema = &schema
	return it, nil
}

// ReadAll loads every row of df.
func (r *Reader) ReadAll(ctx context.Context, df DataFile) ([]Row, error) {
	it, err := r.Open(ctx, df)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	rows := make([]Row, 0, df.Rows)
	for it.Next() {
		rows = append(rows, it.Row())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", df.Path, err)
	}
	return rows, nil
}

// RowIterator reads a parquet file in batches.
type RowIterator struct {
	ctx    context.Context
	file   afero.File
	reader *parquet.GenericReader[map[string]any]
	schema *Schema
	batch  []map[string]any
	n, pos int
	eof    bool
	cur    Row
	err    error
}

// OpenParquet opens any parquet file. Without a schema, rows keep the
// file's own column names with []byte values turned into strings.
func OpenParquet(ctx context.Context, afs afero.Fs, name string) (*RowIterator, error) {
	f, err := afs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to open parquet file %s: %w", name, err)
	}
	return &RowIterator{
		ctx:    ctx,
		file:   f,
		reader: parquet.NewGenericReader[map[string]any](pf, pf.Schema()),
	}, nil
}

func (it *RowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos >= it.n {
		if it.eof {
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		it.fill()
		if it.err != nil {
			return false
		}
	}
	raw := it.batch[it.pos]
	it.pos++
	row, err := it.convert(raw)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = row
	return true
}

func (it *RowIterator) fill() {
	it.batch = make([]map[string]any, readBatchSize)
	for i := range it.batch {
		it.batch[i] = make(map[string]any)
	}
	n, err := it.reader.Read(it.batch)
	it.n, it.pos = n, 0
	if errors.Is(err, io.EOF) {
		it.eof = true
		return
	}
	if err != nil {
		it.err = err
		return
	}
	if n == 0 {
		it.eof = true
	}
}

func (it *RowIterator) convert(raw map[string]any) (Row, error) {
	if it.schema == nil {
		row := make(Row, len(raw))
		for k, v := range raw {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[k] = v
		}
		return row, nil
	}
	row := make(Row, len(it.schema.Fields))
	for _, f := range it.schema.Fields {
		v, err := Coerce(f.Type, raw[f.Name])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		row[f.Name] = v
	}
	return row, nil
}

func (it *RowIterator) Row() Row {
	return it.cur
}

func (it *RowIterator) Err() error {
	return it.err
}

func (it *RowIterator) Close() error {
	rerr := it.reader.Close()
	ferr := it.file.Close()
	if rerr != nil {
		return rerr
	}
	return ferr
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
