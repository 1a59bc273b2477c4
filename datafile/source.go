package datafile

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/valyala/fastjson"
)

type Format string

const (
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parquet":
		return FormatParquet, nil
	case "json", "ndjson", "jsonl":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported file format %q", s)
}

// Extension is the file suffix used to discover sources of this format in a directory.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatCSV:
		return ".csv"
	}
	return ".parquet"
}

// OpenSource opens an external file to load into a table. Rows carry the
// source's own column names and loosely typed values; callers conform them.
func OpenSource(ctx context.Context, afs afero.Fs, name string, format Format) (RowSource, error) {
	switch format {
	case FormatParquet:
		return OpenParquet(ctx, afs, name)
	case FormatJSON:
		f, err := afs.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		return &jsonLines{ctx: ctx, f: f, sc: sc}, nil
	case FormatCSV:
		f, err := afs.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		r := csv.NewReader(f)
		r.ReuseRecord = false
		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return &csvRows{ctx: ctx, f: f, r: r, done: true}, nil
		}
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to read csv header of %s: %w", name, err)
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
		return &csvRows{ctx: ctx, f: f, r: r, header: header}, nil
	}
	return nil, fmt.Errorf("unsupported file format %q", format)
}

type jsonLines struct {
	ctx    context.Context
	f      afero.File
	sc     *bufio.Scanner
	parser fastjson.Parser
	line   int
	cur    Row
	err    error
}

func (j *jsonLines) Next() bool {
	if j.err != nil {
		return false
	}
	for j.sc.Scan() {
		j.line++
		b := j.sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.err = err
			return false
		}
		v, err := j.parser.ParseBytes(b)
		if err != nil {
			j.err = fmt.Errorf("line %d: %w", j.line, err)
			return false
		}
		obj, err := v.Object()
		if err != nil {
			j.err = fmt.Errorf("line %d: %w", j.line, err)
			return false
		}
		row := make(Row, obj.Len())
		obj.Visit(func(key []byte, val *fastjson.Value) {
			row[string(key)] = jsonValue(val)
		})
		j.cur = row
		return true
	}
	j.err = j.sc.Err()
	return false
}

func jsonValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeNull:
		return nil
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNumber:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	}
	return v.String()
}

func (j *jsonLines) Row() Row     { return j.cur }
func (j *jsonLines) Err() error   { return j.err }
func (j *jsonLines) Close() error { return j.f.Close() }

type csvRows struct {
	ctx    context.Context
	f      afero.File
	r      *csv.Reader
	header []string
	done   bool
	cur    Row
	err    error
}

func (c *csvRows) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	rec, err := c.r.Read()
	if errors.Is(err, io.EOF) {
		c.done = true
		return false
	}
	if err != nil {
		c.err = err
		return false
	}
	row := make(Row, len(c.header))
	for i, col := range c.header {
		if i >= len(rec) || rec[i] == "" || strings.EqualFold(rec[i], "NA") {
			row[col] = nil
			continue
		}
		row[col] = rec[i]
	}
	c.cur = row
	return true
}

func (c *csvRows) Row() Row     { return c.cur }
func (c *csvRows) Err() error   { return c.err }
func (c *csvRows) Close() error { return c.f.Close() }
