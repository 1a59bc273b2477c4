package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"

	"github.com/google/uuid"
)

// DataFile describes one immutable parquet file of a table. Path is relative
// to the table location.
type DataFile struct {
	Path             string                 `json:"path"`
	PartitionValues  map[string]string      `json:"partitionValues,omitempty"`
	Size             int64                  `json:"size"`
	Rows             int64                  `json:"numRecords"`
	ModificationTime int64                  `json:"modificationTime"`
	Stats            map[string]ColumnStats `json:"stats,omitempty"`
	Tags             map[string]string      `json:"tags,omitempty"`
}

// TagZOrderBy names the columns a file was clustered by.
const TagZOrderBy = "zorderBy"

type ColumnStats struct {
	Min       any   `json:"min"`
	Max       any   `json:"max"`
	NullCount int64 `json:"nullCount"`
}

func (c *ColumnStats) UnmarshalJSON(b []byte) error {
	var raw struct {
		Min       json.RawMessage `json:"min"`
		Max       json.RawMessage `json:"max"`
		NullCount int64           `json:"nullCount"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var err error
	if c.Min, err = decodeStat(raw.Min); err != nil {
		return err
	}
	if c.Max, err = decodeStat(raw.Max); err != nil {
		return err
	}
	c.NullCount = raw.NullCount
	return nil
}

// decodeStat keeps integral stats as int64 instead of float64.
func decodeStat(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return v, nil
}

// SamePartition reports whether two partition value maps are identical.
func SamePartition(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// PartitionKey is a stable string form of partition values, usable as a map key.
func PartitionKey(cols []string, values map[string]string) string {
	var buf bytes.Buffer
	for i, c := range cols {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(c)
		buf.WriteByte('=')
		buf.WriteString(url.PathEscape(values[c]))
	}
	return buf.String()
}

// NewFilePath returns a fresh relative path under data/ for a file in the
// given partition.
func NewFilePath(cols []string, values map[string]string) string {
	parts := []string{"data"}
	if len(cols) > 0 {
		parts = append(parts, PartitionKey(cols, values))
	}
	parts = append(parts, fmt.Sprintf("part-%s.parquet", uuid.NewString()))
	return path.Join(parts...)
}

// PartitionValues extracts the partition values of a canonical row.
func PartitionValues(row Row, cols []string) map[string]string {
	if len(cols) == 0 {
		return nil
	}
	pv := make(map[string]string, len(cols))
	for _, c := range cols {
		pv[c] = FormatValue(row[c])
	}
	return pv
}

// SortFiles orders files by path.
func SortFiles(files []DataFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
