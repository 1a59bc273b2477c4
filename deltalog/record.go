package deltalog

import (
	"github.com/gigapi/gigapi-lakehouse/datafile"
)

type ActionKind string

const (
	ActionAdd      ActionKind = "add"
	ActionRemove   ActionKind = "remove"
	ActionSchema   ActionKind = "schema"
	ActionMetadata ActionKind = "metadata"
)

// Operation names recorded in commit info.
const (
	OpCreateTable = "CREATE TABLE"
	OpWrite       = "WRITE"
	OpCopyInto    = "COPY INTO"
	OpOptimize    = "OPTIMIZE"
	OpSetSchema   = "SET SCHEMA"
)

type RemoveFile struct {
	Path              string            `json:"path"`
	DeletionTimestamp int64             `json:"deletionTimestamp"`
	PartitionValues   map[string]string `json:"partitionValues,omitempty"`
	Size              int64             `json:"size"`
	Rows              int64             `json:"numRecords"`
}

// Metadata is the table identity and partitioning.
type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	CreatedTime      int64             `json:"createdTime"`
}

// Action is one change inside a commit. Exactly one field is set.
type Action struct {
	Add      *datafile.DataFile `json:"add,omitempty"`
	Remove   *RemoveFile        `json:"remove,omitempty"`
	Schema   *datafile.Schema   `json:"schema,omitempty"`
	Metadata *Metadata          `json:"metadata,omitempty"`
}

func (a Action) Kind() ActionKind {
	switch {
	case a.Add != nil:
		return ActionAdd
	case a.Remove != nil:
		return ActionRemove
	case a.Schema != nil:
		return ActionSchema
	case a.Metadata != nil:
		return ActionMetadata
	}
	return ""
}

func (a Action) valid() bool {
	n := 0
	for _, set := range []bool{a.Add != nil, a.Remove != nil, a.Schema != nil, a.Metadata != nil} {
		if set {
			n++
		}
	}
	return n == 1
}

// AddFile makes df part of the table.
func AddFile(df datafile.DataFile) Action {
	return Action{Add: &df}
}

// RemoveDataFile logically deletes df at the given time (unix millis).
func RemoveDataFile(df datafile.DataFile, deletedAt int64) Action {
	return Action{Remove: &RemoveFile{
		Path:              df.Path,
		DeletionTimestamp: deletedAt,
		PartitionValues:   df.PartitionValues,
		Size:              df.Size,
		Rows:              df.Rows,
	}}
}

// UpdateSchema replaces the table schema.
func UpdateSchema(s datafile.Schema) Action {
	return Action{Schema: &s}
}

func UpdateMetadata(m Metadata) Action {
	return Action{Metadata: &m}
}

// LogRecord is one committed version of a table.
type LogRecord struct {
	Version             int64             `json:"version"`
	Timestamp           int64             `json:"timestamp"`
	AttemptID           string            `json:"attemptId"`
	Operation           string            `json:"operation"`
	OperationParameters map[string]string `json:"operationParameters,omitempty"`
	OperationMetrics    map[string]int64  `json:"operationMetrics,omitempty"`
	ReadVersion         int64             `json:"readVersion"`
	IsBlindAppend       bool              `json:"isBlindAppend"`
	Sources             []string          `json:"sources,omitempty"`
	Actions             []Action          `json:"-"`
}

// Adds returns the files added by the record.
func (r *LogRecord) Adds() []datafile.DataFile {
	var out []datafile.DataFile
	for _, a := range r.Actions {
		if a.Add != nil {
			out = append(out, *a.Add)
		}
	}
	return out
}

// Removes returns the files removed by the record.
func (r *LogRecord) Removes() []RemoveFile {
	var out []RemoveFile
	for _, a := range r.Actions {
		if a.Remove != nil {
			out = append(out, *a.Remove)
		}
	}
	return out
}

// ChangesTable reports whether the record replaces schema or metadata.
func (r *LogRecord) ChangesTable() bool {
	for _, a := range r.Actions {
		if a.Schema != nil || a.Metadata != nil {
			return true
		}
	}
	return false
}
