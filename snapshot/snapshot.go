package snapshot

import (
	"sort"

	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
)

// Snapshot is the state of a table as of one committed version. It is
// immutable once built.
type Snapshot struct {
	version    int64
	timestamp  int64
	metadata   *deltalog.Metadata
	schema     *datafile.Schema
	files      map[string]datafile.DataFile
	tombstones map[string]deltalog.RemoveFile
	sources    map[string]struct{}
}

// Empty is the state before the first commit, version -1.
func Empty() *Snapshot {
	return empty()
}

func empty() *Snapshot {
	return &Snapshot{
		version:    -1,
		files:      make(map[string]datafile.DataFile),
		tombstones: make(map[string]deltalog.RemoveFile),
		sources:    make(map[string]struct{}),
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		version:    s.version,
		timestamp:  s.timestamp,
		metadata:   s.metadata,
		schema:     s.schema,
		files:      make(map[string]datafile.DataFile, len(s.files)),
		tombstones: make(map[string]deltalog.RemoveFile, len(s.tombstones)),
		sources:    make(map[string]struct{}, len(s.sources)),
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.tombstones {
		c.tombstones[k] = v
	}
	for k := range s.sources {
		c.sources[k] = struct{}{}
	}
	return c
}

// apply folds one record into s.
func (s *Snapshot) apply(rec *deltalog.LogRecord) error {
	if rec.Version != s.version+1 {
		return &deltalog.InvalidLogError{Version: rec.Version, Reason: "out of order record"}
	}
	for _, a := range rec.Actions {
		switch a.Kind() {
		case deltalog.ActionAdd:
			s.files[a.Add.Path] = *a.Add
			delete(s.tombstones, a.Add.Path)
		case deltalog.ActionRemove:
			if _, live := s.files[a.Remove.Path]; !live {
				return &deltalog.InvalidLogError{
					Version: rec.Version,
					Path:    a.Remove.Path,
					Reason:  "remove of a file that is not live",
				}
			}
			delete(s.files, a.Remove.Path)
			s.tombstones[a.Remove.Path] = *a.Remove
		case deltalog.ActionSchema:
			schema := *a.Schema
			s.schema = &schema
		case deltalog.ActionMetadata:
			md := *a.Metadata
			s.metadata = &md
		default:
			return &deltalog.InvalidLogError{Version: rec.Version, Reason: "unknown action"}
		}
	}
	for _, src := range rec.Sources {
		s.sources[src] = struct{}{}
	}
	s.version = rec.Version
	s.timestamp = rec.Timestamp
	return nil
}

func fromCheckpoint(cp *deltalog.Checkpoint) *Snapshot {
	s := empty()
	s.version = cp.Version
	s.timestamp = cp.Timestamp
	s.metadata = cp.Metadata
	s.schema = cp.Schema
	for _, f := range cp.Files {
		s.files[f.Path] = f
	}
	for _, r := range cp.Tombstones {
		s.tombstones[r.Path] = r
	}
	for _, src := range cp.Sources {
		s.sources[src] = struct{}{}
	}
	return s
}

// Checkpoint returns the state to persist for fast rebuilds.
func (s *Snapshot) Checkpoint() *deltalog.Checkpoint {
	return &deltalog.Checkpoint{
		Version:    s.version,
		Timestamp:  s.timestamp,
		Metadata:   s.metadata,
		Schema:     s.schema,
		Files:      s.Files(),
		Tombstones: s.Tombstones(),
		Sources:    s.Sources(),
	}
}

func (s *Snapshot) Version() int64 {
	return s.version
}

// Timestamp is the commit time of the snapshot version in unix millis.
func (s *Snapshot) Timestamp() int64 {
	return s.timestamp
}

func (s *Snapshot) Metadata() deltalog.Metadata {
	if s.metadata == nil {
		return deltalog.Metadata{}
	}
	return *s.metadata
}

func (s *Snapshot) Schema() datafile.Schema {
	if s.schema == nil {
		return datafile.Schema{}
	}
	return *s.schema
}

func (s *Snapshot) PartitionColumns() []string {
	if s.metadata == nil {
		return nil
	}
	return s.metadata.PartitionColumns
}

// Files lists live files ordered by path.
func (s *Snapshot) Files() []datafile.DataFile {
	out := make([]datafile.DataFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	datafile.SortFiles(out)
	return out
}

func (s *Snapshot) File(path string) (datafile.DataFile, bool) {
	f, ok := s.files[path]
	return f, ok
}

func (s *Snapshot) IsLive(path string) bool {
	_, ok := s.files[path]
	return ok
}

func (s *Snapshot) NumFiles() int {
	return len(s.files)
}

func (s *Snapshot) NumRows() int64 {
	var n int64
	for _, f := range s.files {
		n += f.Rows
	}
	return n
}

func (s *Snapshot) SizeBytes() int64 {
	var n int64
	for _, f := range s.files {
		n += f.Size
	}
	return n
}

// Tombstones lists logically removed files that are not live again.
func (s *Snapshot) Tombstones() []deltalog.RemoveFile {
	out := make([]deltalog.RemoveFile, 0, len(s.tombstones))
	for _, r := range s.tombstones {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HasSource reports whether a COPY INTO source was already loaded.
func (s *Snapshot) HasSource(src string) bool {
	_, ok := s.sources[src]
	return ok
}

func (s *Snapshot) Sources() []string {
	out := make([]string, 0, len(s.sources))
	for src := range s.sources {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}
