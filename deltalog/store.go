package deltalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-lakehouse/core"
)

// LogDirName is the directory holding the commit log inside a table location.
const LogDirName = "_delta_log"

// Store is an append-only, gapless sequence of log records.
type Store interface {
	// Append writes rec as version expected+1. It fails with *ConflictError
	// when expected is not the latest version (-1 for an empty log).
	Append(ctx context.Context, rec *LogRecord, expected int64) (int64, error)
	// Read iterates versions from..to inclusive; to < 0 reads to the end.
	Read(ctx context.Context, from, to int64) *Iterator
	Get(ctx context.Context, version int64) (*LogRecord, error)
	// Latest is the highest committed version, -1 when nothing is committed.
	Latest(ctx context.Context) (int64, error)
}

var commitFileRe = regexp.MustCompile(`^(\d{20})\.json$`)

var errTargetExists = errors.New("commit file already exists")

type lockKey struct {
	fs  afero.Fs
	dir string
}

// publishLocks serialise publication on filesystems without atomic
// create-if-absent, across every FileStore sharing the same directory.
var publishLocks sync.Map

// FileStore keeps commit files in <location>/_delta_log on an afero filesystem.
type FileStore struct {
	fs       afero.Fs
	location string
	logDir   string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store for the table at location. Nothing is
// created until the first Append.
func NewFileStore(afs afero.Fs, location string) *FileStore {
	return &FileStore{
		fs:       afs,
		location: location,
		logDir:   filepath.Join(location, LogDirName),
	}
}

// Location is the table directory.
func (s *FileStore) Location() string {
	return s.location
}

// LogDir is the _delta_log directory inside Location.
func (s *FileStore) LogDir() string {
	return s.logDir
}

func (s *FileStore) commitPath(version int64) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%020d.json", version))
}

// Latest returns the highest committed version, or -1 when the log is
// empty or missing.
func (s *FileStore) Latest(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	entries, err := afero.ReadDir(s.fs, s.logDir)
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to list log directory: %w", err)
	}
	latest := int64(-1)
	for _, e := range entries {
		m := commitFileRe.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// Get reads and decodes one commit. A missing version wraps ErrNotFound and
// an undecodable one ErrInvalidLog.
func (s *FileStore) Get(ctx context.Context, version int64) (*LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, version)
	}
	name := s.commitPath(version)
	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version %d: %w", version, err)
	}
	return DecodeRecord(version, name, data)
}

// Read iterates the commits from..to inclusive.
func (s *FileStore) Read(ctx context.Context, from, to int64) *Iterator {
	return NewIterator(ctx, s, from, to)
}

// Append publishes rec as version expected+1. On success rec carries the
// committed version, timestamp and attempt id.
func (s *FileStore) Append(ctx context.Context, rec *LogRecord, expected int64) (int64, error) {
	if rec == nil {
		return -1, fmt.Errorf("nil log record")
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if expected < -1 {
		return -1, fmt.Errorf("invalid expected version %d", expected)
	}
	if expected >= 0 {
		ok, err := afero.Exists(s.fs, s.commitPath(expected))
		if err != nil {
			return -1, fmt.Errorf("failed to check version %d: %w", expected, err)
		}
		if !ok {
			return -1, s.conflict(ctx, expected)
		}
	}

	version := expected + 1
	out := *rec
	out.Version = version
	if out.Timestamp == 0 {
		out.Timestamp = time.Now().UnixMilli()
	}
	if out.AttemptID == "" {
		out.AttemptID = ulid.Make().String()
	}
	data, err := EncodeRecord(&out)
	if err != nil {
		return -1, err
	}

	tmpDir := filepath.Join(s.logDir, "_tmp")
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return -1, fmt.Errorf("failed to create log directory: %w", err)
	}
	tmp := filepath.Join(tmpDir, ulid.Make().String()+".json")
	if err := writeSynced(s.fs, tmp, data); err != nil {
		return -1, err
	}

	err = s.publish(tmp, s.commitPath(version))
	if errors.Is(err, errTargetExists) {
		_ = s.fs.Remove(tmp)
		return -1, s.conflict(ctx, expected)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return -1, fmt.Errorf("failed to publish version %d: %w", version, err)
	}

	*rec = out
	core.Debugf(ctx, "committed version %d (%s) to %s", version, out.Operation, s.logDir)
	return version, nil
}

func (s *FileStore) publish(tmp, final string) error {
	if _, ok := s.fs.(*afero.OsFs); ok {
		// link(2) fails with EEXIST instead of replacing the target.
		if err := os.Link(tmp, final); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return errTargetExists
			}
			return err
		}
		// the version is published; a leftover temp file is harmless
		_ = s.fs.Remove(tmp)
		return nil
	}

	mu, _ := publishLocks.LoadOrStore(lockKey{fs: s.fs, dir: s.logDir}, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	exists, err := afero.Exists(s.fs, final)
	if err != nil {
		return err
	}
	if exists {
		return errTargetExists
	}
	return s.fs.Rename(tmp, final)
}

func (s *FileStore) conflict(ctx context.Context, expected int64) error {
	actual, err := s.Latest(ctx)
	if err != nil {
		return fmt.Errorf("commit conflict at version %d: %w", expected+1, err)
	}
	ce := &ConflictError{Expected: expected, Actual: actual}
	if actual > expected {
		if winner, err := s.Get(ctx, expected+1); err == nil {
			ce.Winner = winner
		}
	}
	return ce
}

func writeSynced(afs afero.Fs, name string, data []byte) error {
	f, err := afs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	return f.Close()
}
