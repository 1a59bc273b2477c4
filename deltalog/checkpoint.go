package deltalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
)

const lastCheckpointName = "_last_checkpoint"

var checkpointFileRe = regexp.MustCompile(`^(\d{20})\.checkpoint\.json\.zst$`)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Checkpoint is the folded table state at Version.
type Checkpoint struct {
	Version    int64               `json:"version"`
	Timestamp  int64               `json:"timestamp"`
	Metadata   *Metadata           `json:"metadata"`
	Schema     *datafile.Schema    `json:"schema"`
	Files      []datafile.DataFile `json:"files"`
	Tombstones []RemoveFile        `json:"tombstones,omitempty"`
	Sources    []string            `json:"sources,omitempty"`
}

// Checkpointer is implemented by stores that can persist folded state.
type Checkpointer interface {
	WriteCheckpoint(ctx context.Context, cp *Checkpoint) error
	// LatestCheckpoint returns the newest readable checkpoint at or below
	// version (any version when negative), or nil when there is none.
	LatestCheckpoint(ctx context.Context, version int64) (*Checkpoint, error)
}

var _ Checkpointer = (*FileStore)(nil)

func (s *FileStore) checkpointPath(version int64) string {
	return filepath.Join(s.logDir, fmt.Sprintf("%020d.checkpoint.json.zst", version))
}

// WriteCheckpoint stores cp as a zstd compressed file next to the commits
// and points _last_checkpoint at it.
func (s *FileStore) WriteCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	tmpDir := filepath.Join(s.logDir, "_tmp")
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	tmp := filepath.Join(tmpDir, ulid.Make().String()+".zst")
	if err := writeSynced(s.fs, tmp, zstdEncoder.EncodeAll(raw, nil)); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.checkpointPath(cp.Version)); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to publish checkpoint %d: %w", cp.Version, err)
	}

	hint, _ := json.Marshal(map[string]int64{"version": cp.Version, "size": int64(len(cp.Files))})
	if err := afero.WriteFile(s.fs, filepath.Join(s.logDir, lastCheckpointName), hint, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", lastCheckpointName, err)
	}
	core.Debugf(ctx, "wrote checkpoint %d with %d files", cp.Version, len(cp.Files))
	return nil
}

// LatestCheckpoint returns the newest readable checkpoint at or below
// version, any version when negative. It returns nil when there is none.
func (s *FileStore) LatestCheckpoint(ctx context.Context, version int64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version < 0 {
		if hinted, ok := s.lastCheckpointHint(); ok {
			if cp, err := s.readCheckpoint(hinted); err == nil {
				return cp, nil
			}
		}
	}

	entries, err := afero.ReadDir(s.fs, s.logDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory: %w", err)
	}
	// ReadDir sorts by name, and names sort by version.
	for i := len(entries) - 1; i >= 0; i-- {
		m := checkpointFileRe.FindStringSubmatch(entries[i].Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || (version >= 0 && v > version) {
			continue
		}
		cp, err := s.readCheckpoint(v)
		if err != nil {
			core.Warnf(ctx, "skipping unreadable checkpoint %d: %v", v, err)
			continue
		}
		return cp, nil
	}
	return nil, nil
}

func (s *FileStore) lastCheckpointHint() (int64, bool) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.logDir, lastCheckpointName))
	if err != nil {
		return 0, false
	}
	var hint struct {
		Version int64 `json:"version"`
	}
	if json.Unmarshal(data, &hint) != nil {
		return 0, false
	}
	return hint.Version, true
}

func (s *FileStore) readCheckpoint(version int64) (*Checkpoint, error) {
	data, err := afero.ReadFile(s.fs, s.checkpointPath(version))
	if err != nil {
		return nil, err
	}
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	if cp.Version != version {
		return nil, fmt.Errorf("checkpoint file %d holds version %d", version, cp.Version)
	}
	return &cp, nil
}
